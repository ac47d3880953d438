package room

// Broadcast and direct-emit event names, as they appear on the wire.
const (
	EventUserJoined            = "user_joined"
	EventUserLeft              = "user_left"
	EventNewMessage            = "new_message"
	EventMessageUpdated        = "message_updated"
	EventMessageDeleted        = "message_deleted"
	EventMessageReactionUpdate = "message_reaction_update"
	EventReactionReceived      = "reaction_received"
	EventPlaybackSync          = "playback_sync"
	EventRoomLocked            = "room_locked"
	EventHostUpdate            = "host_update"
	EventKicked                = "kicked"

	EventScreenShareStarted      = "screen_share_started"
	EventScreenShareStopped      = "screen_share_stopped"
	EventScreenShareRequestOffer = "screen_share_request_offer"
	EventScreenShareOffer        = "screen_share_offer"
	EventScreenShareAnswer       = "screen_share_answer"
	EventScreenShareICE          = "screen_share_ice"
)
