// Package sfu bridges room voice/video onto a pool of media workers.
// The worker is an abstract unit: it creates routers, routers create
// transports, transports produce and consume tracks. The pion-backed worker
// lives in the pionworker subpackage; tests use mocks.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a room, transport, producer, or consumer
	// does not exist.
	ErrNotFound = errors.New("sfu: not found")

	// ErrCannotConsume is returned when the router refuses a consume request
	// (capability mismatch).
	ErrCannotConsume = errors.New("sfu: cannot consume")

	// ErrClosed is returned for operations on a closed bridge.
	ErrClosed = errors.New("sfu: closed")

	// ErrBadRequest is returned for malformed media requests.
	ErrBadRequest = errors.New("sfu: bad request")
)

// Kind is a media kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Direction is the transport direction, from the client's point of view.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// AppData is opaque client metadata attached to a producer. The one field the
// server interprets is "type": "voice" producers use a dedicated discovery
// path.
type AppData map[string]any

// MediaType returns the producer type tag, if any.
func (d AppData) MediaType() string {
	if d == nil {
		return ""
	}
	t, _ := d["type"].(string)
	return t
}

// ICEServer is a STUN/TURN server entry handed to clients with transport
// parameters.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TransportParams is the client-facing description of a freshly created
// transport. SDP carries the server's offer; the client connects by sending
// its answer back through connect_transport.
type TransportParams struct {
	ID         string      `json:"id"`
	SDP        string      `json:"sdp"`
	ICEServers []ICEServer `json:"iceServers"`
}

// ConsumerParams describes a created consumer. RenegotiationSDP, when
// non-empty, is a fresh offer for the receiving transport that covers the
// added track.
type ConsumerParams struct {
	ID               string          `json:"id"`
	ProducerID       string          `json:"producerId"`
	Kind             Kind            `json:"kind"`
	RTPParameters    json.RawMessage `json:"rtpParameters"`
	AppData          AppData         `json:"appData,omitempty"`
	RenegotiationSDP string          `json:"renegotiationSdp,omitempty"`
}

// ProducerInfo is the discovery shape returned by get_producers.
type ProducerInfo struct {
	ProducerID string `json:"producerId"`
	Kind       Kind   `json:"kind"`
	Type       string `json:"type"`
}

// Worker is one media worker process (or in-process equivalent). Workers own
// routers; a worker's death is fatal to the whole server.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context) (Router, error)
	// Died is closed when the worker dies unexpectedly.
	Died() <-chan struct{}
	Close() error
}

// Router is the per-room media hub on a worker.
type Router interface {
	RTPCapabilities() json.RawMessage
	CreateTransport(ctx context.Context, direction Direction) (Transport, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Close() error
}

// Transport is one DTLS/ICE container belonging to a session.
type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind Kind, rtpParameters json.RawMessage, appData AppData) (Producer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error)
	Close() error
}

// Producer is an inbound track from a client.
type Producer interface {
	ID() string
	Kind() Kind
	Close() error
}

// Consumer is an outbound track toward a client. Consumers start paused and
// flow after Resume.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RTPParameters() json.RawMessage
	Resume() error
	Close() error
}
