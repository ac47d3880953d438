package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, uint16(40000), cfg.RTPMinPort)
	assert.Equal(t, uint16(49999), cfg.RTPMaxPort)
	assert.Equal(t, 4443, cfg.ICETCPPort)
	assert.Equal(t, 200, cfg.ChatLimit)
	assert.Equal(t, 3*time.Second, cfg.ReconnectGrace)
	assert.Equal(t, 5*time.Second, cfg.RejoinSuppress)
	assert.Equal(t, 60*time.Second, cfg.RoomIdleTimeout)
	assert.Equal(t, "memory", cfg.PubSubType)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICESTUNURLs)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SFU_WORKERS", "4")
	t.Setenv("CHAT_LIMIT", "50")
	t.Setenv("RECONNECT_GRACE", "10s")
	t.Setenv("ANNOUNCED_IP", "203.0.113.9")
	t.Setenv("ICE_TURN_URLS", "turn:turn.example.com:3478, turns:turn.example.com:5349")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 50, cfg.ChatLimit)
	assert.Equal(t, 10*time.Second, cfg.ReconnectGrace)
	assert.Equal(t, "203.0.113.9", cfg.AnnouncedIP)
	assert.Equal(t, []string{"turn:turn.example.com:3478", "turns:turn.example.com:5349"}, cfg.ICETURNURLs)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric workers", "SFU_WORKERS", "two"},
		{"zero workers", "SFU_WORKERS", "0"},
		{"inverted port range", "RTP_MIN_PORT", "60000"},
		{"bad duration", "ROOM_IDLE_TIMEOUT", "soon"},
		{"unknown pubsub", "PUBSUB_TYPE", "kafka"},
		{"negative ice tcp port", "ICE_TCP_PORT", "-1"},
		{"ice tcp port overflow", "ICE_TCP_PORT", "65535"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RedisRequiresURL(t *testing.T) {
	t.Setenv("PUBSUB_TYPE", "redis")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.PubSubType)
}
