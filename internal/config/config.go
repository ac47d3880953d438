package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Server
	ServerAddr string
	Env        string // "development" or "production"

	// Media workers
	WorkerCount int
	RTPMinPort  uint16
	RTPMaxPort  uint16
	ICETCPPort  int    // base port for ICE-TCP candidates; 0 disables TCP fallback
	AnnouncedIP string // overrides discovery when set

	// ICE
	ICESTUNURLs  []string
	ICETURNURLs  []string
	TURNUsername string
	TURNPassword string

	// Room behaviour
	ChatLimit       int
	ReconnectGrace  time.Duration // disconnect-to-leave window
	RejoinSuppress  time.Duration // suppress "joined" system message window
	RoomIdleTimeout time.Duration // empty-room destruction delay

	// Identity (external auth collaborator; empty key = pass-through)
	IdentitySigningKey string

	// Redis (for broadcast fan-out across instances)
	RedisURL   string
	PubSubType string // "memory" or "redis"
}

// Load reads configuration from environment variables.
// In production these come from the host; in dev a .env file is honored.
func Load() (*Config, error) {
	// Best effort: absent .env is the normal case outside dev.
	_ = godotenv.Load()

	cfg := &Config{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", "0.0.0.0:8080"),
		Env:        getEnvOrDefault("APP_ENV", "development"),

		AnnouncedIP: os.Getenv("ANNOUNCED_IP"),

		ICESTUNURLs:  splitEnv("ICE_STUN_URLS", "stun:stun.l.google.com:19302"),
		ICETURNURLs:  splitEnv("ICE_TURN_URLS", ""),
		TURNUsername: os.Getenv("TURN_USERNAME"),
		TURNPassword: os.Getenv("TURN_PASSWORD"),

		IdentitySigningKey: os.Getenv("IDENTITY_SIGNING_KEY"),

		RedisURL:   os.Getenv("REDIS_URL"),
		PubSubType: getEnvOrDefault("PUBSUB_TYPE", "memory"),
	}

	var err error
	if cfg.WorkerCount, err = intEnv("SFU_WORKERS", 2); err != nil {
		return nil, err
	}
	minPort, err := intEnv("RTP_MIN_PORT", 40000)
	if err != nil {
		return nil, err
	}
	maxPort, err := intEnv("RTP_MAX_PORT", 49999)
	if err != nil {
		return nil, err
	}
	cfg.RTPMinPort = uint16(minPort)
	cfg.RTPMaxPort = uint16(maxPort)
	if cfg.ICETCPPort, err = intEnv("ICE_TCP_PORT", 4443); err != nil {
		return nil, err
	}

	if cfg.ChatLimit, err = intEnv("CHAT_LIMIT", 200); err != nil {
		return nil, err
	}
	if cfg.ReconnectGrace, err = durationEnv("RECONNECT_GRACE", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.RejoinSuppress, err = durationEnv("REJOIN_SUPPRESS", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RoomIdleTimeout, err = durationEnv("ROOM_IDLE_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("SFU_WORKERS must be at least 1")
	}
	if c.RTPMinPort >= c.RTPMaxPort {
		return fmt.Errorf("RTP_MIN_PORT must be below RTP_MAX_PORT")
	}
	// Workers claim ICETCPPort..ICETCPPort+WorkerCount-1.
	if c.ICETCPPort < 0 || c.ICETCPPort+c.WorkerCount-1 > 65535 {
		return fmt.Errorf("ICE_TCP_PORT must leave room for %d worker ports below 65536", c.WorkerCount)
	}
	if c.ChatLimit < 1 {
		return fmt.Errorf("CHAT_LIMIT must be at least 1")
	}
	if c.PubSubType != "memory" && c.PubSubType != "redis" {
		return fmt.Errorf("PUBSUB_TYPE must be \"memory\" or \"redis\"")
	}
	if c.PubSubType == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when PUBSUB_TYPE=redis")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. \"3s\"): %w", key, err)
	}
	return d, nil
}

// splitEnv splits a comma-separated env var into a slice
func splitEnv(key, defaultVal string) []string {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
