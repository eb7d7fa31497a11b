package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	UpstreamAPIKey       string
	UpstreamBaseURL      string
	UpstreamModel        string
	UpstreamVoice        string
	UpstreamDialAttempts int

	MaxChunkSize        int
	NegotiationTimeout  time.Duration
	AgentIdentityPrefix string
	RelevantTaskLimit   int

	MQTTBrokerURL   string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voxtask"),
		AllowAnyOrigin:   false,
		UpstreamAPIKey:   stringsTrimSpace("UPSTREAM_API_KEY"),
		UpstreamBaseURL:  envOrDefault("UPSTREAM_WS_BASE_URL", "wss://api.openai.com"),
		UpstreamModel:    envOrDefault("UPSTREAM_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		// Default to a warm, even-paced voice for long task reviews.
		UpstreamVoice:        envOrDefault("UPSTREAM_REALTIME_VOICE", "alloy"),
		UpstreamDialAttempts: 3,
		// Matches the room transport's per-message payload ceiling.
		MaxChunkSize:        32000,
		NegotiationTimeout:  45 * time.Second,
		AgentIdentityPrefix: envOrDefault("APP_AGENT_IDENTITY_PREFIX", "voxtask-agent"),
		RelevantTaskLimit:   5,
		MQTTBrokerURL:       stringsTrimSpace("MQTT_BROKER_URL"),
		MQTTUsername:        stringsTrimSpace("MQTT_USERNAME"),
		MQTTPassword:        os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix:     envOrDefault("MQTT_TOPIC_PREFIX", "voxtask/rooms"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NegotiationTimeout, err = durationFromEnv("APP_NEGOTIATION_TIMEOUT", cfg.NegotiationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamDialAttempts, err = intFromEnv("UPSTREAM_DIAL_ATTEMPTS", cfg.UpstreamDialAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxChunkSize, err = intFromEnv("APP_MAX_CHUNK_SIZE", cfg.MaxChunkSize)
	if err != nil {
		return Config{}, err
	}
	cfg.RelevantTaskLimit, err = intFromEnv("APP_RELEVANT_TASK_LIMIT", cfg.RelevantTaskLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.NegotiationTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_NEGOTIATION_TIMEOUT must be at least 1s")
	}
	if cfg.MaxChunkSize <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CHUNK_SIZE must be positive")
	}
	if cfg.UpstreamDialAttempts <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_DIAL_ATTEMPTS must be positive")
	}
	if cfg.RelevantTaskLimit <= 0 {
		return Config{}, fmt.Errorf("APP_RELEVANT_TASK_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
