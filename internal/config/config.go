// Package config loads the stream-event integration core's configuration
// from the environment, following the same getEnv/getEnvInt/fail-fast
// idiom the rest of the pack uses at process startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every enumerated option from spec.md §6.
type Config struct {
	TwitchClientID     string
	TwitchClientSecret string

	OBSWebSocketPassword string
	OBSWebSocketHost      string
	OBSWebSocketPort      int

	HTTPTimeout       time.Duration
	ReconnectInterval time.Duration

	DatabaseURL   string
	SecretKeyBase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheEnabled  bool

	NATSURL string

	TokenStorePath string

	EventSubMaxTotalCost int

	LogLevel  string
	LogPretty bool
}

// Load reads Config from the environment. It returns an error rather than
// calling os.Exit so callers (including tests) can decide how to fail; the
// daemon entrypoint in cmd/eventcore treats a non-nil error as fatal.
func Load() (*Config, error) {
	cfg := &Config{
		OBSWebSocketHost:      getEnv("OBS_WEBSOCKET_HOST", "localhost"),
		OBSWebSocketPassword:  getEnv("OBS_WEBSOCKET_PASSWORD", ""),
		OBSWebSocketPort:      getEnvInt("OBS_WEBSOCKET_PORT", 4455),
		HTTPTimeout:           getEnvDuration("HTTP_TIMEOUT_MS", 10_000*time.Millisecond),
		ReconnectInterval:     getEnvDuration("RECONNECT_INTERVAL_MS", 5_000*time.Millisecond),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SecretKeyBase:         os.Getenv("SECRET_KEY_BASE"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		CacheEnabled:          getEnv("CACHE_ENABLED", "false") == "true",
		NATSURL:               os.Getenv("NATS_URL"),
		TokenStorePath:        getEnv("TOKEN_STORE_PATH", "./data/tokens.db"),
		EventSubMaxTotalCost:  getEnvInt("EVENTSUB_MAX_TOTAL_COST", 10),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             getEnv("LOG_PRETTY", "false") == "true",
	}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	var missing []string
	if cfg.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if cfg.TwitchClientSecret == "" {
		missing = append(missing, "TWITCH_CLIENT_SECRET")
	}
	if cfg.DatabaseURL != "" && cfg.SecretKeyBase == "" {
		missing = append(missing, "SECRET_KEY_BASE")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %v", missing)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
