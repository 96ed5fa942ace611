package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds service configuration.
type Config struct {
	ServerAddr     string
	DatabaseURL    string
	MigrationsDir  string
	MissionFile    string
	AutoStartRule  string
	AdminTokenHash string
	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
	LogLevel       string
	LogPretty      bool
}

// Load reads configuration from environment. A .env file in the working
// directory is loaded first; variables already set take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return &Config{
		ServerAddr:     getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MigrationsDir:  getenv("MIGRATIONS_DIR", "internal/migrations"),
		MissionFile:    os.Getenv("MISSION_FILE"),
		AutoStartRule:  getenv("MISSION_AUTOSTART", "true"),
		AdminTokenHash: os.Getenv("ADMIN_TOKEN_HASH"),
		WSWriteTimeout: parseDuration(getenv("WS_WRITE_TIMEOUT", "10s"), 10*time.Second),
		WSPingInterval: parseDuration(getenv("WS_PING_INTERVAL", "30s"), 30*time.Second),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogPretty:      parseBool(getenv("LOG_PRETTY", "false"), false),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
