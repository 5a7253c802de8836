// Package config reads service configuration from the environment. Defaults
// suit local development; main loads a .env file first via godotenv.
package config

import (
	"os"
	"strconv"
)

// Config is the flattened environment configuration.
type Config struct {
	ListenAddr   string
	RedisAddr    string
	RedisDB      int
	ArchiveQueue string
	PostgresDSN  string
	RulesURL     string

	// InitialPosition is the opaque starting-position blob stamped onto new
	// sessions. The coordination layer never interprets it.
	InitialPosition string
}

// Load reads the environment.
func Load() Config {
	return Config{
		ListenAddr:      GetEnv("ARBITER_LISTEN_ADDR", ":8080"),
		RedisAddr:       GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:         GetEnvInt("REDIS_DB", 0),
		ArchiveQueue:    GetEnv("ARCHIVE_QUEUE_NAME", ""),
		PostgresDSN:     GetEnv("DATABASE_URL", "postgres://localhost:5432/arbiter"),
		RulesURL:        GetEnv("ARBITER_RULES_URL", "http://localhost:9000"),
		InitialPosition: GetEnv("ARBITER_INITIAL_POSITION", "startpos"),
	}
}

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt parses an environment variable as an integer, else a default.
func GetEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
