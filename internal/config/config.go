// Package config loads shellquest configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ContainerConfig is the resource and image profile for challenge containers.
type ContainerConfig struct {
	ImageName   string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NetworkMode string
}

// SessionConfig holds admission caps and time budgets for shell sessions.
type SessionConfig struct {
	MaxPerUser  int
	MaxTotal    int
	IdleTimeout time.Duration
	MaxDuration time.Duration
}

// Config is the full server configuration.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	ChallengesDir string

	Container ContainerConfig
	Session   SessionConfig

	CleanupInterval      time.Duration
	ShutdownDrainTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ChallengesDir: getEnv("CHALLENGES_DIR", "./challenges"),
		Container: ContainerConfig{
			ImageName:   getEnv("CONTAINER_IMAGE", "shellquest-challenge:latest"),
			MemoryBytes: getInt64("CONTAINER_MEMORY_BYTES", 256*1024*1024),
			NanoCPUs:    getInt64("CONTAINER_CPU_NANO", 500_000_000),
			PidsLimit:   getInt64("CONTAINER_PIDS_LIMIT", 100),
			NetworkMode: getEnv("CONTAINER_NETWORK_MODE", "none"),
		},
		Session: SessionConfig{
			MaxPerUser:  getInt("SESSION_MAX_PER_USER", 1),
			MaxTotal:    getInt("SESSION_MAX_TOTAL", 15),
			IdleTimeout: getDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
			MaxDuration: getDuration("SESSION_MAX_DURATION", 15*time.Minute),
		},
		CleanupInterval:      getDuration("CLEANUP_INTERVAL", 5*time.Minute),
		ShutdownDrainTimeout: getDuration("SHUTDOWN_DRAIN_TIMEOUT", time.Second),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
