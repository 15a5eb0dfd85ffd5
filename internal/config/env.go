// Package config reads process settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Env holds the AGENT_* settings shared by every command.
type Env struct {
	Workspace      string
	PipelineConfig string
	RunTimeout     time.Duration
	MaxIterations  int
	HTTPAddr       string
	Retention      time.Duration
	SweepCron      string
	LogVerbosity   int
	// RedisEvents mirrors run events into Redis streams.
	RedisEvents bool
}

// LoadDotEnv loads the given files, or ./.env when none are named, without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func FromEnv() Env {
	return Env{
		Workspace:      Getenv("AGENT_WORKSPACE", "."),
		PipelineConfig: strings.TrimSpace(os.Getenv("AGENT_PIPELINE_CONFIG")),
		RunTimeout:     ParseDurationEnv("AGENT_RUN_TIMEOUT", 0),
		MaxIterations:  ParseIntEnv("AGENT_MAX_QC_ITERATIONS", 0),
		HTTPAddr:       Getenv("AGENT_HTTP_ADDR", "127.0.0.1:7070"),
		Retention:      ParseDurationEnv("AGENT_RETENTION", 7*24*time.Hour),
		SweepCron:      Getenv("AGENT_SWEEP_CRON", "@hourly"),
		LogVerbosity:   ParseIntEnv("AGENT_LOG_VERBOSITY", 0),
		RedisEvents:    ParseBoolString(os.Getenv("AGENT_REDIS_EVENTS"), false),
	}
}

func Getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func ParseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
