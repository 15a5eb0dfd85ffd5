package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/agentcrew/state"
	"github.com/PipeOpsHQ/agentcrew/state/hybrid"
	"github.com/PipeOpsHQ/agentcrew/state/memory"
	redisstore "github.com/PipeOpsHQ/agentcrew/state/redis"
	sqlitestore "github.com/PipeOpsHQ/agentcrew/state/sqlite"
)

type Options struct {
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	Logger        logr.Logger
}

func OptionsFromEnv() Options {
	return Options{
		Backend:       strings.ToLower(getenv("AGENT_STATE_BACKEND", "sqlite")),
		SQLitePath:    getenv("AGENT_SQLITE_PATH", "./.agentcrew/state.db"),
		RedisAddr:     getenv("AGENT_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: strings.TrimSpace(os.Getenv("AGENT_REDIS_PASSWORD")),
		RedisDB:       getenvInt("AGENT_REDIS_DB", 0),
		TTL:           getenvDuration("AGENT_REDIS_TTL", 72*time.Hour),
		Logger:        logr.Discard(),
	}
}

func FromEnv(ctx context.Context) (*state.Saver, error) {
	return New(ctx, OptionsFromEnv())
}

// New opens the configured KV backend and wraps it in a checkpoint saver.
func New(ctx context.Context, opts Options) (*state.Saver, error) {
	kv, err := newKV(ctx, opts)
	if err != nil {
		return nil, err
	}
	saverOpts := []state.SaverOption{state.WithLogger(opts.Logger)}
	if opts.Backend == "redis" {
		saverOpts = append(saverOpts, state.WithTTL(opts.TTL))
	}
	return state.NewSaver(kv, saverOpts...)
}

func newKV(ctx context.Context, opts Options) (state.KV, error) {
	switch opts.Backend {
	case "memory":
		return memory.New(), nil

	case "sqlite", "":
		return sqlitestore.New(opts.SQLitePath)

	case "redis":
		return newRedisKV(ctx, opts)

	case "hybrid":
		durable, err := sqlitestore.New(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisKV(ctx, opts)
		if err != nil {
			opts.Logger.Info("redis cache unavailable, using sqlite only", "error", err.Error())
			return hybrid.New(durable, nil, hybrid.WithLogger(opts.Logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(opts.Logger), hybrid.WithCacheTTL(opts.TTL))

	default:
		return nil, fmt.Errorf("unsupported AGENT_STATE_BACKEND %q (use memory, sqlite, redis, or hybrid)", opts.Backend)
	}
}

func newRedisKV(ctx context.Context, opts Options) (state.KV, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return redisstore.New(ctx, opts.RedisAddr,
		redisstore.WithPassword(opts.RedisPassword),
		redisstore.WithDB(opts.RedisDB),
	)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
