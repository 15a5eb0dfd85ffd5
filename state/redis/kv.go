package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/agentcrew/state"
)

// KV is a state.KV backed by a redis server.
type KV struct {
	client   *goredis.Client
	addr     string
	db       int
	password string
}

type Option func(*KV)

func WithPassword(password string) Option {
	return func(k *KV) {
		k.password = password
	}
}

func WithDB(db int) Option {
	return func(k *KV) {
		k.db = db
	}
}

func WithClient(client *goredis.Client) Option {
	return func(k *KV) {
		if client != nil {
			k.client = client
		}
	}
}

func New(ctx context.Context, addr string, opts ...Option) (*KV, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	k := &KV{addr: addr}
	for _, opt := range opts {
		opt(k)
	}
	if k.client == nil {
		k.client = goredis.NewClient(&goredis.Options{
			Addr:     k.addr,
			Password: k.password,
			DB:       k.db,
		})
	}
	if err := k.client.Ping(ctx).Err(); err != nil {
		_ = k.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return k, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := k.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := k.client.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (k *KV) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	values := make([]any, len(members))
	for i, m := range members {
		values[i] = m
	}
	pipe := k.client.TxPipeline()
	pipe.SAdd(ctx, key, values...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

func (k *KV) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	values := make([]any, len(members))
	for i, m := range members {
		values[i] = m
	}
	if err := k.client.SRem(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", key, err)
	}
	return nil
}

func (k *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := k.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

func (k *KV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := k.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (k *KV) Close() error {
	return k.client.Close()
}
