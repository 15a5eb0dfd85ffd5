package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/agentcrew/state"
)

const defaultCacheTTL = time.Hour

// KV writes through to a durable backend and keeps values in a best-effort
// cache. Set membership is served by the durable backend only. Cache
// failures are logged and never surface to callers.
type KV struct {
	durable  state.KV
	cache    state.KV
	cacheTTL time.Duration
	logger   logr.Logger
}

type Option func(*KV)

func WithCacheTTL(ttl time.Duration) Option {
	return func(k *KV) {
		if ttl > 0 {
			k.cacheTTL = ttl
		}
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(k *KV) {
		k.logger = logger
	}
}

func New(durable state.KV, cache state.KV, opts ...Option) (*KV, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable kv is required")
	}
	k := &KV{
		durable:  durable,
		cache:    cache,
		cacheTTL: defaultCacheTTL,
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *KV) cacheTTLFor(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < k.cacheTTL {
		return ttl
	}
	return k.cacheTTL
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if k.cache != nil {
		value, err := k.cache.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			k.logger.Error(err, "hybrid kv cache Get failed", "key", key)
		}
	}

	value, err := k.durable.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if k.cache != nil {
		if err := k.cache.Set(ctx, key, value, k.cacheTTL); err != nil {
			k.logger.Error(err, "hybrid kv cache backfill failed", "key", key)
		}
	}
	return value, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := k.durable.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if k.cache != nil {
		if err := k.cache.Set(ctx, key, value, k.cacheTTLFor(ttl)); err != nil {
			k.logger.Error(err, "hybrid kv cache Set failed", "key", key)
		}
	}
	return nil
}

func (k *KV) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	return k.durable.SAdd(ctx, key, ttl, members...)
}

func (k *KV) SRem(ctx context.Context, key string, members ...string) error {
	return k.durable.SRem(ctx, key, members...)
}

func (k *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	return k.durable.SMembers(ctx, key)
}

func (k *KV) Del(ctx context.Context, keys ...string) error {
	if err := k.durable.Del(ctx, keys...); err != nil {
		return err
	}
	if k.cache != nil {
		if err := k.cache.Del(ctx, keys...); err != nil {
			k.logger.Error(err, "hybrid kv cache Del failed", "keys", len(keys))
		}
	}
	return nil
}

func (k *KV) Close() error {
	var errs []error
	if err := k.durable.Close(); err != nil {
		errs = append(errs, err)
	}
	if k.cache != nil {
		if err := k.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
