package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/agentcrew/state"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

type set struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// KV is an in-process state.KV, used for tests and single-process runs.
type KV struct {
	mu     sync.Mutex
	values map[string]entry
	sets   map[string]*set
	now    func() time.Time
}

func New() *KV {
	return &KV{
		values: map[string]entry{},
		sets:   map[string]*set{},
		now:    time.Now,
	}
}

func (k *KV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return k.now().Add(ttl)
}

func (k *KV) expired(at time.Time) bool {
	return !at.IsZero() && !k.now().Before(at)
}

func (k *KV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.values[key]
	if !ok || k.expired(e.expiresAt) {
		delete(k.values, key)
		return nil, state.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (k *KV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	k.values[key] = entry{value: stored, expiresAt: k.expiry(ttl)}
	return nil
}

func (k *KV) SAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sets[key]
	if !ok || k.expired(s.expiresAt) {
		s = &set{members: map[string]struct{}{}}
		k.sets[key] = s
	}
	for _, m := range members {
		s.members[m] = struct{}{}
	}
	s.expiresAt = k.expiry(ttl)
	return nil
}

func (k *KV) SRem(_ context.Context, key string, members ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s.members, m)
	}
	if len(s.members) == 0 {
		delete(k.sets, key)
	}
	return nil
}

func (k *KV) SMembers(_ context.Context, key string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sets[key]
	if !ok || k.expired(s.expiresAt) {
		delete(k.sets, key)
		return []string{}, nil
	}
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (k *KV) Del(_ context.Context, keys ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.values, key)
		delete(k.sets, key)
	}
	return nil
}

// Len reports the number of live keys, for tests asserting cleanup.
func (k *KV) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, e := range k.values {
		if !k.expired(e.expiresAt) {
			n++
		}
	}
	for _, s := range k.sets {
		if !k.expired(s.expiresAt) {
			n++
		}
	}
	return n
}

func (k *KV) Close() error { return nil }
