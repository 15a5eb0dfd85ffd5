// Package redisstream publishes run events to Redis streams, one stream per
// run, so consumers outside the process can tail or replay them.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/agentcrew/types"
)

const (
	defaultPrefix = "agentcrew:events"
	defaultMaxLen = 1000
	defaultTTL    = 72 * time.Hour
)

// Publisher implements observe.Sink on top of XADD.
type Publisher struct {
	client   *goredis.Client
	owned    bool
	addr     string
	password string
	db       int
	prefix   string
	maxLen   int64
	ttl      time.Duration
}

type Option func(*Publisher)

func WithClient(client *goredis.Client) Option {
	return func(p *Publisher) {
		if client != nil {
			p.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

func WithPassword(password string) Option {
	return func(p *Publisher) { p.password = password }
}

func WithDB(db int) Option {
	return func(p *Publisher) { p.db = db }
}

// WithMaxLen caps each run stream, trimming approximately.
func WithMaxLen(n int64) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.maxLen = n
		}
	}
}

// WithTTL expires a run stream after it has been idle for ttl.
func WithTTL(ttl time.Duration) Option {
	return func(p *Publisher) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func New(ctx context.Context, addr string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		addr:   strings.TrimSpace(addr),
		prefix: defaultPrefix,
		maxLen: defaultMaxLen,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		if p.addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		p.client = goredis.NewClient(&goredis.Options{Addr: p.addr, Password: p.password, DB: p.db})
		p.owned = true
	}
	if err := p.client.Ping(ctx).Err(); err != nil {
		if p.owned {
			_ = p.client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return p, nil
}

func (p *Publisher) streamKey(runID string) string {
	return p.prefix + ":" + runID
}

func (p *Publisher) Emit(ctx context.Context, event types.EventLogEntry) error {
	if event.RunID == "" {
		return fmt.Errorf("event %s has no run id", event.EventID)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := p.streamKey(event.RunID)
	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"type": string(event.Type), "payload": string(payload)},
	})
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Entry is one event read back from a run stream.
type Entry struct {
	ID    string              `json:"id"`
	Event types.EventLogEntry `json:"event"`
}

// Read returns up to count events of runID published after afterID ("" reads
// from the start). A positive block waits that long for new events; an empty
// result means none arrived.
func (p *Publisher) Read(ctx context.Context, runID, afterID string, count int, block time.Duration) ([]Entry, error) {
	if afterID == "" {
		afterID = "0"
	}
	if count <= 0 {
		count = 100
	}
	if block <= 0 {
		block = -1
	}
	res, err := p.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{p.streamKey(runID), afterID},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	out := make([]Entry, 0, count)
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			var event types.EventLogEntry
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			out = append(out, Entry{ID: msg.ID, Event: event})
		}
	}
	return out, nil
}

// Delete drops the stream of runID.
func (p *Publisher) Delete(ctx context.Context, runID string) error {
	if err := p.client.Del(ctx, p.streamKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete event stream: %w", err)
	}
	return nil
}

// Close releases the client when the publisher created it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}
