package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const defaultKeyPrefix = "agentcrew"

// Saver persists graph checkpoints on top of any KV backend.
type Saver struct {
	kv     KV
	prefix string
	ttl    time.Duration
	logger logr.Logger
	now    func() time.Time
}

type SaverOption func(*Saver)

func WithTTL(ttl time.Duration) SaverOption {
	return func(s *Saver) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithKeyPrefix(prefix string) SaverOption {
	return func(s *Saver) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithLogger(logger logr.Logger) SaverOption {
	return func(s *Saver) {
		s.logger = logger
	}
}

func NewSaver(kv KV, opts ...SaverOption) (*Saver, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv backend is required")
	}
	s := &Saver{
		kv:     kv,
		prefix: defaultKeyPrefix,
		logger: logr.Discard(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Saver) Close() error {
	return s.kv.Close()
}

func (s *Saver) checkpointKey(thread, ns, id string) string {
	return fmt.Sprintf("%s:ckpt:%s:%s:%s", s.prefix, thread, ns, id)
}

func (s *Saver) latestKey(thread, ns string) string {
	return fmt.Sprintf("%s:ckpt:latest:%s:%s", s.prefix, thread, ns)
}

func (s *Saver) idsKey(thread, ns string) string {
	return fmt.Sprintf("%s:ckpt:ids:%s:%s", s.prefix, thread, ns)
}

func (s *Saver) writeKey(thread, ns, id, taskID, channel string) string {
	return fmt.Sprintf("%s:writes:%s:%s:%s:%s:%s", s.prefix, thread, ns, id, taskID, channel)
}

func (s *Saver) writesIndexKey(thread, ns, id string) string {
	return fmt.Sprintf("%s:writes:idx:%s:%s:%s", s.prefix, thread, ns, id)
}

func (s *Saver) namespacesKey(thread string) string {
	return fmt.Sprintf("%s:ns:%s", s.prefix, thread)
}

func (s *Saver) threadsKey() string {
	return s.prefix + ":threads"
}

// Put stores checkpoint as a new record whose parent is cfg.CheckpointID and
// returns the config addressing it. Existing records are never rewritten.
func (s *Saver) Put(ctx context.Context, cfg Config, checkpoint Checkpoint, metadata Metadata) (Config, error) {
	if cfg.ThreadID == "" {
		return Config{}, fmt.Errorf("thread_id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Config{}, fmt.Errorf("failed to generate checkpoint id: %w", err)
	}
	checkpoint.ID = id.String()
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = s.now()
	}
	if len(checkpoint.Values) == 0 {
		checkpoint.Values = json.RawMessage("null")
	}

	raw, err := json.Marshal(record{Checkpoint: checkpoint, Metadata: metadata, ParentID: cfg.CheckpointID})
	if err != nil {
		return Config{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	thread, ns := cfg.ThreadID, cfg.Namespace
	if err := s.kv.Set(ctx, s.checkpointKey(thread, ns, checkpoint.ID), raw, s.ttl); err != nil {
		return Config{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if err := s.kv.SAdd(ctx, s.idsKey(thread, ns), s.ttl, checkpoint.ID); err != nil {
		return Config{}, fmt.Errorf("failed to index checkpoint: %w", err)
	}
	if err := s.kv.SAdd(ctx, s.namespacesKey(thread), s.ttl, ns); err != nil {
		return Config{}, fmt.Errorf("failed to index namespace: %w", err)
	}
	if err := s.kv.SAdd(ctx, s.threadsKey(), 0, thread); err != nil {
		return Config{}, fmt.Errorf("failed to register thread: %w", err)
	}
	if err := s.kv.Set(ctx, s.latestKey(thread, ns), []byte(checkpoint.ID), s.ttl); err != nil {
		return Config{}, fmt.Errorf("failed to update latest checkpoint: %w", err)
	}

	return Config{ThreadID: thread, Namespace: ns, CheckpointID: checkpoint.ID}, nil
}

// PutWrites buffers writes for the checkpoint in cfg. Writes are keyed by
// (taskID, channel) so repeated calls replace rather than duplicate.
func (s *Saver) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error {
	if cfg.ThreadID == "" || cfg.CheckpointID == "" {
		return fmt.Errorf("thread_id and checkpoint_id are required")
	}
	if taskID == "" {
		return fmt.Errorf("task_id is required")
	}
	thread, ns, id := cfg.ThreadID, cfg.Namespace, cfg.CheckpointID
	for _, write := range writes {
		if write.Channel == "" {
			return fmt.Errorf("write channel is required")
		}
		value, err := json.Marshal(write.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal write for channel %q: %w", write.Channel, err)
		}
		raw, err := json.Marshal(PendingWrite{TaskID: taskID, Channel: write.Channel, Value: value})
		if err != nil {
			return fmt.Errorf("failed to marshal pending write: %w", err)
		}
		key := s.writeKey(thread, ns, id, taskID, write.Channel)
		if err := s.kv.Set(ctx, key, raw, s.ttl); err != nil {
			return fmt.Errorf("failed to save pending write: %w", err)
		}
		if err := s.kv.SAdd(ctx, s.writesIndexKey(thread, ns, id), s.ttl, key); err != nil {
			return fmt.Errorf("failed to index pending write: %w", err)
		}
	}
	return nil
}

// Get loads the checkpoint addressed by cfg, resolving the latest one when
// no id is given.
func (s *Saver) Get(ctx context.Context, cfg Config) (Tuple, error) {
	if cfg.ThreadID == "" {
		return Tuple{}, fmt.Errorf("thread_id is required")
	}
	id := cfg.CheckpointID
	if id == "" {
		latest, err := s.kv.Get(ctx, s.latestKey(cfg.ThreadID, cfg.Namespace))
		if err != nil {
			return Tuple{}, err
		}
		id = string(latest)
	}
	return s.load(ctx, cfg.ThreadID, cfg.Namespace, id)
}

func (s *Saver) load(ctx context.Context, thread, ns, id string) (Tuple, error) {
	raw, err := s.kv.Get(ctx, s.checkpointKey(thread, ns, id))
	if err != nil {
		return Tuple{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Tuple{}, fmt.Errorf("failed to decode checkpoint %s: %w", id, err)
	}
	writes, err := s.pendingWrites(ctx, thread, ns, id)
	if err != nil {
		return Tuple{}, err
	}
	tuple := Tuple{
		Config:        Config{ThreadID: thread, Namespace: ns, CheckpointID: id},
		Checkpoint:    rec.Checkpoint,
		Metadata:      rec.Metadata,
		PendingWrites: writes,
	}
	if rec.ParentID != "" {
		tuple.ParentConfig = &Config{ThreadID: thread, Namespace: ns, CheckpointID: rec.ParentID}
	}
	return tuple, nil
}

func (s *Saver) pendingWrites(ctx context.Context, thread, ns, id string) ([]PendingWrite, error) {
	keys, err := s.kv.SMembers(ctx, s.writesIndexKey(thread, ns, id))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}
	sort.Strings(keys)
	out := make([]PendingWrite, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load pending write: %w", err)
		}
		var write PendingWrite
		if err := json.Unmarshal(raw, &write); err != nil {
			return nil, fmt.Errorf("failed to decode pending write: %w", err)
		}
		out = append(out, write)
	}
	return out, nil
}

// List yields the thread's checkpoints newest first. Each range over the
// returned sequence re-reads the store.
func (s *Saver) List(ctx context.Context, threadID, namespace string, opts ListOptions) iter.Seq2[Tuple, error] {
	return func(yield func(Tuple, error) bool) {
		if threadID == "" {
			yield(Tuple{}, fmt.Errorf("thread_id is required"))
			return
		}
		ids, err := s.kv.SMembers(ctx, s.idsKey(threadID, namespace))
		if err != nil {
			yield(Tuple{}, fmt.Errorf("failed to list checkpoint ids: %w", err))
			return
		}
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))

		filter, err := normalizeMetadata(opts.Filter)
		if err != nil {
			yield(Tuple{}, err)
			return
		}

		emitted := 0
		for _, id := range ids {
			if opts.Before != "" && id >= opts.Before {
				continue
			}
			tuple, err := s.load(ctx, threadID, namespace, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				if !yield(Tuple{}, err) {
					return
				}
				continue
			}
			if !metadataMatches(tuple.Metadata, filter) {
				continue
			}
			if !yield(tuple, nil) {
				return
			}
			emitted++
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
		}
	}
}

// DeleteThread removes every checkpoint, pending write and index key of the
// thread across all namespaces.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	namespaces, err := s.kv.SMembers(ctx, s.namespacesKey(threadID))
	if err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}
	for _, ns := range namespaces {
		ids, err := s.kv.SMembers(ctx, s.idsKey(threadID, ns))
		if err != nil {
			return fmt.Errorf("failed to list checkpoint ids: %w", err)
		}
		for _, id := range ids {
			writeKeys, err := s.kv.SMembers(ctx, s.writesIndexKey(threadID, ns, id))
			if err != nil {
				return fmt.Errorf("failed to list pending writes: %w", err)
			}
			keys := append(writeKeys, s.writesIndexKey(threadID, ns, id), s.checkpointKey(threadID, ns, id))
			if err := s.kv.Del(ctx, keys...); err != nil {
				return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
			}
		}
		if err := s.kv.Del(ctx, s.idsKey(threadID, ns), s.latestKey(threadID, ns)); err != nil {
			return fmt.Errorf("failed to delete checkpoint index: %w", err)
		}
	}
	if err := s.kv.Del(ctx, s.namespacesKey(threadID)); err != nil {
		return fmt.Errorf("failed to delete namespace index: %w", err)
	}
	if err := s.kv.SRem(ctx, s.threadsKey(), threadID); err != nil {
		return fmt.Errorf("failed to unregister thread: %w", err)
	}
	s.logger.V(1).Info("thread deleted", "thread", threadID, "namespaces", len(namespaces))
	return nil
}

// Threads returns every thread that has at least one checkpoint.
func (s *Saver) Threads(ctx context.Context) ([]string, error) {
	threads, err := s.kv.SMembers(ctx, s.threadsKey())
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	sort.Strings(threads)
	return threads, nil
}

func normalizeMetadata(in map[string]any) (map[string][]byte, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid filter value for %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

func metadataMatches(metadata Metadata, filter map[string][]byte) bool {
	for k, want := range filter {
		v, ok := metadata[k]
		if !ok {
			return false
		}
		got, err := json.Marshal(v)
		if err != nil || !bytes.Equal(got, want) {
			return false
		}
	}
	return true
}
