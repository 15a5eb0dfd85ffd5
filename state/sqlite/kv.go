package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/agentcrew/state"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

// KV is a state.KV stored in a single sqlite file. Expiry is enforced on
// read and by Purge.
type KV struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	now         func() time.Time
}

type Option func(*KV)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(k *KV) {
		if timeout >= 0 {
			k.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(k *KV) {
		k.enableWAL = enabled
	}
}

func New(path string, opts ...Option) (*KV, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	k := &KV{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	k.db = db
	if err := k.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return k, nil
}

func (k *KV) initialize(ctx context.Context) error {
	if k.busyTimeout > 0 {
		ms := int(k.busyTimeout / time.Millisecond)
		if _, err := k.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if k.enableWAL {
		if _, err := k.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := k.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (k *KV) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: k.now().Add(ttl).UnixNano(), Valid: true}
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx,
		`SELECT value FROM kv_values WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, k.now().UnixNano(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := k.db.ExecContext(ctx, `
INSERT INTO kv_values (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, k.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (k *KV) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sadd: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Drop expired members first so a recreated set does not resurrect them.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_sets WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, k.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to purge expired members of %s: %w", key, err)
	}
	expires := k.expiry(ttl)
	for _, member := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_sets (key, member, expires_at) VALUES (?, ?, ?) ON CONFLICT(key, member) DO NOTHING`,
			key, member, expires,
		); err != nil {
			return fmt.Errorf("failed to add member to %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE kv_sets SET expires_at = ? WHERE key = ?`, expires, key); err != nil {
		return fmt.Errorf("failed to refresh expiry of %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sadd: %w", err)
	}
	return nil
}

func (k *KV) SRem(ctx context.Context, key string, members ...string) error {
	for _, member := range members {
		if _, err := k.db.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ? AND member = ?`, key, member); err != nil {
			return fmt.Errorf("failed to remove member from %s: %w", key, err)
		}
	}
	return nil
}

func (k *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := k.db.QueryContext(ctx,
		`SELECT member FROM kv_sets WHERE key = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY member`,
		key, k.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", key, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, member)
	}
	return out, rows.Err()
}

func (k *KV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_values WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete set %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Purge removes expired rows and returns how many were deleted.
func (k *KV) Purge(ctx context.Context) (int64, error) {
	now := k.now().UnixNano()
	var total int64
	for _, table := range []string{"kv_values", "kv_sets"} {
		res, err := k.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?`, table), now)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (k *KV) Close() error {
	if k.db == nil {
		return nil
	}
	return k.db.Close()
}
