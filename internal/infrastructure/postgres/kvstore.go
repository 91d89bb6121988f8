package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KVStore is a per-scope string store in the kv_entries table
type KVStore struct {
	pool  *pgxpool.Pool
	scope string
}

// NewKVStore creates a KV bound to scope, usually a user ID
func NewKVStore(pool *pgxpool.Pool, scope string) *KVStore {
	return &KVStore{pool: pool, scope: scope}
}

// Get returns the value for key; found is false when the key is absent
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE scope = $1 AND key = $2`,
		s.scope, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a single key
func (s *KVStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.pool.Exec(ctx, upsertKV, s.scope, key, value); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetMany upserts all pairs in one transaction
func (s *KVStore) SetMany(ctx context.Context, values map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.lock(ctx, tx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for k, v := range values {
		batch.Queue(upsertKV, s.scope, k, v)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("kv set many: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update rewrites key with fn(current) inside one transaction holding the
// scope's advisory lock
func (s *KVStore) Update(ctx context.Context, key string, fn func(current string) (string, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.lock(ctx, tx); err != nil {
		return err
	}

	var current string
	err = tx.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE scope = $1 AND key = $2`,
		s.scope, key,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("kv get %s: %w", key, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, upsertKV, s.scope, key, next); err != nil {
		return fmt.Errorf("kv update %s: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lock serializes writers of one scope until tx ends
func (s *KVStore) lock(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.scope); err != nil {
		return fmt.Errorf("lock scope: %w", err)
	}
	return nil
}

const upsertKV = `
	INSERT INTO kv_entries (scope, key, value, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (scope, key) DO UPDATE
	SET value = EXCLUDED.value, updated_at = NOW()
`
