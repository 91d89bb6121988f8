// Package idempotency provides an inbox that runs a handler at most once per
// deterministic key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// ErrMessageInProgress means another worker holds the key
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ProcessResult is the outcome of Process
type ProcessResult struct {
	// IsNew is false when the key had already finished and fn was not run
	IsNew  bool
	Result json.RawMessage
}

// ProcessFunc is the handler run under an idempotency key
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// GenerateKey hashes parts into a deterministic key
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long finished entries are kept
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns defaults for day-scoped reminder keys
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             48 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox is the PostgreSQL-backed inbox
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates an inbox over the inbox table
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// Process runs fn unless key has already finished. A failed fn leaves the
// key RECOVERABLE so a later call runs it again
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	claimed, prior, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !claimed {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{IsNew: false, Result: prior}, nil
	}

	result, err := fn(ctx)
	if err != nil {
		if _, uerr := i.pool.Exec(ctx, `
			UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
			WHERE idempotency_key = $3
		`, StatusRecoverable, errorResult(err), key); uerr != nil {
			i.logger.Error("failed to mark inbox entry recoverable", zap.Error(uerr))
		}
		span.RecordError(err)
		return nil, err
	}

	if _, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, StatusFinished, nullableJSON(result), key); err != nil {
		// The handler already ran; a retry would duplicate it
		i.logger.Error("failed to mark inbox entry finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{IsNew: true, Result: result}, nil
}

// claim inserts key as STARTED, or takes over a RECOVERABLE or abandoned
// entry. claimed is false when the entry has finished
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (bool, json.RawMessage, error) {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < $6)
		RETURNING idempotency_key
	`, key, handlerName, StatusStarted, nullableJSON(payload),
		time.Now().Add(i.config.TTL), time.Now().Add(-i.config.RecoveryTimeout),
	).Scan(&returned)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("claim inbox key: %w", err)
	}

	var status Status
	var result []byte
	if err := i.pool.QueryRow(ctx,
		`SELECT status, result FROM inbox WHERE idempotency_key = $1`, key,
	).Scan(&status, &result); err != nil {
		return false, nil, fmt.Errorf("read inbox key: %w", err)
	}
	if status == StatusFinished {
		return false, result, nil
	}
	return false, nil, ErrMessageInProgress
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Memory is an in-process inbox for tests and single-process tools
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	status Status
	result json.RawMessage
}

// NewMemory creates an empty in-memory inbox
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

// Process has the same contract as Inbox.Process
func (m *Memory) Process(ctx context.Context, key, _ string, _ json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		switch e.status {
		case StatusFinished:
			m.mu.Unlock()
			return &ProcessResult{IsNew: false, Result: e.result}, nil
		case StatusStarted:
			m.mu.Unlock()
			return nil, ErrMessageInProgress
		}
	}
	m.entries[key] = &memoryEntry{status: StatusStarted}
	m.mu.Unlock()

	result, err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.entries[key].status = StatusRecoverable
		return nil, err
	}
	m.entries[key] = &memoryEntry{status: StatusFinished, result: result}
	return &ProcessResult{IsNew: true, Result: result}, nil
}

// Len returns the number of keys seen
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func errorResult(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
