// Package status keeps the day-scoped dose status ledger: which of today's
// doses were completed or skipped. The ledger is wiped when the calendar
// date changes.
package status

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
)

// Keys used in the KV collaborator
const (
	KeyLastActiveDate = "lastActiveDate"
	KeyDailyStatus    = "dailyDoseStatus"
)

// KV is a scoped string key-value store
type KV interface {
	// Get reports found=false for an absent key
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all pairs as one operation
	SetMany(ctx context.Context, values map[string]string) error
	// Update replaces key with fn(current) while holding the scope's write
	// lock, so overlapping updates from one user are serialized. current is
	// "" for an absent key; an error from fn aborts the write
	Update(ctx context.Context, key string, fn func(current string) (string, error)) error
}

// PersistenceError wraps a KV failure
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("dose status %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Observer receives store activity. *metrics.Metrics satisfies it
type Observer interface {
	ObserveStatusChange(status string)
	ObserveDailyReset()
	ObservePersistenceError(op string)
}

// Store is the ledger for one user. It is not safe for concurrent use; each
// request or task builds its own
type Store struct {
	kv       KV
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer

	statuses dose.StatusMap
}

// NewStore creates a store over kv. logger and observer may be nil
func NewStore(kv KV, clk clock.Clock, logger *zap.Logger, observer Observer) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		kv:       kv,
		clock:    clk,
		logger:   logger,
		observer: observer,
		statuses: dose.StatusMap{},
	}
}

// Today returns the date marker for the current day
func (s *Store) Today() string {
	return clock.DateString(s.clock.Now())
}

// Load reads today's ledger. If the stored marker is from another day the
// marker and an empty ledger are written together before returning. Read
// failures are logged and yield an empty ledger
func (s *Store) Load(ctx context.Context) dose.StatusMap {
	today := s.Today()

	storedDate, err := s.get(ctx, KeyLastActiveDate)
	if err != nil {
		s.fail("load", err)
		s.statuses = dose.StatusMap{}
		return s.Snapshot()
	}

	if storedDate != today {
		err := s.kv.SetMany(ctx, map[string]string{
			KeyLastActiveDate: today,
			KeyDailyStatus:    "{}",
		})
		if err != nil {
			s.fail("reset", err)
		} else {
			s.logger.Info("dose status reset for new day",
				zap.String("previous", storedDate),
				zap.String("today", today))
			if s.observer != nil {
				s.observer.ObserveDailyReset()
			}
		}
		s.statuses = dose.StatusMap{}
		return s.Snapshot()
	}

	raw, err := s.get(ctx, KeyDailyStatus)
	if err != nil {
		s.fail("load", err)
		s.statuses = dose.StatusMap{}
		return s.Snapshot()
	}
	s.statuses = decode(raw, s.logger)
	return s.Snapshot()
}

// SetStatus records st for identity, or clears it when st is StatusNone.
// Only that entry changes in the stored ledger; entries written by other
// requests since Load are kept and merged into the returned ledger. A failed
// write is logged; the in-memory ledger keeps the change
func (s *Store) SetStatus(ctx context.Context, identity string, st dose.Status) dose.StatusMap {
	apply := func(m dose.StatusMap) {
		if st == dose.StatusNone {
			delete(m, identity)
		} else {
			m[identity] = st
		}
	}
	apply(s.statuses)

	if s.observer != nil {
		s.observer.ObserveStatusChange(string(st))
	}

	var merged dose.StatusMap
	err := s.kv.Update(ctx, KeyDailyStatus, func(current string) (string, error) {
		merged = decode(current, s.logger)
		apply(merged)
		payload, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("encode ledger: %w", err)
		}
		return string(payload), nil
	})
	if err != nil {
		s.fail("save", err)
		return s.Snapshot()
	}
	s.statuses = merged
	return s.Snapshot()
}

// Snapshot returns a copy of the in-memory ledger
func (s *Store) Snapshot() dose.StatusMap {
	return s.statuses.Clone()
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	v, _, err := s.kv.Get(ctx, key)
	return v, err
}

func (s *Store) fail(op string, err error) {
	perr := &PersistenceError{Op: op, Err: err}
	s.logger.Error("dose status persistence failed", zap.String("op", op), zap.Error(perr))
	if s.observer != nil {
		s.observer.ObservePersistenceError(op)
	}
}

// decode parses a stored ledger, dropping values that are not a known status
func decode(raw string, logger *zap.Logger) dose.StatusMap {
	out := dose.StatusMap{}
	if raw == "" {
		return out
	}
	var stored map[string]string
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		logger.Error("discarding unreadable dose status", zap.Error(err))
		return out
	}
	for id, v := range stored {
		switch dose.Status(v) {
		case dose.StatusCompleted, dose.StatusSkipped:
			out[id] = dose.Status(v)
		default:
			logger.Warn("ignoring unknown dose status", zap.String("identity", id), zap.String("status", v))
		}
	}
	return out
}
