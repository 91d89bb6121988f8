// Package tracker combines the dose expansion engine, the per-user status
// ledger and the reminder windows into the operations the API and CLI expose.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
	"github.com/medtrack/go-medtrack/internal/status"
)

// ErrUnknownDose is returned when a status change names a dose that is not
// on today's schedule
var ErrUnknownDose = errors.New("dose is not scheduled today")

// RecordSource lists a user's prescriptions
type RecordSource interface {
	ListByUser(ctx context.Context, userID string) ([]prescription.Record, error)
}

// StatusRecorder receives status changes for auditing
type StatusRecorder interface {
	RecordStatusChange(ctx context.Context, data prescription.DoseStatusChangedData) error
}

// KVFactory returns the status KV scoped to a user
type KVFactory func(userID string) status.KV

// Observer receives expansion and ledger activity. *metrics.Metrics
// satisfies it
type Observer interface {
	dose.Observer
	status.Observer
}

// Dashboard is a user's view of today
type Dashboard struct {
	Date string `json:"date"`
	dose.Buckets
	Statuses dose.StatusMap `json:"statuses"`
}

// Notifications are the doses due in the current reminder window
type Notifications struct {
	Slot   dose.Slot    `json:"slot"`
	Label  string       `json:"label"`
	Events []dose.Event `json:"events"`
}

// Service runs the dose tracker operations for any user
type Service struct {
	records  RecordSource
	kv       KVFactory
	clock    clock.Clock
	expander *dose.Expander
	observer Observer
	recorder StatusRecorder
	logger   *zap.Logger
	tracer   trace.Tracer

	partition func([]dose.Event, dose.StatusMap) dose.Buckets
}

// New creates a Service. observer and logger may be nil
func New(records RecordSource, kv KVFactory, clk clock.Clock, observer Observer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	var dobs dose.Observer
	if observer != nil {
		dobs = observer
	}
	return &Service{
		records:  records,
		kv:       kv,
		clock:    clk,
		expander: dose.NewExpander(logger, dobs),
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("tracker"),

		partition: dose.Partition,
	}
}

// WithRecorder sets where status changes are audited
func (s *Service) WithRecorder(r StatusRecorder) *Service {
	s.recorder = r
	return s
}

// Today expands the user's prescriptions and loads today's ledger
func (s *Service) Today(ctx context.Context, userID string) ([]dose.Event, *status.Store, error) {
	ctx, span := s.tracer.Start(ctx, "tracker.today",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	records, err := s.records.ListByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("list prescriptions: %w", err)
	}
	events := s.expander.Expand(ctx, records)

	store := s.store(userID)
	store.Load(ctx)
	return events, store, nil
}

// Dashboard partitions today's doses into upcoming, completed and missed
func (s *Service) Dashboard(ctx context.Context, userID string) (*Dashboard, error) {
	events, store, err := s.Today(ctx, userID)
	if err != nil {
		return nil, err
	}
	statuses := store.Snapshot()
	buckets := s.partition(events, statuses)
	if err := dose.CheckPartition(events, buckets); err != nil {
		s.logger.Error("dashboard partition inconsistent", zap.String("user_id", userID), zap.Error(err))
	}
	return &Dashboard{
		Date:     store.Today(),
		Buckets:  buckets,
		Statuses: statuses,
	}, nil
}

// Notifications returns the pending doses for the current reminder window
func (s *Service) Notifications(ctx context.Context, userID string) (*Notifications, error) {
	events, store, err := s.Today(ctx, userID)
	if err != nil {
		return nil, err
	}
	slot := dose.CurrentSlot(s.clock.Now().Hour())
	return &Notifications{
		Slot:   slot,
		Label:  dose.WindowLabel(slot),
		Events: dose.ActiveNotifications(events, store.Snapshot(), slot),
	}, nil
}

// SetStatus records st for a dose on today's schedule; StatusNone clears it.
// The updated ledger is returned
func (s *Service) SetStatus(ctx context.Context, userID, identity string, st dose.Status) (dose.StatusMap, error) {
	events, store, err := s.Today(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !scheduled(events, identity) && st != dose.StatusNone {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDose, identity)
	}

	statuses := store.SetStatus(ctx, identity, st)
	s.logger.Info("dose status changed",
		zap.String("user_id", userID),
		zap.String("identity", identity),
		zap.String("status", string(st)))

	if s.recorder != nil {
		err := s.recorder.RecordStatusChange(ctx, prescription.DoseStatusChangedData{
			UserID:    userID,
			Identity:  identity,
			Status:    string(st),
			Date:      store.Today(),
			ChangedAt: s.clock.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("failed to record status change", zap.String("identity", identity), zap.Error(err))
		}
	}
	return statuses, nil
}

// MarkDone completes a dose from the notification list
func (s *Service) MarkDone(ctx context.Context, userID, identity string) (dose.StatusMap, error) {
	return s.SetStatus(ctx, userID, identity, dose.StatusCompleted)
}

func (s *Service) store(userID string) *status.Store {
	var obs status.Observer
	if s.observer != nil {
		obs = s.observer
	}
	return status.NewStore(s.kv(userID), s.clock, s.logger.With(zap.String("user_id", userID)), obs)
}

func scheduled(events []dose.Event, identity string) bool {
	for _, ev := range events {
		if ev.Identity == identity {
			return true
		}
	}
	return false
}
