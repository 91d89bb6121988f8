// Package reminder publishes a reminder for every dose that is due in the
// current window and still pending, at most once per dose per day.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
	"github.com/medtrack/go-medtrack/internal/tracker"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
	"github.com/medtrack/go-medtrack/pkg/idempotency"
	"github.com/medtrack/go-medtrack/pkg/workerpool"
)

// HandlerName identifies reminder entries in the idempotency inbox
const HandlerName = "dose-reminder"

// Reminder is the message published for a due dose
type Reminder struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Identity     string    `json:"identity"`
	RecordID     string    `json:"record_id"`
	MedicineName string    `json:"medicine_name"`
	DoctorName   string    `json:"doctor_name"`
	Slot         dose.Slot `json:"slot"`
	Instruction  string    `json:"instruction"`
	Window       string    `json:"window"`
	Date         string    `json:"date"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserSource lists users that own prescriptions
type UserSource interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Schedule returns a user's pending doses for the current window.
// *tracker.Service satisfies it
type Schedule interface {
	Notifications(ctx context.Context, userID string) (*tracker.Notifications, error)
}

// Deduper runs fn at most once per key. *idempotency.Inbox and
// *idempotency.Memory satisfy it
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Publisher sends a message. *redpanda.Producer satisfies it
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Observer receives reminder outcomes. *metrics.Metrics satisfies it
type Observer interface {
	ObserveReminder(duplicate bool)
}

// Result summarises one evaluation
type Result struct {
	Users      int
	Published  int
	Duplicates int
	Failed     int
}

// ScheduleBreaker names the breaker that guards record and status reads
const ScheduleBreaker = "reminder-schedule"

// Dispatcher evaluates users on the worker pool and publishes reminders
type Dispatcher struct {
	users     UserSource
	schedule  Schedule
	dedup     Deduper
	publisher Publisher
	pool      *workerpool.Pool
	clock     clock.Clock
	breaker   *circuitbreaker.CircuitBreaker
	observer  Observer
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Config wires a Dispatcher. Breaker and Observer are optional
type Config struct {
	Users     UserSource
	Schedule  Schedule
	Dedup     Deduper
	Publisher Publisher
	Pool      *workerpool.Pool
	Clock     clock.Clock
	Breaker   *circuitbreaker.CircuitBreaker
	Observer  Observer
	Logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. The pool must already be started
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Dispatcher{
		users:     cfg.Users,
		schedule:  cfg.Schedule,
		dedup:     cfg.Dedup,
		publisher: cfg.Publisher,
		pool:      cfg.Pool,
		clock:     cfg.Clock,
		breaker:   cfg.Breaker,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("reminder"),
	}
}

// Run evaluates every user now and then on each interval until ctx is done
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if res, err := d.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error("reminder tick failed", zap.Error(err))
		} else if res.Published > 0 || res.Failed > 0 {
			d.logger.Info("reminder tick",
				zap.Int("users", res.Users),
				zap.Int("published", res.Published),
				zap.Int("duplicates", res.Duplicates),
				zap.Int("failed", res.Failed))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick evaluates every user once. Outside the reminder windows it does
// nothing
func (d *Dispatcher) Tick(ctx context.Context) (Result, error) {
	if dose.CurrentSlot(d.clock.Now().Hour()) == dose.SlotNone {
		return Result{}, nil
	}

	ctx, span := d.tracer.Start(ctx, "reminder.tick")
	defer span.End()

	users, err := d.users.ListUserIDs(ctx)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("list users: %w", err)
	}
	span.SetAttributes(attribute.Int("users", len(users)))
	return d.evaluate(ctx, users), nil
}

// HandleEvent re-evaluates the user a prescription event belongs to
func (d *Dispatcher) HandleEvent(ctx context.Context, payload []byte) error {
	var ev prescription.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.logger.Warn("dropping undecodable prescription event", zap.Error(err))
		return nil
	}
	if ev.EventType != prescription.EventPrescriptionCreated || ev.UserID == "" {
		return nil
	}

	res := d.evaluate(ctx, []string{ev.UserID})
	if res.Failed > 0 {
		return fmt.Errorf("reminders for %s: %d failed", ev.UserID, res.Failed)
	}
	return nil
}

func (d *Dispatcher) evaluate(ctx context.Context, users []string) Result {
	res := Result{Users: len(users)}
	counts := make([]Result, len(users))

	tasks := make([]workerpool.Task, len(users))
	for i, userID := range users {
		tasks[i] = workerpool.Task{
			ID: userID,
			Run: func(context.Context) error {
				r, err := d.EvaluateUser(ctx, userID)
				counts[i] = r
				return err
			},
		}
	}

	for i, r := range d.pool.RunAll(ctx, tasks) {
		res.Published += counts[i].Published
		res.Duplicates += counts[i].Duplicates
		res.Failed += counts[i].Failed
		if r.Err != nil && counts[i].Failed == 0 {
			res.Failed++
		}
	}
	return res
}

// EvaluateUser publishes reminders for the user's pending doses in the
// current window. Reminders already sent today are skipped
func (d *Dispatcher) EvaluateUser(ctx context.Context, userID string) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "reminder.evaluate_user",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	res := Result{Users: 1}
	n, err := d.notifications(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	today := clock.DateString(d.clock.Now())
	var errs []error
	for _, ev := range n.Events {
		dup, err := d.send(ctx, userID, today, n.Label, ev)
		switch {
		case err != nil:
			res.Failed++
			errs = append(errs, err)
		case dup:
			res.Duplicates++
		default:
			res.Published++
		}
	}
	return res, errors.Join(errs...)
}

func (d *Dispatcher) notifications(ctx context.Context, userID string) (*tracker.Notifications, error) {
	if d.breaker == nil {
		return d.schedule.Notifications(ctx, userID)
	}
	return circuitbreaker.Do(ctx, d.breaker, func(ctx context.Context) (*tracker.Notifications, error) {
		return d.schedule.Notifications(ctx, userID)
	})
}

func (d *Dispatcher) send(ctx context.Context, userID, date, window string, ev dose.Event) (bool, error) {
	rem := Reminder{
		ID:           uuid.NewString(),
		UserID:       userID,
		Identity:     ev.Identity,
		RecordID:     ev.RecordID,
		MedicineName: ev.MedicineName,
		DoctorName:   ev.DoctorName,
		Slot:         ev.TimeSlot,
		Instruction:  ev.Instruction,
		Window:       window,
		Date:         date,
		CreatedAt:    d.clock.Now().UTC(),
	}
	payload, err := json.Marshal(rem)
	if err != nil {
		return false, err
	}

	key := idempotency.GenerateKey(userID, ev.Identity, date)
	out, err := d.dedup.Process(ctx, key, HandlerName, payload, func(ctx context.Context) (json.RawMessage, error) {
		if err := d.publisher.Publish(ctx, redpanda.TopicDoseReminders, userID, payload); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"reminder_id":"` + rem.ID + `"}`), nil
	})
	if errors.Is(err, idempotency.ErrMessageInProgress) {
		return true, nil
	}
	if err != nil {
		d.logger.Error("failed to publish reminder",
			zap.String("user_id", userID),
			zap.String("identity", ev.Identity),
			zap.Error(err))
		return false, err
	}

	duplicate := !out.IsNew
	if d.observer != nil {
		d.observer.ObserveReminder(duplicate)
	}
	if !duplicate {
		d.logger.Debug("reminder published",
			zap.String("user_id", userID),
			zap.String("identity", ev.Identity))
	}
	return duplicate, nil
}
