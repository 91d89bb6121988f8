package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
	"github.com/medtrack/go-medtrack/internal/status"
	"github.com/medtrack/go-medtrack/internal/tracker"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
	"github.com/medtrack/go-medtrack/pkg/idempotency"
	"github.com/medtrack/go-medtrack/pkg/workerpool"
)

type fakeRecords struct {
	mu      sync.Mutex
	records map[string][]prescription.Record
	listed  int
}

func (f *fakeRecords) ListByUser(_ context.Context, userID string) ([]prescription.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[userID], nil
}

func (f *fakeRecords) ListUserIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed++
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []Reminder
	topics   []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var r Reminder
	if err := json.Unmarshal(value, &r); err != nil {
		return err
	}
	if key != r.UserID {
		return errors.New("message key is not the user id")
	}
	f.messages = append(f.messages, r)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fixture struct {
	dispatcher *Dispatcher
	tracker    *tracker.Service
	records    *fakeRecords
	publisher  *fakePublisher
	clock      *clock.Fixed
}

func newFixture(t *testing.T, hour int) *fixture {
	t.Helper()
	records := &fakeRecords{records: map[string][]prescription.Record{
		"alice": {{
			ID:          "rx1",
			DoctorName:  "Dr. Rao",
			Medications: json.RawMessage(`[{"name":"Amox","doses_time_01":["morning","night"],"doses_time_02":"after meal"},{"name":"Zinc","doses_time_01":["morning"]}]`),
		}},
		"bob": {{
			ID:          "rx2",
			Medications: json.RawMessage(`[{"name":"Iron","doses_time_01":["morning"]}]`),
		}},
	}}
	clk := &clock.Fixed{T: time.Date(2024, time.March, 4, hour, 15, 0, 0, time.UTC)}
	svc := tracker.New(records, status.NewScoped().Scope, clk, nil, nil)

	pool := workerpool.New(workerpool.Config{Workers: 2, MaxRetries: 0}, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	pub := &fakePublisher{}
	d := NewDispatcher(Config{
		Users:     records,
		Schedule:  svc,
		Dedup:     idempotency.NewMemory(),
		Publisher: pub,
		Pool:      pool,
		Clock:     clk,
	})
	return &fixture{dispatcher: d, tracker: svc, records: records, publisher: pub, clock: clk}
}

func TestTickPublishesPendingDoses(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	if _, err := f.tracker.MarkDone(ctx, "alice", "rx1_Zinc_morning"); err != nil {
		t.Fatal(err)
	}

	res, err := f.dispatcher.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Users != 2 || res.Published != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}

	got := map[string]Reminder{}
	for i, m := range f.publisher.messages {
		got[m.Identity] = m
		if f.publisher.topics[i] != redpanda.TopicDoseReminders {
			t.Errorf("topic = %s", f.publisher.topics[i])
		}
	}
	amox, ok := got["rx1_Amox_morning"]
	if !ok {
		t.Fatalf("no reminder for Amox: %v", got)
	}
	if amox.UserID != "alice" || amox.Slot != dose.SlotMorning || amox.Date != "Mon Mar 04 2024" ||
		amox.Window != "Morning Reminder (8 AM - 11 AM)" || amox.DoctorName != "Dr. Rao" || amox.ID == "" {
		t.Errorf("reminder = %+v", amox)
	}
	if _, ok := got["rx2_Iron_morning"]; !ok {
		t.Errorf("no reminder for bob: %v", got)
	}
	if _, ok := got["rx1_Zinc_morning"]; ok {
		t.Error("completed dose was reminded")
	}
}

func TestTickDeduplicatesWithinDay(t *testing.T) {
	f := newFixture(t, 9)
	ctx := context.Background()

	if _, err := f.dispatcher.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	first := f.publisher.count()

	f.clock.Advance(30 * time.Minute)
	res, err := f.dispatcher.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Published != 0 || res.Duplicates != first {
		t.Errorf("second tick = %+v, first published %d", res, first)
	}
	if f.publisher.count() != first {
		t.Errorf("published %d, want %d", f.publisher.count(), first)
	}

	f.clock.Advance(24 * time.Hour)
	res, err = f.dispatcher.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Published != first {
		t.Errorf("next day published %d, want %d", res.Published, first)
	}
}

func TestTickOutsideWindowsDoesNothing(t *testing.T) {
	f := newFixture(t, 16)

	res, err := f.dispatcher.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res != (Result{}) || f.records.listed != 0 || f.publisher.count() != 0 {
		t.Errorf("result = %+v, listed = %d", res, f.records.listed)
	}
}

func TestPublishFailureIsRetriedNextTick(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	f.publisher.err = errors.New("broker down")
	res, err := f.dispatcher.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Published != 0 {
		t.Errorf("failing tick = %+v", res)
	}

	f.publisher.err = nil
	res, err = f.dispatcher.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Published != 1 {
		t.Errorf("retry tick = %+v", res)
	}
	if f.publisher.messages[0].Identity != "rx1_Amox_night" {
		t.Errorf("messages = %+v", f.publisher.messages)
	}
}

func TestPublishFailuresDoNotTripScheduleBreaker(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	cfg := circuitbreaker.DefaultConfig(ScheduleBreaker)
	cfg.FailureThreshold = 1
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.dispatcher.breaker = breaker

	f.publisher.err = errors.New("broker down")
	for i := 0; i < 3; i++ {
		if _, err := f.dispatcher.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if breaker.State() != circuitbreaker.StateClosed {
		t.Errorf("breaker %s is %v after publish failures", breaker.Name(), breaker.State())
	}
	if breaker.Name() != "reminder-schedule" {
		t.Errorf("breaker name = %q", breaker.Name())
	}
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t, 12)
	ctx := context.Background()

	f.records.records["carol"] = []prescription.Record{{
		ID:          "rx3",
		Medications: json.RawMessage(`[{"name":"Calcium","doses_time_01":["noon"]}]`),
	}}

	ev, err := prescription.NewEvent("rx3", "carol", prescription.EventPrescriptionCreated, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(ev)
	if err := f.dispatcher.HandleEvent(ctx, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if f.publisher.count() != 1 || f.publisher.messages[0].UserID != "carol" {
		t.Errorf("messages = %+v", f.publisher.messages)
	}

	other, _ := prescription.NewEvent("", "carol", prescription.EventDoseStatusChanged, map[string]string{})
	payload, _ = json.Marshal(other)
	if err := f.dispatcher.HandleEvent(ctx, payload); err != nil {
		t.Errorf("status event: %v", err)
	}
	if err := f.dispatcher.HandleEvent(ctx, []byte("garbage")); err != nil {
		t.Errorf("garbage: %v", err)
	}
	if f.publisher.count() != 1 {
		t.Errorf("unexpected publishes: %d", f.publisher.count())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx, time.Hour) }()

	deadline := time.After(5 * time.Second)
	for f.publisher.count() < 3 {
		select {
		case <-deadline:
			t.Fatal("first tick did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
