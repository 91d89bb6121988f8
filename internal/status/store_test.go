package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
)

type countingObserver struct {
	changes []string
	resets  int
	errors  []string
}

func (o *countingObserver) ObserveStatusChange(s string)      { o.changes = append(o.changes, s) }
func (o *countingObserver) ObserveDailyReset()                { o.resets++ }
func (o *countingObserver) ObservePersistenceError(op string) { o.errors = append(o.errors, op) }

var monday = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

func TestLoadFirstRunWritesMarker(t *testing.T) {
	kv := NewMemoryKV(nil)
	obs := &countingObserver{}
	s := NewStore(kv, &clock.Fixed{T: monday}, nil, obs)

	got := s.Load(context.Background())
	if len(got) != 0 {
		t.Errorf("Load = %v, want empty", got)
	}
	if v, _ := kv.Value(KeyLastActiveDate); v != "Mon Jan 01 2024" {
		t.Errorf("marker = %q", v)
	}
	if v, _ := kv.Value(KeyDailyStatus); v != "{}" {
		t.Errorf("ledger = %q", v)
	}
	if obs.resets != 1 {
		t.Errorf("resets = %d", obs.resets)
	}
}

func TestLoadSameDayKeepsLedger(t *testing.T) {
	kv := NewMemoryKV(map[string]string{
		KeyLastActiveDate: "Mon Jan 01 2024",
		KeyDailyStatus:    `{"rx1_A_morning":"completed","rx1_A_night":"skipped"}`,
	})
	s := NewStore(kv, &clock.Fixed{T: monday}, nil, nil)

	got := s.Load(context.Background())
	if got["rx1_A_morning"] != dose.StatusCompleted || got["rx1_A_night"] != dose.StatusSkipped {
		t.Errorf("Load = %v", got)
	}
	if kv.Writes != 0 {
		t.Errorf("same-day load wrote %d times", kv.Writes)
	}
}

func TestLoadNewDayResetsAtomically(t *testing.T) {
	kv := NewMemoryKV(map[string]string{
		KeyLastActiveDate: "Sun Dec 31 2023",
		KeyDailyStatus:    `{"rx1_A_morning":"completed"}`,
	})
	s := NewStore(kv, &clock.Fixed{T: monday}, nil, nil)

	got := s.Load(context.Background())
	if len(got) != 0 {
		t.Errorf("Load = %v, want empty", got)
	}
	if kv.Writes != 1 {
		t.Errorf("reset used %d writes, want one SetMany", kv.Writes)
	}
	if v, _ := kv.Value(KeyDailyStatus); v != "{}" {
		t.Errorf("ledger = %q", v)
	}
	if v, _ := kv.Value(KeyLastActiveDate); v != "Mon Jan 01 2024" {
		t.Errorf("marker = %q", v)
	}
}

func TestMidnightRollover(t *testing.T) {
	kv := NewMemoryKV(nil)
	clk := &clock.Fixed{T: time.Date(2024, time.January, 1, 23, 59, 0, 0, time.UTC)}
	ctx := context.Background()

	s := NewStore(kv, clk, nil, nil)
	s.Load(ctx)
	s.SetStatus(ctx, "rx1_A_night", dose.StatusCompleted)

	clk.Advance(2 * time.Minute)
	next := NewStore(kv, clk, nil, nil)
	if got := next.Load(ctx); len(got) != 0 {
		t.Errorf("after midnight Load = %v", got)
	}
}

func TestSetStatusWritesThrough(t *testing.T) {
	kv := NewMemoryKV(nil)
	obs := &countingObserver{}
	ctx := context.Background()
	s := NewStore(kv, &clock.Fixed{T: monday}, nil, obs)
	s.Load(ctx)

	s.SetStatus(ctx, "rx1_A_morning", dose.StatusCompleted)

	reloaded := NewStore(kv, &clock.Fixed{T: monday}, nil, nil).Load(ctx)
	if reloaded["rx1_A_morning"] != dose.StatusCompleted {
		t.Errorf("reloaded = %v", reloaded)
	}
	if len(obs.changes) != 1 || obs.changes[0] != "completed" {
		t.Errorf("changes = %v", obs.changes)
	}
}

func TestOverlappingRequestsKeepBothChanges(t *testing.T) {
	kv := NewMemoryKV(nil)
	ctx := context.Background()
	clk := &clock.Fixed{T: monday}
	phone := NewStore(kv, clk, nil, nil)
	browser := NewStore(kv, clk, nil, nil)

	phone.Load(ctx)
	browser.Load(ctx)
	phone.SetStatus(ctx, "rx1_A_morning", dose.StatusCompleted)
	got := browser.SetStatus(ctx, "rx1_B_night", dose.StatusSkipped)

	if got["rx1_A_morning"] != dose.StatusCompleted || got["rx1_B_night"] != dose.StatusSkipped {
		t.Errorf("browser ledger = %v, want both changes", got)
	}
	persisted := NewStore(kv, clk, nil, nil).Load(ctx)
	if len(persisted) != 2 {
		t.Errorf("persisted = %v, want 2 statuses", persisted)
	}
}

func TestOverlappingClearKeepsOtherEntries(t *testing.T) {
	kv := NewMemoryKV(map[string]string{
		KeyLastActiveDate: "Mon Jan 01 2024",
		KeyDailyStatus:    `{"rx1_A_morning":"completed"}`,
	})
	ctx := context.Background()
	clk := &clock.Fixed{T: monday}
	a := NewStore(kv, clk, nil, nil)
	b := NewStore(kv, clk, nil, nil)

	a.Load(ctx)
	b.Load(ctx)
	a.SetStatus(ctx, "rx1_B_night", dose.StatusSkipped)
	b.SetStatus(ctx, "rx1_A_morning", dose.StatusNone)

	persisted := NewStore(kv, clk, nil, nil).Load(ctx)
	if len(persisted) != 1 || persisted["rx1_B_night"] != dose.StatusSkipped {
		t.Errorf("persisted = %v, want only rx1_B_night", persisted)
	}
}

func TestConcurrentSetStatus(t *testing.T) {
	kv := NewMemoryKV(nil)
	ctx := context.Background()
	clk := &clock.Fixed{T: monday}
	NewStore(kv, clk, nil, nil).Load(ctx)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := NewStore(kv, clk, nil, nil)
			s.Load(ctx)
			s.SetStatus(ctx, fmt.Sprintf("rx%d_A_morning", i), dose.StatusCompleted)
		}(i)
	}
	wg.Wait()

	if got := NewStore(kv, clk, nil, nil).Load(ctx); len(got) != n {
		t.Errorf("persisted %d statuses, want %d", len(got), n)
	}
}

func TestClearRoundTrip(t *testing.T) {
	kv := NewMemoryKV(nil)
	ctx := context.Background()
	s := NewStore(kv, &clock.Fixed{T: monday}, nil, nil)
	s.Load(ctx)

	before, _ := kv.Value(KeyDailyStatus)
	s.SetStatus(ctx, "rx1_A_morning", dose.StatusSkipped)
	got := s.SetStatus(ctx, "rx1_A_morning", dose.StatusNone)
	after, _ := kv.Value(KeyDailyStatus)

	if _, ok := got["rx1_A_morning"]; ok {
		t.Errorf("cleared key still present: %v", got)
	}
	if before != after {
		t.Errorf("ledger %q after clear, want %q", after, before)
	}
}

func TestUnknownStoredValuesDropped(t *testing.T) {
	kv := NewMemoryKV(map[string]string{
		KeyLastActiveDate: "Mon Jan 01 2024",
		KeyDailyStatus:    `{"a":"completed","b":"paused"}`,
	})
	got := NewStore(kv, &clock.Fixed{T: monday}, nil, nil).Load(context.Background())
	if len(got) != 1 || got["a"] != dose.StatusCompleted {
		t.Errorf("Load = %v", got)
	}
}

func TestUnreadableLedgerIsEmpty(t *testing.T) {
	kv := NewMemoryKV(map[string]string{
		KeyLastActiveDate: "Mon Jan 01 2024",
		KeyDailyStatus:    `not json`,
	})
	got := NewStore(kv, &clock.Fixed{T: monday}, nil, nil).Load(context.Background())
	if len(got) != 0 {
		t.Errorf("Load = %v", got)
	}
}

func TestPersistenceFailureDegrades(t *testing.T) {
	kv := NewMemoryKV(nil)
	kv.Err = errors.New("disk full")
	obs := &countingObserver{}
	ctx := context.Background()
	s := NewStore(kv, &clock.Fixed{T: monday}, nil, obs)

	if got := s.Load(ctx); len(got) != 0 {
		t.Errorf("Load = %v", got)
	}
	got := s.SetStatus(ctx, "rx1_A_morning", dose.StatusCompleted)
	if got["rx1_A_morning"] != dose.StatusCompleted {
		t.Errorf("in-memory ledger lost the change: %v", got)
	}
	if len(obs.errors) != 2 || obs.errors[0] != "load" || obs.errors[1] != "save" {
		t.Errorf("errors = %v", obs.errors)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore(NewMemoryKV(nil), &clock.Fixed{T: monday}, nil, nil)
	snap := s.SetStatus(context.Background(), "a", dose.StatusCompleted)
	snap["a"] = dose.StatusSkipped
	if s.Snapshot()["a"] != dose.StatusCompleted {
		t.Error("snapshot aliases the store")
	}
}

func TestPersistenceErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&PersistenceError{Op: "save", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("PersistenceError does not unwrap")
	}
}
