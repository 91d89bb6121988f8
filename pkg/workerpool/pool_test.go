package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunAllWaitsForEveryTask(t *testing.T) {
	p := New(Config{Workers: 3, QueueSize: 2}, nil)
	p.Start()
	defer p.Stop()

	var ran atomic.Int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{ID: "t", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}
	}

	results := p.RunAll(context.Background(), tasks)
	if got := ran.Load(); got != 10 {
		t.Errorf("ran %d tasks, want 10", got)
	}
	for i, r := range results {
		if r.Err != nil || r.Attempts != 1 {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if s := p.Stats(); s.Completed != 10 {
		t.Errorf("Completed = %d", s.Completed)
	}
}

func TestTaskRetriedUntilSuccess(t *testing.T) {
	p := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, nil)
	p.Start()
	defer p.Stop()

	calls := 0
	results := p.RunAll(context.Background(), []Task{{ID: "flaky", Run: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}}})

	if results[0].Err != nil {
		t.Fatalf("err = %v", results[0].Err)
	}
	if results[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", results[0].Attempts)
	}
}

func TestTaskFailsAfterRetries(t *testing.T) {
	p := New(Config{Workers: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, nil)
	p.Start()
	defer p.Stop()

	errBoom := errors.New("boom")
	results := p.RunAll(context.Background(), []Task{{ID: "bad", Run: func(context.Context) error { return errBoom }}})
	if !errors.Is(results[0].Err, errBoom) {
		t.Errorf("err = %v, want boom", results[0].Err)
	}
	if results[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", results[0].Attempts)
	}
	if p.Stats().Failed != 1 {
		t.Errorf("Failed = %d", p.Stats().Failed)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Workers: 1}, nil)
	p.Start()
	p.Stop()

	err := p.Submit(context.Background(), Task{ID: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}
