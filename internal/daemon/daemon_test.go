package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skubridge/skubridge/internal/store"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (r *blockingRunner) RunDeltaSync(ctx context.Context, trigger string) (*store.Run, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &store.Run{Status: store.StatusSuccess}, nil
}

func TestRunOnceCoalescesConcurrentRequests(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	d := New(runner, time.Hour, nil)

	var wg sync.WaitGroup
	var rejected atomic.Int32

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := d.RunOnce(context.Background(), "manual"); err != nil {
			t.Errorf("first run failed: %v", err)
		}
	}()

	// Wait for the first run to be in flight.
	for runner.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		if _, err := d.RunOnce(context.Background(), "manual"); errors.Is(err, ErrRunInProgress) {
			rejected.Add(1)
		}
	}
	close(runner.release)
	wg.Wait()

	if rejected.Load() != 5 {
		t.Errorf("rejected = %d, want all 5 concurrent requests", rejected.Load())
	}
	if runner.calls.Load() != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls.Load())
	}
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	runner := &blockingRunner{}
	d := New(runner, time.Hour, nil)

	d.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for runner.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("startup run never happened")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	d.Stop()

	if runner.calls.Load() != 1 {
		t.Errorf("calls = %d, want only the startup run", runner.calls.Load())
	}
}

func TestSetRunnerSwapsForNextRun(t *testing.T) {
	first := &blockingRunner{}
	second := &blockingRunner{}
	d := New(first, time.Hour, nil)

	if _, err := d.RunOnce(context.Background(), "manual"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	d.SetRunner(second)
	if _, err := d.RunOnce(context.Background(), "manual"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Errorf("calls = (%d, %d), want one each", first.calls.Load(), second.calls.Load())
	}
}
