// Package daemon runs delta syncs on a fixed interval in the background.
package daemon

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skubridge/skubridge/internal/store"
	"github.com/skubridge/skubridge/internal/syncer"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still executing. Runs never queue; the in-flight run covers the request.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Runner executes one sync pass. Satisfied by *syncer.Syncer.
type Runner interface {
	RunDeltaSync(ctx context.Context, trigger string) (*store.Run, error)
}

// Daemon drives a Runner on an interval. At most one run executes at a
// time; ticks that land during a run are dropped, not queued.
type Daemon struct {
	interval time.Duration
	logger   *log.Logger

	mu     sync.RWMutex
	runner Runner

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. logger may be nil.
func New(runner Runner, interval time.Duration, logger *log.Logger) *Daemon {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{
		interval: interval,
		logger:   logger,
		runner:   runner,
	}
}

// SetRunner swaps the runner. Used when a configuration reload reconstructs
// the clients; the next run picks up the new one.
func (d *Daemon) SetRunner(r Runner) {
	d.mu.Lock()
	d.runner = r
	d.mu.Unlock()
}

func (d *Daemon) currentRunner() Runner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runner
}

// Start launches the background loop: one immediate run, then one per
// interval until Stop or context cancellation.
func (d *Daemon) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.logger.Printf("Sync daemon started (interval %s)", d.interval)
		d.tick(ctx, syncer.TriggerStartup)

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.logger.Printf("Sync daemon stopping")
				return
			case <-ticker.C:
				d.tick(ctx, syncer.TriggerInterval)
			}
		}
	}()
}

// Stop cancels the loop and waits for any in-flight run to finish.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Daemon) tick(ctx context.Context, trigger string) {
	if _, err := d.RunOnce(ctx, trigger); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			d.logger.Printf("Skipping %s tick: previous run still in progress", trigger)
			return
		}
		d.logger.Printf("Sync run failed: %v", err)
	}
}

// RunOnce executes a single run if none is in flight, blocking until it
// completes. Returns ErrRunInProgress otherwise.
func (d *Daemon) RunOnce(ctx context.Context, trigger string) (*store.Run, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer d.busy.Store(false)

	return d.currentRunner().RunDeltaSync(ctx, trigger)
}
