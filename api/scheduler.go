/*
scheduler.go - Automated makeup settlement

PURPOSE:
  Periodically marks planned makeups whose date has passed as fulfilled,
  moving their hours out of each student's contracted counter. The same
  operation is exposed as POST /api/admin/settle-makeups.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Settlement is idempotent (deterministic ledger keys), so overlapping
    manual and scheduled runs are harmless

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewMakeupScheduler(svc, logger, metrics)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/lesson-engine/tutoring"
)

// MakeupScheduler settles past makeups on a timer.
type MakeupScheduler struct {
	Service       *tutoring.Service
	CheckInterval time.Duration
	Enabled       bool
	// RunTimeout bounds a single settlement pass.
	RunTimeout time.Duration

	logger  *slog.Logger
	metrics *Metrics

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
}

// NewMakeupScheduler creates a new scheduler. metrics may be nil.
func NewMakeupScheduler(svc *tutoring.Service, logger *slog.Logger, metrics *Metrics) *MakeupScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MakeupScheduler{
		Service:       svc,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		RunTimeout:    5 * time.Minute,
		logger:        logger.With("component", "makeup_scheduler"),
		metrics:       metrics,
	}
}

// Start begins the scheduler.
func (ms *MakeupScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.logger.Info("scheduler disabled, not starting")
		return
	}
	if ms.ticker != nil {
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.stop = make(chan struct{})
	ms.wg.Add(1)
	go ms.run(ms.ticker, ms.stop)

	ms.logger.Info("scheduler started", "interval", ms.CheckInterval)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (ms *MakeupScheduler) Stop() {
	ms.mu.Lock()
	if ms.ticker == nil {
		ms.mu.Unlock()
		return
	}
	ms.ticker.Stop()
	close(ms.stop)
	ms.ticker = nil
	ms.mu.Unlock()

	ms.wg.Wait()
	ms.logger.Info("scheduler stopped")
}

func (ms *MakeupScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ms.wg.Done()

	ms.RunNow()

	for {
		select {
		case <-ticker.C:
			ms.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one settlement pass and returns how many makeups it
// fulfilled before any failure.
func (ms *MakeupScheduler) RunNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), ms.RunTimeout)
	defer cancel()

	n, err := ms.Service.SettlePastMakeups(ctx)
	ms.metrics.command("settle_makeups", err)

	ms.mu.Lock()
	ms.lastRun = time.Now()
	ms.mu.Unlock()

	// n counts only students whose settlement committed, even on failure.
	ms.metrics.makeupsSettled(n)
	if err != nil {
		ms.logger.Error("settlement pass failed", "error", err, "settled", n)
		return n
	}
	if n > 0 {
		ms.logger.Info("settled past makeups", "count", n)
	}
	return n
}

// LastRun returns when the last pass finished; zero before the first.
func (ms *MakeupScheduler) LastRun() time.Time {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastRun
}
