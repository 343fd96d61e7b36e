// Package worker implements the Execution Worker: a background pump that
// periodically drains pending trade intents through the Execution Service.
//
// Adapted from the teacher's risk.Manager.Run ticker-select loop and
// engine.Engine.Stop's cancel-then-wg.Wait two-step, generalized from a
// risk-monitoring poll to a bounded-batch intent drain with a cooperative
// shutdown that lets an in-flight execution finish before the loop exits.
// The loop schedules off the injected clock.Clock's After, not a bare
// time.Ticker, so tests can drive ticks deterministically with a Virtual
// clock instead of waiting on the wall clock.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/clock"
	"tradecore/pkg/types"
)

// IntentSource lists pending intents, oldest first. Satisfied by
// *intent.Service.
type IntentSource interface {
	ListPending(limit int) ([]*types.TradeIntent, error)
}

// Executor runs one pending intent to a terminal state. Satisfied by
// *execution.Service.
type Executor interface {
	Execute(intentID string) (*types.ExecutionRecord, error)
}

// Worker periodically drains up to MaxBatchSize pending intents, oldest
// first, through Executor.
type Worker struct {
	intents  IntentSource
	executor Executor
	clock    clock.Clock
	logger   *slog.Logger

	interval     int64 // milliseconds, >0
	maxBatchSize int

	running atomic.Bool // true while a tick is in flight; guards against overlap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Worker. intervalMs is the time between the end of one tick
// and the start of the next; maxBatchSize bounds how many intents a single
// tick processes.
func New(intents IntentSource, executor Executor, clk clock.Clock, intervalMs int64, maxBatchSize int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		intents:      intents,
		executor:     executor,
		clock:        clk,
		logger:       logger.With("component", "worker"),
		interval:     intervalMs,
		maxBatchSize: maxBatchSize,
	}
}

// Start launches the drain loop in a background goroutine. Calling Start
// more than once without an intervening Stop has no effect.
func (w *Worker) Start() {
	if w.ctx != nil {
		return
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.run()
}

// Stop signals the loop to exit and blocks until the current in-flight
// tick (if any) finishes and the goroutine has returned. In-flight
// executions are never aborted — they complete and persist before the
// loop observes cancellation.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.ctx, w.cancel = nil, nil
}

func (w *Worker) run() {
	defer w.wg.Done()

	interval := intervalDuration(w.interval)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.clock.After(interval):
			w.tick()
		}
	}
}

// tick drains up to maxBatchSize pending intents, oldest first, entirely
// sequentially. A tick never overlaps a still-running tick: that can only
// happen if Start were misused from two goroutines, which the atomic guard
// below protects against even though the single select loop above never
// does it itself.
func (w *Worker) tick() {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("tick skipped: previous tick still running")
		return
	}
	defer w.running.Store(false)

	pending, err := w.intents.ListPending(w.maxBatchSize)
	if err != nil {
		w.logger.Error("list pending intents failed", "error", err)
		return
	}

	for _, it := range pending {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if _, err := w.executor.Execute(it.ID); err != nil {
			w.logger.Error("execute intent failed", "intentId", it.ID, "error", err)
		}
	}
}

func intervalDuration(ms int64) time.Duration {
	if ms <= 0 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}
