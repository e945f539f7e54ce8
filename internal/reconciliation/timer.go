package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teocoin/settlement/internal/metrics"
)

// Timer runs the invariant sweep on a fixed schedule. The first sweep
// happens after warmup so a restarting server is not audited while its
// other timers are still catching up.
type Timer struct {
	runner   *Runner
	warmup   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	failures atomic.Int32 // consecutive failed or dirty runs
}

// NewTimer creates a reconciliation timer that sweeps every five minutes.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		warmup:   30 * time.Second,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (t *Timer) Running() bool {
	return t.running.Load()
}

// ConsecutiveFailures is the number of back-to-back runs that errored or
// found violations.
func (t *Timer) ConsecutiveFailures() int {
	return int(t.failures.Load())
}

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	wait := time.NewTimer(t.warmup)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.stop:
		return
	case <-wait.C:
		t.sweep(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the loop to exit. It never blocks.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
		if result == "ok" {
			t.failures.Store(0)
		} else {
			t.failures.Add(1)
		}
		metrics.TimerSweepsTotal.WithLabelValues("reconciliation", result).Inc()
	}()

	rep, err := t.runner.RunAll(ctx)
	switch {
	case err != nil:
		result = "error"
		t.logger.Warn("reconciliation run failed", "error", err, "consecutiveFailures", t.failures.Load()+1)
	case !rep.OK():
		result = "violations"
	}
}
