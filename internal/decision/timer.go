package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teocoin/settlement/internal/metrics"
)

// Timer periodically expires overdue pending decisions.
type Timer struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new decision expiry timer.
func NewTimer(engine *Engine, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		interval: time.Minute,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TimerSweepsTotal.WithLabelValues("decision_expiry", "panic").Inc()
			t.logger.Error("panic in decision expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.Sweep(ctx); err != nil {
		metrics.TimerSweepsTotal.WithLabelValues("decision_expiry", "error").Inc()
		return
	}
	metrics.TimerSweepsTotal.WithLabelValues("decision_expiry", "ok").Inc()
}

// Sweep expires one batch of overdue decisions and returns how many it
// expired. A failure on one decision is logged and does not stop the rest.
func (t *Timer) Sweep(ctx context.Context) (int, error) {
	due, err := t.engine.store.ListDue(ctx, t.engine.now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to list due decisions", "error", err)
		return 0, err
	}
	expired := 0
	for _, d := range due {
		out, err := t.engine.Expire(ctx, d.ID)
		if err != nil {
			t.logger.Warn("failed to expire decision", "decisionId", d.ID, "error", err)
			continue
		}
		if out.State == StateExpired {
			expired++
		}
	}
	if expired > 0 {
		t.logger.Info("expired decisions", "count", expired)
	}
	return expired, nil
}
