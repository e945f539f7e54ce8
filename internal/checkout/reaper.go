package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teocoin/settlement/internal/metrics"
)

// DefaultReaperTTL is how long an applied snapshot may wait for payment.
const DefaultReaperTTL = 72 * time.Hour

// Reaper periodically expires applied snapshots whose payment never
// arrived, returning their held TEO.
type Reaper struct {
	svc      *Service
	ttl      time.Duration
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewReaper creates a snapshot reaper.
func NewReaper(svc *Service, ttl time.Duration, logger *slog.Logger) *Reaper {
	if ttl <= 0 {
		ttl = DefaultReaperTTL
	}
	return &Reaper{
		svc:      svc,
		ttl:      ttl,
		interval: 10 * time.Minute,
		batch:    100,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reaper loop is actively running.
func (r *Reaper) Running() bool {
	return r.running.Load()
}

// Start begins the reaper loop. Call in a goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the reaper to stop.
func (r *Reaper) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reaper) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			metrics.TimerSweepsTotal.WithLabelValues("snapshot_reaper", "panic").Inc()
			r.logger.Error("panic in snapshot reaper", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.Sweep(ctx); err != nil {
		metrics.TimerSweepsTotal.WithLabelValues("snapshot_reaper", "error").Inc()
		return
	}
	metrics.TimerSweepsTotal.WithLabelValues("snapshot_reaper", "ok").Inc()
}

// Sweep expires one batch of stale applied snapshots and returns how many
// it expired.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ttl)
	stale, err := r.svc.snapshots.ListAppliedBefore(ctx, cutoff, r.batch)
	if err != nil {
		r.logger.Warn("failed to list stale snapshots", "error", err)
		return 0, err
	}
	reaped := 0
	for _, s := range stale {
		ok, err := r.svc.Reap(ctx, s.ID, cutoff)
		if err != nil {
			r.logger.Warn("failed to reap snapshot", "snapshotId", s.ID, "error", err)
			continue
		}
		if ok {
			reaped++
			reapedTotal.Inc()
		}
	}
	if reaped > 0 {
		r.logger.Info("reaped stale snapshots", "count", reaped)
	}
	return reaped, nil
}
