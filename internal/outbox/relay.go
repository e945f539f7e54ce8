package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teocoin/settlement/internal/metrics"
)

// Sink consumes relayed events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e *Event) error
}

// Relay moves claimed events to every sink.
type Relay struct {
	store  Store
	sinks  []Sink
	batch  int
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRelay creates a relay delivering to sinks.
func NewRelay(store Store, logger *slog.Logger, sinks ...Sink) *Relay {
	return &Relay{
		store:  store,
		sinks:  sinks,
		batch:  100,
		lease:  time.Minute,
		now:    time.Now,
		logger: logger,
	}
}

// RunOnce delivers one batch and returns how many events were published.
// An event is published only when every sink accepted it; otherwise it is
// retried on a later run and sinks may see it again.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.Claim(ctx, r.batch, r.now().Add(r.lease))
	if err != nil {
		return 0, err
	}
	published := 0
	for _, e := range events {
		var failures []string
		for _, s := range r.sinks {
			if err := s.Deliver(ctx, e); err != nil {
				failures = append(failures, s.Name()+": "+err.Error())
			}
		}
		if len(failures) > 0 {
			eventsRelayed.WithLabelValues(string(e.Type), "failed").Inc()
			reason := strings.Join(failures, "; ")
			if err := r.store.MarkFailed(ctx, e.ID, reason); err != nil {
				return published, err
			}
			r.logger.Warn("outbox delivery failed", "eventId", e.ID, "attempt", e.Attempts+1, "error", reason)
			continue
		}
		if err := r.store.MarkPublished(ctx, e.ID, r.now()); err != nil {
			return published, err
		}
		eventsRelayed.WithLabelValues(string(e.Type), "published").Inc()
		published++
	}
	return published, nil
}

// Timer runs the relay periodically.
type Timer struct {
	relay    *Relay
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new outbox relay timer.
func NewTimer(relay *Relay, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Timer{
		relay:    relay,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the relay loop. Call in a goroutine.
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
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TimerSweepsTotal.WithLabelValues("outbox", "panic").Inc()
			t.logger.Error("panic in outbox relay", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.relay.RunOnce(ctx); err != nil {
		metrics.TimerSweepsTotal.WithLabelValues("outbox", "error").Inc()
		t.logger.Warn("outbox relay failed", "error", err)
		return
	}
	metrics.TimerSweepsTotal.WithLabelValues("outbox", "ok").Inc()
}
