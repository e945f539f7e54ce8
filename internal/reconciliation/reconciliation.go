// Package reconciliation sweeps stored state for broken invariants.
//
// Every run audits each ledger user's cached balances against the entry
// log, compares every snapshot the user bought with its hold, and checks
// that a snapshot and its decision point at each other. Findings are
// counted, logged as alerts and returned in a Report; the only repair a run
// makes is releasing a hold left active by a dead snapshot.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teocoin/settlement/internal/decision"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/ledger"
	"github.com/teocoin/settlement/internal/metrics"
	"github.com/teocoin/settlement/internal/snapshot"
)

// Check names, also used as the invariant_violations_total label.
const (
	CheckLedgerBalance = "ledger_balance"
	CheckHoldState     = "hold_state"
	CheckCaptureOnce   = "capture_once"
	CheckDecisionLink  = "decision_link"
)

// DecisionReader reads decisions by id.
type DecisionReader interface {
	Get(ctx context.Context, id string) (*decision.Decision, error)
}

// HoldReleaser returns an active hold to its holder.
type HoldReleaser interface {
	Release(ctx context.Context, holdID string) (*ledger.Hold, error)
}

// Violation is one broken invariant.
type Violation struct {
	Check  string `json:"check"`
	Ref    string `json:"ref"`
	Detail string `json:"detail"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt     time.Time   `json:"startedAt"`
	Duration      string      `json:"duration"`
	Users         int         `json:"users"`
	Snapshots     int         `json:"snapshots"`
	ReleasedHolds int         `json:"releasedHolds"`
	Errors        int         `json:"errors"`
	Violations    []Violation `json:"violations"`
}

// OK reports whether the run found nothing wrong.
func (r *Report) OK() bool {
	return len(r.Violations) == 0 && r.Errors == 0
}

func (r *Report) count(check string) int {
	n := 0
	for _, v := range r.Violations {
		if v.Check == check {
			n++
		}
	}
	return n
}

// Config wires a Runner.
type Config struct {
	Ledger    *ledger.Ledger
	Snapshots *snapshot.Service
	Decisions DecisionReader
	Holds     HoldReleaser // nil disables the orphaned hold repair
	Logger    *slog.Logger
}

// Runner performs reconciliation runs. Runs are serialized.
type Runner struct {
	ledger    *ledger.Ledger
	snapshots *snapshot.Service
	decisions DecisionReader
	holds     HoldReleaser
	logger    *slog.Logger
	now       func() time.Time

	run  sync.Mutex
	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(cfg Config) *Runner {
	return &Runner{
		ledger:    cfg.Ledger,
		snapshots: cfg.Snapshots,
		decisions: cfg.Decisions,
		holds:     cfg.Holds,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RunAll runs every check. A store error on one user is counted and the
// run moves on; only a failure to list users aborts it.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	r.run.Lock()
	defer r.run.Unlock()

	start := r.now()
	rep := &Report{StartedAt: start, Violations: []Violation{}}

	users, err := r.ledger.Store().Users(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list ledger users: %w", err)
	}
	rep.Users = len(users)

	for _, user := range users {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.auditUser(ctx, rep, user)
		r.checkSnapshots(ctx, rep, user)
	}

	elapsed := time.Since(start)
	rep.Duration = elapsed.String()
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileLedgerMismatches.Set(float64(rep.count(CheckLedgerBalance)))
	reconcileHoldMismatches.Set(float64(rep.count(CheckHoldState) + rep.count(CheckCaptureOnce)))
	reconcileLinkMismatches.Set(float64(rep.count(CheckDecisionLink)))
	reconcileOrphanedHolds.Set(float64(rep.ReleasedHolds))

	if rep.OK() {
		r.logger.Info("reconciliation passed", "users", rep.Users, "snapshots", rep.Snapshots,
			"releasedHolds", rep.ReleasedHolds)
	} else {
		r.logger.Warn("reconciliation found problems", "violations", len(rep.Violations),
			"errors", rep.Errors, "releasedHolds", rep.ReleasedHolds)
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	return rep, nil
}

func (r *Runner) fail(rep *Report, msg string, args ...any) {
	rep.Errors++
	reconcileErrors.Inc()
	r.logger.Warn(msg, args...)
}

// violate records a finding. Ledger audits count themselves.
func (r *Runner) violate(rep *Report, check, ref, detail string) {
	rep.Violations = append(rep.Violations, Violation{Check: check, Ref: ref, Detail: detail})
	if check != CheckLedgerBalance {
		metrics.InvariantViolationsTotal.WithLabelValues(check).Inc()
	}
	r.logger.Error("invariant violation", "alert", true, "check", check, "ref", ref, "detail", detail)
}

func (r *Runner) auditUser(ctx context.Context, rep *Report, user string) {
	report, err := r.ledger.Audit(ctx, user)
	if err == nil {
		return
	}
	if !errors.Is(err, errs.ErrInvariantViolation) || report == nil {
		r.fail(rep, "ledger audit failed", "userRef", user, "error", err)
		return
	}
	for _, m := range report.Mismatches {
		r.violate(rep, CheckLedgerBalance, user, m)
	}
}

// checkSnapshots walks the snapshots user bought. Taught snapshots are
// checked from their student's side.
func (r *Runner) checkSnapshots(ctx context.Context, rep *Report, user string) {
	snaps, err := r.snapshots.ListByUser(ctx, user, 0)
	if err != nil {
		r.fail(rep, "failed to list snapshots", "userRef", user, "error", err)
		return
	}
	for _, s := range snaps {
		if s.StudentRef != user {
			continue
		}
		rep.Snapshots++
		r.checkHold(ctx, rep, s)
		r.checkDecision(ctx, rep, s)
	}
}

func (r *Runner) checkHold(ctx context.Context, rep *Report, s *snapshot.Snapshot) {
	if s.HoldID == "" {
		if s.State.Holding() || s.State == snapshot.StateClosed {
			r.violate(rep, CheckHoldState, s.ID, fmt.Sprintf("%s snapshot has no hold", s.State))
		}
		return
	}
	h, err := r.ledger.GetHold(ctx, s.HoldID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			r.violate(rep, CheckHoldState, s.ID, fmt.Sprintf("hold %s does not exist", s.HoldID))
			return
		}
		r.fail(rep, "failed to read hold", "snapshotId", s.ID, "holdId", s.HoldID, "error", err)
		return
	}

	switch {
	case s.State == snapshot.StateApplied:
		if h.State != ledger.HoldActive {
			r.violate(rep, CheckHoldState, s.ID, fmt.Sprintf("applied snapshot with %s hold %s", h.State, h.ID))
		}
	case s.State == snapshot.StateConfirmed || s.State == snapshot.StateClosed:
		if h.State != ledger.HoldCaptured {
			r.violate(rep, CheckHoldState, s.ID, fmt.Sprintf("%s snapshot with %s hold %s", s.State, h.State, h.ID))
		} else if s.CaptureID != h.CaptureTag {
			r.violate(rep, CheckCaptureOnce, s.ID, fmt.Sprintf("capture id %q does not match hold capture %q", s.CaptureID, h.CaptureTag))
		}
	case s.State.Dead():
		switch h.State {
		case ledger.HoldCaptured:
			r.violate(rep, CheckCaptureOnce, s.ID, fmt.Sprintf("%s snapshot with captured hold %s", s.State, h.ID))
		case ledger.HoldActive:
			r.releaseOrphan(ctx, rep, s, h)
		}
	}
}

// releaseOrphan returns a hold whose snapshot died without releasing it,
// which happens when a post-commit release failed.
func (r *Runner) releaseOrphan(ctx context.Context, rep *Report, s *snapshot.Snapshot, h *ledger.Hold) {
	if r.holds == nil {
		r.violate(rep, CheckHoldState, s.ID, fmt.Sprintf("%s snapshot with active hold %s", s.State, h.ID))
		return
	}
	if _, err := r.holds.Release(ctx, h.ID); err != nil && !errors.Is(err, errs.ErrHoldAlreadyResolved) {
		r.fail(rep, "failed to release orphaned hold", "snapshotId", s.ID, "holdId", h.ID, "error", err)
		return
	}
	rep.ReleasedHolds++
	r.logger.Info("released orphaned hold", "snapshotId", s.ID, "holdId", h.ID, "state", s.State)
}

func (r *Runner) checkDecision(ctx context.Context, rep *Report, s *snapshot.Snapshot) {
	if s.DecisionRef == "" || r.decisions == nil {
		return
	}
	d, err := r.decisions.Get(ctx, s.DecisionRef)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			r.violate(rep, CheckDecisionLink, s.ID, fmt.Sprintf("decision %s does not exist", s.DecisionRef))
			return
		}
		r.fail(rep, "failed to read decision", "snapshotId", s.ID, "decisionId", s.DecisionRef, "error", err)
		return
	}
	if d.SnapshotRef != s.ID {
		r.violate(rep, CheckDecisionLink, s.ID, fmt.Sprintf("decision %s points at snapshot %s", d.ID, d.SnapshotRef))
		return
	}
	if d.TeacherRef != s.TeacherRef {
		r.violate(rep, CheckDecisionLink, s.ID, fmt.Sprintf("decision %s teacher %s, snapshot teacher %s", d.ID, d.TeacherRef, s.TeacherRef))
	}
}
