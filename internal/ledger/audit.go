package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/metrics"
	"github.com/teocoin/settlement/internal/teo"
)

// AuditReport compares a user's cached balances with the totals recomputed
// from the entry log and the active holds.
type AuditReport struct {
	UserRef  string  `json:"userRef"`
	Cached   Balance `json:"cached"`
	Computed Balance `json:"computed"`

	// ActiveHeld is the sum of the user's active holds.
	ActiveHeld decimal.Decimal `json:"activeHeld"`
	Entries    int             `json:"entries"`
	OK         bool            `json:"ok"`
	Mismatches []string        `json:"mismatches,omitempty"`
}

// Audit recomputes the user's balances from the log. A mismatch is an
// invariant violation: it is logged as an alert, counted, and returned as
// errs.ErrInvariantViolation together with the report.
func (l *Ledger) Audit(ctx context.Context, user string) (*AuditReport, error) {
	cached, err := l.store.GetBalance(ctx, user)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.Entries(ctx, user, 0)
	if err != nil {
		return nil, err
	}
	holds, err := l.store.ActiveHolds(ctx, user)
	if err != nil {
		return nil, err
	}

	computed := Balance{UserRef: user}
	for _, e := range entries {
		computed.apply(EffectOf(e.Kind, e.Amount))
	}
	activeHeld := decimal.Zero
	for _, h := range holds {
		activeHeld = activeHeld.Add(h.Amount)
	}

	r := &AuditReport{
		UserRef:    user,
		Cached:     *cached,
		Computed:   computed,
		ActiveHeld: activeHeld,
		Entries:    len(entries),
	}
	check := func(name string, cachedV, want decimal.Decimal) {
		if !cachedV.Equal(want) {
			r.Mismatches = append(r.Mismatches,
				fmt.Sprintf("%s: cached %s, expected %s", name, teo.Format(cachedV), teo.Format(want)))
		}
	}
	check("available", cached.Available, computed.Available)
	check("staked", cached.Staked, computed.Staked)
	check("held", cached.Held, computed.Held)
	check("held_vs_active_holds", cached.Held, activeHeld)
	r.OK = len(r.Mismatches) == 0

	if !r.OK {
		metrics.InvariantViolationsTotal.WithLabelValues("ledger_balance").Inc()
		logging.L(ctx).Error("ledger invariant violation",
			"alert", true, "userRef", user, "mismatches", r.Mismatches)
		return r, fmt.Errorf("ledger audit %s: %w", user, errs.ErrInvariantViolation)
	}
	return r, nil
}
