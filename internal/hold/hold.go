// Package hold is the reservation façade over the token ledger. Callers
// (the checkout orchestrator, the webhook reconciler and the snapshot
// reaper) never post hold entries directly.
package hold

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/ledger"
)

// Hold is the ledger's hold record.
type Hold = ledger.Hold

// Service creates, captures and releases holds.
type Service struct {
	ledger   *ledger.Ledger
	treasury string
}

// NewService returns a hold service. Captured amounts are credited to
// treasury unless a capture names another beneficiary.
func NewService(l *ledger.Ledger, treasury string) *Service {
	return &Service{ledger: l, treasury: treasury}
}

// Create reserves amount from user's available balance. tag is the
// caller's idempotency key: retries with the same tag return the same hold.
func (s *Service) Create(ctx context.Context, user string, amount decimal.Decimal, reason, tag string) (*Hold, error) {
	return s.ledger.PlaceHold(ctx, user, amount, reason, tag, ledger.Refs{Snapshot: tag})
}

// Capture turns the hold into a permanent spend credited to beneficiary
// (the platform treasury when empty). Repeats return the captured hold;
// capturing a released hold fails with errs.ErrHoldAlreadyResolved.
func (s *Service) Capture(ctx context.Context, holdID, beneficiary string) (*Hold, error) {
	if beneficiary == "" {
		beneficiary = s.treasury
	}
	return s.ledger.CaptureHold(ctx, holdID, captureTag(holdID), beneficiary)
}

// Release returns the held amount to the holder. Repeats return the
// released hold; releasing a captured hold fails with
// errs.ErrHoldAlreadyResolved.
func (s *Service) Release(ctx context.Context, holdID string) (*Hold, error) {
	return s.ledger.ReleaseHold(ctx, holdID)
}

// Get returns a hold by id.
func (s *Service) Get(ctx context.Context, holdID string) (*Hold, error) {
	if holdID == "" {
		return nil, fmt.Errorf("hold id is required: %w", errs.ErrInvalidRequest)
	}
	return s.ledger.GetHold(ctx, holdID)
}

// The capture tag is derived from the hold so every capture path writes
// the same (user, kind, tag) keys.
func captureTag(holdID string) string {
	return "capture:" + holdID
}
