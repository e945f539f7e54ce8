// Package ledger is the TEO token ledger: an append-only entry log plus
// cached available, staked and held balances per user.
//
// Every mutation is a set of entries posted atomically. Each entry kind has
// a fixed effect on the three balance columns, so the cached balances can
// always be recomputed from the log (see Audit).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/idgen"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/teo"
)

// Kind is the type of a ledger entry.
type Kind string

const (
	KindHoldPlace      Kind = "hold_place"
	KindHoldRelease    Kind = "hold_release"
	KindHoldCapture    Kind = "hold_capture"
	KindCreditMint     Kind = "credit_mint"
	KindDebitBurn      Kind = "debit_burn"
	KindDiscountSpend  Kind = "discount_spend"
	KindDiscountAccept Kind = "discount_accept"
	KindBonus          Kind = "bonus"
	KindStake          Kind = "stake"
	KindUnstake        Kind = "unstake"
)

// Effect is the change an entry applies to the balance columns.
type Effect struct {
	Available decimal.Decimal
	Staked    decimal.Decimal
	Held      decimal.Decimal
}

// EffectOf returns the balance effect of an entry with the given signed
// amount. hold_capture only drains held; discount_spend is the permanent
// spend record and touches no column.
func EffectOf(kind Kind, amount decimal.Decimal) Effect {
	z := decimal.Zero
	switch kind {
	case KindCreditMint, KindDebitBurn, KindDiscountAccept, KindBonus:
		return Effect{Available: amount, Staked: z, Held: z}
	case KindHoldPlace, KindHoldRelease:
		return Effect{Available: amount, Staked: z, Held: amount.Neg()}
	case KindHoldCapture:
		return Effect{Available: z, Staked: z, Held: amount}
	case KindStake, KindUnstake:
		return Effect{Available: amount, Staked: amount.Neg(), Held: z}
	default:
		return Effect{Available: z, Staked: z, Held: z}
	}
}

// AffectsAvailable reports whether entries of this kind move the available balance.
func (k Kind) AffectsAvailable() bool {
	return !EffectOf(k, decimal.NewFromInt(1)).Available.IsZero()
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHoldPlace, KindHoldRelease, KindHoldCapture, KindCreditMint, KindDebitBurn,
		KindDiscountSpend, KindDiscountAccept, KindBonus, KindStake, KindUnstake:
		return true
	}
	return false
}

// Entry is one immutable ledger row. Amount is signed.
type Entry struct {
	ID             string          `json:"id"`
	UserRef        string          `json:"userRef"`
	Kind           Kind            `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyTag string          `json:"idempotencyTag"`
	RefSnapshot    string          `json:"refSnapshot,omitempty"`
	RefDecision    string          `json:"refDecision,omitempty"`
	RefHold        string          `json:"refHold,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Balance is a user's cached balances.
type Balance struct {
	UserRef   string          `json:"userRef"`
	Available decimal.Decimal `json:"available"`
	Staked    decimal.Decimal `json:"staked"`
	Held      decimal.Decimal `json:"held"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (b *Balance) apply(e Effect) {
	b.Available = b.Available.Add(e.Available)
	b.Staked = b.Staked.Add(e.Staked)
	b.Held = b.Held.Add(e.Held)
}

func (b *Balance) negative() bool {
	return b.Available.IsNegative() || b.Staked.IsNegative() || b.Held.IsNegative()
}

// HoldState is the lifecycle state of a hold.
type HoldState string

const (
	HoldActive   HoldState = "active"
	HoldCaptured HoldState = "captured"
	HoldReleased HoldState = "released"
)

// Hold is a reversible reservation of TEO.
type Hold struct {
	ID             string          `json:"id"`
	UserRef        string          `json:"userRef"`
	Amount         decimal.Decimal `json:"amount"`
	State          HoldState       `json:"state"`
	Reason         string          `json:"reason"`
	IdempotencyTag string          `json:"idempotencyTag"`
	Beneficiary    string          `json:"beneficiary,omitempty"`
	CaptureTag     string          `json:"captureTag,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}

// Refs links an entry to the records that caused it.
type Refs struct {
	Snapshot string
	Decision string
	Hold     string
}

// Store persists the ledger. Implementations post every entry slice
// atomically: either all entries land and all balances move, or nothing
// changes.
type Store interface {
	GetBalance(ctx context.Context, userRef string) (*Balance, error)

	// Append posts entries. It fails with errs.ErrDuplicateEntry when any
	// (user, kind, tag) already exists and errs.ErrInsufficientFunds when a
	// balance column would go negative.
	Append(ctx context.Context, entries []*Entry) error

	// CreateHold inserts an active hold together with its hold_place entry.
	CreateHold(ctx context.Context, h *Hold, place *Entry) error

	// ResolveHold moves an active hold to state and posts the entries built
	// by post in the same transaction. A hold that is no longer active is
	// returned unchanged with errs.ErrHoldAlreadyResolved.
	ResolveHold(ctx context.Context, holdID string, to HoldState, post func(h *Hold) []*Entry) (*Hold, error)

	GetHold(ctx context.Context, holdID string) (*Hold, error)
	GetHoldByTag(ctx context.Context, userRef, tag string) (*Hold, error)
	ActiveHolds(ctx context.Context, userRef string) ([]*Hold, error)

	// Entries returns a user's newest entries first. limit <= 0 means all.
	Entries(ctx context.Context, userRef string, limit int) ([]*Entry, error)
	CountEntries(ctx context.Context, userRef string, kind Kind, tag string) (int, error)

	// Users lists every user with a balance row.
	Users(ctx context.Context) ([]string, error)
}

// Ledger is the service façade over a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// IgnoreDuplicate turns errs.ErrDuplicateEntry into success.
func IgnoreDuplicate(err error) error {
	if errors.Is(err, errs.ErrDuplicateEntry) {
		return nil
	}
	return err
}

func (l *Ledger) newEntry(user string, kind Kind, amount decimal.Decimal, tag string, refs Refs) *Entry {
	return &Entry{
		ID:             idgen.WithPrefix(idgen.PrefixEntry),
		UserRef:        user,
		Kind:           kind,
		Amount:         amount,
		IdempotencyTag: tag,
		RefSnapshot:    refs.Snapshot,
		RefDecision:    refs.Decision,
		RefHold:        refs.Hold,
		CreatedAt:      l.now(),
	}
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount %s: %w", amount, errs.ErrInvalidAmount)
	}
	if !amount.Equal(teo.Floor(amount)) {
		return fmt.Errorf("amount %s has more than %d decimals: %w", amount, teo.Decimals, errs.ErrInvalidAmount)
	}
	return nil
}

func checkArgs(user, tag string) error {
	if user == "" || tag == "" {
		return fmt.Errorf("user and idempotency tag are required: %w", errs.ErrInvalidRequest)
	}
	return nil
}

// Credit appends a positive entry of kind and increments available.
// A repeat with the same (user, kind, tag) fails with errs.ErrDuplicateEntry.
func (l *Ledger) Credit(ctx context.Context, user string, amount decimal.Decimal, kind Kind, tag string, refs Refs) (*Entry, error) {
	done := observeOp(string(kind))
	defer done()

	if err := checkArgs(user, tag); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	switch kind {
	case KindCreditMint, KindDiscountAccept, KindBonus:
	default:
		return nil, fmt.Errorf("%s is not a credit kind: %w", kind, errs.ErrInvalidRequest)
	}

	e := l.newEntry(user, kind, amount, tag, refs)
	if err := l.store.Append(ctx, []*Entry{e}); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("ledger credit", "userRef", user, "kind", kind, "amount", teo.Format(amount), "tag", tag)
	return e, nil
}

// Debit appends a negative debit_burn entry. It fails with
// errs.ErrInsufficientFunds if available would drop below zero.
func (l *Ledger) Debit(ctx context.Context, user string, amount decimal.Decimal, tag string, refs Refs) (*Entry, error) {
	done := observeOp(string(KindDebitBurn))
	defer done()

	if err := checkArgs(user, tag); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	e := l.newEntry(user, KindDebitBurn, amount.Neg(), tag, refs)
	if err := l.store.Append(ctx, []*Entry{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// Stake moves available TEO into the staked column.
func (l *Ledger) Stake(ctx context.Context, user string, amount decimal.Decimal, tag string) (*Entry, error) {
	done := observeOp(string(KindStake))
	defer done()

	if err := checkArgs(user, tag); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	e := l.newEntry(user, KindStake, amount.Neg(), tag, Refs{})
	if err := l.store.Append(ctx, []*Entry{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// Unstake moves staked TEO back to available.
func (l *Ledger) Unstake(ctx context.Context, user string, amount decimal.Decimal, tag string) (*Entry, error) {
	done := observeOp(string(KindUnstake))
	defer done()

	if err := checkArgs(user, tag); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	e := l.newEntry(user, KindUnstake, amount, tag, Refs{})
	if err := l.store.Append(ctx, []*Entry{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// PlaceHold reserves amount from the user's available balance. The tag is
// the caller's idempotency key (the snapshot id): a repeat with the same
// tag returns the existing hold in whatever state it is.
func (l *Ledger) PlaceHold(ctx context.Context, user string, amount decimal.Decimal, reason, tag string, refs Refs) (*Hold, error) {
	done := observeOp(string(KindHoldPlace))
	defer done()

	if err := checkArgs(user, tag); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	if existing, err := l.store.GetHoldByTag(ctx, user, tag); err == nil {
		return existing, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	h := &Hold{
		ID:             idgen.WithPrefix(idgen.PrefixHold),
		UserRef:        user,
		Amount:         amount,
		State:          HoldActive,
		Reason:         reason,
		IdempotencyTag: tag,
		CreatedAt:      l.now(),
	}
	refs.Hold = h.ID
	place := l.newEntry(user, KindHoldPlace, amount.Neg(), tag, refs)

	if err := l.store.CreateHold(ctx, h, place); err != nil {
		if errors.Is(err, errs.ErrDuplicateEntry) {
			// Lost a race with a concurrent retry; return the winner.
			return l.store.GetHoldByTag(ctx, user, tag)
		}
		return nil, err
	}
	holdsTotal.WithLabelValues(string(HoldActive)).Inc()
	logging.L(ctx).Info("hold placed", "holdId", h.ID, "userRef", user, "amount", teo.Format(amount), "tag", tag)
	return h, nil
}

// CaptureHold turns an active hold into a permanent spend. In one
// transaction it writes hold_capture and discount_spend on the holder and,
// when beneficiary is set, credit_mint on the beneficiary, all under tag.
// Capturing an already captured hold returns it unchanged; capturing a
// released hold fails with errs.ErrHoldAlreadyResolved.
func (l *Ledger) CaptureHold(ctx context.Context, holdID, tag, beneficiary string) (*Hold, error) {
	done := observeOp(string(KindHoldCapture))
	defer done()

	if holdID == "" || tag == "" {
		return nil, fmt.Errorf("hold id and tag are required: %w", errs.ErrInvalidRequest)
	}
	now := l.now()
	h, err := l.store.ResolveHold(ctx, holdID, HoldCaptured, func(h *Hold) []*Entry {
		h.Beneficiary = beneficiary
		h.CaptureTag = tag
		h.ResolvedAt = &now
		refs := Refs{Snapshot: h.IdempotencyTag, Hold: h.ID}
		out := []*Entry{
			l.newEntry(h.UserRef, KindHoldCapture, h.Amount.Neg(), tag, refs),
			l.newEntry(h.UserRef, KindDiscountSpend, h.Amount.Neg(), tag, refs),
		}
		if beneficiary != "" {
			out = append(out, l.newEntry(beneficiary, KindCreditMint, h.Amount, tag, refs))
		}
		return out
	})
	if errors.Is(err, errs.ErrHoldAlreadyResolved) && h != nil && h.State == HoldCaptured {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	holdsTotal.WithLabelValues(string(HoldCaptured)).Inc()
	logging.L(ctx).Info("hold captured", "holdId", h.ID, "userRef", h.UserRef, "beneficiary", beneficiary, "amount", teo.Format(h.Amount))
	return h, nil
}

// ReleaseHold returns an active hold's amount to available. Releasing an
// already released hold returns it unchanged; releasing a captured hold
// fails with errs.ErrHoldAlreadyResolved.
func (l *Ledger) ReleaseHold(ctx context.Context, holdID string) (*Hold, error) {
	done := observeOp(string(KindHoldRelease))
	defer done()

	if holdID == "" {
		return nil, fmt.Errorf("hold id is required: %w", errs.ErrInvalidRequest)
	}
	now := l.now()
	h, err := l.store.ResolveHold(ctx, holdID, HoldReleased, func(h *Hold) []*Entry {
		h.ResolvedAt = &now
		refs := Refs{Snapshot: h.IdempotencyTag, Hold: h.ID}
		return []*Entry{l.newEntry(h.UserRef, KindHoldRelease, h.Amount, h.IdempotencyTag, refs)}
	})
	if errors.Is(err, errs.ErrHoldAlreadyResolved) && h != nil && h.State == HoldReleased {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	holdsTotal.WithLabelValues(string(HoldReleased)).Inc()
	logging.L(ctx).Info("hold released", "holdId", h.ID, "userRef", h.UserRef, "amount", teo.Format(h.Amount))
	return h, nil
}

// GetHold returns a hold by id.
func (l *Ledger) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	return l.store.GetHold(ctx, holdID)
}

// GetBalance returns a user's balances. Unknown users have zero balances.
func (l *Ledger) GetBalance(ctx context.Context, user string) (*Balance, error) {
	return l.store.GetBalance(ctx, user)
}

// Staked returns a user's staked TEO.
func (l *Ledger) Staked(ctx context.Context, user string) (decimal.Decimal, error) {
	b, err := l.store.GetBalance(ctx, user)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Staked, nil
}

// History returns a user's newest entries first.
func (l *Ledger) History(ctx context.Context, user string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.Entries(ctx, user, limit)
}

// CountEntries counts entries with the given (user, kind, tag).
func (l *Ledger) CountEntries(ctx context.Context, user string, kind Kind, tag string) (int, error) {
	return l.store.CountEntries(ctx, user, kind, tag)
}
