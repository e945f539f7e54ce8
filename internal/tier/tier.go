// Package tier holds the teacher staking tiers that parameterize the
// discount split, and resolves a teacher's current tier from their staked
// TEO balance.
package tier

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
)

// Tier is one staking level.
type Tier struct {
	Name                   string          `json:"name"`
	MinStake               decimal.Decimal `json:"minStake"`
	TeacherSplitPct        decimal.Decimal `json:"teacherSplitPct"`
	PlatformSplitPct       decimal.Decimal `json:"platformSplitPct"`
	MaxAcceptDiscountRatio decimal.Decimal `json:"maxAcceptDiscountRatio"`
	TeoBonusMultiplier     decimal.Decimal `json:"teoBonusMultiplier"`
	Active                 bool            `json:"active"`
}

var hundred = decimal.NewFromInt(100)

// Bronze returns the fallback tier used when a teacher has no qualifying
// configuration.
func Bronze() Tier {
	return Tier{
		Name:                   "Bronze",
		MinStake:               decimal.Zero,
		TeacherSplitPct:        decimal.NewFromInt(50),
		PlatformSplitPct:       decimal.NewFromInt(50),
		MaxAcceptDiscountRatio: decimal.NewFromInt(1),
		TeoBonusMultiplier:     decimal.RequireFromString("1.25"),
		Active:                 true,
	}
}

// Defaults is the tier table seeded into fresh stores.
func Defaults() []Tier {
	return []Tier{
		Bronze(),
		{
			Name:                   "Silver",
			MinStake:               decimal.NewFromInt(500),
			TeacherSplitPct:        decimal.NewFromInt(55),
			PlatformSplitPct:       decimal.NewFromInt(45),
			MaxAcceptDiscountRatio: decimal.NewFromInt(1),
			TeoBonusMultiplier:     decimal.RequireFromString("1.30"),
			Active:                 true,
		},
		{
			Name:                   "Gold",
			MinStake:               decimal.NewFromInt(1500),
			TeacherSplitPct:        decimal.NewFromInt(60),
			PlatformSplitPct:       decimal.NewFromInt(40),
			MaxAcceptDiscountRatio: decimal.NewFromInt(1),
			TeoBonusMultiplier:     decimal.RequireFromString("1.40"),
			Active:                 true,
		},
		{
			Name:                   "Platinum",
			MinStake:               decimal.NewFromInt(5000),
			TeacherSplitPct:        decimal.NewFromInt(65),
			PlatformSplitPct:       decimal.NewFromInt(35),
			MaxAcceptDiscountRatio: decimal.NewFromInt(1),
			TeoBonusMultiplier:     decimal.RequireFromString("1.50"),
			Active:                 true,
		},
	}
}

// Validate checks the numeric ranges of a tier.
func (t Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tier name is empty: %w", errs.ErrUnknownTier)
	}
	pctOK := func(d decimal.Decimal) bool { return !d.IsNegative() && d.LessThanOrEqual(hundred) }
	if !pctOK(t.TeacherSplitPct) || !pctOK(t.PlatformSplitPct) {
		return fmt.Errorf("tier %s: split percentages must be within [0,100]: %w", t.Name, errs.ErrUnknownTier)
	}
	if t.Active && !t.TeacherSplitPct.Add(t.PlatformSplitPct).Equal(hundred) {
		return fmt.Errorf("tier %s: active splits must sum to 100: %w", t.Name, errs.ErrUnknownTier)
	}
	if t.MaxAcceptDiscountRatio.IsNegative() || t.MaxAcceptDiscountRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("tier %s: max accept ratio must be within [0,1]: %w", t.Name, errs.ErrUnknownTier)
	}
	if t.TeoBonusMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("tier %s: bonus multiplier must be >= 1: %w", t.Name, errs.ErrUnknownTier)
	}
	if t.MinStake.IsNegative() {
		return fmt.Errorf("tier %s: min stake must be >= 0: %w", t.Name, errs.ErrUnknownTier)
	}
	return nil
}

// Store persists tier configuration. The core only reads it.
type Store interface {
	List(ctx context.Context) ([]Tier, error)
	Get(ctx context.Context, name string) (*Tier, error)
	Upsert(ctx context.Context, t Tier) error
}

// StakeSource reports a user's staked TEO.
type StakeSource interface {
	Staked(ctx context.Context, userRef string) (decimal.Decimal, error)
}

// Resolver picks the tier a teacher qualifies for.
type Resolver struct {
	store  Store
	stakes StakeSource
}

// NewResolver creates a resolver. store is typically a *Cache.
func NewResolver(store Store, stakes StakeSource) *Resolver {
	return &Resolver{store: store, stakes: stakes}
}

// ForTeacher returns the highest active tier whose MinStake the teacher's
// staked balance meets. With no qualifying tier it returns Bronze.
func (r *Resolver) ForTeacher(ctx context.Context, teacherRef string) (Tier, error) {
	staked, err := r.stakes.Staked(ctx, teacherRef)
	if err != nil {
		return Tier{}, fmt.Errorf("read stake for %s: %w", teacherRef, err)
	}
	tiers, err := r.store.List(ctx)
	if err != nil {
		return Tier{}, fmt.Errorf("list tiers: %w", err)
	}
	return Select(tiers, staked), nil
}

// Select returns the highest active tier with MinStake <= staked, or
// Bronze if none qualifies.
func Select(tiers []Tier, staked decimal.Decimal) Tier {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinStake.GreaterThan(sorted[j].MinStake)
	})
	for _, t := range sorted {
		if t.Active && t.MinStake.LessThanOrEqual(staked) {
			return t
		}
	}
	return Bronze()
}
