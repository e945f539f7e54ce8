// Package split computes the deterministic EUR/TEO breakdown of a
// discounted course purchase for both teacher options: keep the fiat
// share (A) or absorb the discount for TEO plus a tier bonus (B).
//
// Compute is pure. It performs no I/O and depends only on its input.
package split

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/teo"
	"github.com/teocoin/settlement/internal/tier"
)

// Policy describes how much of the discount the teacher absorbs.
type Policy string

const (
	PolicyRefuse  Policy = "refuse"
	PolicyAbsorb  Policy = "absorb"
	PolicyPartial Policy = "partial"
)

// Input is everything Compute needs.
type Input struct {
	PriceGross      decimal.Decimal
	DiscountPercent int
	Tier            *tier.Tier // nil means Bronze
	AcceptTeo       bool
	AcceptRatio     *decimal.Decimal // nil means min(1, tier max) when AcceptTeo
	TokenEURRate    decimal.Decimal  // EUR value of 1 TEO; zero means 1
}

// Split is one allocation of the gross price.
type Split struct {
	TeacherEur  decimal.Decimal
	PlatformEur decimal.Decimal
	TeacherTeo  decimal.Decimal
	PlatformTeo decimal.Decimal
}

// Breakdown is the full result. The top-level amounts are the split for the
// requested option; OptionA and OptionB are always both present so callers
// can show the teacher what each choice means.
type Breakdown struct {
	PriceGross       decimal.Decimal
	DiscountPercent  int
	DiscountAmount   decimal.Decimal
	DiscountTeo      decimal.Decimal
	StudentPays      decimal.Decimal
	Split                            // chosen option
	OptionA          Split
	OptionB          Split
	AcceptTeo        bool
	AcceptRatio      decimal.Decimal
	AbsorptionPolicy Policy
	Tier             tier.Tier
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Compute returns the breakdown for in.
func Compute(in Input) (*Breakdown, error) {
	if !in.PriceGross.IsPositive() {
		return nil, fmt.Errorf("price %s: %w", in.PriceGross, errs.ErrInvalidAmount)
	}
	if in.DiscountPercent < 0 || in.DiscountPercent > 100 {
		return nil, fmt.Errorf("discount %d%%: %w", in.DiscountPercent, errs.ErrInvalidDiscountPercent)
	}

	t := tier.Bronze()
	if in.Tier != nil {
		t = *in.Tier
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	ratio, err := resolveRatio(in, t)
	if err != nil {
		return nil, err
	}

	price := teo.RoundEUR(in.PriceGross)
	discount := teo.RoundEUR(price.Mul(decimal.NewFromInt(int64(in.DiscountPercent))).Div(hundred))
	discountTeo := teo.FromEUR(discount, in.TokenEURRate)

	teacherA := teo.RoundEUR(price.Mul(t.TeacherSplitPct).Div(hundred))
	platformBase := teo.RoundEUR(price.Mul(t.PlatformSplitPct).Div(hundred))
	if t.TeacherSplitPct.Add(t.PlatformSplitPct).Equal(hundred) {
		// Complementary shares must add back to the price after rounding.
		platformBase = price.Sub(teacherA)
	}
	platformA := platformBase.Sub(discount)

	optA := Split{
		TeacherEur:  teacherA,
		PlatformEur: platformA,
		TeacherTeo:  teo.Zero,
		PlatformTeo: discountTeo,
	}
	optB := Split{
		TeacherEur:  teacherA.Sub(discount),
		PlatformEur: platformA.Add(discount),
		TeacherTeo:  teo.Floor(discountTeo.Mul(t.TeoBonusMultiplier)),
		PlatformTeo: teo.Zero,
	}

	b := &Breakdown{
		PriceGross:      price,
		DiscountPercent: in.DiscountPercent,
		DiscountAmount:  discount,
		DiscountTeo:     discountTeo,
		StudentPays:     price.Sub(discount),
		OptionA:         optA,
		OptionB:         optB,
		AcceptTeo:       in.AcceptTeo,
		AcceptRatio:     ratio,
		Tier:            t,
	}

	switch {
	case ratio.IsZero():
		b.Split = optA
		b.AbsorptionPolicy = PolicyRefuse
	case ratio.Equal(one):
		b.Split = optB
		b.AbsorptionPolicy = PolicyAbsorb
	default:
		b.Split = interpolate(discount, discountTeo, t.TeoBonusMultiplier, optA, ratio)
		b.AbsorptionPolicy = PolicyPartial
	}
	return b, nil
}

// resolveRatio validates an explicit ratio and defaults a missing one.
// Refusing TEO always means ratio 0, but an explicit ratio is still checked.
func resolveRatio(in Input, t tier.Tier) (decimal.Decimal, error) {
	if in.AcceptRatio != nil {
		r := *in.AcceptRatio
		if r.IsNegative() || r.GreaterThan(one) {
			return decimal.Zero, fmt.Errorf("ratio %s outside [0,1]: %w", r, errs.ErrInvalidRatio)
		}
		if r.GreaterThan(t.MaxAcceptDiscountRatio) {
			return decimal.Zero, fmt.Errorf("ratio %s above %s max %s: %w",
				r, t.Name, t.MaxAcceptDiscountRatio, errs.ErrInvalidRatio)
		}
		if !in.AcceptTeo {
			return decimal.Zero, nil
		}
		return r, nil
	}
	if !in.AcceptTeo {
		return decimal.Zero, nil
	}
	return decimal.Min(one, t.MaxAcceptDiscountRatio), nil
}

// interpolate moves ratio of the discount from the platform to the teacher
// side. The bonus multiplier scales with the absorbed fraction.
func interpolate(discount, discountTeo, multiplier decimal.Decimal, a Split, ratio decimal.Decimal) Split {
	absorbed := teo.RoundEUR(discount.Mul(ratio))
	absorbedTeo := discountTeo.Mul(ratio)
	return Split{
		TeacherEur:  a.TeacherEur.Sub(absorbed),
		PlatformEur: a.PlatformEur.Add(absorbed),
		TeacherTeo:  teo.Floor(absorbedTeo.Mul(multiplier)),
		PlatformTeo: teo.Floor(discountTeo.Sub(absorbedTeo)),
	}
}
