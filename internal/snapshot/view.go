package snapshot

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/teo"
)

type tierJSON struct {
	Name                   string `json:"name"`
	TeacherSplitPct        string `json:"teacherSplitPct"`
	PlatformSplitPct       string `json:"platformSplitPct"`
	MaxAcceptDiscountRatio string `json:"maxAcceptDiscountRatio"`
	TeoBonusMultiplier     string `json:"teoBonusMultiplier"`
}

type snapshotJSON struct {
	ID                 string     `json:"id"`
	IdempotencyKey     string     `json:"idempotencyKey,omitempty"`
	CheckoutSessionID  string     `json:"checkoutSessionId,omitempty"`
	ExternalTxnID      string     `json:"externalTxnId,omitempty"`
	OrderID            string     `json:"orderId,omitempty"`
	PaymentIntentID    string     `json:"paymentIntentId,omitempty"`
	StudentRef         string     `json:"studentRef"`
	TeacherRef         string     `json:"teacherRef"`
	CourseRef          string     `json:"courseRef"`
	PriceGross         string     `json:"priceGross"`
	DiscountPercent    int        `json:"discountPercent"`
	DiscountAmount     string     `json:"discountAmount"`
	DiscountTeo        string     `json:"discountTeo"`
	Tier               tierJSON   `json:"tierSnapshotted"`
	AcceptTeo          bool       `json:"acceptTeo"`
	AcceptRatio        string     `json:"acceptRatio"`
	StudentPays        string     `json:"studentPays"`
	TeacherEur         string     `json:"teacherEur"`
	PlatformEur        string     `json:"platformEur"`
	TeacherTeo         string     `json:"teacherTeo"`
	PlatformTeo        string     `json:"platformTeo"`
	OfferedTeo         string     `json:"offeredTeo"`
	TeacherAcceptedTeo *string    `json:"teacherAcceptedTeo"`
	FinalTeacherTeo    *string    `json:"finalTeacherTeo"`
	HoldID             string     `json:"holdId,omitempty"`
	CaptureID          string     `json:"captureId,omitempty"`
	DecisionRef        string     `json:"decisionRef,omitempty"`
	State              State      `json:"state"`
	CreatedAt          time.Time  `json:"createdAt"`
	AppliedAt          *time.Time `json:"appliedAt,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmedAt,omitempty"`
	FailedAt           *time.Time `json:"failedAt,omitempty"`
	ExpiredAt          *time.Time `json:"expiredAt,omitempty"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
}

func nullTEO(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := teo.Format(d.Decimal)
	return &s
}

// MarshalJSON renders EUR amounts with 2 decimals and TEO with 8.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		ID:                s.ID,
		IdempotencyKey:    s.IdempotencyKey,
		CheckoutSessionID: s.CheckoutSessionID,
		ExternalTxnID:     s.ExternalTxnID,
		OrderID:           s.OrderID,
		PaymentIntentID:   s.PaymentIntentID,
		StudentRef:        s.StudentRef,
		TeacherRef:        s.TeacherRef,
		CourseRef:         s.CourseRef,
		PriceGross:        teo.FormatEUR(s.PriceGross),
		DiscountPercent:   s.DiscountPercent,
		DiscountAmount:    teo.FormatEUR(s.DiscountAmount),
		DiscountTeo:       teo.Format(s.DiscountTeo),
		Tier: tierJSON{
			Name:                   s.Tier.Name,
			TeacherSplitPct:        s.Tier.TeacherSplitPct.String(),
			PlatformSplitPct:       s.Tier.PlatformSplitPct.String(),
			MaxAcceptDiscountRatio: s.Tier.MaxAcceptDiscountRatio.StringFixed(2),
			TeoBonusMultiplier:     s.Tier.TeoBonusMultiplier.StringFixed(2),
		},
		AcceptTeo:          s.AcceptTeo,
		AcceptRatio:        s.AcceptRatio.StringFixed(2),
		StudentPays:        teo.FormatEUR(s.StudentPays),
		TeacherEur:         teo.FormatEUR(s.TeacherEur),
		PlatformEur:        teo.FormatEUR(s.PlatformEur),
		TeacherTeo:         teo.Format(s.TeacherTeo),
		PlatformTeo:        teo.Format(s.PlatformTeo),
		OfferedTeo:         teo.Format(s.OfferedTeo),
		TeacherAcceptedTeo: nullTEO(s.TeacherAcceptedTeo),
		FinalTeacherTeo:    nullTEO(s.FinalTeacherTeo),
		HoldID:             s.HoldID,
		CaptureID:          s.CaptureID,
		DecisionRef:        s.DecisionRef,
		State:              s.State,
		CreatedAt:          s.CreatedAt,
		AppliedAt:          s.AppliedAt,
		ConfirmedAt:        s.ConfirmedAt,
		FailedAt:           s.FailedAt,
		ExpiredAt:          s.ExpiredAt,
		ClosedAt:           s.ClosedAt,
	})
}
