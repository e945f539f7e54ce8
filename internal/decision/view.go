package decision

import (
	"encoding/json"
	"time"

	"github.com/teocoin/settlement/internal/teo"
)

type decisionJSON struct {
	ID                 string     `json:"id"`
	SnapshotRef        string     `json:"snapshotRef"`
	TeacherRef         string     `json:"teacherRef"`
	StudentRef         string     `json:"studentRef"`
	CourseRef          string     `json:"courseRef"`
	PriceGross         string     `json:"priceGross"`
	DiscountPercent    int        `json:"discountPercent"`
	OfferedTeo         string     `json:"offeredTeo"`
	TeoCostAtomic      string     `json:"teoCostAtomic"`
	TeacherBonusAtomic string     `json:"teacherBonusAtomic"`
	CommissionRate     string     `json:"commissionRate"`
	TierName           string     `json:"tierName"`
	State              State      `json:"state"`
	PaymentCompleted   bool       `json:"paymentCompleted"`
	CreatedAt          time.Time  `json:"createdAt"`
	DecidedAt          *time.Time `json:"decidedAt,omitempty"`
	ExpiresAt          time.Time  `json:"expiresAt"`
}

// MarshalJSON renders atomic amounts as base-10 strings so no client has
// to hold them in a 64-bit integer.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(decisionJSON{
		ID:                 d.ID,
		SnapshotRef:        d.SnapshotRef,
		TeacherRef:         d.TeacherRef,
		StudentRef:         d.StudentRef,
		CourseRef:          d.CourseRef,
		PriceGross:         teo.FormatEUR(d.PriceGross),
		DiscountPercent:    d.DiscountPercent,
		OfferedTeo:         teo.Format(d.TeoCost()),
		TeoCostAtomic:      atomicText(d.TeoCostAtomic),
		TeacherBonusAtomic: atomicText(d.TeacherBonusAtomic),
		CommissionRate:     d.CommissionRate.String(),
		TierName:           d.TierName,
		State:              d.State,
		PaymentCompleted:   d.PaymentCompleted,
		CreatedAt:          d.CreatedAt,
		DecidedAt:          d.DecidedAt,
		ExpiresAt:          d.ExpiresAt,
	})
}

// MarshalJSON renders the delta amount with 8 decimals.
func (d Delta) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		UserRef string `json:"userRef"`
		Kind    string `json:"kind"`
		Amount  string `json:"amount"`
	}{d.UserRef, string(d.Kind), teo.Format(d.Amount)})
}

// MarshalJSON renders EUR with 2 decimals and TEO with 8.
func (a Absorption) MarshalJSON() ([]byte, error) {
	type plain Absorption
	return json.Marshal(struct {
		plain
		DiscountAmount string `json:"discountAmount"`
		TeoUsed        string `json:"teoUsed"`
		TeacherTeo     string `json:"teacherTeo"`
	}{plain(a), teo.FormatEUR(a.DiscountAmount), teo.Format(a.TeoUsed), teo.Format(a.TeacherTeo)})
}
