package split

import (
	"encoding/json"

	"github.com/teocoin/settlement/internal/teo"
)

type splitJSON struct {
	TeacherEur  string `json:"teacherEur"`
	PlatformEur string `json:"platformEur"`
	TeacherTeo  string `json:"teacherTeo"`
	PlatformTeo string `json:"platformTeo"`
}

type breakdownJSON struct {
	PriceGross       string `json:"priceGross"`
	DiscountPercent  int    `json:"discountPercent"`
	DiscountAmount   string `json:"discountAmount"`
	DiscountTeo      string `json:"discountTeo"`
	StudentPays      string `json:"studentPays"`
	splitJSON
	OptionA          splitJSON `json:"optionA"`
	OptionB          splitJSON `json:"optionB"`
	AcceptTeo        bool      `json:"acceptTeo"`
	AcceptRatio      string    `json:"acceptRatio"`
	AbsorptionPolicy Policy    `json:"absorptionPolicy"`
	Tier             string    `json:"tier"`
}

func (s Split) view() splitJSON {
	return splitJSON{
		TeacherEur:  teo.FormatEUR(s.TeacherEur),
		PlatformEur: teo.FormatEUR(s.PlatformEur),
		TeacherTeo:  teo.Format(s.TeacherTeo),
		PlatformTeo: teo.Format(s.PlatformTeo),
	}
}

// MarshalJSON renders EUR amounts with 2 decimals and TEO with 8.
func (b Breakdown) MarshalJSON() ([]byte, error) {
	return json.Marshal(breakdownJSON{
		PriceGross:       teo.FormatEUR(b.PriceGross),
		DiscountPercent:  b.DiscountPercent,
		DiscountAmount:   teo.FormatEUR(b.DiscountAmount),
		DiscountTeo:      teo.Format(b.DiscountTeo),
		StudentPays:      teo.FormatEUR(b.StudentPays),
		splitJSON:        b.Split.view(),
		OptionA:          b.OptionA.view(),
		OptionB:          b.OptionB.view(),
		AcceptTeo:        b.AcceptTeo,
		AcceptRatio:      b.AcceptRatio.StringFixed(2),
		AbsorptionPolicy: b.AbsorptionPolicy,
		Tier:             b.Tier.Name,
	})
}
