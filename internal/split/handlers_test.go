package split

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/tier"
)

type fixedTier struct{ t tier.Tier }

func (f fixedTier) ForTeacher(context.Context, string) (tier.Tier, error) { return f.t, nil }

func previewRouter(tiers TierSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(tiers, decimal.NewFromInt(1)).RegisterProtectedRoutes(r.Group("/v1"))
	return r
}

func postPreview(t *testing.T, r *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/discounts/preview", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestPreview_Scenario(t *testing.T) {
	w := postPreview(t, previewRouter(nil), `{"priceEur":"100.00","discountPercent":10,"acceptTeo":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "90.00", got["studentPays"])
	assert.Equal(t, "40.00", got["teacherEur"])
	assert.Equal(t, "50.00", got["platformEur"])
	assert.Equal(t, "12.50000000", got["teacherTeo"])
	assert.Equal(t, "0.00000000", got["platformTeo"])
	assert.Equal(t, "absorb", got["absorptionPolicy"])
	assert.Equal(t, "Bronze", got["tier"])
}

func TestPreview_UsesTeacherTier(t *testing.T) {
	gold := tier.Defaults()[2]
	w := postPreview(t, previewRouter(fixedTier{gold}), `{"priceEur":"100.00","discountPercent":10,"teacherId":"teacher_1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Gold", got["tier"])
	assert.Equal(t, "60.00", got["teacherEur"])
}

func TestPreview_Errors(t *testing.T) {
	capped := tier.Bronze()
	capped.MaxAcceptDiscountRatio = decimal.RequireFromString("0.5")
	r := previewRouter(fixedTier{capped})

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"bad json", `{`, http.StatusBadRequest, "invalid_request"},
		{"missing price", `{"discountPercent":10}`, http.StatusBadRequest, "invalid_request"},
		{"bad price", `{"priceEur":"1.234","discountPercent":10}`, http.StatusBadRequest, "invalid_amount"},
		{"bad percent", `{"priceEur":"10.00","discountPercent":150}`, http.StatusBadRequest, "invalid_discount_percent"},
		{"ratio over tier", `{"priceEur":"10.00","discountPercent":10,"teacherId":"t1","acceptTeo":true,"acceptRatio":"0.9"}`, http.StatusUnprocessableEntity, "invalid_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postPreview(t, r, tt.body)
			assert.Equal(t, tt.code, w.Code)
			var body struct {
				Error struct{ Code string } `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Error.Code)
		})
	}
}
