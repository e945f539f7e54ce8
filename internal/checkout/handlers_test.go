package checkout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/provider"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(h *harness, actor auth.Actor) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		auth.SetActor(c, actor)
		c.Next()
	})
	NewHandler(h.svc).RegisterProtectedRoutes(v1)
	return r
}

func post(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

var studentActor = auth.Actor{UserRef: student, Role: auth.RoleUser}

func TestHandler_CreateIntent(t *testing.T) {
	h := newHarness(t)
	h.fund(t, student, 100)
	r := setupRouter(h, studentActor)

	body := map[string]any{"courseId": "course_1", "useDiscount": true, "discountPercent": 10, "idempotencyKey": "idem-1"}
	w := post(r, "/v1/payments/intents", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	out := decode(t, w)
	assert.Equal(t, "90.00", out["finalPrice"])
	assert.Equal(t, StatusRequiresPayment, out["status"])
	assert.NotEmpty(t, out["clientSecret"])
	assert.NotEmpty(t, out["snapshotId"])
	assert.NotEmpty(t, out["decisionId"])
	pricing, ok := out["pricing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10.00", pricing["discountAmount"])

	w = post(r, "/v1/payments/intents", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, out["snapshotId"], decode(t, w)["snapshotId"])
}

func TestHandler_CreateIntentValidation(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h, studentActor)

	w := post(r, "/v1/payments/intents", map[string]any{"useDiscount": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/v1/payments/intents", map[string]any{"courseId": "course_1", "useDiscount": true, "discountPercent": 150})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/v1/payments/intents", map[string]any{"courseId": "course_missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateIntentOnBehalf(t *testing.T) {
	h := newHarness(t)
	h.fund(t, student, 100)
	body := map[string]any{"courseId": "course_1", "useDiscount": true, "discountPercent": 10, "userId": student}

	w := post(setupRouter(h, auth.Actor{UserRef: "student_2", Role: auth.RoleUser}), "/v1/payments/intents", body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = post(setupRouter(h, auth.Actor{UserRef: "frontend", Role: auth.RoleService}), "/v1/payments/intents", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "10.00000000", h.held(t, student))
}

func TestHandler_ProviderUnavailable(t *testing.T) {
	h := newHarness(t)
	h.fund(t, student, 100)
	h.provider.FailNext(1)
	r := setupRouter(h, studentActor)

	w := post(r, "/v1/payments/intents", map[string]any{"courseId": "course_1", "useDiscount": true, "discountPercent": 10, "idempotencyKey": "idem-1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "provider_unavailable")
}

func TestHandler_ConfirmPayment(t *testing.T) {
	h := newHarness(t)
	h.fund(t, student, 100)
	r := setupRouter(h, studentActor)

	w := post(r, "/v1/payments/intents", map[string]any{"courseId": "course_1", "useDiscount": true, "discountPercent": 10, "idempotencyKey": "idem-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	pi := decode(t, w)["paymentIntentId"].(string)
	h.provider.SetStatus(pi, provider.StatusSucceeded)

	w = post(r, "/v1/payments/confirm", map[string]any{"paymentIntentId": pi})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, StatusConfirmed, out["status"])
	assert.NotEmpty(t, out["enrollmentId"])

	w = post(r, "/v1/payments/confirm", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ConfirmDiscount(t *testing.T) {
	h := newHarness(t)
	h.fund(t, student, 100)
	r := setupRouter(h, studentActor)

	body := map[string]any{"orderId": "order_1", "courseId": "course_2", "priceEur": "150.00", "discountPercent": 10}
	w := post(r, "/v1/discounts/confirm", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["created"])
	bd := out["breakdown"].(map[string]any)
	assert.Equal(t, "135.00", bd["studentPays"])

	w = post(r, "/v1/discounts/confirm", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["created"])

	body["priceEur"] = "12.345"
	w = post(r, "/v1/discounts/confirm", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
