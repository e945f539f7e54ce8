package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/config"
	"github.com/teocoin/settlement/internal/provider"
)

const (
	adminSecret   = "test-admin"
	webhookSecret = "whsec_test"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		ProviderWebhookSecret: webhookSecret,
		ProviderCallTimeout:   time.Second,
		ProviderRetryCount:    1,
		PlatformTreasuryUser:  "platform_treasury",
		TokenDecimals:         8,
		AtomicDecimals:        18,
		TokenEURRate:          decimal.NewFromInt(1),
		DecisionTTL:           24 * time.Hour,
		SnapshotReaperTTL:     72 * time.Hour,
		LockTimeout:           5 * time.Second,
		TierCacheTTL:          time.Minute,
		AdminSecret:           adminSecret,
		RateLimitRPM:          1000,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *provider.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := provider.NewFake()
	s, err := New(testConfig(), WithLogger(quietLogger()), WithProvider(fake))
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s, fake
}

type call struct {
	method  string
	path    string
	body    any
	headers map[string]string
}

func do(t *testing.T, s *Server, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func admin() map[string]string {
	return map[string]string{auth.AdminSecretHeader: adminSecret}
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

// issueKey creates a user API key through the admin route.
func issueKey(t *testing.T, s *Server, userRef string) string {
	t.Helper()
	w, body := do(t, s, call{
		method:  http.MethodPost,
		path:    "/v1/admin/keys",
		body:    map[string]any{"userRef": userRef, "role": "user", "name": "test"},
		headers: admin(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	key, _ := body["apiKey"].(string)
	require.NotEmpty(t, key)
	return key
}

func credit(t *testing.T, s *Server, userRef, amount, tag string) {
	t.Helper()
	w, _ := do(t, s, call{
		method:  http.MethodPost,
		path:    "/v1/admin/ledger/credit",
		body:    map[string]any{"userRef": userRef, "amount": amount, "idempotencyKey": tag},
		headers: admin(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func available(t *testing.T, s *Server, key string) decimal.Decimal {
	t.Helper()
	w, body := do(t, s, call{method: http.MethodGet, path: "/v1/ledger/me", headers: bearer(key)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bal, ok := body["balance"].(map[string]any)
	require.True(t, ok, "missing balance: %s", w.Body.String())
	d, err := decimal.NewFromString(bal["available"].(string))
	require.NoError(t, err)
	return d
}

// createIntent buys the demo course with a 10% discount and returns the
// intent response.
func createIntent(t *testing.T, s *Server, key, idem string) map[string]any {
	t.Helper()
	w, body := do(t, s, call{
		method: http.MethodPost,
		path:   "/v1/payments/intents",
		body: map[string]any{
			"courseId":        DemoCourse.ID,
			"useDiscount":     true,
			"discountPercent": 10,
			"idempotencyKey":  idem,
		},
		headers: bearer(key),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return body
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthLive(t *testing.T) {
	s, _ := newTestServer(t)
	w, body := do(t, s, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body)
}

func TestHealthReady_NotReadyBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)
	w, body := do(t, s, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_ready", body["status"])
}

func TestRun_BecomesReadyAndStops(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		w, _ := do(t, s, call{method: http.MethodGet, path: "/health/ready"})
		return w.Code == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.decisionTimer.Running())
	assert.False(t, s.reaper.Running())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := do(t, s, call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "teocoin_")
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := do(t, s, call{method: http.MethodGet, path: "/health/live"})
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, _ = do(t, s, call{method: http.MethodGet, path: "/health/live", headers: map[string]string{"X-Request-ID": "req-abc"}})
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := do(t, s, call{method: http.MethodGet, path: "/v1/nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)
	for _, c := range []call{
		{method: http.MethodGet, path: "/v1/ledger/me"},
		{method: http.MethodGet, path: "/v1/decisions/pending"},
		{method: http.MethodPost, path: "/v1/payments/intents", body: map[string]any{"courseId": DemoCourse.ID}},
		{method: http.MethodGet, path: "/v1/auth/me", headers: bearer("tk_bogus")},
	} {
		w, _ := do(t, s, c)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", c.method, c.path)
	}
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	s, _ := newTestServer(t)
	key := issueKey(t, s, "student_1")

	w, _ := do(t, s, call{
		method:  http.MethodPost,
		path:    "/v1/admin/ledger/credit",
		body:    map[string]any{"userRef": "student_1", "amount": "1000", "idempotencyKey": "self"},
		headers: bearer(key),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, s, call{method: http.MethodGet, path: "/v1/admin/reconciliation/last"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, s, call{method: http.MethodGet, path: "/v1/admin/reconciliation/last", headers: map[string]string{auth.AdminSecretHeader: "wrong"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---------------------------------------------------------------------------
// Purchase flows
// ---------------------------------------------------------------------------

func TestPurchase_ConfirmThenAccept(t *testing.T) {
	s, fake := newTestServer(t)
	studentKey := issueKey(t, s, "student_1")
	teacherKey := issueKey(t, s, DemoCourse.TeacherRef)
	credit(t, s, "student_1", "100", "seed-student")

	intent := createIntent(t, s, studentKey, "buy-1")
	pi, _ := intent["paymentIntentId"].(string)
	decisionID, _ := intent["decisionId"].(string)
	require.NotEmpty(t, pi)
	require.NotEmpty(t, decisionID)
	assert.Equal(t, "44.10", intent["finalPrice"])

	// The discount's TEO is on hold until the payment settles.
	assert.True(t, available(t, s, studentKey).Equal(decimal.RequireFromString("95.1")))

	// Retrying the same purchase returns the same intent.
	w, again := do(t, s, call{
		method:  http.MethodPost,
		path:    "/v1/payments/intents",
		body:    map[string]any{"courseId": DemoCourse.ID, "useDiscount": true, "discountPercent": 10, "idempotencyKey": "buy-1"},
		headers: bearer(studentKey),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, pi, again["paymentIntentId"])

	// The teacher cannot decide before the payment completes.
	w, _ = do(t, s, call{method: http.MethodPost, path: "/v1/decisions/" + decisionID + "/accept", headers: bearer(teacherKey)})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	// Confirming an unpaid intent reports it as still processing.
	w, body := do(t, s, call{
		method:  http.MethodPost,
		path:    "/v1/payments/confirm",
		body:    map[string]any{"paymentIntentId": pi},
		headers: bearer(studentKey),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEqual(t, "confirmed", body["status"])

	fake.SetStatus(pi, provider.StatusSucceeded)
	w, body = do(t, s, call{
		method:  http.MethodPost,
		path:    "/v1/payments/confirm",
		body:    map[string]any{"paymentIntentId": pi},
		headers: bearer(studentKey),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "confirmed", body["status"])
	assert.NotEmpty(t, body["enrollmentId"])

	// Only the course teacher sees the decision.
	w, _ = do(t, s, call{method: http.MethodGet, path: "/v1/decisions/" + decisionID, headers: bearer(studentKey)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = do(t, s, call{method: http.MethodPost, path: "/v1/decisions/" + decisionID + "/accept", headers: bearer(teacherKey)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dec := body["decision"].(map[string]any)
	assert.Equal(t, "accepted", dec["state"])
	assert.Equal(t, false, body["replayed"])
	delta := body["ledgerDelta"].(map[string]any)
	assert.Equal(t, DemoCourse.TeacherRef, delta["userRef"])

	offered := decimal.RequireFromString(dec["offeredTeo"].(string))
	assert.True(t, offered.GreaterThan(decimal.Zero))
	assert.True(t, available(t, s, teacherKey).Equal(offered))

	// A second accept replays without paying twice.
	w, body = do(t, s, call{method: http.MethodPost, path: "/v1/decisions/" + decisionID + "/accept", headers: bearer(teacherKey)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["replayed"])
	assert.True(t, available(t, s, teacherKey).Equal(offered))

	// The student's held TEO went to the treasury.
	assert.True(t, available(t, s, studentKey).Equal(decimal.RequireFromString("95.1")))
}

func TestPurchase_InsufficientTeo(t *testing.T) {
	s, _ := newTestServer(t)
	key := issueKey(t, s, "student_2")
	credit(t, s, "student_2", "1", "seed")

	w, _ := do(t, s, call{
		method:  http.MethodPost,
		path:    "/v1/payments/intents",
		body:    map[string]any{"courseId": DemoCourse.ID, "useDiscount": true, "discountPercent": 10, "idempotencyKey": "buy"},
		headers: bearer(key),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.True(t, available(t, s, key).Equal(decimal.NewFromInt(1)))
}

func TestWebhook_SettlesAndReplays(t *testing.T) {
	s, fake := newTestServer(t)
	studentKey := issueKey(t, s, "student_1")
	teacherKey := issueKey(t, s, DemoCourse.TeacherRef)
	credit(t, s, "student_1", "100", "seed-student")

	intent := createIntent(t, s, studentKey, "buy-webhook")
	pi := intent["paymentIntentId"].(string)
	decisionID := intent["decisionId"].(string)

	payload := provider.EncodeEvent(fake.Event("evt_1", provider.EventPaymentIntentSucceeded, pi))
	send := func(sig string) (*httptest.ResponseRecorder, map[string]any) {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(provider.SignatureHeader, sig)
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		out := map[string]any{}
		_ = json.Unmarshal(w.Body.Bytes(), &out)
		return w, out
	}

	w, _ := send("t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w, body := send(provider.Sign(payload, webhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["received"])
	assert.Equal(t, false, body["replayed"])

	w, body = send(provider.Sign(payload, webhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["replayed"])

	w, _ = do(t, s, call{method: http.MethodGet, path: "/v1/admin/webhooks/events/evt_1", headers: admin()})
	assert.Equal(t, http.StatusOK, w.Code)

	// Settlement unblocked the decision.
	w, body = do(t, s, call{method: http.MethodGet, path: "/v1/decisions/" + decisionID, headers: bearer(teacherKey)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dec := body["decision"].(map[string]any)
	assert.Equal(t, true, dec["paymentCompleted"])
	assert.Equal(t, "pending", dec["state"])
}

func TestReconciliationRun(t *testing.T) {
	s, _ := newTestServer(t)
	credit(t, s, "student_1", "10", "seed")

	w, body := do(t, s, call{method: http.MethodPost, path: "/v1/admin/reconciliation/run", headers: admin()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["ok"])
}

func TestNew_ProductionRequiresDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	_, err := New(cfg, WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/app")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "db:5432/app")
	assert.NotContains(t, maskDSN("postgres://u:p@h/d?sslmode=disable"), ":p@")
}
