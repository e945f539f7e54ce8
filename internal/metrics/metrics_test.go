package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	InvariantViolationsTotal.WithLabelValues("ledger_available").Add(0)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "teocoin_active_websocket_clients")
	assert.Contains(t, body, "teocoin_goroutines")
	assert.Contains(t, body, "teocoin_invariant_violations_total")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.POST("/v1/decisions/:id/accept", func(c *gin.Context) {
		c.Status(http.StatusPaymentRequired)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/v1/decisions/:id/accept", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/decisions/dec_1/accept", nil))
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/v1/decisions/:id/accept", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestSampleDBStats(t *testing.T) {
	SampleDBStats(sql.DBStats{OpenConnections: 7, Idle: 3, InUse: 4, WaitCount: 2})

	m := &dto.Metric{}
	require.NoError(t, DBOpenConnections.Write(m))
	assert.Equal(t, 7.0, m.GetGauge().GetValue())
	assert.Equal(t, 4.0, testutil.ToFloat64(DBInUseConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(DBWaitCount))
}
