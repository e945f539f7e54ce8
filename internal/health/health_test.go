package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct{ running bool }

func (f fakeRunner) Running() bool { return f.running }

func TestRegistry_EmptyIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_NamesAndAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("decision_timer", Timer(fakeRunner{running: false}))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "decision_timer", statuses[1].Name)
	assert.Equal(t, "not running", statuses[1].Detail)
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("x", Timer(fakeRunner{running: true}))
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 20)
}

func TestReadyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("ready", func(t *testing.T) {
		r := NewRegistry()
		r.Register("reaper", Timer(fakeRunner{running: true}))
		router := gin.New()
		router.GET("/health/ready", r.ReadyHandler())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("degraded", func(t *testing.T) {
		r := NewRegistry()
		r.Register("reaper", Timer(fakeRunner{running: false}))
		router := gin.New()
		router.GET("/health/ready", r.ReadyHandler())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var body struct {
			Status string   `json:"status"`
			Checks []Status `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body.Status)
		require.Len(t, body.Checks, 1)
		assert.False(t, body.Checks[0].Healthy)
	})
}

func TestLiveHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health/live", LiveHandler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
