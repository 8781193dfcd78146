package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tempo/internal/config"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	hm := NewHealthMonitor(config.Default())
	h := hm.Handler()

	for _, path := range []string{"/health", "/healthz"} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	}

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusReportsThroughput(t *testing.T) {
	cfg := config.Default()
	hm := NewHealthMonitor(cfg)
	hm.RecordGeneration(10, time.Second, nil)
	hm.RecordGeneration(30, time.Second, nil)

	rec := get(t, hm.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, 2, st.Performance.Generations)
	assert.InDelta(t, 20, st.Performance.TokensPerSecond, 1e-9)
	assert.Equal(t, cfg.PatchesPerInstance(), st.Model.PatchesPerSeries)
	assert.Equal(t, cfg.Layers, st.Model.Layers)
}

func TestDegradedAfterFailures(t *testing.T) {
	hm := NewHealthMonitor(config.Default())
	hm.RecordGeneration(0, 0, errors.New("boom"))

	rec := get(t, hm.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", hm.Status().Status)
}

func TestHistoryIsBounded(t *testing.T) {
	hm := NewHealthMonitor(config.Default())
	for i := 0; i < maxHistory+10; i++ {
		hm.RecordGeneration(1, time.Millisecond, nil)
	}
	assert.Len(t, hm.history, maxHistory)
	assert.Equal(t, maxHistory+10, hm.Status().Performance.Generations)
}
