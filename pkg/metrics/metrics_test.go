package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_InstancesAreIndependent(t *testing.T) {
	// private registries let multiple instances coexist without
	// duplicate-registration panics
	a := NewMetrics()
	b := NewMetrics()

	a.RecordRequest("session_upload", "high", true, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NotContains(t, rec.Body.String(), `feature="session_upload"`)
}

func TestHandler_ExposesRecordedMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("session_upload", "high", true, 10*time.Millisecond)
	m.RecordRequest("session_upload", "high", false, 20*time.Millisecond)
	m.SetBreakerState("session_upload", 1)
	m.RecordFailover()
	m.UpdateStorageTier("hot", 3, 1024)
	m.RecordSynced("synced", 5)
	m.RecordProbe("us-east", true, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `relay_requests_total{feature="session_upload",priority="high",status="success"} 1`)
	assert.Contains(t, body, `relay_requests_total{feature="session_upload",priority="high",status="failure"} 1`)
	assert.Contains(t, body, `relay_breaker_state{feature="session_upload"} 1`)
	assert.Contains(t, body, `relay_failovers_total 1`)
	assert.Contains(t, body, `relay_storage_items{tier="hot"} 3`)
	assert.Contains(t, body, `relay_storage_bytes{tier="hot"} 1024`)
	assert.Contains(t, body, `relay_synced_items_total{outcome="synced"} 5`)
	assert.Contains(t, body, `relay_probe_duration_seconds_count{outcome="success",region="us-east"} 1`)
}

func TestGinMiddleware_RecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(m.GinMiddleware())
	router.GET("/v1/stats", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(),
		`relay_http_requests_total{method="GET",path="/v1/stats",status="200"} 1`)
}
