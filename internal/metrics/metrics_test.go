package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
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
		{400, "4xx"},
		{404, "4xx"},
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

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges are always exported; vectors only after first observation.
	assert.Contains(t, w.Body.String(), "swapd_active_swaps")

	SwapTransitionsTotal.WithLabelValues("started", "negotiated").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), `swapd_swap_transitions_total{from="started",to="negotiated"}`)
}

func TestActiveSwapsGauge(t *testing.T) {
	before := gaugeValue(t)
	ActiveSwaps.Inc()
	assert.Equal(t, before+1, gaugeValue(t))
	ActiveSwaps.Dec()
	assert.Equal(t, before, gaugeValue(t))
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var m dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx").Write(&m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
}

func gaugeValue(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, ActiveSwaps.Write(&m))
	return m.GetGauge().GetValue()
}
