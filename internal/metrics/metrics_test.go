package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveScan(ScanOK, time.Second, 3)
		m.ObserveChange("updated", "poll")
		m.SetConnections(2)
		m.ObserveDelivery("ping", DeliveryOK)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObserveScan(t *testing.T) {
	m := New()

	m.ObserveScan(ScanOK, 10*time.Millisecond, 7)
	m.ObserveScan(ScanError, time.Millisecond, 0)
	m.ObserveScan(ScanSkipped, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues(ScanOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues(ScanError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues(ScanSkipped)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.trackedRecords), "failed scans keep the last good count")
}

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.ObserveChange("updated", "poll")
	m.ObserveChange("updated", "poll")
	m.ObserveChange("created", "hook")
	m.SetConnections(4)
	m.ObserveDelivery("post_update", DeliveryOK)
	m.ObserveDelivery("post_update", DeliveryFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.changes.WithLabelValues("updated", "poll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("created", "hook")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("post_update", DeliveryFailed)))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetConnections(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "postpulse_broadcast_connections 1"))
	assert.Contains(t, body, "go_goroutines")
}
