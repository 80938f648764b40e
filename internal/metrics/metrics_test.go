package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SessionCreated("created")
	m.SessionCreated("created")
	m.SessionCreated("existing")
	m.PairingFinished("qr", "success")
	m.AdmissionRejected("capacity")
	m.ObserveResources(0.42, 0.3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionCreates.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionCreates.WithLabelValues("existing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PairingAttempts.WithLabelValues("qr", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdmissionRejects.WithLabelValues("capacity")))
	assert.Equal(t, 0.42, testutil.ToFloat64(m.MemoryRatio))
}

func TestMetrics_SetSessionCountsResets(t *testing.T) {
	m := New()

	m.SetSessionCounts(map[string]int{"connected": 3, "reconnecting": 1})
	m.SetSessionCounts(map[string]int{"connected": 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Sessions.WithLabelValues("connected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Sessions))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated("created")
		m.SetSessionCounts(map[string]int{"connected": 1})
		m.ObserveResources(1, 1)
		m.UpdateFinished("success")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.UpdateFinished("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bridge_update_runs_total"))
}
