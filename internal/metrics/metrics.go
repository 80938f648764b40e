package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridge"

// Metrics holds every collector the server exports. A nil *Metrics is valid
// and records nothing, so components can run without it in tests.
type Metrics struct {
	Registry *prometheus.Registry

	Sessions         *prometheus.GaugeVec
	SessionCreates   *prometheus.CounterVec
	PairingAttempts  *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	UpdateRuns       *prometheus.CounterVec
	AdmissionRejects *prometheus.CounterVec
	MemoryRatio      prometheus.Gauge
	CPULoad          prometheus.Gauge
	SSEClients       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Registered sessions by status",
		}, []string{"status"}),
		SessionCreates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_creates_total",
			Help:      "Session create requests by result",
		}, []string{"result"}),
		PairingAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_attempts_total",
			Help:      "Finished pairing attempts by method and outcome",
		}, []string{"method", "outcome"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Scheduled reconnects by result",
		}, []string{"result"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "In-band commands by kind",
		}, []string{"kind"}),
		UpdateRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_runs_total",
			Help:      "Live update runs by result",
		}, []string{"result"}),
		AdmissionRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejects_total",
			Help:      "Session admissions refused by reason",
		}, []string{"reason"}),
		MemoryRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_ratio",
			Help:      "Last sampled memory usage ratio",
		}),
		CPULoad: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_load",
			Help:      "Last sampled normalized CPU load",
		}),
		SSEClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "Connected event stream clients",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetSessionCounts replaces the per-status gauge values.
func (m *Metrics) SetSessionCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.Sessions.Reset()
	for status, n := range counts {
		m.Sessions.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SessionCreated(result string) {
	if m == nil {
		return
	}
	m.SessionCreates.WithLabelValues(result).Inc()
}

func (m *Metrics) PairingFinished(method, outcome string) {
	if m == nil {
		return
	}
	m.PairingAttempts.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ReconnectFinished(result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) CommandDispatched(kind string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(kind).Inc()
}

func (m *Metrics) UpdateFinished(result string) {
	if m == nil {
		return
	}
	m.UpdateRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejects.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveResources(memoryRatio, cpuLoad float64) {
	if m == nil {
		return
	}
	m.MemoryRatio.Set(memoryRatio)
	m.CPULoad.Set(cpuLoad)
}

func (m *Metrics) SetSSEClients(n int) {
	if m == nil {
		return
	}
	m.SSEClients.Set(float64(n))
}
