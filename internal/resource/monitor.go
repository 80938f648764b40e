package resource

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/novamd/bridge-server-go/internal/config"
	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/metrics"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// trendWindow is the minimum history needed before a trend is reported.
const (
	trendWindow    = 10
	trendThreshold = 0.10
)

type Options struct {
	MemoryWarning    float64
	MemoryCritical   float64
	CPULimit         float64
	Interval         time.Duration
	HistorySize      int
	CreatesPerMinute int
	Metrics          *metrics.Metrics
}

// Capacity projects how many more sessions fit before a threshold is crossed.
type Capacity struct {
	AdditionalSessions int     `json:"additionalSessions"`
	LimitedBy          string  `json:"limitedBy"`
	MemoryHeadroom     float64 `json:"memoryHeadroom"`
	CPUHeadroom        float64 `json:"cpuHeadroom"`
}

// Report is the health view exposed to operators.
type Report struct {
	Status   Status    `json:"status"`
	Latest   *Snapshot `json:"latest,omitempty"`
	Capacity Capacity  `json:"capacity"`
	Samples  int       `json:"samples"`
}

type Monitor struct {
	sampler Sampler
	opts    Options
	limiter *rate.Limiter

	mu      sync.RWMutex
	history []Snapshot

	done     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(sampler Sampler, opts Options) *Monitor {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 60
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	m := &Monitor{
		sampler: sampler,
		opts:    opts,
		history: make([]Snapshot, 0, opts.HistorySize),
		done:    make(chan struct{}),
	}
	if opts.CreatesPerMinute > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(float64(opts.CreatesPerMinute)/60.0), opts.CreatesPerMinute)
	}
	return m
}

func (m *Monitor) Start() {
	go m.run()
	log.Info().Dur("interval", m.opts.Interval).Msg("resource monitor started")
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		log.Info().Msg("resource monitor stopped")
	})
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.tick()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := m.sampler.Sample(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to sample resources")
		return
	}
	m.Record(snap)
}

// Record appends a sample to the ring buffer, dropping the oldest when full.
func (m *Monitor) Record(snap Snapshot) {
	m.mu.Lock()
	if len(m.history) == m.opts.HistorySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, snap)
	rising := m.risingTrendLocked()
	m.mu.Unlock()

	m.opts.Metrics.ObserveResources(snap.MemoryRatio, snap.CPULoad)

	switch m.classify(snap) {
	case StatusCritical:
		log.Warn().Float64("memoryRatio", snap.MemoryRatio).Float64("cpuLoad", snap.CPULoad).Msg("resource usage critical")
	case StatusWarning:
		log.Debug().Float64("memoryRatio", snap.MemoryRatio).Float64("cpuLoad", snap.CPULoad).Msg("resource usage elevated")
	}
	if rising {
		log.Warn().Float64("memoryRatio", snap.MemoryRatio).Msg("memory usage trending upward")
	}
}

func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

func (m *Monitor) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) Status() Status {
	snap, ok := m.Latest()
	if !ok {
		return StatusHealthy
	}
	return m.classify(snap)
}

func (m *Monitor) classify(snap Snapshot) Status {
	switch {
	case snap.MemoryRatio > m.opts.MemoryCritical:
		return StatusCritical
	case snap.MemoryRatio > m.opts.MemoryWarning || snap.CPULoad > m.opts.CPULimit:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// CanAcceptNewUser is true until a sample exceeds the memory warning ratio or
// the CPU limit. With no samples yet it admits.
func (m *Monitor) CanAcceptNewUser() bool {
	snap, ok := m.Latest()
	if !ok {
		return true
	}
	return snap.MemoryRatio <= m.opts.MemoryWarning && snap.CPULoad <= m.opts.CPULimit
}

// Admit applies the resource gate and then the creation-rate token bucket.
func (m *Monitor) Admit() error {
	if !m.CanAcceptNewUser() {
		m.opts.Metrics.AdmissionRejected("capacity")
		return apperrors.CapacityExceeded()
	}
	if m.limiter != nil && !m.limiter.Allow() {
		m.opts.Metrics.AdmissionRejected("rate")
		return apperrors.CapacityExceeded().WithDetails(map[string]string{"reason": "session creation rate exceeded"})
	}
	return nil
}

func (m *Monitor) EstimateMaxCapacity() Capacity {
	snap, ok := m.Latest()
	if !ok || snap.MemoryTotal == 0 {
		return Capacity{LimitedBy: "unknown"}
	}

	memHeadroom := math.Max(0, m.opts.MemoryWarning-snap.MemoryRatio)
	cpuHeadroom := math.Max(0, m.opts.CPULimit-snap.CPULoad)

	bySessionsMem := int(memHeadroom * float64(snap.MemoryTotal) / float64(config.SessionMemoryCost))
	bySessionsCPU := int(cpuHeadroom / config.SessionCPUCost)

	c := Capacity{MemoryHeadroom: memHeadroom, CPUHeadroom: cpuHeadroom}
	if bySessionsMem <= bySessionsCPU {
		c.AdditionalSessions = bySessionsMem
		c.LimitedBy = "memory"
	} else {
		c.AdditionalSessions = bySessionsCPU
		c.LimitedBy = "cpu"
	}
	return c
}

func (m *Monitor) Report() Report {
	r := Report{
		Status:   m.Status(),
		Capacity: m.EstimateMaxCapacity(),
	}
	if snap, ok := m.Latest(); ok {
		r.Latest = &snap
	}
	m.mu.RLock()
	r.Samples = len(m.history)
	m.mu.RUnlock()
	return r
}

// risingTrendLocked compares the mean memory ratio of the older and newer
// halves of the history.
func (m *Monitor) risingTrendLocked() bool {
	n := len(m.history)
	if n < trendWindow {
		return false
	}
	half := n / 2
	var older, newer float64
	for i, s := range m.history {
		if i < half {
			older += s.MemoryRatio
		} else {
			newer += s.MemoryRatio
		}
	}
	older /= float64(half)
	newer /= float64(n - half)
	return newer-older >= trendThreshold
}
