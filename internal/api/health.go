package api

import (
	"context"
	"sort"

	"github.com/vietddude/promptloop/internal/infra/llm"
)

// SystemStatus represents the overall health state of the service or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Probe checks one dependency. A non-nil error marks it critical.
type Probe func(ctx context.Context) error

// StatsSource exposes per-transport health.
type StatsSource interface {
	Stats() []llm.BindingStats
}

// ComponentHealth is the result of one probe.
type ComponentHealth struct {
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full service health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	Transports   []llm.BindingStats         `json:"transports,omitempty"`
}

// Monitor aggregates dependency probes and transport circuits.
type Monitor struct {
	probes map[string]Probe
	stats  StatsSource
}

// NewMonitor creates a monitor. stats may be nil.
func NewMonitor(stats StatsSource) *Monitor {
	return &Monitor{probes: make(map[string]Probe), stats: stats}
}

// AddProbe registers a named dependency check.
func (m *Monitor) AddProbe(name string, p Probe) {
	m.probes[name] = p
}

// CheckHealth runs every probe. A failing probe is critical; an open
// transport circuit only degrades the service.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.probes)),
	}

	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := m.probes[name](ctx); err != nil {
			report.Components[name] = ComponentHealth{Status: StatusCritical, Error: err.Error()}
			report.SystemStatus = StatusCritical
			continue
		}
		report.Components[name] = ComponentHealth{Status: StatusHealthy}
	}

	if m.stats != nil {
		report.Transports = m.stats.Stats()
		for _, b := range report.Transports {
			if b.CircuitOpen && report.SystemStatus == StatusHealthy {
				report.SystemStatus = StatusDegraded
			}
		}
	}
	return report
}
