package logging

import (
	"sync"
	"time"
)

// ToolMetrics tracks metrics for a single tool.
type ToolMetrics struct {
	Calls     int           `json:"calls"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	TotalTime time.Duration `json:"total_time_ms"`
}

// ProviderMetrics tracks metrics for one vendor.
type ProviderMetrics struct {
	Requests int `json:"requests"`
	Errors   int `json:"errors"`
	Retries  int `json:"retries"`
}

// Metrics collects runtime counters for the process.
type Metrics struct {
	mu sync.Mutex

	Started time.Time `json:"started"`

	TurnsTotal    int `json:"turns_total"`
	TurnsFailed   int `json:"turns_failed"`
	TurnsPartial  int `json:"turns_partial"`
	TurnsDegraded int `json:"turns_degraded"`
	QuotaDenials  int `json:"quota_denials"`
	Malformed     int `json:"malformed"`
	Compactions   int `json:"compactions"`
	ObjectiveRuns int `json:"objective_runs"`

	Tools     map[string]*ToolMetrics     `json:"tools"`
	Providers map[string]*ProviderMetrics `json:"providers"`
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		Started:   time.Now(),
		Tools:     make(map[string]*ToolMetrics),
		Providers: make(map[string]*ProviderMetrics),
	}
}

// TurnResult classifies a finished turn for RecordTurn.
type TurnResult int

const (
	TurnOK TurnResult = iota
	TurnPartial
	TurnDegraded
	TurnFailed
	TurnQuotaDenied
)

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(r TurnResult) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TurnsTotal++
	switch r {
	case TurnPartial:
		m.TurnsPartial++
	case TurnDegraded:
		m.TurnsDegraded++
	case TurnFailed:
		m.TurnsFailed++
	case TurnQuotaDenied:
		m.TurnsFailed++
		m.QuotaDenials++
	}
}

// RecordMalformed counts a malformed model output.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Malformed++
}

// RecordCompaction counts a summary compaction.
func (m *Metrics) RecordCompaction() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Compactions++
}

// RecordObjectiveRun counts a generator run.
func (m *Metrics) RecordObjectiveRun() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ObjectiveRuns++
}

// RecordToolCall records a tool call.
func (m *Metrics) RecordToolCall(name string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tool := m.getOrCreateTool(name)
	tool.Calls++
	tool.TotalTime += duration
	if err != nil {
		tool.Errors++
	}
}

// RecordToolSkipped records a call that never reached its handler.
func (m *Metrics) RecordToolSkipped(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreateTool(name).Skipped++
}

// RecordProviderRequest records one provider attempt.
func (m *Metrics) RecordProviderRequest(vendor string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.getOrCreateProvider(vendor)
	p.Requests++
	if err != nil {
		p.Errors++
	}
}

// RecordProviderRetry records a scheduled retry.
func (m *Metrics) RecordProviderRetry(vendor string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreateProvider(vendor).Retries++
}

func (m *Metrics) getOrCreateTool(name string) *ToolMetrics {
	if t, ok := m.Tools[name]; ok {
		return t
	}
	t := &ToolMetrics{}
	m.Tools[name] = t
	return t
}

func (m *Metrics) getOrCreateProvider(vendor string) *ProviderMetrics {
	if p, ok := m.Providers[vendor]; ok {
		return p
	}
	p := &ProviderMetrics{}
	m.Providers[vendor] = p
	return p
}

// GetSnapshot returns a copy of the counters suitable for JSON encoding.
func (m *Metrics) GetSnapshot() map[string]any {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tools := make(map[string]ToolMetrics, len(m.Tools))
	for k, v := range m.Tools {
		tools[k] = *v
	}
	providers := make(map[string]ProviderMetrics, len(m.Providers))
	for k, v := range m.Providers {
		providers[k] = *v
	}
	return map[string]any{
		"uptime_seconds": int(time.Since(m.Started).Seconds()),
		"turns_total":    m.TurnsTotal,
		"turns_failed":   m.TurnsFailed,
		"turns_partial":  m.TurnsPartial,
		"turns_degraded": m.TurnsDegraded,
		"quota_denials":  m.QuotaDenials,
		"malformed":      m.Malformed,
		"compactions":    m.Compactions,
		"objective_runs": m.ObjectiveRuns,
		"tools":          tools,
		"providers":      providers,
	}
}
