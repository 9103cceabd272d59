package hermes

import (
	"sort"
	"strings"
	"sync"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}

// MemoryMetrics keeps the latest values in memory. Keys have the form
// name{k=v,...} with labels sorted by key.
type MemoryMetrics struct {
	mu           sync.Mutex
	counters     map[string]float64
	gauges       map[string]float64
	observations map[string][]float64
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:     make(map[string]float64),
		gauges:       make(map[string]float64),
		observations: make(map[string][]float64),
	}
}

func (m *MemoryMetrics) IncCounter(name string, value float64, labels ...Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[Key(name, labels...)] += value
}

func (m *MemoryMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(name, labels...)
	m.observations[k] = append(m.observations[k], value)
}

func (m *MemoryMetrics) SetGauge(name string, value float64, labels ...Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[Key(name, labels...)] = value
}

func (m *MemoryMetrics) Counter(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func (m *MemoryMetrics) Gauge(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.gauges[key]
	return v, ok
}

func (m *MemoryMetrics) Observations(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observations[key])
}

// Key renders the lookup key MemoryMetrics stores a series under.
func Key(name string, labels ...Label) string {
	if len(labels) == 0 {
		return name
	}
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	parts := make([]string, len(sorted))
	for i, l := range sorted {
		parts[i] = l.Key + "=" + l.Value
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
