package hermes

// Label is one metric dimension.
type Label struct {
	Key   string
	Value string
}

// Metrics is Hermes: the messenger every component reports through.
type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

// OrNoop returns m, or a NoopMetrics when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return NewNoopMetrics()
	}
	return m
}
