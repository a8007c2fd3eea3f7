package dual_scope_limiter

const (
	MetricDecision     = "admission.decision"
	MetricStoreError   = "admission.store_error"
	MetricStoreLatency = "admission.store_latency_ms"
)

// Recorder receives counters and observations from the limiter.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpRecorder discards everything.
type NoOpRecorder struct{}

func (NoOpRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpRecorder) Observe(name string, value float64, tags map[string]string) {}
