package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds counters for the metric computation pipeline.
type Metrics struct {
	batchesDispatched prometheus.Counter
	unitsProcessed    *prometheus.CounterVec
	finalizeRuns      *prometheus.CounterVec
}

// Metric label values for finalize outcomes.
const (
	FinalizeResultSuccess = "success"
	FinalizeResultFailed  = "failed"
)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		batchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devpulse",
			Subsystem: "pipeline",
			Name:      "batches_dispatched_total",
			Help:      "Total number of batch tasks submitted by the dispatcher.",
		}),
		unitsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpulse",
			Subsystem: "pipeline",
			Name:      "units_processed_total",
			Help:      "Total number of units handled by batch workers, by outcome.",
		}, []string{"status"}),
		finalizeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpulse",
			Subsystem: "pipeline",
			Name:      "finalize_runs_total",
			Help:      "Total number of finalize invocations, by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.batchesDispatched, m.unitsProcessed, m.finalizeRuns,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) recordBatchDispatched() {
	if m == nil {
		return
	}
	m.batchesDispatched.Inc()
}

func (m *Metrics) recordUnit(status UnitStatus) {
	if m == nil {
		return
	}
	m.unitsProcessed.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) recordFinalize(result string) {
	if m == nil {
		return
	}
	m.finalizeRuns.WithLabelValues(result).Inc()
}
