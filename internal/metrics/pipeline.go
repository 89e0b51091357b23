package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moneybench/arena/internal/domain"
)

// Pipeline counts cycle state transitions. It sits behind the same
// publisher interface as the event hub so the scheduler stays unaware of
// observability.
type Pipeline struct {
	transitions *prometheus.CounterVec
	closures    *prometheus.CounterVec
}

// NewPipeline registers the pipeline collectors, reusing collectors that
// an earlier instance already registered.
func NewPipeline() *Pipeline {
	p := &Pipeline{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "pipeline",
			Name:      "cycle_transitions_total",
			Help:      "Cycle state transitions by model and target state",
		}, []string{"model", "state"}),
		closures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "pipeline",
			Name:      "cycle_closures_total",
			Help:      "Closed cycles by model and close reason",
		}, []string{"model", "reason"}),
	}
	collectors := []prometheus.Collector{p.transitions, p.closures}
	for i, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				existing := are.ExistingCollector.(*prometheus.CounterVec)
				if i == 0 {
					p.transitions = existing
				} else {
					p.closures = existing
				}
			}
		}
	}
	return p
}

// Publish records one pipeline event.
func (p *Pipeline) Publish(event domain.PipelineEvent) {
	p.transitions.With(prometheus.Labels{"model": event.ModelName, "state": event.State}).Inc()
	if event.State == domain.CycleClosed && event.Reason != "" {
		p.closures.With(prometheus.Labels{"model": event.ModelName, "reason": event.Reason}).Inc()
	}
}
