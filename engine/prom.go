package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics are the counters exported for scraping on the debug listener.
// Only fatal task outcomes count as failures; benign skips and admission
// denials get their own series so dashboards can tell pressure from breakage.
type promMetrics struct {
	tasksTotal      *prometheus.CounterVec
	failedTotal     *prometheus.CounterVec
	admissionDenied prometheus.Counter
}

// newPromMetrics builds the counters and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid collisions on the
// default registry.
func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	pm := &promMetrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexuslake_compaction_tasks_total",
			Help: "Compaction tasks finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexuslake_compaction_failed_total",
			Help: "Compaction tasks that ended in a fatal failure, by kind.",
		}, []string{"kind"}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexuslake_compaction_admission_denied_total",
			Help: "Merges refused by the memory admission guard.",
		}),
	}
	if reg != nil {
		reg.MustRegister(pm.tasksTotal, pm.failedTotal, pm.admissionDenied)
	}
	return pm
}
