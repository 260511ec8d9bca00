package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobTransitionsTotal, jobCASConflictsTotal, jobCASRetriesTotal, jobRetriesScheduledTotal)
}

var jobTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_transitions_total",
		Help: "Total number of committed job status transitions, labeled by resulting status.",
	},
	[]string{"job_type", "status"},
)

var jobCASConflictsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "job_cas_conflicts_total",
		Help: "Total number of compare-and-set writes rejected as stale.",
	},
)

var jobCASRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "job_cas_retries_total",
		Help: "Total number of internal re-read/retry cycles after a stale write.",
	},
)

var jobRetriesScheduledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_retries_scheduled_total",
		Help: "Automatic retries scheduled by the retry coordinator, labeled by outcome.",
	},
	[]string{"outcome"}, // 'scheduled', 'fired', 'aborted'
)

func IncJobTransition(jobType, status string) {
	jobTransitionsTotal.WithLabelValues(norm(jobType), norm(status)).Inc()
}

func IncCASConflict() { jobCASConflictsTotal.Inc() }
func IncCASRetry()    { jobCASRetriesTotal.Inc() }

func IncRetryScheduled(outcome string) {
	jobRetriesScheduledTotal.WithLabelValues(norm(outcome)).Inc()
}
