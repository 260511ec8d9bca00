package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobStorePoolStats) }

var jobStorePoolStats = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "job_store_pool_stats",
		Help: "Connection pool state of the job store database.",
	},
	[]string{"state"}, // 'total', 'idle', 'in_use'
)

func SetDBPoolStats(total, idle, inUse int32) {
	jobStorePoolStats.WithLabelValues("total").Set(float64(total))
	jobStorePoolStats.WithLabelValues("idle").Set(float64(idle))
	jobStorePoolStats.WithLabelValues("in_use").Set(float64(inUse))
}
