package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(httpRequestDuration) }

var httpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "API request latency by route, method and status code.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method", "code"},
)

func ObserveHTTPRequest(route, method string, code int, d time.Duration) {
	httpRequestDuration.WithLabelValues(norm(route), norm(method), strconv.Itoa(code)).Observe(d.Seconds())
}
