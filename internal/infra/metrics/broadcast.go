package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(broadcastEventsTotal, broadcastDroppedTotal, broadcastSubscribers) }

var broadcastEventsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_events_total",
		Help: "Total number of progress events published to the broadcaster.",
	},
)

var broadcastDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_events_dropped_total",
		Help: "Events evicted from slow subscriber buffers (drop-oldest policy).",
	},
)

var broadcastSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "broadcast_subscribers",
		Help: "Current number of live progress subscribers across all jobs.",
	},
)

func IncBroadcastEvent()   { broadcastEventsTotal.Inc() }
func IncBroadcastDrop()    { broadcastDroppedTotal.Inc() }
func AddSubscribers(n int) { broadcastSubscribers.Add(float64(n)) }
