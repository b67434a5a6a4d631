// Package metrics: prometheus collectors for the node.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "radionode"

var (
	registerOnce sync.Once

	framesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rf",
			Name:      "frames_enqueued_total",
			Help:      "RF frames built by fragmentation.",
		},
		[]string{"codec"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rf",
			Name:      "frames_sent_total",
			Help:      "Outbox frames claimed by a driver.",
		},
		[]string{"driver"},
	)
	rfDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rf",
			Name:      "queue_depth",
			Help:      "Frames waiting in the pacing queue and outbox.",
		},
		[]string{"queue"},
	)
	inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Inbound RF messages by result.",
		},
		[]string{"result"},
	)
	spoolItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "items",
			Help:      "Cloud-forward items queued.",
		},
	)
	spoolBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "bytes",
			Help:      "Cloud-forward bytes queued.",
		},
	)
	spoolEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "evicted_total",
			Help:      "Cloud-forward items evicted by reason.",
		},
		[]string{"reason"},
	)
	forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "forward_duration_seconds",
			Help:      "Cloud forward attempt duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"success"},
	)
	bridgeConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connections_total",
			Help:      "Remote bridge connection attempts by result.",
		},
		[]string{"transport", "result"},
	)
	neighbors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "neighbors",
			Help:      "Neighbors currently visible.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesEnqueued, framesSent, rfDepth, inbound,
			spoolItems, spoolBytes, spoolEvicted, forwardDuration,
			bridgeConns, neighbors, httpRequests)
	})
}

func RecordEnqueued(codec string, n int) {
	RegisterMetrics()
	framesEnqueued.WithLabelValues(codec).Add(float64(n))
}

func RecordSent(driver string) {
	RegisterMetrics()
	framesSent.WithLabelValues(driver).Inc()
}

func SetRFDepth(queue, outbox int) {
	RegisterMetrics()
	rfDepth.WithLabelValues("pacing").Set(float64(queue))
	rfDepth.WithLabelValues("outbox").Set(float64(outbox))
}

// RecordInbound result: fanout, duplicate, beacon, malformed.
func RecordInbound(result string) {
	RegisterMetrics()
	inbound.WithLabelValues(result).Inc()
}

func SetSpool(items int, bytes int64) {
	RegisterMetrics()
	spoolItems.Set(float64(items))
	spoolBytes.Set(float64(bytes))
}

func RecordEvicted(reason string, n int) {
	RegisterMetrics()
	spoolEvicted.WithLabelValues(reason).Add(float64(n))
}

func RecordForward(success bool, d time.Duration) {
	RegisterMetrics()
	forwardDuration.WithLabelValues(strconv.FormatBool(success)).Observe(d.Seconds())
}

// RecordBridgeConn result: accepted, busy, unauthorized, not_configured.
func RecordBridgeConn(transport, result string) {
	RegisterMetrics()
	bridgeConns.WithLabelValues(transport, result).Inc()
}

func SetNeighbors(n int) {
	RegisterMetrics()
	neighbors.Set(float64(n))
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
