package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tdcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdcore",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Client RPC calls by method and result.",
		},
		[]string{"method", "result"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tdcore",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Client RPC latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdcore",
			Subsystem: "conn",
			Name:      "reconnects_total",
			Help:      "Connection attempts that ended, by DC and reason.",
		},
		[]string{"dc", "reason"},
	)
	connState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tdcore",
			Subsystem: "conn",
			Name:      "state",
			Help:      "1 for the current connection state of each DC.",
		},
		[]string{"dc", "state"},
	)
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdcore",
			Subsystem: "updates",
			Name:      "applied_total",
			Help:      "Updates delivered to subscribers, by kind.",
		},
		[]string{"kind"},
	)
	updateGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdcore",
			Subsystem: "updates",
			Name:      "gaps_total",
			Help:      "Update sequence gaps by resolution.",
		},
		[]string{"resolution"},
	)
	serverSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tdcore",
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Bound sessions on the reference server.",
		},
	)
	serverFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdcore",
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Frames handled by the reference server.",
		},
		[]string{"direction", "type"},
	)

	connStates = []string{"connecting", "ready", "disconnected", "closed"}
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			rpcRequests, rpcDuration,
			reconnects, connState,
			updatesTotal, updateGaps,
			serverSessions, serverFrames,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRPC counts one finished client call. result is "ok" or an error type.
func RecordRPC(method, result string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(method, result).Inc()
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
	sink().incr("rpc.requests", tag("method", method), tag("result", result))
	sink().timing("rpc.duration", duration, tag("method", method))
}

func RecordReconnect(dc uint32, reason string) {
	RegisterMetrics()
	label := strconv.FormatUint(uint64(dc), 10)
	reconnects.WithLabelValues(label, reason).Inc()
	sink().incr("conn.reconnects", tag("dc", label), tag("reason", reason))
}

// SetConnState marks state as the only active state of dc.
func SetConnState(dc uint32, state string) {
	RegisterMetrics()
	label := strconv.FormatUint(uint64(dc), 10)
	for _, s := range connStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connState.WithLabelValues(label, s).Set(v)
	}
	sink().gauge("conn.ready", boolInt(state == "ready"), tag("dc", label))
}

func RecordUpdate(kind string) {
	RegisterMetrics()
	updatesTotal.WithLabelValues(kind).Inc()
	sink().incr("updates.applied", tag("kind", kind))
}

func RecordUpdateGap(resolution string) {
	RegisterMetrics()
	updateGaps.WithLabelValues(resolution).Inc()
	sink().incr("updates.gaps", tag("resolution", resolution))
}

func AddServerSessions(delta int) {
	RegisterMetrics()
	serverSessions.Add(float64(delta))
}

func RecordServerFrame(direction, messageType string) {
	RegisterMetrics()
	serverFrames.WithLabelValues(direction, messageType).Inc()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
