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
			Namespace: "embedbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"bridge", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "embedbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"bridge", "method", "path", "status"},
	)
	rpcSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedbridge",
			Subsystem: "rpc",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes sent to the embed by kind.",
		},
		[]string{"bridge", "kind"},
	)
	rpcReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedbridge",
			Subsystem: "rpc",
			Name:      "replies_dispatched_total",
			Help:      "Completions delivered to a pending request.",
		},
		[]string{"bridge"},
	)
	rpcEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedbridge",
			Subsystem: "rpc",
			Name:      "events_dispatched_total",
			Help:      "Subscription events delivered.",
		},
		[]string{"bridge"},
	)
	rpcListenerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedbridge",
			Subsystem: "rpc",
			Name:      "listener_calls_total",
			Help:      "Subscription listener invocations.",
		},
		[]string{"bridge"},
	)
	rpcDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedbridge",
			Subsystem: "rpc",
			Name:      "dropped_total",
			Help:      "Inbound completions dropped by reason.",
		},
		[]string{"bridge", "reason"},
	)
	rpcPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "embedbridge",
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting a completion.",
		},
		[]string{"bridge"},
	)
	rpcSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "embedbridge",
			Subsystem: "rpc",
			Name:      "subscriptions",
			Help:      "Live subscription paths.",
		},
		[]string{"bridge"},
	)
	sceneObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "embedbridge",
			Subsystem: "scene",
			Name:      "objects",
			Help:      "Mirrored objects in the active scene.",
		},
		[]string{"bridge"},
	)
	backendJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embedbridge",
			Subsystem: "backend",
			Name:      "jobs_total",
			Help:      "Backend jobs by command and outcome.",
		},
		[]string{"bridge", "command", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			rpcSent, rpcReplies, rpcEvents, rpcListenerCalls, rpcDropped, rpcPending, rpcSubscriptions,
			sceneObjects, backendJobs,
		)
	})
}

func RecordHTTPRequest(bridge, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(bridge, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(bridge, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSceneObjects(bridge string, n int) {
	RegisterMetrics()
	sceneObjects.WithLabelValues(bridge).Set(float64(n))
}

func RecordBackendJob(bridge, command string, success bool) {
	RegisterMetrics()
	backendJobs.WithLabelValues(bridge, command, strconv.FormatBool(success)).Inc()
}
