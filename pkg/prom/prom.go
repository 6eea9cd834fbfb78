// Package prom declares the orchestrator's prometheus collectors.
package prom

import "github.com/prometheus/client_golang/prometheus"

// invocation result labels
const (
	ResultSuccess   = "success"
	ResultUserError = "user_error"
	ResultTimeout   = "timeout"
)

var (
	InstancesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfn_instances_created_total",
		Help: "Function instances created, by backend.",
	}, []string{"backend"})

	InstancesReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfn_instances_released_total",
		Help: "Function instances released, by backend.",
	}, []string{"backend"})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamfn_dependency_cache_entries",
		Help: "Live dependency cache entries on this host.",
	})

	Invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfn_invocations_total",
		Help: "Handler invocations, by function and result.",
	}, []string{"function", "result"})

	InvocationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamfn_invocation_duration_seconds",
		Help:    "Handler invocation latency, successful calls only.",
		Buckets: prometheus.DefBuckets,
	}, []string{"function"})
)

func init() {
	_ = prometheus.Register(InstancesCreated)
	_ = prometheus.Register(InstancesReleased)
	_ = prometheus.Register(CacheEntries)
	_ = prometheus.Register(Invocations)
	_ = prometheus.Register(InvocationDuration)
}
