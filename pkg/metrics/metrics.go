package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	StandbyContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_standby_containers",
			Help: "Number of unassigned containers in the standby pool",
		},
	)

	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_containers",
			Help: "Number of assigned containers in the active pool",
		},
	)

	RunningContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_running_containers",
			Help: "Total number of running worker containers",
		},
	)

	// Lifecycle metrics
	ContainersAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_containers_assigned_total",
			Help: "Total number of standby containers assigned to users",
		},
	)

	ContainersRestored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_containers_restored_total",
			Help: "Total number of containers restored from checkpoint",
		},
	)

	ContainersCheckpointed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_containers_checkpointed_total",
			Help: "Total number of containers checkpointed on release",
		},
	)

	ContainersPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_containers_purged_total",
			Help: "Total number of containers purged",
		},
	)

	// Engine metrics
	EngineCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_engine_call_duration_seconds",
			Help:    "Container engine CLI call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	EngineCallErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_engine_call_errors_total",
			Help: "Total number of failed container engine CLI calls",
		},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_requests_total",
			Help: "Total number of proxied requests by surface and status",
		},
		[]string{"surface", "status"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"surface"},
	)

	// Auth metrics
	TokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_verifications_total",
			Help: "Total number of bearer token verifications by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StandbyContainers)
	prometheus.MustRegister(ActiveContainers)
	prometheus.MustRegister(RunningContainers)
	prometheus.MustRegister(ContainersAssigned)
	prometheus.MustRegister(ContainersRestored)
	prometheus.MustRegister(ContainersCheckpointed)
	prometheus.MustRegister(ContainersPurged)
	prometheus.MustRegister(EngineCallDuration)
	prometheus.MustRegister(EngineCallErrors)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(TokenVerifications)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
