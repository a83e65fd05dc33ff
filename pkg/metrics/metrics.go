package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rise_deployments_total",
			Help: "Number of deployments by status",
		},
		[]string{"status"},
	)

	DeploymentsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rise_deployments_created_total",
			Help: "Total number of deployments created",
		},
	)

	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_terminations_total",
			Help: "Total number of deployment terminations by reason",
		},
		[]string{"reason"},
	)

	DeployTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rise_deploy_timeouts_total",
			Help: "Deployments that exceeded the deploy timeout",
		},
	)

	BuildTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rise_build_timeouts_total",
			Help: "Deployments that stalled before reaching the pushed status",
		},
	)

	// Controller metrics
	LoopCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_loop_cycles_total",
			Help: "Completed controller loop cycles by loop name",
		},
		[]string{"loop"},
	)

	LoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rise_loop_duration_seconds",
			Help:    "Controller loop cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_reconcile_errors_total",
			Help: "Backend reconcile errors by loop name",
		},
		[]string{"loop"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rise_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Token metrics
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_tokens_issued_total",
			Help: "Tokens issued by kind (ui or ingress)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentsCreated)
	prometheus.MustRegister(TerminationsTotal)
	prometheus.MustRegister(DeployTimeouts)
	prometheus.MustRegister(BuildTimeouts)
	prometheus.MustRegister(LoopCycles)
	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(TokensIssued)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
