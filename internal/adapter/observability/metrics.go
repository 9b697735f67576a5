package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"kind"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"kind"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"kind"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End-to-end job duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)

	AgentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_runs_total",
			Help: "Total number of coding-agent runs by provider and status",
		},
		[]string{"provider", "status"},
	)
	AgentRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_run_duration_seconds",
			Help:    "Coding-agent run duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"provider"},
	)
	AgentCostUSD = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_run_cost_usd",
			Help:    "Coding-agent run cost in USD",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"model"},
	)
	AgentTurns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_run_turns",
			Help:    "Number of conversation turns per agent run",
			Buckets: []float64{1, 3, 5, 10, 20, 30, 50},
		},
		[]string{"model"},
	)
	UsageLimitRequeuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_limit_requeues_total",
			Help: "Total number of jobs re-enqueued after a provider usage limit",
		},
		[]string{"provider"},
	)

	ForgeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_requests_total",
			Help: "Total number of forge API requests by operation and status",
		},
		[]string{"operation", "status"},
	)
	ForgeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_request_duration_seconds",
			Help:    "Forge API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	GitOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "git_operations_total",
			Help: "Total number of git subprocess invocations by operation and status",
		},
		[]string{"operation", "status"},
	)
	WorktreesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worktrees_active",
			Help: "Number of currently allocated worktrees",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(AgentRunsTotal)
	prometheus.MustRegister(AgentRunDuration)
	prometheus.MustRegister(AgentCostUSD)
	prometheus.MustRegister(AgentTurns)
	prometheus.MustRegister(UsageLimitRequeuesTotal)
	prometheus.MustRegister(ForgeRequestsTotal)
	prometheus.MustRegister(ForgeRequestDuration)
	prometheus.MustRegister(GitOperationsTotal)
	prometheus.MustRegister(WorktreesActive)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(kind string) {
	JobsEnqueuedTotal.WithLabelValues(kind).Inc()
}

func StartProcessingJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Inc()
}

func CompleteJob(kind string, dur time.Duration) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsCompletedTotal.WithLabelValues(kind).Inc()
	JobDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

func FailJob(kind string, dur time.Duration) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsFailedTotal.WithLabelValues(kind).Inc()
	JobDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

// ObserveAgentRun records the outcome of a single coding-agent run.
func ObserveAgentRun(provider, model, status string, dur time.Duration, costUSD float64, turns int) {
	AgentRunsTotal.WithLabelValues(provider, status).Inc()
	AgentRunDuration.WithLabelValues(provider).Observe(dur.Seconds())
	if costUSD > 0 {
		AgentCostUSD.WithLabelValues(model).Observe(costUSD)
	}
	if turns > 0 {
		AgentTurns.WithLabelValues(model).Observe(float64(turns))
	}
}

// ObserveForgeRequest records one forge API call.
func ObserveForgeRequest(operation, status string, dur time.Duration) {
	ForgeRequestsTotal.WithLabelValues(operation, status).Inc()
	ForgeRequestDuration.WithLabelValues(operation).Observe(dur.Seconds())
}

// ObserveGitOperation records one git subprocess invocation.
func ObserveGitOperation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	GitOperationsTotal.WithLabelValues(operation, status).Inc()
}
