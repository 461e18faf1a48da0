package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "botguard_evaluations_total",
		Help: "Total number of requests evaluated, by verdict",
	}, []string{"verdict"})
	botScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "botguard_bot_score",
		Help:    "Distribution of heuristic bot scores",
		Buckets: []float64{0, 15, 30, 50, 70, 90, 120},
	})
	rateLimitViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "botguard_rate_limit_violations_total",
		Help: "Total number of requests that exceeded the rate limit",
	})
	detectionLogFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "botguard_detection_log_failures_total",
		Help: "Total number of detection log writes that failed",
	})
	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "botguard_alerts_total",
		Help: "Alerts raised, by outcome (sent, dropped, failed)",
	}, []string{"outcome"})
	prunedLogsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "botguard_detection_logs_pruned_total",
		Help: "Total number of detection log rows removed by retention",
	})
	handlerPanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "botguard_handler_panics_total",
		Help: "Panics recovered from HTTP handlers, by route",
	}, []string{"route"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		evaluationsTotal,
		botScore,
		rateLimitViolationsTotal,
		detectionLogFailuresTotal,
		alertsTotal,
		prunedLogsTotal,
		handlerPanicsTotal,
	)
}

// IncEvaluation counts one verdict.
func IncEvaluation(verdict string) { evaluationsTotal.WithLabelValues(verdict).Inc() }

// ObserveBotScore records a classifier score.
func ObserveBotScore(score int) { botScore.Observe(float64(score)) }

// IncRateLimitViolation increments the violations counter.
func IncRateLimitViolation() { rateLimitViolationsTotal.Inc() }

// IncDetectionLogFailure increments the failed log write counter.
func IncDetectionLogFailure() { detectionLogFailuresTotal.Inc() }

// IncAlert counts an alert by outcome.
func IncAlert(outcome string) { alertsTotal.WithLabelValues(outcome).Inc() }

// AddPrunedLogs adds n to the pruned rows counter.
func AddPrunedLogs(n int64) { prunedLogsTotal.Add(float64(n)) }

// IncHandlerPanic counts a recovered panic on route.
func IncHandlerPanic(route string) { handlerPanicsTotal.WithLabelValues(route).Inc() }
