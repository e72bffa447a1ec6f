package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	transitionCounter     *prometheus.CounterVec
	gatewaySubmitCounter  *prometheus.CounterVec
	reconciliationCounter *prometheus.CounterVec
	webhookCounter        *prometheus.CounterVec
	idempotencyCounter    *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_transitions_total",
			Help: "Withdrawal state machine transitions",
		}, []string{"action"})

		gatewaySubmitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_submit_total",
			Help: "Payout submissions per gateway and outcome",
		}, []string{"gateway", "outcome"})

		reconciliationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_updates_total",
			Help: "Reconciliation outcomes per source",
		}, []string{"source", "outcome"})

		webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhooks_total",
			Help: "Inbound webhook outcomes per gateway",
		}, []string{"gateway", "outcome"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			transitionCounter,
			gatewaySubmitCounter,
			reconciliationCounter,
			webhookCounter,
			idempotencyCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementSettlementTransition(action string) {
	if transitionCounter == nil {
		return
	}
	transitionCounter.WithLabelValues(action).Inc()
}

func IncrementGatewaySubmit(gateway, outcome string) {
	if gatewaySubmitCounter == nil {
		return
	}
	gatewaySubmitCounter.WithLabelValues(gateway, outcome).Inc()
}

func IncrementReconciliation(source, outcome string) {
	if reconciliationCounter == nil {
		return
	}
	reconciliationCounter.WithLabelValues(source, outcome).Inc()
}

func IncrementWebhook(gateway, outcome string) {
	if webhookCounter == nil {
		return
	}
	webhookCounter.WithLabelValues(gateway, outcome).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
