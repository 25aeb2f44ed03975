package metrics

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "seawatch"

// PrometheusRecorder exports metrics through a Prometheus registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	eventsEvaluated      *prometheus.CounterVec
	subscriptionsSkipped *prometheus.CounterVec
	triggersCreated      *prometheus.CounterVec
	evaluationDuration   prometheus.Histogram
	candidateCache       *prometheus.CounterVec

	subscriptionChanges *prometheus.CounterVec

	triggersExecuted  *prometheus.CounterVec
	executionDuration prometheus.Histogram
	emailsSent        *prometheus.CounterVec
	schedulerRuns     *prometheus.CounterVec

	ingestPublished     *prometheus.CounterVec
	ingestProcessed     *prometheus.CounterVec
	ingestBatchSize     prometheus.Histogram
	ingestBatchDuration prometheus.Histogram
	ingestQueueDepth    prometheus.Gauge
	ingestLag           prometheus.Histogram

	webhookDeliveries *prometheus.CounterVec
	webhookRetries    *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	webhookQueueDepth prometheus.Gauge
}

// NewPrometheus creates a recorder with its own registry, including Go
// runtime and process collectors.
func NewPrometheus() *PrometheusRecorder {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	p := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),

		eventsEvaluated:      counter("events_evaluated_total", "Inbound events evaluated against subscriptions.", "type"),
		subscriptionsSkipped: counter("subscriptions_skipped_total", "Candidate subscriptions rejected during evaluation.", "reason"),
		triggersCreated:      counter("triggers_created_total", "Triggers stored.", "source"),
		evaluationDuration:   histogram("evaluation_duration_seconds", "Time to evaluate one event.", prometheus.DefBuckets),
		candidateCache:       counter("candidate_cache_total", "Candidate subscription cache lookups.", "result"),

		subscriptionChanges: counter("subscription_changes_total", "Subscription create, update and delete operations.", "op"),

		triggersExecuted:  counter("triggers_executed_total", "Trigger execution attempts by outcome.", "status"),
		executionDuration: histogram("execution_duration_seconds", "Time to execute one trigger.", prometheus.DefBuckets),
		emailsSent:        counter("emails_sent_total", "Notification emails by outcome.", "status"),
		schedulerRuns:     counter("scheduler_runs_total", "Scheduled subscription runs by outcome.", "status"),

		ingestPublished:     counter("ingest_events_published_total", "Events enqueued to the ingest stream.", "status"),
		ingestProcessed:     counter("ingest_events_processed_total", "Events consumed from the ingest stream.", "status"),
		ingestBatchSize:     histogram("ingest_batch_size", "Messages per ingest batch.", prometheus.ExponentialBuckets(1, 2, 10)),
		ingestBatchDuration: histogram("ingest_batch_duration_seconds", "Time to process one ingest batch.", prometheus.DefBuckets),
		ingestQueueDepth:    gauge("ingest_queue_depth", "Length of the ingest stream."),
		ingestLag:           histogram("ingest_lag_seconds", "Delay between enqueue and processing.", prometheus.DefBuckets),

		webhookDeliveries: counter("webhook_deliveries_total", "Webhook delivery attempts by outcome.", "status"),
		webhookRetries:    counter("webhook_retries_total", "Webhook delivery retries by attempt.", "attempt"),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Webhook HTTP round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}, nil),
		webhookQueueDepth: gauge("webhook_queue_depth", "Pending webhook deliveries."),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.eventsEvaluated, p.subscriptionsSkipped, p.triggersCreated, p.evaluationDuration, p.candidateCache,
		p.subscriptionChanges,
		p.triggersExecuted, p.executionDuration, p.emailsSent, p.schedulerRuns,
		p.ingestPublished, p.ingestProcessed, p.ingestBatchSize, p.ingestBatchDuration, p.ingestQueueDepth, p.ingestLag,
		p.webhookDeliveries, p.webhookRetries, p.webhookDuration, p.webhookQueueDepth,
	)
	return p
}

// Registry returns the registry to expose over HTTP.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// RegisterPgxPool exposes pgx connection pool statistics as gauges.
func (p *PrometheusRecorder) RegisterPgxPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	}
	p.registry.MustRegister(
		gauge("pgxpool_acquired_conns", "Number of currently acquired connections in the pool", func() float64 {
			return float64(pool.Stat().AcquiredConns())
		}),
		gauge("pgxpool_max_conns", "Maximum number of connections in the pool", func() float64 {
			return float64(pool.Stat().MaxConns())
		}),
		gauge("pgxpool_total_conns", "Total number of connections in the pool", func() float64 {
			return float64(pool.Stat().TotalConns())
		}),
		gauge("pgxpool_idle_conns", "Number of idle connections in the pool", func() float64 {
			return float64(pool.Stat().IdleConns())
		}),
	)
}

func (p *PrometheusRecorder) IncEventEvaluated(eventType string) {
	p.eventsEvaluated.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) IncSubscriptionSkipped(reason string) {
	p.subscriptionsSkipped.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) IncTriggerCreated(source string) {
	p.triggersCreated.WithLabelValues(source).Inc()
}

func (p *PrometheusRecorder) ObserveEvaluationDuration(duration time.Duration) {
	p.evaluationDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncCandidateCacheHit()  { p.candidateCache.WithLabelValues("hit").Inc() }
func (p *PrometheusRecorder) IncCandidateCacheMiss() { p.candidateCache.WithLabelValues("miss").Inc() }

func (p *PrometheusRecorder) IncSubscriptionCreated() { p.subscriptionChanges.WithLabelValues("create").Inc() }
func (p *PrometheusRecorder) IncSubscriptionUpdated() { p.subscriptionChanges.WithLabelValues("update").Inc() }
func (p *PrometheusRecorder) IncSubscriptionDeleted() { p.subscriptionChanges.WithLabelValues("delete").Inc() }

func (p *PrometheusRecorder) IncTriggerExecuted(status string) {
	p.triggersExecuted.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) ObserveExecutionDuration(duration time.Duration) {
	p.executionDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncEmailSent(status string)    { p.emailsSent.WithLabelValues(status).Inc() }
func (p *PrometheusRecorder) IncSchedulerRun(status string) { p.schedulerRuns.WithLabelValues(status).Inc() }

func (p *PrometheusRecorder) IncIngestEventPublished(status string) {
	p.ingestPublished.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncIngestEventProcessed(status string) {
	p.ingestProcessed.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) ObserveIngestBatchSize(size int) {
	p.ingestBatchSize.Observe(float64(size))
}

func (p *PrometheusRecorder) ObserveIngestBatchDuration(duration time.Duration) {
	p.ingestBatchDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) SetIngestQueueDepth(depth int64) {
	p.ingestQueueDepth.Set(float64(depth))
}

func (p *PrometheusRecorder) ObserveIngestLag(lag time.Duration) {
	p.ingestLag.Observe(lag.Seconds())
}

func (p *PrometheusRecorder) IncWebhookDelivery(status string) {
	p.webhookDeliveries.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncWebhookRetry(attempt int) {
	p.webhookRetries.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (p *PrometheusRecorder) ObserveWebhookDeliveryDuration(duration time.Duration) {
	p.webhookDuration.WithLabelValues().Observe(duration.Seconds())
}

func (p *PrometheusRecorder) SetWebhookQueueDepth(depth int64) {
	p.webhookQueueDepth.Set(float64(depth))
}
