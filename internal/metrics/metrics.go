// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus or keep them in memory.
type Recorder interface {
	// Evaluation metrics
	IncEventEvaluated(eventType string)
	IncSubscriptionSkipped(reason string)
	IncTriggerCreated(source string)
	ObserveEvaluationDuration(duration time.Duration)
	IncCandidateCacheHit()
	IncCandidateCacheMiss()

	// Subscription management metrics
	IncSubscriptionCreated()
	IncSubscriptionUpdated()
	IncSubscriptionDeleted()

	// Execution metrics
	IncTriggerExecuted(status string) // status: "done", "failed", "exhausted"
	ObserveExecutionDuration(duration time.Duration)
	IncEmailSent(status string) // status: "success" or "failed"
	IncSchedulerRun(status string)

	// Ingest pipeline metrics
	IncIngestEventPublished(status string) // status: "success" or "dropped"
	IncIngestEventProcessed(status string) // status: "success", "failed", "skipped"
	ObserveIngestBatchSize(size int)
	ObserveIngestBatchDuration(duration time.Duration)
	SetIngestQueueDepth(depth int64)
	ObserveIngestLag(lag time.Duration)

	// Webhook metrics
	IncWebhookDelivery(status string)
	IncWebhookRetry(attempt int)
	ObserveWebhookDeliveryDuration(duration time.Duration)
	SetWebhookQueueDepth(depth int64)
}
