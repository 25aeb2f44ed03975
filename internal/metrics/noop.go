package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncEventEvaluated(eventType string)               {}
func (n *NoopRecorder) IncSubscriptionSkipped(reason string)             {}
func (n *NoopRecorder) IncTriggerCreated(source string)                  {}
func (n *NoopRecorder) ObserveEvaluationDuration(duration time.Duration) {}
func (n *NoopRecorder) IncCandidateCacheHit()                            {}
func (n *NoopRecorder) IncCandidateCacheMiss()                           {}

func (n *NoopRecorder) IncSubscriptionCreated() {}
func (n *NoopRecorder) IncSubscriptionUpdated() {}
func (n *NoopRecorder) IncSubscriptionDeleted() {}

func (n *NoopRecorder) IncTriggerExecuted(status string)                {}
func (n *NoopRecorder) ObserveExecutionDuration(duration time.Duration) {}
func (n *NoopRecorder) IncEmailSent(status string)                      {}
func (n *NoopRecorder) IncSchedulerRun(status string)                   {}

func (n *NoopRecorder) IncIngestEventPublished(status string)             {}
func (n *NoopRecorder) IncIngestEventProcessed(status string)             {}
func (n *NoopRecorder) ObserveIngestBatchSize(size int)                   {}
func (n *NoopRecorder) ObserveIngestBatchDuration(duration time.Duration) {}
func (n *NoopRecorder) SetIngestQueueDepth(depth int64)                   {}
func (n *NoopRecorder) ObserveIngestLag(lag time.Duration)                {}

func (n *NoopRecorder) IncWebhookDelivery(status string)                      {}
func (n *NoopRecorder) IncWebhookRetry(attempt int)                           {}
func (n *NoopRecorder) ObserveWebhookDeliveryDuration(duration time.Duration) {}
func (n *NoopRecorder) SetWebhookQueueDepth(depth int64)                      {}
