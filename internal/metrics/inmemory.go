package metrics

import (
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	EventsEvaluated      uint64
	TriggersCreated      uint64
	CandidateCacheHits   uint64
	CandidateCacheMisses uint64
	EvaluationCount      uint64
	EvaluationTotalNs    int64

	SubscriptionsCreated uint64
	SubscriptionsUpdated uint64
	SubscriptionsDeleted uint64

	IngestQueueDepth  int64
	WebhookQueueDepth int64

	// Labelled counters keyed by "metric:label".
	Labelled map[string]uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	eventsEvaluated      uint64
	triggersCreated      uint64
	candidateCacheHits   uint64
	candidateCacheMisses uint64
	evaluationCount      uint64
	evaluationTotalNs    int64

	subscriptionsCreated uint64
	subscriptionsUpdated uint64
	subscriptionsDeleted uint64

	ingestQueueDepth  int64
	webhookQueueDepth int64

	mu       sync.Mutex
	labelled map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{labelled: make(map[string]uint64)}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	labelled := maps.Clone(m.labelled)
	m.mu.Unlock()

	return Snapshot{
		EventsEvaluated:      atomic.LoadUint64(&m.eventsEvaluated),
		TriggersCreated:      atomic.LoadUint64(&m.triggersCreated),
		CandidateCacheHits:   atomic.LoadUint64(&m.candidateCacheHits),
		CandidateCacheMisses: atomic.LoadUint64(&m.candidateCacheMisses),
		EvaluationCount:      atomic.LoadUint64(&m.evaluationCount),
		EvaluationTotalNs:    atomic.LoadInt64(&m.evaluationTotalNs),
		SubscriptionsCreated: atomic.LoadUint64(&m.subscriptionsCreated),
		SubscriptionsUpdated: atomic.LoadUint64(&m.subscriptionsUpdated),
		SubscriptionsDeleted: atomic.LoadUint64(&m.subscriptionsDeleted),
		IngestQueueDepth:     atomic.LoadInt64(&m.ingestQueueDepth),
		WebhookQueueDepth:    atomic.LoadInt64(&m.webhookQueueDepth),
		Labelled:             labelled,
	}
}

func (m *InMemoryRecorder) inc(metric, label string) {
	m.mu.Lock()
	m.labelled[metric+":"+label]++
	m.mu.Unlock()
}

// IncEventEvaluated counts an evaluated event.
func (m *InMemoryRecorder) IncEventEvaluated(eventType string) {
	atomic.AddUint64(&m.eventsEvaluated, 1)
	m.inc("events_evaluated", eventType)
}

// IncSubscriptionSkipped counts a candidate rejected for reason.
func (m *InMemoryRecorder) IncSubscriptionSkipped(reason string) {
	m.inc("subscriptions_skipped", reason)
}

// IncTriggerCreated counts a stored trigger.
func (m *InMemoryRecorder) IncTriggerCreated(source string) {
	atomic.AddUint64(&m.triggersCreated, 1)
	m.inc("triggers_created", source)
}

// ObserveEvaluationDuration records evaluation duration.
func (m *InMemoryRecorder) ObserveEvaluationDuration(duration time.Duration) {
	atomic.AddUint64(&m.evaluationCount, 1)
	atomic.AddInt64(&m.evaluationTotalNs, duration.Nanoseconds())
}

// IncCandidateCacheHit increments cache hit counter.
func (m *InMemoryRecorder) IncCandidateCacheHit() {
	atomic.AddUint64(&m.candidateCacheHits, 1)
}

// IncCandidateCacheMiss increments cache miss counter.
func (m *InMemoryRecorder) IncCandidateCacheMiss() {
	atomic.AddUint64(&m.candidateCacheMisses, 1)
}

// IncSubscriptionCreated increments subscription created counter.
func (m *InMemoryRecorder) IncSubscriptionCreated() {
	atomic.AddUint64(&m.subscriptionsCreated, 1)
}

// IncSubscriptionUpdated increments subscription updated counter.
func (m *InMemoryRecorder) IncSubscriptionUpdated() {
	atomic.AddUint64(&m.subscriptionsUpdated, 1)
}

// IncSubscriptionDeleted increments subscription deleted counter.
func (m *InMemoryRecorder) IncSubscriptionDeleted() {
	atomic.AddUint64(&m.subscriptionsDeleted, 1)
}

func (m *InMemoryRecorder) IncTriggerExecuted(status string) { m.inc("triggers_executed", status) }

func (m *InMemoryRecorder) ObserveExecutionDuration(duration time.Duration) {
	m.inc("execution_duration", "count")
}

func (m *InMemoryRecorder) IncEmailSent(status string)    { m.inc("emails_sent", status) }
func (m *InMemoryRecorder) IncSchedulerRun(status string) { m.inc("scheduler_runs", status) }

func (m *InMemoryRecorder) IncIngestEventPublished(status string) {
	m.inc("ingest_published", status)
}

func (m *InMemoryRecorder) IncIngestEventProcessed(status string) {
	m.inc("ingest_processed", status)
}

func (m *InMemoryRecorder) ObserveIngestBatchSize(size int) { m.inc("ingest_batches", "count") }

func (m *InMemoryRecorder) ObserveIngestBatchDuration(duration time.Duration) {}

// SetIngestQueueDepth stores the latest stream depth.
func (m *InMemoryRecorder) SetIngestQueueDepth(depth int64) {
	atomic.StoreInt64(&m.ingestQueueDepth, depth)
}

func (m *InMemoryRecorder) ObserveIngestLag(lag time.Duration) {}

func (m *InMemoryRecorder) IncWebhookDelivery(status string) {
	m.inc("webhook_deliveries", status)
}

func (m *InMemoryRecorder) IncWebhookRetry(attempt int) {
	m.inc("webhook_retries", strconv.Itoa(attempt))
}

func (m *InMemoryRecorder) ObserveWebhookDeliveryDuration(duration time.Duration) {}

// SetWebhookQueueDepth stores the latest pending delivery count.
func (m *InMemoryRecorder) SetWebhookQueueDepth(depth int64) {
	atomic.StoreInt64(&m.webhookQueueDepth, depth)
}
