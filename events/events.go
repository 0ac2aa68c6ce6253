// Package events implements the non-blocking event queue: a producer side
// that never blocks the evaluation path (try-send only, dropping and
// counting on backpressure) and a single background consumer that
// aggregates counts and batches per-user events for periodic flush.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flagbucket/bucketing/bucket"
	"github.com/flagbucket/bucketing/errs"
	"github.com/flagbucket/bucketing/logging"
	"github.com/flagbucket/bucketing/model"
)

// EventType identifies the kind of event flowing through the queue.
type EventType string

const (
	EventTypeAggVariableEvaluated EventType = "aggVariableEvaluated"
	EventTypeAggVariableDefaulted EventType = "aggVariableDefaulted"
	EventTypeVariableEvaluated    EventType = "variableEvaluated"
	EventTypeVariableDefaulted    EventType = "variableDefaulted"
	EventTypeSDKConfig            EventType = "sdkConfig"
	EventTypeCustomEvent          EventType = "customEvent"
)

// Sender receives flushed batches for delivery. Implementations are the
// transport layer (HTTPS POST of event payloads), which is outside this
// module; a nil Sender leaves batches buffered for manual Flush.
type Sender interface {
	Send(batch FlushBatch) error
}

// Options configures flush cadence, queue sizes, and logging toggles. The
// zero value is not useful; construct via DefaultOptions.
type Options struct {
	FlushInterval                time.Duration
	DisableAutomaticEventLogging bool
	DisableCustomEventLogging    bool

	// MaxEventQueueSize caps the aggregate-event channel;
	// MaxUserEventQueueSize caps the per-user event channel. Sends beyond
	// either cap are dropped and counted, never blocked on.
	MaxEventQueueSize     int
	MaxUserEventQueueSize int

	// FlushEventsBatchSize caps how many per-user events one outbound batch
	// carries; FlushEventsQueueSize caps how many batches buffer awaiting a
	// Sender (or manual Flush) before the oldest is dropped.
	FlushEventsBatchSize int
	FlushEventsQueueSize int

	EventsAPIBaseURI string

	// Sender, when set, receives each batch produced by the periodic flush.
	// When nil, batches buffer until Flush is called.
	Sender Sender

	// Logger receives diagnostics for conditions the queue can't surface as
	// an error (e.g. a dropped event on a full channel). Defaults to a
	// log/slog-backed logger when nil.
	Logger logging.Logger
}

// DefaultOptions matches the reference implementation's defaults.
func DefaultOptions() Options {
	return Options{
		FlushInterval:         60 * time.Second,
		MaxEventQueueSize:     10000,
		MaxUserEventQueueSize: 1000,
		FlushEventsBatchSize:  100,
		FlushEventsQueueSize:  1000,
		EventsAPIBaseURI:      "https://events.devcycle.com",
	}
}

func (o Options) loggingDisabledFor(t EventType) bool {
	if t == EventTypeCustomEvent {
		return o.DisableCustomEventLogging
	}
	return o.DisableAutomaticEventLogging
}

// Event is a single per-user event: a custom event logged by the caller, or
// an internally generated variable-evaluated/defaulted record.
type Event struct {
	Type        EventType
	Target      string
	CustomType  string
	UserID      string
	ClientDate  time.Time
	Value       float64
	FeatureVars map[string]string
	MetaData    map[string]json.RawMessage
}

type userEventMessage struct {
	user  model.User
	event Event
}

// AggEventMessage is a raw aggregate-count increment produced by the
// evaluation path.
type AggEventMessage struct {
	EventType    EventType
	VariableKey  string
	FeatureID    string
	VariationID  string
	EvalMetadata map[bucket.EvalReason]int64
}

// UserEventsBatchRecord accumulates events for one user between flushes.
type UserEventsBatchRecord struct {
	User   model.PopulatedUser
	Events []Event
}

// evalReasonAggMap -> variationAggMap -> featureAggMap -> variableAggMap -> AggregateEventQueue
type evalReasonAggMap map[bucket.EvalReason]int64
type variationAggMap map[string]evalReasonAggMap
type featureAggMap map[string]variationAggMap
type variableAggMap map[string]featureAggMap

// AggregateEventQueue is the nested counter map flushed in event payloads:
// event type -> variable key -> feature id -> variation id -> reason -> count.
type AggregateEventQueue map[EventType]variableAggMap

// ConfigResolver supplies the data the consumer needs to re-bucket a user
// for per-user event enrichment, without the events package importing
// registry (and causing an import cycle with the root package that wires
// both together).
type ConfigResolver interface {
	Config() (*model.Config, error)
	ClientCustomData() map[string]json.RawMessage
	PlatformData() model.PlatformData
}

// Queue is one SDK key's event queue: two non-blocking producer channels
// and a single background consumer goroutine.
type Queue struct {
	sdkKey   string
	resolver ConfigResolver
	options  Options
	metrics  MetricsCollector
	logger   logging.Logger

	aggCh  chan AggEventMessage
	userCh chan userEventMessage

	mu             sync.Mutex
	aggregateQueue AggregateEventQueue
	userQueue      map[string]*UserEventsBatchRecord
	userQueueCount int
	pendingBatches []FlushBatch
	eventsFlushed  int64
	eventsDropped  int64

	cancel context.CancelFunc
	done   chan struct{}
}

// MetricsCollector receives queue-level counters. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	IncEventsQueued()
	IncEventsDropped()
	IncEventsFlushed()
}

// AtomicMetricsCollector is the default in-memory metrics implementation.
type AtomicMetricsCollector struct {
	mu      sync.Mutex
	queued  int64
	dropped int64
	flushed int64
}

func (m *AtomicMetricsCollector) IncEventsQueued()  { m.mu.Lock(); m.queued++; m.mu.Unlock() }
func (m *AtomicMetricsCollector) IncEventsDropped() { m.mu.Lock(); m.dropped++; m.mu.Unlock() }
func (m *AtomicMetricsCollector) IncEventsFlushed() { m.mu.Lock(); m.flushed++; m.mu.Unlock() }

// Snapshot returns the current counters.
func (m *AtomicMetricsCollector) Snapshot() (queued, dropped, flushed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queued, m.dropped, m.flushed
}

// PrometheusMetricsCollector reports queue counters as prometheus counters.
type PrometheusMetricsCollector struct {
	Queued  prometheus.Counter
	Dropped prometheus.Counter
	Flushed prometheus.Counter
}

func (m *PrometheusMetricsCollector) IncEventsQueued()  { m.Queued.Inc() }
func (m *PrometheusMetricsCollector) IncEventsDropped() { m.Dropped.Inc() }
func (m *PrometheusMetricsCollector) IncEventsFlushed() { m.Flushed.Inc() }

// New creates a Queue for sdkKey. Call Run to start its background
// consumer.
func New(sdkKey string, resolver ConfigResolver, options Options, metrics MetricsCollector) *Queue {
	if metrics == nil {
		metrics = &AtomicMetricsCollector{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.NewSlogLogger(nil)
	}
	aggSize := options.MaxEventQueueSize
	if aggSize <= 0 {
		aggSize = DefaultOptions().MaxEventQueueSize
	}
	userSize := options.MaxUserEventQueueSize
	if userSize <= 0 {
		userSize = DefaultOptions().MaxUserEventQueueSize
	}
	return &Queue{
		sdkKey:         sdkKey,
		resolver:       resolver,
		options:        options,
		metrics:        metrics,
		logger:         logger,
		aggCh:          make(chan AggEventMessage, aggSize),
		userCh:         make(chan userEventMessage, userSize),
		aggregateQueue: make(AggregateEventQueue),
		userQueue:      make(map[string]*UserEventsBatchRecord),
	}
}

// Run starts the single background consumer goroutine. It returns
// immediately; call the returned stop function (or cancel ctx) to shut
// down cooperatively. On shutdown the consumer drains whatever is already
// buffered in the two channels before exiting.
func (q *Queue) Run(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.flushInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				q.drain()
				return
			case msg := <-q.aggCh:
				q.processAggregateEvent(msg)
			case msg := <-q.userCh:
				q.processUserEvent(msg)
			case <-ticker.C:
				q.flushToSender()
			}
		}
	}()

	return func() {
		cancel()
		<-q.done
	}
}

// drain consumes whatever is already buffered without waiting for more.
func (q *Queue) drain() {
	for {
		select {
		case msg := <-q.aggCh:
			q.processAggregateEvent(msg)
		case msg := <-q.userCh:
			q.processUserEvent(msg)
		default:
			return
		}
	}
}

func (q *Queue) flushInterval() time.Duration {
	if q.options.FlushInterval <= 0 {
		return time.Minute
	}
	return q.options.FlushInterval
}

// QueueVariableEvaluatedEvent records an aggregate count for a successful
// variable evaluation. Non-blocking: returns an EventQueueFull error and
// increments the dropped counter if the aggregate channel is full.
func (q *Queue) QueueVariableEvaluatedEvent(variableKey, featureID, variationID string, reason bucket.EvalReason) error {
	return q.queueAggregateInternal(variableKey, featureID, variationID, EventTypeAggVariableEvaluated, reason)
}

// QueueVariableDefaultedEvent records an aggregate count for a variable
// that fell back to its default value. The reason is pinned to Default.
func (q *Queue) QueueVariableDefaultedEvent(variableKey string) error {
	return q.queueAggregateInternal(variableKey, "", "", EventTypeAggVariableDefaulted, bucket.ReasonDefault)
}

func (q *Queue) queueAggregateInternal(variableKey, featureID, variationID string, eventType EventType, reason bucket.EvalReason) error {
	if q.options.loggingDisabledFor(eventType) {
		return nil
	}
	if variableKey == "" {
		return nil
	}

	msg := AggEventMessage{
		EventType:    eventType,
		VariableKey:  variableKey,
		FeatureID:    featureID,
		VariationID:  variationID,
		EvalMetadata: map[bucket.EvalReason]int64{reason: 1},
	}

	select {
	case q.aggCh <- msg:
		q.metrics.IncEventsQueued()
		return nil
	default:
		q.mu.Lock()
		q.eventsDropped++
		q.mu.Unlock()
		q.metrics.IncEventsDropped()
		q.logger.Warnf("bucketing: dropped aggregate event for sdk key %q, variable %q: queue full", q.sdkKey, variableKey)
		return errs.New(errs.EventQueueFull, "aggregate event queue full, dropped event for variable %q", variableKey)
	}
}

// QueueEvent enqueues a per-user event (e.g. a caller-logged custom event)
// for the user. Non-blocking.
func (q *Queue) QueueEvent(user model.User, event Event) error {
	if q.options.loggingDisabledFor(event.Type) {
		return nil
	}
	select {
	case q.userCh <- userEventMessage{user: user, event: event}:
		q.metrics.IncEventsQueued()
		return nil
	default:
		q.mu.Lock()
		q.eventsDropped++
		q.mu.Unlock()
		q.metrics.IncEventsDropped()
		q.logger.Warnf("bucketing: dropped user event for sdk key %q, user %q: queue full", q.sdkKey, user.UserID)
		return errs.New(errs.EventQueueFull, "user event queue full, dropped event for user %q", user.UserID)
	}
}

// MergeAggEventQueueKeys pre-seeds the aggregate map with a 0 count for
// every (event type, variable, feature, variation, reason) combination the
// config defines, so a flush always reports the full cardinality even when
// a combination was never hit.
func (q *Queue) MergeAggEventQueueKeys(cfg *model.Config) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, eventType := range []EventType{EventTypeAggVariableDefaulted, EventTypeAggVariableEvaluated} {
		if _, ok := q.aggregateQueue[eventType]; !ok {
			q.aggregateQueue[eventType] = make(variableAggMap)
		}
		for _, variable := range cfg.Variables {
			if _, ok := q.aggregateQueue[eventType][variable.Key]; !ok {
				q.aggregateQueue[eventType][variable.Key] = make(featureAggMap)
			}
			for _, feature := range cfg.Features {
				if _, ok := q.aggregateQueue[eventType][variable.Key][feature.ID]; !ok {
					q.aggregateQueue[eventType][variable.Key][feature.ID] = make(variationAggMap)
				}
				for _, variation := range feature.Variations {
					if _, ok := q.aggregateQueue[eventType][variable.Key][feature.ID][variation.ID]; !ok {
						q.aggregateQueue[eventType][variable.Key][feature.ID][variation.ID] = make(evalReasonAggMap)
					}
					for _, reason := range bucket.AllEvalReasons {
						if _, ok := q.aggregateQueue[eventType][variable.Key][feature.ID][variation.ID][reason]; !ok {
							q.aggregateQueue[eventType][variable.Key][feature.ID][variation.ID][reason] = 0
						}
					}
				}
			}
		}
	}
}

func (q *Queue) processAggregateEvent(msg AggEventMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.aggregateQueue[msg.EventType] == nil {
		q.aggregateQueue[msg.EventType] = make(variableAggMap)
	}
	variableMap := q.aggregateQueue[msg.EventType]

	featureKey, variationKey := msg.FeatureID, msg.VariationID
	if msg.EventType != EventTypeAggVariableEvaluated {
		featureKey, variationKey = "default", "default"
	}

	if variableMap[msg.VariableKey] == nil {
		variableMap[msg.VariableKey] = make(featureAggMap)
	}
	if variableMap[msg.VariableKey][featureKey] == nil {
		variableMap[msg.VariableKey][featureKey] = make(variationAggMap)
	}
	if variableMap[msg.VariableKey][featureKey][variationKey] == nil {
		variableMap[msg.VariableKey][featureKey][variationKey] = make(evalReasonAggMap)
	}
	reasons := variableMap[msg.VariableKey][featureKey][variationKey]
	for reason, count := range msg.EvalMetadata {
		reasons[reason] += count
	}
}

func (q *Queue) processUserEvent(msg userEventMessage) {
	clientCustomData := q.resolver.ClientCustomData()
	cfg, err := q.resolver.Config()
	if err != nil {
		return
	}

	populated := model.NewPopulatedUser(msg.user, q.resolver.PlatformData(), clientCustomData, time.Now())
	bucketed, err := bucket.GenerateBucketedConfig(cfg, populated, clientCustomData, time.Now())
	if err != nil {
		return
	}

	event := msg.event
	event.FeatureVars = bucketed.FeatureVariationMap
	if event.Type == EventTypeCustomEvent {
		event.UserID = msg.user.UserID
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	record, ok := q.userQueue[msg.user.UserID]
	if !ok {
		record = &UserEventsBatchRecord{User: *populated}
		q.userQueue[msg.user.UserID] = record
	}
	record.Events = append(record.Events, event)
	q.userQueueCount++
}

// FlushBatch describes one outbound batch of accumulated events, tagged
// with a unique id for idempotent delivery by a transport layer. Aggregate
// counts ride on the first batch of a flush; per-user records are chunked
// so no batch carries more than FlushEventsBatchSize events.
type FlushBatch struct {
	BatchID         string                            `json:"batchId"`
	AggregateCounts AggregateEventQueue               `json:"aggregateCounts,omitempty"`
	UserEvents      map[string]*UserEventsBatchRecord `json:"userEvents,omitempty"`
}

// buildBatches snapshots and clears the current queues into outbound
// batches. Caller must hold q.mu.
func (q *Queue) buildBatches() []FlushBatch {
	if len(q.aggregateQueue) == 0 && len(q.userQueue) == 0 {
		return nil
	}

	batchSize := q.options.FlushEventsBatchSize
	if batchSize <= 0 {
		batchSize = DefaultOptions().FlushEventsBatchSize
	}

	batches := []FlushBatch{{
		BatchID:         uuid.New().String(),
		AggregateCounts: q.aggregateQueue,
		UserEvents:      make(map[string]*UserEventsBatchRecord),
	}}

	count := 0
	for userID, record := range q.userQueue {
		// A record with more events than batchSize is split across batches.
		for start := 0; start < len(record.Events); start += batchSize {
			end := start + batchSize
			if end > len(record.Events) {
				end = len(record.Events)
			}
			chunk := &UserEventsBatchRecord{User: record.User, Events: record.Events[start:end]}
			if count+len(chunk.Events) > batchSize && count > 0 {
				batches = append(batches, FlushBatch{
					BatchID:    uuid.New().String(),
					UserEvents: make(map[string]*UserEventsBatchRecord),
				})
				count = 0
			}
			current := &batches[len(batches)-1]
			current.UserEvents[userID] = chunk
			count += len(chunk.Events)
			q.eventsFlushed += int64(len(chunk.Events))
		}
	}

	q.aggregateQueue = make(AggregateEventQueue)
	q.userQueue = make(map[string]*UserEventsBatchRecord)
	q.userQueueCount = 0
	return batches
}

// flushToSender builds batches on the flush tick and hands them to the
// configured Sender, buffering (bounded) when no Sender is set or a send
// fails.
func (q *Queue) flushToSender() {
	q.mu.Lock()
	batches := q.buildBatches()
	q.mu.Unlock()
	if len(batches) == 0 {
		return
	}
	q.metrics.IncEventsFlushed()

	var unsent []FlushBatch
	for _, batch := range batches {
		if q.options.Sender == nil {
			unsent = append(unsent, batch)
			continue
		}
		if err := q.options.Sender.Send(batch); err != nil {
			q.logger.Warnf("bucketing: failed to send event batch %s for sdk key %q: %v", batch.BatchID, q.sdkKey, err)
			unsent = append(unsent, batch)
		}
	}
	if len(unsent) == 0 {
		return
	}

	maxPending := q.options.FlushEventsQueueSize
	if maxPending <= 0 {
		maxPending = DefaultOptions().FlushEventsQueueSize
	}
	q.mu.Lock()
	q.pendingBatches = append(q.pendingBatches, unsent...)
	if over := len(q.pendingBatches) - maxPending; over > 0 {
		q.pendingBatches = q.pendingBatches[over:]
		q.logger.Warnf("bucketing: dropped %d oldest pending event batches for sdk key %q: flush queue full", over, q.sdkKey)
	}
	q.mu.Unlock()
}

// Flush snapshots and clears the current aggregate and per-user queues,
// returning them (plus any batches buffered from earlier automatic
// flushes) ready for a transport layer to send.
func (q *Queue) Flush() []FlushBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches := append(q.pendingBatches, q.buildBatches()...)
	q.pendingBatches = nil
	return batches
}

// Stats returns the queue's running counters.
func (q *Queue) Stats() (flushed, dropped int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eventsFlushed, q.eventsDropped
}
