package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskQueued       EventType = "task.queued"
	EventTaskRunning      EventType = "task.running"
	EventTaskSucceeded    EventType = "task.succeeded"
	EventTaskFailed       EventType = "task.failed"
	EventTaskRetrying     EventType = "task.retrying"
	EventTaskCancelled    EventType = "task.cancelled"
	EventTaskDeadLettered EventType = "task.dead_lettered"

	EventProviderRegistered   EventType = "provider.registered"
	EventProviderDeregistered EventType = "provider.deregistered"
	EventProviderHealth       EventType = "provider.health"

	EventWorkflowDefined EventType = "workflow.defined"
	EventRunStarted      EventType = "run.started"
	EventRunStage        EventType = "run.stage_completed"
	EventRunSucceeded    EventType = "run.succeeded"
	EventRunFailed       EventType = "run.failed"
	EventRunCancelled    EventType = "run.cancelled"

	EventScheduleFired EventType = "schedule.fired"

	// EventOperatorAlert is emitted on invariant violations (Internal errors)
	EventOperatorAlert EventType = "operator.alert"
)

// Event represents an engine event
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	TaskID     string
	ProviderID string
	WorkflowID string
	RunID      string
	Message    string
	Metadata   map[string]string
}

// Filter restricts which events a subscriber receives. Zero-value fields
// match everything.
type Filter struct {
	Types      []EventType
	TaskID     string
	ProviderID string
	WorkflowID string
	RunID      string
}

// Matches reports whether the event passes the filter
func (f Filter) Matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TaskID != "" && f.TaskID != e.TaskID {
		return false
	}
	if f.ProviderID != "" && f.ProviderID != e.ProviderID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	return true
}

// Subscription is a registered event consumer
type Subscription struct {
	ID     string
	C      chan *Event
	filter Filter
	missed int
}

const (
	brokerBuffer     = 256
	subscriberBuffer = 64
	historySize      = 512
)

// Broker manages event subscriptions and distribution. Publish never
// blocks: a subscriber that falls behind accumulates missed events and is
// evicted once it crosses the slow-subscriber threshold.
type Broker struct {
	mu            sync.RWMutex
	subscribers   map[string]*Subscription
	eventCh       chan *Event
	stopCh        chan struct{}
	stopOnce      sync.Once
	slowThreshold int

	history    []*Event // ring of recent events for late subscribers
	historyPos int

	dropped uint64
}

// NewBroker creates a new event broker. slowThreshold is the number of
// missed events after which a subscriber is dropped.
func NewBroker(slowThreshold int) *Broker {
	if slowThreshold <= 0 {
		slowThreshold = 100
	}
	return &Broker{
		subscribers:   make(map[string]*Subscription),
		eventCh:       make(chan *Event, brokerBuffer),
		stopCh:        make(chan struct{}),
		slowThreshold: slowThreshold,
		history:       make([]*Event, 0, historySize),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a consumer with the given filter
func (b *Broker) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:     uuid.New().String(),
		C:      make(chan *Event, subscriberBuffer),
		filter: filter,
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		close(sub.C)
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Broker buffer full; the event is lost rather than blocking the
		// publisher. Dropped count is surfaced via Stats.
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Recent returns a snapshot of the retained event history, oldest first
func (b *Broker) Recent() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Event, 0, len(b.history))
	if len(b.history) < historySize {
		out = append(out, b.history...)
		return out
	}
	out = append(out, b.history[b.historyPos:]...)
	out = append(out, b.history[:b.historyPos]...)
	return out
}

// Stats reports subscriber count and dropped event count
func (b *Broker) Stats() (subscribers int, dropped uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers), b.dropped
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) < historySize {
		b.history = append(b.history, event)
	} else {
		b.history[b.historyPos] = event
		b.historyPos = (b.historyPos + 1) % historySize
	}

	var evict []*Subscription
	for _, sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.C <- event:
			sub.missed = 0
		default:
			sub.missed++
			b.dropped++
			if sub.missed >= b.slowThreshold {
				evict = append(evict, sub)
			}
		}
	}
	for _, sub := range evict {
		delete(b.subscribers, sub.ID)
		close(sub.C)
	}
}
