package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maghams62/auto-mac/internal/utils"
)

// Sink receives every event published to the bus, in order. The sqlite
// history store implements this.
type Sink interface {
	StoreEvent(event *Event) error
}

// Subscriber is one live event consumer, typically an SSE connection.
type Subscriber struct {
	ID        string
	SessionID string
	CreatedAt time.Time

	ch chan *Event
}

// Events returns the subscriber's receive channel. Closed on unsubscribe.
func (s *Subscriber) Events() <-chan *Event {
	return s.ch
}

// subscriberBuffer bounds each subscriber channel. A slow consumer drops
// events rather than stalling the pipeline.
const subscriberBuffer = 256

// Bus fans events out to per-session subscribers and an optional sink.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	indexes     map[string]int

	sink   Sink
	logger utils.ExtendedLogger
}

// NewBus creates an event bus. sink may be nil.
func NewBus(sink Sink, logger utils.ExtendedLogger) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		indexes:     make(map[string]int),
		sink:        sink,
		logger:      logger,
	}
}

// Subscribe registers a consumer for one session's events. Pass "" to
// receive every session's events.
func (b *Bus) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		ID:        "observer_" + uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now(),
		ch:        make(chan *Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Emit stamps and publishes one event. Delivery to subscribers is
// non-blocking; the sink write happens inline so history stays ordered.
func (b *Bus) Emit(sessionID, interactionID string, data EventData) {
	eventType := data.GetEventType()

	b.mu.Lock()
	b.indexes[sessionID]++
	event := &Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		EventIndex:     b.indexes[sessionID],
		SessionID:      sessionID,
		InteractionID:  interactionID,
		HierarchyLevel: HierarchyFor(eventType),
		ParentType:     ParentFor(eventType),
		Component:      ComponentFor(eventType),
		Data:           data,
	}
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.SessionID == "" || sub.SessionID == sessionID {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	if b.sink != nil {
		if err := b.sink.StoreEvent(event); err != nil {
			b.logger.Warnf("event sink rejected %s: %v", eventType, err)
		}
	}

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warnf("subscriber %s is full, dropping %s", sub.ID, eventType)
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}
