// Package bus implements the in-process change bus: a best-effort
// publish/subscribe channel keyed by document id and by recipient inbox.
// Delivery is at-most-once per subscriber (slow subscribers drop events)
// and FIFO per topic. Nothing here is load-bearing for correctness; a
// missed event is healed by the next explicit status read.
package bus

import (
	"sync"

	"pkt.systems/pslog"
)

// Event types published on document and inbox topics.
const (
	EventLockAcquired    = "lock_acquired"
	EventLockReleased    = "lock_released"
	EventLockExpired     = "lock_expired"
	EventLockAttempt     = "lock_attempt"
	EventAccessRequested = "access_requested"
	EventOwnershipMoved  = "ownership_transferred"
	EventNotification    = "notification"
)

// Event is one transient change notification. Events are never persisted.
type Event struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id,omitempty"`
	LockID     string `json:"lock_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Holder     string `json:"holder,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Message    string `json:"message,omitempty"`
	AtUnix     int64  `json:"at_unix,omitempty"`
}

const defaultSubscriberBuffer = 16

// Bus fans events out to currently connected subscribers.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	logger pslog.Logger
	buffer int
	closed bool
}

// New constructs a Bus. A nil logger disables drop logging.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		logger: logger,
		buffer: defaultSubscriberBuffer,
	}
}

// Subscription is one live subscriber handle. Callers must Close it on
// teardown to avoid leaking the topic registration.
type Subscription struct {
	bus   *Bus
	topic string
	ch    chan Event
	once  sync.Once
}

// Events returns the subscriber's delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.topics[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.topics, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// SubscribeDocument registers for a document's change events.
func (b *Bus) SubscribeDocument(documentID string) *Subscription {
	return b.subscribe("doc/" + documentID)
}

// SubscribeInbox registers for a recipient's notification events.
func (b *Bus) SubscribeInbox(recipient string) *Subscription {
	return b.subscribe("inbox/" + recipient)
}

func (b *Bus) subscribe(topic string) *Subscription {
	sub := &Subscription{topic: topic, bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// PublishDocument delivers the event to the document's subscribers.
func (b *Bus) PublishDocument(documentID string, ev Event) {
	ev.DocumentID = documentID
	b.publish("doc/"+documentID, ev)
}

// PublishInbox delivers the event to the recipient's inbox subscribers.
func (b *Bus) PublishInbox(recipient string, ev Event) {
	ev.Recipient = recipient
	b.publish("inbox/"+recipient, ev)
}

// publish holds the bus lock for the whole fan-out so every subscriber of a
// topic observes the same event order.
func (b *Bus) publish(topic string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("bus.drop", "topic", topic, "type", ev.Type)
		}
	}
}

// Close drops every subscription and rejects future publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.topics = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()
	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}
