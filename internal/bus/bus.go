// Package bus carries events from the agent runner to every connected
// client. Publishing persists the event first, then fans it out, so the
// durable log and the live stream always agree on order.
package bus

import (
	"sync"

	"github.com/batalabs/agentd/internal/domain"
)

// Store is the slice of the persistence layer the bus needs.
type Store interface {
	AppendEvent(sessionID, turnID, stepID, eventType string, payload map[string]any) (*domain.Event, error)
	EventsAfter(sessionID string, sinceID int64, limit int) ([]domain.Event, error)
	LatestEventID() (int64, error)
}

// Subscriber is one attached event consumer. Events is a bounded queue;
// when it overflows, the bus stops delivering and closes Stale instead of
// blocking the publisher. A stale consumer reconnects and replays.
type Subscriber struct {
	Events <-chan domain.Event
	Stale  <-chan struct{}

	sessionID string
	events    chan domain.Event
	stale     chan struct{}
	staleOnce sync.Once
}

func (s *Subscriber) markStale() {
	s.staleOnce.Do(func() { close(s.stale) })
}

// SessionID returns the session filter, or "" for all sessions.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Bus persists events and fans them out to subscribers.
type Bus struct {
	store     Store
	queueSize int

	// pubMu spans persist and fan-out: delivery order equals id order
	// for every subscriber, across all sessions.
	pubMu sync.Mutex

	subMu sync.RWMutex
	subs  map[*Subscriber]struct{}
}

// New creates a Bus over the given store. queueSize bounds each
// subscriber's in-flight queue.
func New(store Store, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		store:     store,
		queueSize: queueSize,
		subs:      make(map[*Subscriber]struct{}),
	}
}

// Publish persists one event, assigning its (id, seq), then delivers it to
// every matching subscriber. Slow subscribers are marked stale and skipped
// rather than blocking the turn.
func (b *Bus) Publish(sessionID, turnID, stepID, eventType string, payload map[string]any) (*domain.Event, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ev, err := b.store.AppendEvent(sessionID, turnID, stepID, eventType, payload)
	if err != nil {
		return nil, err
	}

	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.events <- *ev:
		default:
			// Queue full: drop and mark so the consumer knows to resync.
			sub.markStale()
		}
	}
	return ev, nil
}

// Subscribe attaches a consumer. sessionID filters delivery; "" receives
// every session's events. The caller must Unsubscribe when done.
func (b *Bus) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		events:    make(chan domain.Event, b.queueSize),
		stale:     make(chan struct{}),
	}
	sub.Events = sub.events
	sub.Stale = sub.stale

	b.subMu.Lock()
	b.subs[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Unsubscribe detaches a consumer and closes its queue.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.subMu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.subMu.Unlock()
	if ok {
		close(sub.events)
	}
}

// Replay returns persisted events after sinceID, oldest first. Used to
// serve the backlog before switching a consumer to live delivery.
func (b *Bus) Replay(sessionID string, sinceID int64, limit int) ([]domain.Event, error) {
	return b.store.EventsAfter(sessionID, sinceID, limit)
}

// LatestID returns the highest assigned event id, or 0.
func (b *Bus) LatestID() (int64, error) {
	return b.store.LatestEventID()
}
