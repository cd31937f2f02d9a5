package socket

import (
	"context"
	"sync"

	"formdesk/pkg/logger"
	"formdesk/pkg/metrics"
)

// Subscription receives the events of one document in publish order.
// C is closed by Unsubscribe.
type Subscription struct {
	ID      uint64
	DocID   string
	ActorID string
	C       <-chan Event
	ch      chan Event
}

type topic struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

// Broker is an in-process per-document topic. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
	nextID uint64
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{topics: make(map[string]*topic), buffer: buffer}
}

func (b *Broker) Subscribe(docID, actorID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, b.buffer)
	sub := &Subscription{ID: b.nextID, DocID: docID, ActorID: actorID, C: ch, ch: ch}

	t, ok := b.topics[docID]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		b.topics[docID] = t
	}
	t.mu.Lock()
	t.subs[sub.ID] = sub
	t.mu.Unlock()
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sub.DocID]
	if !ok {
		return
	}
	t.mu.Lock()
	if _, ok := t.subs[sub.ID]; ok {
		delete(t.subs, sub.ID)
		close(sub.ch)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(b.topics, sub.DocID)
	}
}

// Publish fans ev out to the local subscribers of ev.DocID. Holding the
// topic lock while enqueueing keeps concurrent publishes totally ordered.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	t, ok := b.topics[ev.DocID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.BroadcastDropped.WithLabelValues(string(ev.Type)).Inc()
			logger.Sugar.Warnf("Subscriber %s on doc %s is lagging, dropped %s event", sub.ActorID, ev.DocID, ev.Type)
		}
	}
	return nil
}

// Subscribers returns the number of local subscriptions for docID.
func (b *Broker) Subscribers(docID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[docID]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
