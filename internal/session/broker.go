package session

import (
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events; delivery is best-effort.
const subscriberBuffer = 256

// Envelope is one published event plus its store sequence number. Seq is 0
// when the event was never persisted; consumers replaying the stored log use
// it to skip events they already saw.
type Envelope struct {
	Seq   int64
	Event Event
}

// Broker fans session events out to live observers. Publish never blocks:
// a full subscriber channel drops the event for that subscriber only.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Envelope
	next int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan Envelope)}
}

// Subscribe registers an observer for one session's events. The returned
// cancel func unregisters and closes the channel; it is safe to call twice.
func (b *Broker) Subscribe(sessionID string) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, subscriberBuffer)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Envelope)
	}
	id := b.next
	b.next++
	b.subs[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[sessionID]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
					if len(subs) == 0 {
						delete(b.subs, sessionID)
					}
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the session,
// fire-and-forget. A slow subscriber never blocks the caller. seq is the
// store sequence of the persisted event, or 0 if it was not persisted.
func (b *Broker) Publish(sessionID string, seq int64, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	env := Envelope{Seq: seq, Event: e}
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- env:
		default:
			// Subscriber is not keeping up; drop for it alone.
		}
	}
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
