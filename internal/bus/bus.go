// Package bus provides the in-process publish/subscribe fan-out that keeps
// live observers coherent with the persisted journals. The bus retains no
// history: subscribers see events published after they subscribe, and replay
// comes from the journal, never from the bus.
package bus

import (
	"sync"

	"github.com/droverhq/drover/pkg/model"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses events rather than blocking the
// publisher.
const subscriberBuffer = 64

// Bus fans events out to global and per-item subscribers. Publish is
// synchronous and never blocks.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	itemID string // "" means global
	events chan *model.Event
}

// Subscription is one live attachment to the bus. Callers must Close it when
// done; the Events channel is closed by Close.
type Subscription struct {
	bus  *Bus
	id   int
	once sync.Once
	ch   chan *model.Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe attaches a per-item subscriber. An empty itemID subscribes to
// every event.
func (b *Bus) Subscribe(itemID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan *model.Event, subscriberBuffer)
	b.subs[id] = &subscriber{itemID: itemID, events: ch}

	return &Subscription{bus: b, id: id, ch: ch}
}

// Publish delivers the event to every matching subscriber. Subscribers whose
// buffers are full are skipped; the publisher never blocks.
func (b *Bus) Publish(ev *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.itemID != "" && sub.itemID != ev.ItemID {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.events)
		delete(b.subs, id)
	}
}

// Events returns the subscriber's event channel.
func (s *Subscription) Events() <-chan *model.Event {
	return s.ch
}

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}
