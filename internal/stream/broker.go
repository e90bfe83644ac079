package stream

import "sync"

// Event is one live-subscription update. Len is the body length in bytes
// after Delta was applied, so subscribers can detect deltas they already
// hold (snapshot overlap) and deltas they missed (dropped events).
type Event struct {
	Delta    string
	Len      int
	Terminal bool
	Status   Status
}

// Broker fans appended deltas out to in-process subscribers. The durable
// record stays the source of truth; the broker only saves subscribers
// from polling. Slow subscribers have events dropped and resync from the
// store via the Len gap.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers for events on a stream. The returned cancel func
// must be called; it unregisters and closes the channel.
func (b *Broker) Subscribe(streamID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)

	b.mu.Lock()
	set, ok := b.subs[streamID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[streamID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[streamID]; ok {
			if _, stillThere := set[ch]; stillThere {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, streamID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers without blocking
// the writer. A full subscriber buffer drops the event.
func (b *Broker) Publish(streamID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[streamID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
