package notify

import (
	"context"
	"sync"

	evbus "github.com/asaskevich/EventBus"

	"ergroom/internal/presence"
)

// TopicChange is the bus topic carrying presence.ToggleResult values.
const TopicChange = "presence:change"

// BusSink publishes changes on an in-process event bus.
type BusSink struct {
	bus evbus.Bus
}

func NewBusSink(bus evbus.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Notify(_ context.Context, change presence.ToggleResult) error {
	s.bus.Publish(TopicChange, change)
	return nil
}

// Broadcaster subscribes once to the bus and hands every change to any number
// of channel subscribers. A subscriber that falls behind loses changes rather
// than blocking the publisher.
type Broadcaster struct {
	bus evbus.Bus

	mu     sync.Mutex
	nextID int
	subs   map[int]chan presence.ToggleResult
	closed bool
}

// NewBroadcaster attaches to bus.
func NewBroadcaster(bus evbus.Bus) (*Broadcaster, error) {
	b := &Broadcaster{bus: bus, subs: map[int]chan presence.ToggleResult{}}
	if err := bus.Subscribe(TopicChange, b.dispatch); err != nil {
		return nil, err
	}
	return b, nil
}

// Subscribe returns a buffered channel of changes and a cancel func that
// detaches and closes it. After Close the channel is returned closed.
func (b *Broadcaster) Subscribe(buffer int) (<-chan presence.ToggleResult, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan presence.ToggleResult, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Subscribers reports the number of attached subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches from the bus and closes every subscriber channel.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.bus.Unsubscribe(TopicChange, b.dispatch)
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	return err
}

func (b *Broadcaster) dispatch(change presence.ToggleResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
