package broker

import (
	"sync"
	"time"
)

// EventKind classifies link events.
type EventKind int

const (
	// EventConnected is published after a successful connect or reconnect.
	EventConnected EventKind = iota
	// EventDisconnected is published when the connection closes with an error.
	EventDisconnected
	// EventReconnecting is published before each reconnection attempt.
	EventReconnecting
	// EventReconnectFailed is published when the reconnection policy gives up.
	EventReconnectFailed
	// EventChannelClosed is published when a channel closes with an error.
	EventChannelClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventChannelClosed:
		return "channel_closed"
	default:
		return "unknown"
	}
}

// Event is a connection- or channel-level notification from a Link.
type Event struct {
	Kind      EventKind
	ChannelID string // set for EventChannelClosed
	Attempt   int    // set for EventReconnecting and EventReconnectFailed
	Err       error
	Timestamp time.Time
}

// IsFault reports whether the event carries a broker fault.
func (e Event) IsFault() bool {
	return e.Err != nil
}

// eventBus fans events out to subscribers without blocking the publisher.
type eventBus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped func(Event)
}

func newEventBus(dropped func(Event)) *eventBus {
	return &eventBus{
		subs:    make(map[int]chan Event),
		dropped: dropped,
	}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *eventBus) publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub <- evt:
		default:
			if b.dropped != nil {
				b.dropped(evt)
			}
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
