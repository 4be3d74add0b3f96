package manager

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OpEvent reports the completion of one stream operation.
type OpEvent struct {
	Seq        uint64 `json:"seq"`
	Op         string `json:"op"`
	Lane       string `json:"lane"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationNS uint64 `json:"duration_ns,omitempty"`
}

// Broker fans operation events out to per-stream subscribers. It is safe for
// concurrent use.
//
// Closed topics are kept as markers so that a subscriber arriving after the
// stream closed receives a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan OpEvent
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel receiving events for streamID and an
// unsubscribe function. If the stream is already closed the channel is
// closed immediately.
func (b *Broker) Subscribe(streamID string) (<-chan OpEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[streamID]
	if !ok {
		t = &topic{subs: make(map[int]chan OpEvent)}
		b.topics[streamID] = t
	}

	ch := make(chan OpEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends ev to every subscriber of streamID, skipping subscribers
// whose buffers are full.
func (b *Broker) Publish(streamID string, ev OpEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[streamID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the topic for streamID. Subscriber channels are closed and
// later subscriptions get a closed channel.
func (b *Broker) Close(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[streamID]
	if !ok {
		b.topics[streamID] = &topic{subs: make(map[int]chan OpEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
