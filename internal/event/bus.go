// Package event provides the pub/sub bus through which the authorization core
// reports decisions, configuration changes and sandbox activity.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType represents the type of event.
type EventType string

const (
	PolicyDecision       EventType = "policy.decision"
	PolicyDenied         EventType = "policy.denied"
	PolicyProfileChanged EventType = "policy.profile_changed"
	PolicyRuleAdded      EventType = "policy.rule_added"
	PolicyRuleRemoved    EventType = "policy.rule_removed"

	ConfigSaved    EventType = "config.saved"
	ConfigReloaded EventType = "config.reloaded"

	PermissionDenied EventType = "permission.denied"

	SandboxProbed         EventType = "sandbox.probed"
	SandboxSessionCreated EventType = "sandbox.session_created"
	SandboxSessionClosed  EventType = "sandbox.session_closed"
	SandboxExecStarted    EventType = "sandbox.exec_started"
	SandboxExecCompleted  EventType = "sandbox.exec_completed"
)

// Topic is the watermill topic carrying JSON copies of every published event.
const Topic = "codebuddy.events"

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus dispatches events to in-process subscribers by direct call, keeping
// payload types intact. When a stream is open, a JSON copy of each event is
// also published on the watermill gochannel under Topic.
//
// A nil *Bus is valid: every method on it is a no-op.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID  uint64
	streams int32
	closed  bool
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			break
		}
	}
}

// collect snapshots the subscribers for an event, stamping its time.
func (b *Bus) collect(event *Event) ([]Subscriber, bool) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}

	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine to prevent blocking.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	subs, ok := b.collect(&event)
	if !ok {
		return
	}
	b.forward(event)

	for _, sub := range subs {
		go sub(event)
	}
}

// PublishSync sends an event to all subscribers synchronously.
// All subscribers are called in the current goroutine before returning.
func (b *Bus) PublishSync(event Event) {
	if b == nil {
		return
	}
	subs, ok := b.collect(&event)
	if !ok {
		return
	}
	b.forward(event)

	for _, sub := range subs {
		sub(event)
	}
}

// forward publishes a JSON copy on Topic while at least one stream is open.
func (b *Bus) forward(event Event) {
	if atomic.LoadInt32(&b.streams) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(event.Type))
	_ = b.pubsub.Publish(Topic, msg)
}

// Stream returns JSON-encoded events published after the call. Each message
// must be acked. The channel closes when ctx is done or the bus closes.
func (b *Bus) Stream(ctx context.Context) (<-chan *message.Message, error) {
	if b == nil {
		ch := make(chan *message.Message)
		close(ch)
		return ch, nil
	}
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	atomic.AddInt32(&b.streams, 1)
	go func() {
		<-ctx.Done()
		atomic.AddInt32(&b.streams, -1)
	}()
	return msgs, nil
}

// Close closes the bus and drops all subscribers.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use cases.
func (b *Bus) PubSub() *gochannel.GoChannel {
	if b == nil {
		return nil
	}
	return b.pubsub
}
