// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (bridge, dispatcher, image
// pipeline) to subscribers. The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBridge identifies events from the message bridge.
	SourceBridge = "bridge"
	// SourceGateway identifies events from the puppet-gateway transport.
	SourceGateway = "gateway"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals an inbound message passed the gate.
	// Data: identity, command, prompt_len.
	KindMessageReceived = "message_received"
	// KindMessageDropped signals the gate rejected an inbound message.
	// Data: reason.
	KindMessageDropped = "message_dropped"
	// KindSessionRotated signals a system instruction closed one
	// session and opened another. Data: identity, closed_id, opened_id.
	KindSessionRotated = "session_rotated"
	// KindReplySent signals a reply was fully dispatched.
	// Data: identity, reply_len.
	KindReplySent = "reply_sent"
	// KindReplyFailed signals a reply could not be produced or sent.
	// Data: identity, error.
	KindReplyFailed = "reply_failed"
	// KindImageGenerated signals the image pipeline saved a file.
	// Data: identity, path, bytes.
	KindImageGenerated = "image_generated"
	// KindRecallNotice signals a recall notice was re-posted to a room.
	// Data: room.
	KindRecallNotice = "recall_notice"

	// KindConnected signals the gateway connection came up.
	KindConnected = "connected"
	// KindDisconnected signals the gateway connection dropped.
	// Data: error.
	KindDisconnected = "disconnected"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
