// Package messenger is the typed, addressed message bus between pipeline
// stages. A downstream stage consumes exactly the structured output of a
// specific upstream stage for a specific work item, without calling it
// directly. Delivery per (topic, work item) is FIFO with full replay; nothing
// survives the run.
package messenger

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish and Next after the bus shut down.
var ErrClosed = errors.New("messenger: bus is closed")

// Message is one published stage result.
type Message struct {
	Topic      string
	Producer   string
	WorkItemID string
	Payload    map[string]any
	Sequence   int64
}

type streamKey struct {
	topic      string
	workItemID string
}

// stream holds the ordered history for one (topic, work item) pair plus the
// channels of live subscribers.
type stream struct {
	history []Message
	nextSeq int64
	waiters []chan struct{}
}

// Bus is the in-process message bus. Scoped to one session; Close it at run
// teardown.
type Bus struct {
	mu      sync.Mutex
	streams map[streamKey]*stream
	closed  bool
}

// NewBus creates an empty message bus.
func NewBus() *Bus {
	return &Bus{streams: make(map[streamKey]*stream)}
}

// Publish appends a message to the (topic, workItemID) stream and returns its
// sequence number. Sequence numbers are strictly increasing per stream,
// starting at 1.
func (b *Bus) Publish(topic, producer, workItemID string, payload map[string]any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	key := streamKey{topic: topic, workItemID: workItemID}
	s := b.streams[key]
	if s == nil {
		s = &stream{}
		b.streams[key] = s
	}

	s.nextSeq++
	msg := Message{
		Topic:      topic,
		Producer:   producer,
		WorkItemID: workItemID,
		Payload:    payload,
		Sequence:   s.nextSeq,
	}
	s.history = append(s.history, msg)

	for _, waiter := range s.waiters {
		close(waiter)
	}
	s.waiters = nil

	return msg.Sequence, nil
}

// Subscription is a lazy, restartable cursor over one (topic, work item)
// stream: it replays everything already published, then yields messages as
// they arrive.
type Subscription struct {
	bus    *Bus
	key    streamKey
	cursor int
}

// Subscribe opens a cursor on the (topic, workItemID) stream. Subscribing
// before anything was published is fine; Next will wait.
func (b *Bus) Subscribe(topic, workItemID string) *Subscription {
	return &Subscription{
		bus: b,
		key: streamKey{topic: topic, workItemID: workItemID},
	}
}

// Next returns the next message in producer order, blocking until one is
// available, the context is done, or the bus closes.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.bus.mu.Lock()
		st := s.bus.streams[s.key]
		if st != nil && s.cursor < len(st.history) {
			msg := st.history[s.cursor]
			s.cursor++
			s.bus.mu.Unlock()
			return msg, nil
		}
		if s.bus.closed {
			s.bus.mu.Unlock()
			return Message{}, ErrClosed
		}

		if st == nil {
			st = &stream{}
			s.bus.streams[s.key] = st
		}
		wait := make(chan struct{})
		st.waiters = append(st.waiters, wait)
		s.bus.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryNext returns the next replayed message without blocking. ok is false
// when the cursor has caught up with the stream.
func (s *Subscription) TryNext() (Message, bool) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	st := s.bus.streams[s.key]
	if st == nil || s.cursor >= len(st.history) {
		return Message{}, false
	}
	msg := st.history[s.cursor]
	s.cursor++
	return msg, true
}

// Rewind restarts the subscription from the beginning of the stream.
func (s *Subscription) Rewind() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.cursor = 0
}

// Latest returns the most recent message on the (topic, workItemID) stream.
func (b *Bus) Latest(topic, workItemID string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[streamKey{topic: topic, workItemID: workItemID}]
	if st == nil || len(st.history) == 0 {
		return Message{}, false
	}
	return st.history[len(st.history)-1], true
}

// Close shuts the bus down and wakes every blocked subscriber. Publishing or
// reading past the history afterwards returns ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, st := range b.streams {
		for _, waiter := range st.waiters {
			close(waiter)
		}
		st.waiters = nil
	}
}
