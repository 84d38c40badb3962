// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package relay hands generated tokens from one producer goroutine to one
// consumer goroutine, in order, with bounded buffering.
package relay

import (
	"context"
	"errors"
	"sync/atomic"
)

// DefaultCapacity is the relay buffer size used when Open is given zero.
// A full buffer blocks the producer, which is the backpressure mechanism:
// generation slows to the pace the consumer can write out.
const DefaultCapacity = 256

// ErrCancelled is returned from Sender methods after the consumer has
// cancelled the relay. The producer should stop generating and return.
var ErrCancelled = errors.New("relay: cancelled by consumer")

// EventType identifies the kind of relay event.
type EventType int

const (
	// EventToken carries one content token.
	EventToken EventType = iota
	// EventDone signals successful end of generation.
	EventDone
	// EventFailed signals generation failure; Err is set.
	EventFailed
)

// Event is a single unit passed through the relay. Exactly one terminal
// event (EventDone or EventFailed) ends every non-cancelled stream, after
// all token events.
type Event struct {
	Type  EventType
	Token string
	Err   error
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventFailed
}

// Open creates a relay and returns its two ends. capacity <= 0 selects
// DefaultCapacity.
//
// The relay is strictly single-producer, single-consumer: one goroutine
// calls Sender methods, one goroutine calls Receiver methods. Cancel may
// be called from the consumer side at any time.
func Open(capacity int) (*Sender, *Receiver) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	shared := &relay{
		ch:       make(chan Event, capacity),
		cancelCh: make(chan struct{}),
	}
	return &Sender{relay: shared}, &Receiver{relay: shared}
}

// relay is the state shared by both ends.
type relay struct {
	ch        chan Event
	cancelCh  chan struct{}
	cancelled atomic.Bool
}

// =============================================================================
// Sender
// =============================================================================

// Sender is the producer end of a relay.
type Sender struct {
	relay  *relay
	closed atomic.Bool
}

// Send enqueues one token, blocking while the buffer is full. Returns
// ErrCancelled once the consumer has cancelled; the producer must then
// stop without emitting a terminal event.
//
// Calling Send after Done or Fail is a bug in the producer and panics.
func (s *Sender) Send(token string) error {
	if s.closed.Load() {
		panic("relay: Send after terminal event")
	}
	select {
	case <-s.relay.cancelCh:
		return ErrCancelled
	default:
	}
	select {
	case s.relay.ch <- Event{Type: EventToken, Token: token}:
		return nil
	case <-s.relay.cancelCh:
		return ErrCancelled
	}
}

// Done emits the successful terminal event. After a cancel the event is
// dropped; the consumer is gone and nothing may follow anyway.
func (s *Sender) Done() {
	s.terminate(Event{Type: EventDone})
}

// Fail emits the failing terminal event carrying err.
func (s *Sender) Fail(err error) {
	s.terminate(Event{Type: EventFailed, Err: err})
}

func (s *Sender) terminate(ev Event) {
	if s.closed.Swap(true) {
		panic("relay: second terminal event")
	}
	select {
	case s.relay.ch <- ev:
	case <-s.relay.cancelCh:
	}
}

// Cancelled reports whether the consumer has cancelled the relay.
func (s *Sender) Cancelled() bool {
	return s.relay.cancelled.Load()
}

// =============================================================================
// Receiver
// =============================================================================

// Receiver is the consumer end of a relay. Not safe for concurrent use;
// a single goroutine owns it.
type Receiver struct {
	relay    *relay
	terminal *Event
}

// Recv returns the next event in emission order, blocking until one is
// available. Once a terminal event has been returned, every further call
// returns the same terminal event without blocking.
func (r *Receiver) Recv() Event {
	if r.terminal != nil {
		return *r.terminal
	}
	ev := <-r.relay.ch
	if ev.Terminal() {
		r.terminal = &ev
	}
	return ev
}

// RecvContext is Recv with an escape hatch: it returns early with the
// context error when ctx ends first, which is how the consumer notices a
// client disconnect while the producer is mid-generation.
func (r *Receiver) RecvContext(ctx context.Context) (Event, error) {
	if r.terminal != nil {
		return *r.terminal, nil
	}
	select {
	case ev := <-r.relay.ch:
		if ev.Terminal() {
			r.terminal = &ev
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Cancel tells the producer to stop. Idempotent. Buffered tokens are
// abandoned; the producer's next Send returns ErrCancelled and no
// terminal event will be delivered.
func (r *Receiver) Cancel() {
	if r.relay.cancelled.Swap(true) {
		return
	}
	close(r.relay.cancelCh)
}

// Cancelled reports whether Cancel has been called.
func (r *Receiver) Cancelled() bool {
	return r.relay.cancelled.Load()
}
