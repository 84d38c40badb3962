// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session keeps the in-memory authoritative history of active
// conversations and mediates between the stream controller and the
// durable turn store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
	"github.com/auklet-ai/auklet/services/chatd/store"
)

var tracer = otel.Tracer("auklet.chatd.session")

// DefaultMaxPairs bounds the prompt window to this many user/assistant
// exchanges when the server is not configured otherwise.
const DefaultMaxPairs = 10

// ErrBusy is returned when a second exchange is attempted while one is
// already streaming on the same conversation.
var ErrBusy = errors.New("session: exchange already in flight")

// Session is the live state of one conversation.
//
// # Description
//
// The in-memory turn list is authoritative for prompt construction; the
// store is the durable record. The two can diverge only when an
// assistant persist fails after its content was already delivered, which
// is logged and tolerated.
//
// A session allows one exchange at a time. BeginExchange reserves the
// session, EndExchange releases it; everything between them runs
// single-writer, which is what keeps user/assistant turns strictly
// alternating in both memory and store.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Session struct {
	owner    string
	id       string
	maxPairs int
	store    store.TurnStore

	mu            sync.Mutex
	turns         []datatypes.Turn
	titled        bool
	busy          bool
	firstExchange bool
	lastActive    time.Time
}

// newSession builds an unloaded session. The registry loads it before
// handing it out.
func newSession(owner, id string, maxPairs int, st store.TurnStore) *Session {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxPairs
	}
	return &Session{
		owner:      owner,
		id:         id,
		maxPairs:   maxPairs,
		store:      st,
		lastActive: time.Now(),
	}
}

// load pulls persisted history into memory. A store read failure is not
// fatal: the session starts empty and the condition is logged, so a
// corrupt or missing record never takes the conversation offline.
func (s *Session) load(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Session.load")
	defer span.End()

	turns, err := s.store.ReadAll(ctx, s.owner, s.id)
	if err != nil {
		slog.Warn("failed to load conversation history, starting empty",
			"conversationId", s.id, "error", err)
		turns = nil
	}

	title, err := s.store.GetTitle(ctx, s.owner, s.id)
	titled := err == nil && title != ""
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("failed to load conversation title", "conversationId", s.id, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = turns
	s.titled = titled
	s.trimLocked()
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// Owner returns the owning user id.
func (s *Session) Owner() string { return s.owner }

// BeginExchange reserves the session for one user/assistant exchange.
// Returns ErrBusy if another exchange is already streaming.
func (s *Session) BeginExchange() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	s.firstExchange = len(s.turns) == 0
	s.lastActive = time.Now()
	return nil
}

// EndExchange releases the session. Always pair with BeginExchange.
func (s *Session) EndExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.lastActive = time.Now()
}

// AppendUser durably persists the user's turn, then adds it to the
// in-memory window. The persist is synchronous: if it fails, the turn is
// nowhere, no generation should start, and the error comes back to the
// caller.
func (s *Session) AppendUser(ctx context.Context, content string) error {
	ctx, span := tracer.Start(ctx, "Session.AppendUser")
	defer span.End()

	turn, err := s.store.Append(ctx, s.owner, s.id, datatypes.Turn{
		Role:    datatypes.RoleUser,
		Content: content,
	})
	if err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	s.trimLocked()
	return nil
}

// CommitAssistant records the completed assistant reply. The in-memory
// commit always happens: the content was already delivered to the
// client, so later prompts must include it. A persist failure is
// returned for logging but must not fail the stream.
func (s *Session) CommitAssistant(ctx context.Context, content string) error {
	ctx, span := tracer.Start(ctx, "Session.CommitAssistant")
	defer span.End()

	turn, err := s.store.Append(ctx, s.owner, s.id, datatypes.Turn{
		Role:    datatypes.RoleAssistant,
		Content: content,
	})
	if err != nil {
		turn = datatypes.Turn{
			Role:      datatypes.RoleAssistant,
			Content:   content,
			CreatedAt: time.Now().UnixMilli(),
		}
	}

	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.trimLocked()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}
	return nil
}

// Window builds the prompt for the next generation: the system prompt
// first (when configured), then the newest turns up to 2*maxPairs,
// oldest first.
func (s *Session) Window(systemPrompt string) []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.turns
	if limit := 2 * s.maxPairs; len(window) > limit {
		window = window[len(window)-limit:]
	}

	messages := make([]datatypes.Message, 0, len(window)+1)
	if systemPrompt != "" {
		messages = append(messages, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: systemPrompt,
		})
	}
	for _, turn := range window {
		messages = append(messages, turn.AsMessage())
	}
	return messages
}

// trimLocked enforces len(turns) <= 2*maxPairs, dropping the oldest.
// Callers hold s.mu.
func (s *Session) trimLocked() {
	limit := 2 * s.maxPairs
	if len(s.turns) > limit {
		s.turns = append([]datatypes.Turn(nil), s.turns[len(s.turns)-limit:]...)
	}
}

// Len returns the number of in-memory turns.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// NeedsTitle reports whether this exchange should produce a title: the
// conversation has never been titled and the current exchange is its
// first.
func (s *Session) NeedsTitle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.titled && s.firstExchange
}

// SetTitle persists the title and marks the session titled. The titled
// flag flips even if the persist fails so the stream never carries two
// title frames.
func (s *Session) SetTitle(ctx context.Context, title string) error {
	s.mu.Lock()
	s.titled = true
	s.mu.Unlock()

	if err := s.store.SetTitle(ctx, s.owner, s.id, title); err != nil {
		return fmt.Errorf("persist title: %w", err)
	}
	return nil
}

// touch refreshes the activity timestamp. The registry calls it while
// handing the session out so the evictor cannot drop a session a request
// is about to use.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// IdleSince reports how long ago the session was last used.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// evictable reports whether the session can be dropped from memory.
func (s *Session) evictable(now time.Time, idleTTL time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && now.Sub(s.lastActive) >= idleTTL
}
