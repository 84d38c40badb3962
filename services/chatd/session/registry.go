// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auklet-ai/auklet/services/chatd/store"
)

// Registry maps (owner, conversation) to its live Session.
//
// # Description
//
// Lookup-or-create is atomic: concurrent requests for the same
// conversation always receive the same *Session, so the per-session
// exchange guard actually guards. Sessions are created lazily and
// loaded from the store before being handed out.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	maxPairs int
	store    store.TurnStore

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// sessionEntry defers the store load out of the registry lock. The once
// ensures exactly one goroutine loads while others wait on it, without
// serializing loads of unrelated conversations.
type sessionEntry struct {
	once    sync.Once
	session *Session
}

// NewRegistry creates an empty registry backed by the given store.
func NewRegistry(st store.TurnStore, maxPairs int) *Registry {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxPairs
	}
	return &Registry{
		maxPairs: maxPairs,
		store:    st,
		sessions: make(map[string]*sessionEntry),
	}
}

func registryKey(owner, id string) string {
	return owner + "\x00" + id
}

// GetOrCreate returns the live session for the conversation, creating
// and loading it on first access.
func (r *Registry) GetOrCreate(ctx context.Context, owner, id string) *Session {
	key := registryKey(owner, id)

	r.mu.Lock()
	entry, ok := r.sessions[key]
	if !ok {
		entry = &sessionEntry{session: newSession(owner, id, r.maxPairs, r.store)}
		r.sessions[key] = entry
	}
	// Touch while still holding the registry lock: the evictor checks
	// idleness under the same lock, so a session being handed out can
	// never look idle to a concurrent sweep.
	entry.session.touch()
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.session.load(ctx)
		if !ok {
			slog.Debug("session created", "conversationId", id, "owner", owner)
		}
	})
	return entry.session
}

// Peek returns the session if it is currently resident, without creating
// or loading one.
func (r *Registry) Peek(owner, id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[registryKey(owner, id)]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Remove drops the session from memory. Its history stays in the store
// and reloads on next access.
func (r *Registry) Remove(owner, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, registryKey(owner, id))
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// removeIfIdle drops the session only if it is still the resident entry
// for its conversation and still evictable at the moment of removal,
// both checked under the registry lock. Re-checking here closes the
// window where a request begins an exchange between an earlier idleness
// check and the delete.
func (r *Registry) removeIfIdle(s *Session, now time.Time, idleTTL time.Duration) bool {
	key := registryKey(s.owner, s.id)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[key]
	if !ok || entry.session != s {
		return false
	}
	if !s.evictable(now, idleTTL) {
		return false
	}
	delete(r.sessions, key)
	return true
}

// resident snapshots the current sessions for the evictor.
func (r *Registry) resident() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, entry := range r.sessions {
		out = append(out, entry.session)
	}
	return out
}
