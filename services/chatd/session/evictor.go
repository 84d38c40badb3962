// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"log/slog"
	"time"
)

const (
	// DefaultIdleTTL is how long a session may sit unused before the
	// evictor drops it from memory.
	DefaultIdleTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the evictor scans the registry.
	DefaultSweepInterval = 5 * time.Minute
)

// Evictor drops idle sessions from the registry so the process does not
// accumulate one Session per conversation ever touched. Eviction is an
// in-memory concern only: history stays durable in the store and the
// next request reloads it transparently.
type Evictor struct {
	registry *Registry
	idleTTL  time.Duration
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewEvictor creates an evictor for the registry. idleTTL is how long a
// session may sit unused before being dropped; interval is how often the
// sweep runs. Zero values select the defaults.
func NewEvictor(registry *Registry, idleTTL, interval time.Duration) *Evictor {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Evictor{
		registry: registry,
		idleTTL:  idleTTL,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (e *Evictor) Start() {
	go e.run()
}

// Stop halts the sweep and waits for the goroutine to finish.
func (e *Evictor) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Evictor) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

// sweep removes every evictable session. A session mid-exchange is never
// evicted regardless of age; the idleness check runs under the registry
// lock so a session just handed out by GetOrCreate is never swept.
func (e *Evictor) sweep(now time.Time) int {
	evicted := 0
	for _, s := range e.registry.resident() {
		if e.registry.removeIfIdle(s, now, e.idleTTL) {
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("evicted idle sessions", "count", evicted, "resident", e.registry.Len())
	}
	return evicted
}
