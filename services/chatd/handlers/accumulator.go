// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AccumulatorBufferSize is the capacity of one assistant draft.
	// Large enough for any realistic reply at 8K max tokens.
	AccumulatorBufferSize = 512 * 1024 // 512 KB

	// insecureMemoryEnvVar opts in to plain Go memory when mlocked
	// allocation is unavailable (containers with low RLIMIT_MEMLOCK).
	insecureMemoryEnvVar = "AUKLET_INSECURE_MEMORY"
)

var memguardInitOnce sync.Once

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// =============================================================================
// Interface Definition
// =============================================================================

// TokenAccumulator collects the assistant reply token by token while it
// streams to the client, producing the full text once at the end for the
// history commit.
//
// # Description
//
// The draft lives in mlocked memory (memguard) so partial model output
// does not get swapped to disk mid-generation. Finalize returns the
// accumulated text and wipes the buffer; Destroy wipes it without
// reading, which is the cancellation path.
//
// # Thread Safety
//
// Safe for concurrent use.
type TokenAccumulator interface {
	// Write appends one token to the draft.
	Write(token string) error

	// Len returns the accumulated byte length.
	Len() int

	// Finalize returns the full draft and destroys the buffer.
	Finalize() (string, error)

	// Destroy wipes the buffer without reading it. Idempotent; safe
	// after Finalize.
	Destroy()

	// ID returns the accumulator's identifier for log correlation.
	ID() string
}

// =============================================================================
// Secure Implementation
// =============================================================================

type secureTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	destroyed bool
}

var _ TokenAccumulator = (*secureTokenAccumulator)(nil)

// NewTokenAccumulator allocates an accumulator for one exchange.
//
// Falls back to plain Go memory when mlocked allocation fails and
// AUKLET_INSECURE_MEMORY=true; otherwise the allocation error is
// returned so the operator notices the misconfigured memlock limit.
func NewTokenAccumulator() (acc TokenAccumulator, err error) {
	initMemguard()

	defer func() {
		if r := recover(); r != nil {
			// memguard panics when the mlocked allocation fails.
			if os.Getenv(insecureMemoryEnvVar) == "true" {
				acc = newInsecureTokenAccumulator()
				err = nil
				return
			}
			err = fmt.Errorf("secure buffer allocation failed (raise RLIMIT_MEMLOCK or set %s=true): %v",
				insecureMemoryEnvVar, r)
		}
	}()

	buffer := memguard.NewBuffer(AccumulatorBufferSize)
	return &secureTokenAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buffer,
	}, nil
}

func (a *secureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if a.offset+len(token) > a.buffer.Size() {
		return fmt.Errorf("accumulator %s overflow: %d bytes exceeds capacity", a.id, a.offset+len(token))
	}

	a.buffer.Melt()
	copy(a.buffer.Bytes()[a.offset:], token)
	a.buffer.Freeze()
	a.offset += len(token)
	return nil
}

func (a *secureTokenAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *secureTokenAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator %s already destroyed", a.id)
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	a.buffer.Destroy()
	a.destroyed = true
	return answer, nil
}

func (a *secureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.buffer.Destroy()
	a.destroyed = true
	slog.Debug("destroyed token accumulator", "accumulator_id", a.id)
}

func (a *secureTokenAccumulator) ID() string {
	return a.id
}

// =============================================================================
// Insecure Fallback
// =============================================================================

// insecureTokenAccumulator uses standard Go memory. Data may be swapped
// to disk; only for systems where mlock is unavailable and the operator
// accepted the risk.
type insecureTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

var _ TokenAccumulator = (*insecureTokenAccumulator)(nil)

func newInsecureTokenAccumulator() TokenAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE token accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureTokenAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, 4096),
	}
}

func (a *insecureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if len(a.data)+len(token) > AccumulatorBufferSize {
		return fmt.Errorf("accumulator %s overflow: %d bytes exceeds capacity", a.id, len(a.data)+len(token))
	}
	a.data = append(a.data, token...)
	return nil
}

func (a *insecureTokenAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *insecureTokenAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	answer := string(a.data)
	a.wipe()
	return answer, nil
}

func (a *insecureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

// wipe zeroes and drops the slice. Best effort; the GC may already have
// copied it.
func (a *insecureTokenAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

func (a *insecureTokenAccumulator) ID() string {
	return a.id
}
