// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_TokensArriveInOrder(t *testing.T) {
	sender, receiver := Open(0)

	go func() {
		for i := 0; i < 100; i++ {
			assert.NoError(t, sender.Send(fmt.Sprintf("tok-%d", i)))
		}
		sender.Done()
	}()

	for i := 0; i < 100; i++ {
		ev := receiver.Recv()
		require.Equal(t, EventToken, ev.Type)
		assert.Equal(t, fmt.Sprintf("tok-%d", i), ev.Token)
	}
	ev := receiver.Recv()
	assert.Equal(t, EventDone, ev.Type)
}

func TestRelay_TerminalRecvIsIdempotent(t *testing.T) {
	sender, receiver := Open(4)
	sender.Done()

	first := receiver.Recv()
	require.Equal(t, EventDone, first.Type)

	// Further calls return the same terminal without blocking.
	for i := 0; i < 3; i++ {
		again := receiver.Recv()
		assert.Equal(t, first, again)
	}
}

func TestRelay_FailCarriesError(t *testing.T) {
	sender, receiver := Open(4)
	require.NoError(t, sender.Send("partial"))
	sender.Fail(fmt.Errorf("engine exploded"))

	ev := receiver.Recv()
	require.Equal(t, EventToken, ev.Type)

	ev = receiver.Recv()
	require.Equal(t, EventFailed, ev.Type)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "engine exploded")
}

func TestRelay_SendAfterDonePanics(t *testing.T) {
	sender, _ := Open(4)
	sender.Done()

	assert.Panics(t, func() {
		_ = sender.Send("too late")
	})
}

func TestRelay_SecondTerminalPanics(t *testing.T) {
	sender, _ := Open(4)
	sender.Done()

	assert.Panics(t, func() {
		sender.Fail(fmt.Errorf("already done"))
	})
}

func TestRelay_CancelUnblocksSender(t *testing.T) {
	sender, receiver := Open(1)
	require.NoError(t, sender.Send("fills the buffer"))

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sender.Send("blocked")
	}()

	// The send is parked on the full buffer; cancel must release it.
	time.Sleep(10 * time.Millisecond)
	receiver.Cancel()

	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Cancel")
	}
}

func TestRelay_SendAfterCancelReturnsError(t *testing.T) {
	sender, receiver := Open(4)
	receiver.Cancel()

	err := sender.Send("anything")
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestRelay_DoneAfterCancelIsDropped(t *testing.T) {
	sender, receiver := Open(1)
	require.NoError(t, sender.Send("fills the buffer"))
	receiver.Cancel()

	// Must not block or panic even with a full buffer.
	finished := make(chan struct{})
	go func() {
		sender.Done()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Done blocked after Cancel")
	}
}

func TestRelay_CancelIsIdempotent(t *testing.T) {
	_, receiver := Open(4)
	receiver.Cancel()
	assert.NotPanics(t, func() {
		receiver.Cancel()
	})
	assert.True(t, receiver.Cancelled())
}

func TestRelay_RecvContextReturnsOnContextEnd(t *testing.T) {
	_, receiver := Open(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := receiver.RecvContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelay_RecvContextStillIdempotentAfterTerminal(t *testing.T) {
	sender, receiver := Open(4)
	sender.Done()

	ev, err := receiver.RecvContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventDone, ev.Type)

	// Even with an already-cancelled context the cached terminal wins.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	again, err := receiver.RecvContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev, again)
}

func TestRelay_BackpressureBoundsBuffer(t *testing.T) {
	sender, receiver := Open(2)

	delivered := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			assert.NoError(t, sender.Send("x"))
		}
		close(delivered)
	}()

	// With capacity 2 the producer cannot finish before we drain.
	select {
	case <-delivered:
		t.Fatal("producer ran ahead of a full buffer")
	case <-time.After(20 * time.Millisecond):
	}

	for i := 0; i < 5; i++ {
		ev := receiver.Recv()
		require.Equal(t, EventToken, ev.Type)
	}
	<-delivered
}
