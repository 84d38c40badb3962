// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
)

const (
	testOwner = "user-1"
	testConv  = "conv-abc"
)

func newTestStore(t *testing.T) *BadgerTurnStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTurnStore_AppendAssignsIncreasingSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, testOwner, testConv, datatypes.Turn{Role: datatypes.RoleUser, Content: "hi"})
	require.NoError(t, err)
	second, err := s.Append(ctx, testOwner, testConv, datatypes.Turn{Role: datatypes.RoleAssistant, Content: "hello"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.NotZero(t, first.CreatedAt)
}

func TestTurnStore_ReadAllReturnsAppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Enough turns that key ordering would break with naive decimal keys.
	const n = 300
	for i := 0; i < n; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		_, err := s.Append(ctx, testOwner, testConv, datatypes.Turn{Role: role, Content: fmt.Sprintf("turn-%d", i)})
		require.NoError(t, err)
	}

	turns, err := s.ReadAll(ctx, testOwner, testConv)
	require.NoError(t, err)
	require.Len(t, turns, n)
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("turn-%d", i), turn.Content)
		assert.Equal(t, uint64(i+1), turn.Seq)
	}
}

func TestTurnStore_ReadAllUnknownConversationIsEmpty(t *testing.T) {
	s := newTestStore(t)

	turns, err := s.ReadAll(context.Background(), testOwner, "never-seen")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestTurnStore_ConversationsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testOwner, "conv-a", datatypes.Turn{Role: datatypes.RoleUser, Content: "a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, testOwner, "conv-b", datatypes.Turn{Role: datatypes.RoleUser, Content: "b"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "other-user", "conv-a", datatypes.Turn{Role: datatypes.RoleUser, Content: "not yours"})
	require.NoError(t, err)

	turns, err := s.ReadAll(ctx, testOwner, "conv-a")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "a", turns[0].Content)
}

func TestTurnStore_TitleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testOwner, testConv, datatypes.Turn{Role: datatypes.RoleUser, Content: "hi"})
	require.NoError(t, err)

	// Untitled but existing conversation: empty title, no error.
	title, err := s.GetTitle(ctx, testOwner, testConv)
	require.NoError(t, err)
	assert.Empty(t, title)

	require.NoError(t, s.SetTitle(ctx, testOwner, testConv, "Greetings"))
	title, err = s.GetTitle(ctx, testOwner, testConv)
	require.NoError(t, err)
	assert.Equal(t, "Greetings", title)
}

func TestTurnStore_GetTitleUnknownConversation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTitle(context.Background(), testOwner, "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTurnStore_SetTitlePreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testOwner, testConv))
	before, err := s.Conversations(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, s.SetTitle(ctx, testOwner, testConv, "titled"))
	after, err := s.Conversations(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].CreatedAt, after[0].CreatedAt)
	assert.Equal(t, "titled", after[0].Title)
}

func TestTurnStore_CreateConversationIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testOwner, testConv))
	require.NoError(t, s.CreateConversation(ctx, testOwner, testConv))

	infos, err := s.Conversations(ctx, testOwner)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestTurnStore_ConversationsListsOnlyOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testOwner, "conv-1"))
	require.NoError(t, s.CreateConversation(ctx, testOwner, "conv-2"))
	require.NoError(t, s.CreateConversation(ctx, "someone-else", "conv-3"))

	infos, err := s.Conversations(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.NotEqual(t, "conv-3", info.ID)
	}
}

func TestTurnStore_OwnerIDsWithColonsStayIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Gateway identities are unrestricted; "alice" must never be a key
	// prefix of "alice:tenant1".
	_, err := s.Append(ctx, "alice:tenant1", testConv,
		datatypes.Turn{Role: datatypes.RoleUser, Content: "tenant data"})
	require.NoError(t, err)

	infos, err := s.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, infos, "owner \"alice\" must not see conversations of owner \"alice:tenant1\"")

	turns, err := s.ReadAll(ctx, "alice", testConv)
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, err = s.GetTitle(ctx, "alice", testConv)
	assert.ErrorIs(t, err, ErrNotFound)

	// The real owner still sees its own data.
	infos, err = s.Conversations(ctx, "alice:tenant1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	turns, err = s.ReadAll(ctx, "alice:tenant1", testConv)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "tenant data", turns[0].Content)
}

func TestTurnStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Append(ctx, testOwner, testConv, datatypes.Turn{Role: datatypes.RoleUser, Content: "survive me"})
	require.NoError(t, err)
	require.NoError(t, s.SetTitle(ctx, testOwner, testConv, "durable"))
	require.NoError(t, s.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	turns, err := reopened.ReadAll(ctx, testOwner, testConv)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "survive me", turns[0].Content)

	title, err := reopened.GetTitle(ctx, testOwner, testConv)
	require.NoError(t, err)
	assert.Equal(t, "durable", title)
}
