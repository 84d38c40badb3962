// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
)

func newTestSSEWriter(t *testing.T) (SSEWriter, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	require.NoError(t, err)
	return sse, rec
}

func TestSSEWriter_TokenFrameWireFormat(t *testing.T) {
	sse, rec := newTestSSEWriter(t)

	require.NoError(t, sse.WriteToken("hello"))
	assert.Equal(t, "data: {\"token\":\"hello\",\"continuing\":true}\n\n", rec.Body.String())
}

func TestSSEWriter_DoneFrameWireFormat(t *testing.T) {
	sse, rec := newTestSSEWriter(t)

	require.NoError(t, sse.WriteDone())
	assert.Equal(t, "data: {\"continuing\":false}\n\n", rec.Body.String())
}

func TestSSEWriter_ErrorFrameWireFormat(t *testing.T) {
	sse, rec := newTestSSEWriter(t)

	require.NoError(t, sse.WriteError("something broke"))
	assert.Equal(t, "data: {\"continuing\":false,\"error\":\"something broke\"}\n\n", rec.Body.String())
}

func TestSSEWriter_TitleFrameWireFormat(t *testing.T) {
	sse, rec := newTestSSEWriter(t)

	require.NoError(t, sse.WriteTitle("Trip Planning"))
	assert.Equal(t, "data: {\"title\":\"Trip Planning\"}\n\n", rec.Body.String())
}

func TestSSEWriter_NothingAfterTerminal(t *testing.T) {
	sse, rec := newTestSSEWriter(t)

	require.NoError(t, sse.WriteToken("a"))
	require.NoError(t, sse.WriteDone())

	assert.ErrorIs(t, sse.WriteToken("b"), ErrStreamClosed)
	assert.ErrorIs(t, sse.WriteTitle("late"), ErrStreamClosed)
	assert.ErrorIs(t, sse.WriteDone(), ErrStreamClosed)
	assert.ErrorIs(t, sse.WriteError("late"), ErrStreamClosed)
	assert.ErrorIs(t, sse.WriteKeepAlive(), ErrStreamClosed)

	// The body contains exactly the two frames written before the terminal.
	assert.Equal(t,
		"data: {\"token\":\"a\",\"continuing\":true}\n\ndata: {\"continuing\":false}\n\n",
		rec.Body.String())
}

func TestSSEWriter_ErrorFrameIsTerminal(t *testing.T) {
	sse, _ := newTestSSEWriter(t)

	require.NoError(t, sse.WriteError("boom"))
	assert.ErrorIs(t, sse.WriteToken("after"), ErrStreamClosed)
}

func TestSSEWriter_KeepAliveIsComment(t *testing.T) {
	sse, rec := newTestSSEWriter(t)

	require.NoError(t, sse.WriteKeepAlive())
	assert.Equal(t, ": ping\n\n", rec.Body.String())
}

func TestSSEWriter_TitleIsNotTerminal(t *testing.T) {
	sse, _ := newTestSSEWriter(t)

	require.NoError(t, sse.WriteTitle("Trip Planning"))
	assert.NoError(t, sse.WriteDone())
}

// noFlushWriter hides the Flusher interface of the embedded recorder.
type noFlushWriter struct {
	http.ResponseWriter
}

func TestSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestSSEWriter_SetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestStreamFrame_IsTerminal(t *testing.T) {
	assert.False(t, datatypes.TokenFrame("x").IsTerminal())
	assert.False(t, datatypes.TitleFrame("x").IsTerminal())
	assert.True(t, datatypes.DoneFrame().IsTerminal())
	assert.True(t, datatypes.ErrorFrame("x").IsTerminal())
}
