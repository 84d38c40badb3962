// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_WriteThenFinalize(t *testing.T) {
	acc, err := NewTokenAccumulator()
	require.NoError(t, err)
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello"))
	require.NoError(t, acc.Write(", "))
	require.NoError(t, acc.Write("world"))
	assert.Equal(t, 12, acc.Len())

	answer, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", answer)
}

func TestAccumulator_WriteAfterFinalizeFails(t *testing.T) {
	acc, err := NewTokenAccumulator()
	require.NoError(t, err)

	require.NoError(t, acc.Write("x"))
	_, err = acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("y"))
	_, err = acc.Finalize()
	assert.Error(t, err)
}

func TestAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc, err := NewTokenAccumulator()
	require.NoError(t, err)

	require.NoError(t, acc.Write("secret"))
	acc.Destroy()
	acc.Destroy()

	assert.Error(t, acc.Write("after"))
}

func TestAccumulator_HasID(t *testing.T) {
	acc, err := NewTokenAccumulator()
	require.NoError(t, err)
	defer acc.Destroy()

	assert.NotEmpty(t, acc.ID())
}

func TestInsecureAccumulator_OverflowRejected(t *testing.T) {
	acc := newInsecureTokenAccumulator()
	defer acc.Destroy()

	big := strings.Repeat("a", AccumulatorBufferSize)
	require.NoError(t, acc.Write(big))
	assert.Error(t, acc.Write("one more byte"))
}

func TestInsecureAccumulator_WriteThenFinalize(t *testing.T) {
	acc := newInsecureTokenAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("a"))
	require.NoError(t, acc.Write("b"))
	assert.Equal(t, 2, acc.Len())

	answer, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "ab", answer)
}
