// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval augments chat prompts with document context fetched
// from a Weaviate index. Retrieval is strictly best-effort: a failed or
// empty lookup never fails the chat request and never touches session
// state.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("auklet.chatd.retrieval")

// DocumentChunkClassName is the Weaviate class holding indexed chunks.
const DocumentChunkClassName = "DocumentChunk"

// DefaultLimit is how many chunks a query pulls when unconfigured.
const DefaultLimit = 4

// Augmenter produces optional context text for a user query.
type Augmenter interface {
	// Augment returns context to prepend to the system prompt, or ""
	// when nothing relevant was found.
	Augment(ctx context.Context, query string) (string, error)
}

// =============================================================================
// Weaviate BM25 Augmenter
// =============================================================================

// WeaviateAugmenter retrieves chunks by BM25 keyword search.
type WeaviateAugmenter struct {
	client *weaviate.Client
	limit  int
}

var _ Augmenter = (*WeaviateAugmenter)(nil)

// NewWeaviateAugmenter creates an augmenter over the given client.
// limit <= 0 selects DefaultLimit.
func NewWeaviateAugmenter(client *weaviate.Client, limit int) *WeaviateAugmenter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &WeaviateAugmenter{client: client, limit: limit}
}

// Augment runs a BM25 search over indexed chunks and joins the matching
// content into one context block.
func (a *WeaviateAugmenter) Augment(ctx context.Context, query string) (string, error) {
	ctx, span := tracer.Start(ctx, "WeaviateAugmenter.Augment")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.limit", a.limit))

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
	}

	result, err := a.client.GraphQL().Get().
		WithClassName(DocumentChunkClassName).
		WithFields(fields...).
		WithBM25(a.client.GraphQL().Bm25ArgBuilder().WithQuery(query)).
		WithLimit(a.limit).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieval query failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("retrieval query error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return "", nil // No results
	}
	objects, ok := data[DocumentChunkClassName].([]interface{})
	if !ok || len(objects) == 0 {
		return "", nil // No results
	}

	var chunks []string
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue // skip malformed objects
		}
		content := getString(m, "content")
		if content == "" {
			continue
		}
		if source := getString(m, "source"); source != "" {
			chunks = append(chunks, fmt.Sprintf("[%s]\n%s", source, content))
		} else {
			chunks = append(chunks, content)
		}
	}
	if len(chunks) == 0 {
		return "", nil
	}

	slog.Debug("retrieved context chunks", "count", len(chunks))
	return strings.Join(chunks, "\n\n"), nil
}

// getString safely extracts a string from a map.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// =============================================================================
// Noop Augmenter
// =============================================================================

// NoopAugmenter is used when no Weaviate endpoint is configured.
type NoopAugmenter struct{}

var _ Augmenter = NoopAugmenter{}

// Augment always returns empty context.
func (NoopAugmenter) Augment(ctx context.Context, query string) (string, error) {
	return "", nil
}
