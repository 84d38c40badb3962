// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP handlers for the chatd service.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
	"github.com/auklet-ai/auklet/services/chatd/middleware"
	"github.com/auklet-ai/auklet/services/chatd/observability"
	"github.com/auklet-ai/auklet/services/chatd/relay"
	"github.com/auklet-ai/auklet/services/chatd/retrieval"
	"github.com/auklet-ai/auklet/services/chatd/session"
	"github.com/auklet-ai/auklet/services/llm"
)

var tracer = otel.Tracer("auklet.chatd.handlers")

// =============================================================================
// Constants
// =============================================================================

const (
	// keepAliveInterval is how often the stream sends an SSE comment to
	// keep intermediaries from timing out an idle connection.
	keepAliveInterval = 15 * time.Second

	// titleTimeout bounds the post-stream title generation call.
	titleTimeout = 10 * time.Second

	// titleMaxInputChars truncates exchange text fed to the title prompt.
	titleMaxInputChars = 500

	// titleMaxLen bounds the title delivered to clients.
	titleMaxLen = 100
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler handles the streaming chat endpoint.
//
// # Description
//
// One request is one exchange: the client posts a user message, the
// handler streams the assistant reply back as SSE frames, commits the
// finished reply to the conversation history, and ends the stream with
// exactly one terminal frame. Failures after streaming has begun are
// reported in-band as error frames; HTTP status codes only cover
// failures before the stream opens.
type StreamingChatHandler interface {
	// HandleChatStream handles POST /v1/chat/stream.
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// Config carries the dependencies and settings of the streaming handler.
type Config struct {
	LLMClient     llm.LLMClient
	Registry      *session.Registry
	Augmenter     retrieval.Augmenter
	Metrics       *observability.StreamingMetrics
	SystemPrompt  string
	ModelLabel    string
	RelayCapacity int
	GenParams     llm.GenerationParams
}

type streamingChatHandler struct {
	llmClient     llm.LLMClient
	registry      *session.Registry
	augmenter     retrieval.Augmenter
	metrics       *observability.StreamingMetrics
	systemPrompt  string
	modelLabel    string
	relayCapacity int
	genParams     llm.GenerationParams
}

var _ StreamingChatHandler = (*streamingChatHandler)(nil)

// NewStreamingChatHandler creates the streaming chat handler.
func NewStreamingChatHandler(cfg Config) StreamingChatHandler {
	params := cfg.GenParams
	params.EnsureDefaults()

	augmenter := cfg.Augmenter
	if augmenter == nil {
		augmenter = retrieval.NoopAugmenter{}
	}
	modelLabel := cfg.ModelLabel
	if modelLabel == "" {
		modelLabel = "default"
	}

	return &streamingChatHandler{
		llmClient:     cfg.LLMClient,
		registry:      cfg.Registry,
		augmenter:     augmenter,
		metrics:       cfg.Metrics,
		systemPrompt:  cfg.SystemPrompt,
		modelLabel:    modelLabel,
		relayCapacity: cfg.RelayCapacity,
		genParams:     params,
	}
}

// =============================================================================
// Handler
// =============================================================================

// HandleChatStream streams one assistant reply.
//
// Frame order on success: zero or more token frames, an optional title
// frame (first exchange only), then {"continuing": false}. On failure
// after the stream has opened: an {"error": ..., "continuing": false}
// frame and nothing else. A client disconnect ends the stream with no
// terminal frame; cancellation is not an error.
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	start := time.Now()
	success := false

	h.metrics.StreamStarted(observability.EndpointChatStream)
	defer func() {
		h.metrics.StreamEnded(observability.EndpointChatStream)
		h.metrics.RecordRequest(observability.EndpointChatStream, success)
		h.metrics.RecordStreamDuration(observability.EndpointChatStream, time.Since(start).Seconds(), success)
	}()

	userID := middleware.GetUserID(c)

	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("validation failed: %v", err)})
		return
	}
	req.EnsureDefaults()

	span.SetAttributes(
		attribute.String("chat.conversation_id", req.ConversationID),
		attribute.Int("chat.message_bytes", len(req.Message)),
	)

	// Everything past this point reports failures in-band.
	SetSSEHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		slog.Error("response writer does not support streaming", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	question := strings.TrimSpace(req.Message)
	if question == "" {
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeValidation)
		_ = sse.WriteError("message must not be empty")
		return
	}

	sess := h.registry.GetOrCreate(ctx, userID, req.ConversationID)
	if err := sess.BeginExchange(); err != nil {
		if errors.Is(err, session.ErrBusy) {
			h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeBusy)
			_ = sse.WriteError("a response is already streaming for this conversation")
			return
		}
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeInternal)
		_ = sse.WriteError("could not start the exchange")
		return
	}
	defer sess.EndExchange()

	// Retrieval is best-effort: failures log and the chat proceeds
	// without document context.
	systemPrompt := h.systemPrompt
	if docContext, err := h.augmenter.Augment(ctx, question); err != nil {
		slog.Warn("context retrieval failed, continuing without",
			"conversationId", req.ConversationID, "error", err)
	} else if docContext != "" {
		systemPrompt = composeSystemPrompt(h.systemPrompt, docContext)
	}

	// The user turn must be durable before any generation begins. If it
	// is not, the exchange never happened.
	if err := sess.AppendUser(ctx, question); err != nil {
		slog.Error("failed to persist user turn",
			"conversationId", req.ConversationID, "error", err)
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodePersistence)
		_ = sse.WriteError("could not save your message, please retry")
		return
	}

	messages := sess.Window(systemPrompt)

	acc, err := NewTokenAccumulator()
	if err != nil {
		slog.Error("failed to allocate token accumulator", "error", err)
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeInternal)
		_ = sse.WriteError("internal error")
		return
	}
	defer acc.Destroy()

	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	sender, receiver := relay.Open(h.relayCapacity)
	worker := relay.StartGeneration(genCtx, h.llmClient, messages, h.genParams, sender)

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runKeepAlive(sse, heartbeatDone)

	slog.Info("chat stream started",
		"conversationId", req.ConversationID,
		"user", userID,
		"historyMessages", len(messages),
	)

	tokenCount := 0
	firstToken := true

consume:
	for {
		ev, recvErr := receiver.RecvContext(ctx)
		if recvErr != nil {
			// Client went away mid-generation. Stop the engine, wait for
			// it to actually stop, and end with no terminal frame.
			receiver.Cancel()
			cancelGen()
			_ = worker.Wait()
			h.metrics.RecordClientDisconnect(observability.EndpointChatStream)
			slog.Info("client disconnected mid-stream",
				"conversationId", req.ConversationID, "tokens", tokenCount)
			return
		}

		switch ev.Type {
		case relay.EventToken:
			// Whitespace-only fragments carry no content worth a frame.
			if strings.TrimSpace(ev.Token) == "" {
				continue
			}
			if firstToken {
				firstToken = false
				h.metrics.RecordTimeToFirstToken(observability.EndpointChatStream, time.Since(start).Seconds())
			}
			if err := acc.Write(ev.Token); err != nil {
				receiver.Cancel()
				cancelGen()
				_ = worker.Wait()
				slog.Error("token accumulation failed",
					"conversationId", req.ConversationID, "error", err)
				h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeInternal)
				_ = sse.WriteError("internal error")
				return
			}
			if err := sse.WriteToken(ev.Token); err != nil {
				// A write failure means the connection is gone.
				receiver.Cancel()
				cancelGen()
				_ = worker.Wait()
				h.metrics.RecordClientDisconnect(observability.EndpointChatStream)
				slog.Info("stream write failed, client gone",
					"conversationId", req.ConversationID, "tokens", tokenCount)
				return
			}
			tokenCount++

		case relay.EventFailed:
			_ = worker.Wait()
			slog.Error("generation failed",
				"conversationId", req.ConversationID, "tokens", tokenCount, "error", ev.Err)
			h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeEngine)
			// The partial reply is discarded: nothing is committed for a
			// failed generation, on either side of the store.
			_ = sse.WriteError(sanitizeErrorForClient(ev.Err))
			return

		case relay.EventDone:
			break consume
		}
	}

	if err := worker.Wait(); err != nil {
		slog.Warn("worker reported error after clean terminal", "error", err)
	}

	h.metrics.RecordTokens(tokenCount, h.modelLabel)

	answer, err := acc.Finalize()
	if err != nil {
		slog.Error("failed to finalize reply", "conversationId", req.ConversationID, "error", err)
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodeInternal)
		_ = sse.WriteError("internal error")
		return
	}

	// The reply already reached the client, so the stream still succeeds
	// when the persist fails; the gap is logged for the operator.
	if err := sess.CommitAssistant(ctx, answer); err != nil {
		slog.Error("assistant turn not durable",
			"conversationId", req.ConversationID, "error", err)
		h.metrics.RecordError(observability.EndpointChatStream, observability.ErrorCodePersistence)
	}

	if sess.NeedsTitle() {
		title := h.generateTitle(ctx, question, answer)
		if err := sess.SetTitle(ctx, title); err != nil {
			slog.Warn("failed to persist conversation title",
				"conversationId", req.ConversationID, "error", err)
		}
		if err := sse.WriteTitle(title); err != nil {
			slog.Warn("failed to deliver title frame",
				"conversationId", req.ConversationID, "error", err)
		}
	}

	if err := sse.WriteDone(); err != nil {
		slog.Warn("failed to write terminal frame",
			"conversationId", req.ConversationID, "error", err)
		return
	}

	success = true
	slog.Info("chat stream completed",
		"conversationId", req.ConversationID,
		"tokens", tokenCount,
		"durationMs", time.Since(start).Milliseconds(),
	)
}

// runKeepAlive pings the client until the stream ends.
func (h *streamingChatHandler) runKeepAlive(sse SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sse.WriteKeepAlive(); err != nil {
				return
			}
			h.metrics.RecordKeepAlive(observability.EndpointChatStream)
		}
	}
}

// =============================================================================
// Title Generation
// =============================================================================

// generateTitle asks the backend for a short conversation title, falling
// back to a truncated echo of the question when the call fails. Title
// generation is a convenience; it never fails the stream.
func (h *streamingChatHandler) generateTitle(ctx context.Context, question, answer string) string {
	titleCtx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Generate a very short title (8 words max) for this conversation:\nUser: %s\nAI: %s\nTitle:",
		truncate(question, titleMaxInputChars),
		truncate(answer, titleMaxInputChars),
	)

	params := llm.GenerationParams{
		MaxTokens:   50,
		Temperature: 0.2,
		Sampling:    true,
		Stop:        []string{"\n", "User:", "AI:"},
	}
	params.EnsureDefaults()

	title, err := h.llmClient.Generate(titleCtx, prompt, params)
	if err != nil {
		slog.Warn("title generation failed, using fallback", "error", err)
		return fallbackTitle(question)
	}

	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" {
		return fallbackTitle(question)
	}
	return truncate(title, titleMaxLen)
}

// fallbackTitle derives a title from the user's question.
func fallbackTitle(question string) string {
	return "Chat: " + truncate(strings.TrimSpace(question), titleMaxLen)
}

// truncate cuts s to at most n bytes on a rune boundary, appending an
// ellipsis when it was cut, so multi-byte text never yields invalid
// UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// =============================================================================
// Helper Functions
// =============================================================================

// composeSystemPrompt prepends retrieved document context to the
// configured system prompt.
func composeSystemPrompt(base, docContext string) string {
	if base == "" {
		return "Use the following context to answer when relevant:\n\n" + docContext
	}
	return base + "\n\nUse the following context to answer when relevant:\n\n" + docContext
}

// sanitizeErrorForClient maps internal errors to a message safe to show
// a client. Engine internals (hostnames, model paths, stack fragments)
// never cross the wire.
func sanitizeErrorForClient(err error) string {
	if err == nil {
		return "generation failed"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "the generation engine is unavailable, please try again later"
	case strings.Contains(msg, "not found, try pulling it"):
		return "the configured model is not available on the engine"
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	default:
		return "generation failed, please try again"
	}
}
