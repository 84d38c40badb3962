// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the chatd service.
//
// This file contains request, frame, and persistence types for the
// streaming chat endpoints.
package datatypes

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Byte length, not rune count, to bound memory per request.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// RoleSystem, RoleUser, RoleAssistant are the message roles understood
	// by every backend.
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message content size
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Message Types
// =============================================================================

// Message is a single chat message as sent to an LLM backend.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// =============================================================================
// Chat Stream Request
// =============================================================================

// ChatStreamRequest represents the body of POST /v1/chat/stream.
//
// # Description
//
// Carries a single user message and the conversation it belongs to.
// The server owns the conversation history; clients never resend it.
//
// # Fields
//
//   - Message: The user's message text. Limited to 32KB. Whether the
//     message is non-empty is checked by the stream controller, not here,
//     because the rejection must arrive as a stream frame.
//   - ConversationID: Optional. UUID of an existing conversation. A new
//     conversation is created when empty.
//
// # Validation
//
// Uses go-playground/validator. Call Validate() after binding.
type ChatStreamRequest struct {
	Message        string `json:"message" validate:"maxbytes"`
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid4"`
}

// Validate validates the ChatStreamRequest fields.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates a conversation ID when the client did not
// provide one.
func (r *ChatStreamRequest) EnsureDefaults() {
	if r.ConversationID == "" {
		r.ConversationID = uuid.New().String()
	}
}

// =============================================================================
// Stream Frame
// =============================================================================

// StreamFrame is the JSON payload of one SSE data frame.
//
// # Description
//
// Exactly one of four shapes goes over the wire:
//
//	{"token": "...", "continuing": true}   content token
//	{"title": "..."}                       conversation title, at most once
//	{"continuing": false}                  successful end of stream
//	{"error": "...", "continuing": false}  failure, always terminal
//
// Continuing is a pointer so that false survives serialization on terminal
// frames while title frames omit the key entirely.
type StreamFrame struct {
	Token      string `json:"token,omitempty"`
	Continuing *bool  `json:"continuing,omitempty"`
	Error      string `json:"error,omitempty"`
	Title      string `json:"title,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// TokenFrame builds a content token frame.
func TokenFrame(token string) StreamFrame {
	return StreamFrame{Token: token, Continuing: boolPtr(true)}
}

// TitleFrame builds a conversation title frame.
func TitleFrame(title string) StreamFrame {
	return StreamFrame{Title: title}
}

// DoneFrame builds the successful terminal frame.
func DoneFrame() StreamFrame {
	return StreamFrame{Continuing: boolPtr(false)}
}

// ErrorFrame builds the failing terminal frame.
func ErrorFrame(message string) StreamFrame {
	return StreamFrame{Error: message, Continuing: boolPtr(false)}
}

// IsTerminal reports whether the frame ends the stream.
func (f StreamFrame) IsTerminal() bool {
	return f.Continuing != nil && !*f.Continuing
}

// =============================================================================
// Persistence Types
// =============================================================================

// Turn is one persisted conversation turn.
type Turn struct {
	Seq       uint64 `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // Unix milliseconds UTC
}

// AsMessage converts a stored turn back into an LLM message.
func (t Turn) AsMessage() Message {
	return Message{Role: t.Role, Content: t.Content}
}

// ConversationInfo is the listing view of a conversation.
type ConversationInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"` // Unix milliseconds UTC
}
