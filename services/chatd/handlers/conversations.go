// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
	"github.com/auklet-ai/auklet/services/chatd/middleware"
	"github.com/auklet-ai/auklet/services/chatd/store"
)

// ConversationHandler serves the non-streaming conversation endpoints:
// explicit create, listing, and history readback. All lookups are scoped
// to the authenticated owner, so one user's conversation ids are
// meaningless to another user.
type ConversationHandler interface {
	// HandleCreate handles POST /v1/conversations.
	HandleCreate(c *gin.Context)

	// HandleList handles GET /v1/conversations.
	HandleList(c *gin.Context)

	// HandleHistory handles GET /v1/conversations/:conversationId/history.
	HandleHistory(c *gin.Context)
}

type conversationHandler struct {
	store store.TurnStore
}

var _ ConversationHandler = (*conversationHandler)(nil)

// NewConversationHandler creates the conversation handler.
func NewConversationHandler(st store.TurnStore) ConversationHandler {
	return &conversationHandler{store: st}
}

// HandleCreate registers a new empty conversation and returns its id.
// Clients that prefer server-assigned ids call this before streaming;
// clients that mint their own UUID can skip it, since streaming to an
// unknown conversation creates it implicitly.
func (h *conversationHandler) HandleCreate(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID := uuid.New().String()

	if err := h.store.CreateConversation(c.Request.Context(), userID, conversationID); err != nil {
		slog.Error("failed to create conversation", "owner", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	slog.Info("conversation created", "conversationId", conversationID, "owner", userID)
	c.JSON(http.StatusCreated, gin.H{"conversation_id": conversationID})
}

// HandleList returns the caller's conversations, newest first.
func (h *conversationHandler) HandleList(c *gin.Context) {
	userID := middleware.GetUserID(c)

	infos, err := h.store.Conversations(c.Request.Context(), userID)
	if err != nil {
		slog.Error("failed to list conversations", "owner", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	if infos == nil {
		infos = []datatypes.ConversationInfo{}
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": infos,
		"count":         len(infos),
	})
}

// HandleHistory returns the full persisted turn log of one conversation
// in append order.
func (h *conversationHandler) HandleHistory(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID := c.Param("conversationId")

	if _, err := uuid.Parse(conversationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	// Existence is checked via the meta record so an empty conversation
	// and an unknown one answer differently.
	title, err := h.store.GetTitle(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		slog.Error("failed to read conversation meta",
			"conversationId", conversationID, "owner", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read conversation"})
		return
	}

	turns, err := h.store.ReadAll(c.Request.Context(), userID, conversationID)
	if err != nil {
		slog.Error("failed to read conversation history",
			"conversationId", conversationID, "owner", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read conversation"})
		return
	}
	if turns == nil {
		turns = []datatypes.Turn{}
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"title":           title,
		"turns":           turns,
		"count":           len(turns),
	})
}
