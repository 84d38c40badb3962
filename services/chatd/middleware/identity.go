// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the chatd service.
//
// # Identity Flow
//
// Authentication itself lives in the fronting gateway; chatd trusts the
// user identity the gateway forwards in the X-Auklet-User header. Every
// store key and session lookup is scoped by that identity, so one user
// can never read or extend another user's conversations. Requests that
// arrive without the header (local development, CLI against a bare
// instance) run as "anonymous".
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// UserIDHeader is the header the gateway sets after authenticating.
const UserIDHeader = "X-Auklet-User"

// AnonymousUser is the identity used when no header is present.
const AnonymousUser = "anonymous"

// userIDKey is the Gin context key for the resolved user id.
const userIDKey = "auklet_user_id"

// SetUserID stores the resolved user id in the Gin context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// GetUserID retrieves the resolved user id from the Gin context.
// Returns AnonymousUser when the identity middleware did not run.
func GetUserID(c *gin.Context) string {
	if v, exists := c.Get(userIDKey); exists {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return AnonymousUser
}

// Identity creates a Gin middleware that resolves the request's user
// identity from the forwarded header.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			userID = AnonymousUser
		}
		SetUserID(c, userID)
		c.Next()
	}
}
