// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the comply service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header
// and compares it against the token configured at startup:
//
//	Request
//	   │
//	   ▼
//	TokenAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Constant-time compare against configured token
//	   │
//	   └─► 401 on mismatch, Next() on match
//
// # Open Mode
//
// When no token is configured (COMPLY_API_TOKEN unset), all requests pass
// through. This keeps local single-user deployments friction-free; anything
// network-exposed should set the token.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenAuth creates a Gin middleware that authenticates requests against a
// single static bearer token.
//
// # Description
//
// Comparison is constant-time so the token cannot be recovered through
// timing. An empty configured token disables authentication entirely (open
// mode); a missing or malformed Authorization header is treated as an empty
// presented token and rejected when a token is configured.
//
// # Inputs
//
//   - token: The expected bearer token. Empty disables auth.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with a route group.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.TokenAuth(os.Getenv("COMPLY_API_TOKEN")))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	expected := []byte(token)
	return func(c *gin.Context) {
		presented := []byte(extractBearerToken(c))
		if len(presented) != len(expected) ||
			subtle.ConstantTimeCompare(presented, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
//
// Expects "Bearer <token>"; the prefix is case-insensitive per RFC 7235.
// Returns empty string if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
