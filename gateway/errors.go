// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Error codes carried in the response envelope.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeTaskNotAuthorized = "TASK_NOT_AUTHORIZED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeValidationError   = "VALIDATION_ERROR"
	CodePolicyDenied      = "POLICY_DENIED"
	CodeClaimHeld         = "CLAIM_HELD"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeBacklog           = "BACKLOG"
	CodeNotFound          = "NOT_FOUND"
	CodeInternalError     = "INTERNAL_ERROR"
)

// errorBody is the inner object of the error envelope.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// errorEnvelope is the uniform error response shape. Every error,
// container- or admin-facing, uses it.
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// writeJSON writes a JSON response. The request ID header is set by
// the middleware before any handler runs.
func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("encoding response", "error", err)
	}
}

// writeError writes the error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{
		Error: errorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: requestIDFrom(r.Context()),
		Timestamp: s.clock.Now().UTC(),
	}, s.logger)
}
