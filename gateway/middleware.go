// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/warden-gw/warden/audit"
	"github.com/warden-gw/warden/enrollment"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	identityKey
)

// identity is the authenticated caller of a container API request.
type identity struct {
	container string
	task      string
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey).(identity)
	return id
}

// withRequestID assigns every request a fresh ID and echoes it in the
// response header. Requests never choose their own ID.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// authenticate resolves the caller's (container, task) registration
// from the identity headers and the bearer shared secret. Failures
// are audited: a wrong or missing secret is UNAUTHORIZED, a secret
// that cannot be tied to an active registration for the named task is
// TASK_NOT_AUTHORIZED.
func (s *Server) authenticate(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		containerID := r.Header.Get("X-Warden-Container")
		taskID := r.Header.Get("X-Warden-Task")
		sharedSecret := bearerToken(r)

		if containerID == "" || taskID == "" || sharedSecret == "" {
			s.denyAuth(w, r, containerID, taskID, http.StatusUnauthorized,
				CodeUnauthorized, "missing identity headers or bearer secret")
			return
		}

		if err := s.enrollment.Authorize(r.Context(), containerID, taskID, sharedSecret); err != nil {
			if !errors.Is(err, enrollment.ErrNotAuthorized) {
				s.writeError(w, r, http.StatusInternalServerError, CodeInternalError, "authorization check failed", nil)
				return
			}
			status, code, message := s.classifyAuthFailure(r, containerID, taskID)
			s.denyAuth(w, r, containerID, taskID, status, code, message)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity{container: containerID, task: taskID})
		next(w, r.WithContext(ctx))
	})
}

// classifyAuthFailure distinguishes a bad secret from a missing
// registration. An active registration for the pair means the secret
// was wrong; anything else means this container holds no authority
// over the named task.
func (s *Server) classifyAuthFailure(r *http.Request, containerID, taskID string) (status int, code, message string) {
	reg, err := s.enrollment.Get(r.Context(), containerID, taskID)
	if err == nil && reg.Status == enrollment.StatusActive {
		return http.StatusUnauthorized, CodeUnauthorized, "invalid shared secret"
	}
	return http.StatusForbidden, CodeTaskNotAuthorized, "no active registration for this container and task"
}

// denyAuth audits the rejected attempt and writes the envelope.
func (s *Server) denyAuth(w http.ResponseWriter, r *http.Request, containerID, taskID string, status int, code, message string) {
	_, err := s.audit.Append(r.Context(), audit.Record{
		Operation:   opAuth,
		ContainerID: containerID,
		TaskID:      taskID,
		RequestID:   requestIDFrom(r.Context()),
		Summary:     map[string]string{"path": r.URL.Path, "reason": code},
		Outcome:     audit.OutcomeDenied,
	})
	if err != nil {
		s.logger.Error("audit append failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, CodeInternalError, "audit log unavailable", nil)
		return
	}
	s.writeError(w, r, status, code, message, nil)
}

// adminAuthenticate verifies the operator bearer secret against the
// configured bcrypt hash.
func (s *Server) adminAuthenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(s.adminSecretBcrypt), []byte(token)) != nil {
			s.writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid admin secret", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
