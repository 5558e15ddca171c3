// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"net/http"

	"github.com/warden-gw/warden/enrollment"
)

// activateRequest completes the registration handshake. It is the
// only authenticated-surface request that arrives without the bearer
// secret: possession is proven by the HMAC proof instead.
type activateRequest struct {
	ContainerID string `json:"container_id" validate:"required,max=128"`
	TaskID      string `json:"task_id" validate:"required,max=128"`
	Token       string `json:"token" validate:"required,max=256"`
	Proof       string `json:"proof" validate:"required,len=64,hexadecimal"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opActivate)

	var req activateRequest
	if !o.decode(&req) {
		return
	}
	o.id = identity{container: req.ContainerID, task: req.TaskID}
	if !validIdentifier(req.ContainerID) || !validIdentifier(req.TaskID) {
		o.deny(http.StatusBadRequest, CodeValidationError, "malformed container or task identifier", nil)
		return
	}

	err := s.enrollment.Activate(r.Context(), req.ContainerID, req.TaskID, req.Token, req.Proof)
	switch {
	case err == nil:
		o.ok(http.StatusOK, map[string]string{"status": "active"})
	case errors.Is(err, enrollment.ErrNotFound):
		o.deny(http.StatusForbidden, CodeUnauthorized, "unknown registration", nil)
	case errors.Is(err, enrollment.ErrNotPending):
		o.deny(http.StatusForbidden, CodeUnauthorized, "registration is not pending", nil)
	case errors.Is(err, enrollment.ErrBadProof):
		o.deny(http.StatusForbidden, CodeUnauthorized, "activation proof rejected", nil)
	case errors.Is(err, enrollment.ErrWindowClosed):
		o.deny(http.StatusForbidden, CodeUnauthorized, "activation window closed", nil)
	default:
		o.internal(err)
	}
}
