// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/warden-gw/warden/audit"
	"github.com/warden-gw/warden/enrollment"
	"github.com/warden-gw/warden/queue"
	"github.com/warden-gw/warden/registry"
)

// Admin operation names. Mutating admin calls are audited like
// container calls; reads are not.
const (
	opAdminRegister     = "admin.register"
	opAdminRevoke       = "admin.revoke"
	opAdminMappingOpen  = "admin.mapping.create"
	opAdminMappingClose = "admin.mapping.close"
	opAdminReplay       = "admin.dlq.replay"
)

type registerRequest struct {
	ContainerID string `json:"container_id" validate:"required,max=128"`
	TaskID      string `json:"task_id" validate:"required,max=128"`
}

// handleAdminRegister issues registration material for a container.
// The token and shared secret in the response are the only plaintext
// copies that will ever exist.
func (s *Server) handleAdminRegister(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opAdminRegister)

	var req registerRequest
	if !o.decode(&req) {
		return
	}
	o.id = identity{container: req.ContainerID, task: req.TaskID}
	if !validIdentifier(req.ContainerID) || !validIdentifier(req.TaskID) {
		o.deny(http.StatusBadRequest, CodeValidationError, "malformed container or task identifier", nil)
		return
	}

	issued, err := s.enrollment.Register(r.Context(), req.ContainerID, req.TaskID)
	if err != nil {
		o.internal(err)
		return
	}

	o.ok(http.StatusCreated, map[string]string{
		"token":         issued.Token,
		"shared_secret": issued.SharedSecret,
	})
}

func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opAdminRevoke)
	o.id = identity{container: r.PathValue("container"), task: r.PathValue("task")}

	err := s.enrollment.Revoke(r.Context(), o.id.container, o.id.task)
	switch {
	case err == nil:
		o.ok(http.StatusOK, map[string]string{"status": enrollment.StatusRevoked})
	case errors.Is(err, enrollment.ErrNotFound):
		o.deny(http.StatusNotFound, CodeNotFound, "no such registration", nil)
	default:
		o.internal(err)
	}
}

type mappingCreateRequest struct {
	TaskID    string `json:"task_id" validate:"required,max=128"`
	ThreadID  string `json:"thread_id" validate:"required,max=128"`
	CreatedBy string `json:"created_by" validate:"max=128"`
}

func (s *Server) handleAdminMappingCreate(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opAdminMappingOpen)

	var req mappingCreateRequest
	if !o.decode(&req) {
		return
	}
	o.id = identity{task: req.TaskID}
	o.set("thread_id", req.ThreadID)
	if !validIdentifier(req.TaskID) {
		o.deny(http.StatusBadRequest, CodeValidationError, "malformed task identifier", nil)
		return
	}

	err := s.registry.Create(r.Context(), req.TaskID, req.ThreadID, req.CreatedBy)
	switch {
	case err == nil:
		o.ok(http.StatusCreated, map[string]string{"status": "active"})
	case errors.Is(err, registry.ErrTaskMapped):
		o.deny(http.StatusConflict, CodeValidationError, "task is already mapped to a thread", nil)
	case errors.Is(err, registry.ErrThreadMapped):
		o.deny(http.StatusConflict, CodeValidationError, "thread is already mapped to a task", nil)
	default:
		o.internal(err)
	}
}

func (s *Server) handleAdminMappingClose(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opAdminMappingClose)
	o.id = identity{task: r.PathValue("task")}

	err := s.registry.Close(r.Context(), o.id.task)
	switch {
	case err == nil:
		o.ok(http.StatusOK, map[string]string{"status": "closed"})
	case errors.Is(err, registry.ErrNotFound):
		o.deny(http.StatusNotFound, CodeNotFound, "no such mapping", nil)
	case errors.Is(err, registry.ErrNotActive):
		o.deny(http.StatusConflict, CodeValidationError, "mapping is not active", nil)
	default:
		o.internal(err)
	}
}

type deadLetterJSON struct {
	Message  messageJSON `json:"message"`
	Reason   string      `json:"reason"`
	FailedAt time.Time   `json:"failed_at"`
}

func (s *Server) handleAdminDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.queue.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternalError, "listing dead letters", nil)
		return
	}
	out := make([]deadLetterJSON, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterJSON{
			Message:  messageToJSON(dl.Message),
			Reason:   dl.Reason,
			FailedAt: dl.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out}, s.logger)
}

// handleAdminReplay requeues a dead letter. The task's mapping must
// still be active; replaying into a closed conversation is refused.
func (s *Server) handleAdminReplay(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opAdminReplay)

	messageID := r.PathValue("id")
	o.set("message_id", messageID)

	msg, err := s.queue.Get(r.Context(), messageID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		o.deny(http.StatusNotFound, CodeNotFound, "no such message", nil)
		return
	case err != nil:
		o.internal(err)
		return
	}
	o.id = identity{task: msg.TaskID}

	if _, err := s.registry.RequireActive(r.Context(), msg.TaskID); err != nil {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrNotActive) {
			o.deny(http.StatusConflict, CodeValidationError, "task mapping is not active", nil)
			return
		}
		o.internal(err)
		return
	}

	err = s.queue.Replay(r.Context(), messageID)
	switch {
	case err == nil:
		o.ok(http.StatusOK, map[string]string{"status": queue.StatusPending})
	case errors.Is(err, queue.ErrNotFound):
		o.deny(http.StatusNotFound, CodeNotFound, "message is not dead-lettered", nil)
	default:
		o.internal(err)
	}
}

type auditEntryJSON struct {
	Seq         int64             `json:"seq"`
	Timestamp   time.Time         `json:"timestamp"`
	Operation   string            `json:"operation"`
	ContainerID string            `json:"container_id,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Summary     map[string]string `json:"summary,omitempty"`
	Outcome     string            `json:"outcome"`
	Checks      map[string]bool   `json:"checks,omitempty"`
	PrevHash    string            `json:"prev_hash"`
	EntryHash   string            `json:"entry_hash"`
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		Operation: r.URL.Query().Get("operation"),
		Container: r.URL.Query().Get("container"),
		Task:      r.URL.Query().Get("task"),
		Outcome:   r.URL.Query().Get("outcome"),
		Limit:     100,
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, CodeValidationError, name+" must be RFC 3339", nil)
			return
		}
		*dst = at
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, r, http.StatusBadRequest, CodeValidationError, "limit must be between 1 and 1000", nil)
			return
		}
		q.Limit = n
	}

	entries, err := s.audit.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternalError, "querying audit log", nil)
		return
	}

	out := make([]auditEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryJSON{
			Seq:         e.Seq,
			Timestamp:   e.Timestamp,
			Operation:   e.Operation,
			ContainerID: e.ContainerID,
			TaskID:      e.TaskID,
			RequestID:   e.RequestID,
			Summary:     e.Summary,
			Outcome:     e.Outcome,
			Checks:      e.Checks,
			PrevHash:    e.PrevHash,
			EntryHash:   e.EntryHash,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out}, s.logger)
}

// handleAdminAuditVerify walks the retained chain.
func (s *Server) handleAdminAuditVerify(w http.ResponseWriter, r *http.Request) {
	err := s.audit.Verify(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"verified": true}, s.logger)
		return
	}
	var broken *audit.ChainBreakError
	if errors.As(err, &broken) {
		writeJSON(w, http.StatusOK, map[string]any{
			"verified":  false,
			"break_seq": broken.Seq,
		}, s.logger)
		return
	}
	s.writeError(w, r, http.StatusInternalServerError, CodeInternalError, "verifying audit chain", nil)
}
