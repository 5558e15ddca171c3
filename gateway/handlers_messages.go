// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/warden-gw/warden/queue"
	"github.com/warden-gw/warden/ratelimit"
	"github.com/warden-gw/warden/registry"
)

type messageSendRequest struct {
	Text string `json:"text" validate:"required,max=4000"`

	// CorrelationID names the inbound message this is a reply to.
	// Sending a correlated reply claims the message; the claim is
	// first-responder-wins across containers. Unsolicited messages
	// leave it empty.
	CorrelationID string `json:"correlation_id" validate:"omitempty,uuid4"`
}

// messageJSON is the wire shape of a queued message.
type messageJSON struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	Sender        string    `json:"sender"`
	Body          string    `json:"body"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

func messageToJSON(m queue.Message) messageJSON {
	return messageJSON{
		ID:            m.ID,
		ThreadID:      m.ThreadID,
		Sender:        m.Sender,
		Body:          m.Body,
		CorrelationID: m.CorrelationID,
		Status:        m.Status,
		Attempts:      m.Attempts,
		CreatedAt:     m.CreatedAt,
	}
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opChatSend)

	var req messageSendRequest
	if !o.decode(&req) {
		return
	}
	if req.CorrelationID != "" {
		o.set("correlation_id", req.CorrelationID)
	}

	// The thread comes from the task's active mapping, never from
	// the request. A container cannot address another task's thread.
	mapping, err := s.registry.RequireActive(r.Context(), o.id.task)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNotFound):
		o.deny(http.StatusForbidden, CodeTaskNotAuthorized, "task has no thread mapping", nil)
		return
	case errors.Is(err, registry.ErrNotActive):
		o.deny(http.StatusForbidden, CodeTaskNotAuthorized, "task mapping is closed", nil)
		return
	default:
		o.internal(err)
		return
	}
	o.set("thread_id", mapping.ThreadID)

	if !o.rateLimit(opChatSend, ratelimit.Key{
		TaskID:      o.id.task,
		ContainerID: o.id.container,
		ThreadID:    mapping.ThreadID,
	}) {
		return
	}

	if req.CorrelationID != "" {
		if !o.claimForReply(req.CorrelationID) {
			return
		}
	}

	id, err := s.queue.EnqueueOutbound(r.Context(), o.id.task, mapping.ThreadID, o.id.container, req.Text, req.CorrelationID)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrTaskBacklog):
		o.deny(http.StatusServiceUnavailable, CodeBacklog, "task outbound queue is full",
			map[string]any{"scope": "task"})
		return
	case errors.Is(err, queue.ErrGlobalBacklog):
		o.deny(http.StatusServiceUnavailable, CodeBacklog, "outbound queue is full",
			map[string]any{"scope": "global"})
		return
	default:
		o.internal(err)
		return
	}

	o.set("message_id", id)
	o.ok(http.StatusAccepted, map[string]string{
		"id":     id,
		"status": queue.StatusPending,
	})
}

// claimForReply atomically claims the inbound message being replied
// to. A false return means the denial has been written.
func (o *operation) claimForReply(correlationID string) bool {
	msg, ok := o.ownedInbound(correlationID)
	if !ok {
		return false
	}
	if err := o.s.queue.Claim(o.r.Context(), msg.ID, o.id.container); err != nil {
		var held *queue.ClaimHeldError
		if errors.As(err, &held) {
			o.check("claim_held", true)
			o.deny(http.StatusConflict, CodeClaimHeld, "reply already claimed by another container",
				map[string]any{"holder": held.Holder})
			return false
		}
		o.internal(err)
		return false
	}
	return true
}

// ownedInbound loads an inbound message and verifies it belongs to
// the caller's task. A false return means the response has been
// written.
func (o *operation) ownedInbound(messageID string) (*queue.Message, bool) {
	msg, err := o.s.queue.Get(o.r.Context(), messageID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		o.deny(http.StatusNotFound, CodeNotFound, "no such message", nil)
		return nil, false
	case err != nil:
		o.internal(err)
		return nil, false
	}
	if msg.TaskID != o.id.task {
		o.deny(http.StatusForbidden, CodeTaskNotAuthorized, "message belongs to another task", nil)
		return nil, false
	}
	if msg.Direction != queue.DirectionInbound {
		o.deny(http.StatusBadRequest, CodeValidationError, "message is not inbound", nil)
		return nil, false
	}
	return msg, true
}

func (s *Server) handleMessageFetch(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opChatFetch)

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			o.deny(http.StatusBadRequest, CodeValidationError, "limit must be between 1 and 100", nil)
			return
		}
		limit = n
	}

	if !o.rateLimit(opChatFetch, ratelimit.Key{
		TaskID:      o.id.task,
		ContainerID: o.id.container,
	}) {
		return
	}

	msgs, err := s.queue.FetchForTask(r.Context(), o.id.task, limit)
	if err != nil {
		o.internal(err)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToJSON(m))
	}
	o.set("count", strconv.Itoa(len(out)))
	o.ok(http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleMessageAck(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opChatAck)

	messageID := r.PathValue("id")
	o.set("message_id", messageID)

	if _, ok := o.ownedInbound(messageID); !ok {
		return
	}

	if err := s.queue.Ack(r.Context(), messageID); err != nil {
		if errors.Is(err, queue.ErrTerminal) {
			o.deny(http.StatusConflict, CodeValidationError, "message is dead-lettered", nil)
			return
		}
		o.internal(err)
		return
	}

	o.ok(http.StatusOK, map[string]string{"status": queue.StatusAcked})
}

func (s *Server) handleMessageClaim(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opChatClaim)

	messageID := r.PathValue("id")
	o.set("message_id", messageID)

	if !o.claimForReply(messageID) {
		return
	}

	o.ok(http.StatusOK, map[string]string{"status": "claimed"})
}
