// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/warden-gw/warden/audit"
	"github.com/warden-gw/warden/forge"
	"github.com/warden-gw/warden/ratelimit"
)

// operation tracks one mediated request through the pipeline so the
// handler cannot respond without exactly one audit entry. Every exit
// goes through deny, fail, or ok, all of which append before writing.
type operation struct {
	s  *Server
	w  http.ResponseWriter
	r  *http.Request
	id identity

	name    string
	summary map[string]string
	checks  map[string]bool
}

func (s *Server) operation(w http.ResponseWriter, r *http.Request, name string) *operation {
	return &operation{
		s:       s,
		w:       w,
		r:       r,
		id:      identityFrom(r.Context()),
		name:    name,
		summary: map[string]string{},
	}
}

func (o *operation) set(key, value string) {
	o.summary[key] = value
}

func (o *operation) check(name string, violated bool) {
	if o.checks == nil {
		o.checks = map[string]bool{}
	}
	o.checks[name] = violated
}

// append writes the audit entry for this request. A false return
// means the audit log is unavailable and the internal-error envelope
// has already been written; nothing else may be sent.
func (o *operation) append(outcome string) bool {
	_, err := o.s.audit.Append(o.r.Context(), audit.Record{
		Operation:   o.name,
		ContainerID: o.id.container,
		TaskID:      o.id.task,
		RequestID:   requestIDFrom(o.r.Context()),
		Summary:     o.summary,
		Outcome:     outcome,
		Checks:      o.checks,
	})
	if err != nil {
		o.s.logger.Error("audit append failed", "operation", o.name, "error", err)
		o.s.writeError(o.w, o.r, http.StatusInternalServerError, CodeInternalError, "audit log unavailable", nil)
		return false
	}
	return true
}

// deny rejects the request with the given envelope, audited as a
// denial.
func (o *operation) deny(status int, code, message string, details map[string]any) {
	o.set("reason", code)
	if !o.append(audit.OutcomeDenied) {
		return
	}
	o.s.writeError(o.w, o.r, status, code, message, details)
}

// fail reports an operational error, audited as such.
func (o *operation) fail(status int, code, message string) {
	o.set("reason", code)
	if !o.append(audit.OutcomeError) {
		return
	}
	o.s.writeError(o.w, o.r, status, code, message, nil)
}

// upstream maps a forge or upstream-transport error onto the
// envelope. Policy never sees upstream failures; they are operation
// errors, not denials.
func (o *operation) upstream(err error) {
	switch {
	case forge.IsNotFound(err):
		o.fail(http.StatusNotFound, CodeNotFound, "upstream object not found")
	case forge.IsValidationFailed(err):
		o.fail(http.StatusUnprocessableEntity, CodeValidationError, err.Error())
	default:
		o.s.logger.Warn("upstream call failed", "operation", o.name, "error", err)
		o.fail(http.StatusBadGateway, CodeUpstreamError, "upstream call failed")
	}
}

// internal fails closed on unexpected errors.
func (o *operation) internal(err error) {
	o.s.logger.Error("internal error", "operation", o.name, "error", err)
	o.fail(http.StatusInternalServerError, CodeInternalError, "internal error")
}

// ok completes the request, audited as allowed.
func (o *operation) ok(status int, body any) {
	if !o.append(audit.OutcomeAllowed) {
		return
	}
	writeJSON(o.w, status, body, o.s.logger)
}

// decode parses and validates the JSON payload. Validation failures
// are audited denials: the request was understood and rejected before
// any state change.
func (o *operation) decode(dst any) bool {
	body, err := io.ReadAll(io.LimitReader(o.r.Body, maxRequestBody))
	if err != nil {
		o.deny(http.StatusBadRequest, CodeValidationError, "reading request body", nil)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		o.deny(http.StatusBadRequest, CodeValidationError, "malformed JSON payload", nil)
		return false
	}
	if err := o.s.validate.Struct(dst); err != nil {
		o.deny(http.StatusBadRequest, CodeValidationError, "invalid request payload", validationDetails(err))
		return false
	}
	return true
}

// rateLimit evaluates the named limit table entry. On denial the
// response carries Retry-After and the audited entry names the
// exceeded scope.
func (o *operation) rateLimit(limitOp string, key ratelimit.Key) bool {
	denial, err := o.s.limiter.Allow(o.r.Context(), limitOp, key)
	if err != nil {
		o.internal(fmt.Errorf("rate limit: %w", err))
		return false
	}
	if denial == nil {
		return true
	}
	retryAfter := denial.RetryAfter
	seconds := int64((retryAfter + time.Second - 1) / time.Second)
	o.w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	o.set("rate_scope", denial.Scope)
	o.deny(http.StatusTooManyRequests, CodeRateLimitExceeded,
		fmt.Sprintf("%s limit exceeded on %s scope", limitOp, denial.Scope),
		map[string]any{
			"scope":          denial.Scope,
			"retry_after_ms": retryAfter.Milliseconds(),
		})
	return false
}
