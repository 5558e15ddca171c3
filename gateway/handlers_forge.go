// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"
	"strconv"

	"github.com/warden-gw/warden/forge"
	"github.com/warden-gw/warden/ratelimit"
)

type pullCreateRequest struct {
	Title string `json:"title" validate:"required,max=300"`
	Body  string `json:"body" validate:"max=65536"`
	Head  string `json:"head" validate:"required,max=255"`
	Base  string `json:"base" validate:"required,max=255"`
}

type commentRequest struct {
	Body string `json:"body" validate:"required,max=65536"`
}

type issueCreateRequest struct {
	Title  string   `json:"title" validate:"required,max=300"`
	Body   string   `json:"body" validate:"max=65536"`
	Labels []string `json:"labels" validate:"max=20,dive,max=60"`
}

func (o *operation) forgeKey() ratelimit.Key {
	return ratelimit.Key{TaskID: o.id.task, ContainerID: o.id.container}
}

// pathNumber parses a numeric path segment. A false return means the
// denial has been written.
func (o *operation) pathNumber(segment string) (int64, bool) {
	n, err := strconv.ParseInt(o.r.PathValue(segment), 10, 64)
	if err != nil || n < 1 {
		o.deny(http.StatusBadRequest, CodeValidationError, "malformed "+segment+" path segment", nil)
		return 0, false
	}
	return n, true
}

func (s *Server) handlePullCreate(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opPullCreate)

	var req pullCreateRequest
	if !o.decode(&req) {
		return
	}
	o.set("head", req.Head)
	o.set("base", req.Base)

	if !o.rateLimit(opForgeWrite, o.forgeKey()) {
		return
	}

	pull, err := s.forge.CreatePullRequest(r.Context(), s.forgeOwner, s.forgeRepo, forge.NewPullRequest{
		Title: req.Title,
		Body:  req.Body,
		Head:  req.Head,
		Base:  req.Base,
	})
	if err != nil {
		o.upstream(err)
		return
	}

	o.set("number", strconv.Itoa(pull.Number))
	o.ok(http.StatusCreated, pull)
}

func (s *Server) handlePullComment(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opCommentCreate)

	number, ok := o.pathNumber("number")
	if !ok {
		return
	}
	o.set("number", strconv.FormatInt(number, 10))

	var req commentRequest
	if !o.decode(&req) {
		return
	}
	if !o.rateLimit(opForgeWrite, o.forgeKey()) {
		return
	}

	comment, err := s.forge.CreateIssueComment(r.Context(), s.forgeOwner, s.forgeRepo, int(number), req.Body)
	if err != nil {
		o.upstream(err)
		return
	}

	o.ok(http.StatusCreated, comment)
}

// handlePullClose closes a pull request the gateway's own forge
// account opened. The author check runs against the upstream object
// at request time, never a cached copy.
func (s *Server) handlePullClose(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opPullClose)

	number, ok := o.pathNumber("number")
	if !ok {
		return
	}
	o.set("number", strconv.FormatInt(number, 10))

	if !o.rateLimit(opForgeWrite, o.forgeKey()) {
		return
	}

	pull, err := s.forge.GetPullRequest(r.Context(), s.forgeOwner, s.forgeRepo, int(number))
	if err != nil {
		o.upstream(err)
		return
	}

	decision := s.policy.CheckClose(s.forgeLogin, pull.User.Login)
	o.checks = decision.Checks
	if !decision.Allowed {
		o.deny(http.StatusForbidden, CodePolicyDenied, decision.Reason, nil)
		return
	}

	closed, err := s.forge.ClosePullRequest(r.Context(), s.forgeOwner, s.forgeRepo, int(number))
	if err != nil {
		o.upstream(err)
		return
	}

	o.ok(http.StatusOK, closed)
}

func (s *Server) handleIssueCreate(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opIssueCreate)

	var req issueCreateRequest
	if !o.decode(&req) {
		return
	}
	if !o.rateLimit(opForgeWrite, o.forgeKey()) {
		return
	}

	issue, err := s.forge.CreateIssue(r.Context(), s.forgeOwner, s.forgeRepo, forge.NewIssue{
		Title:  req.Title,
		Body:   req.Body,
		Labels: req.Labels,
	})
	if err != nil {
		o.upstream(err)
		return
	}

	o.set("number", strconv.Itoa(issue.Number))
	o.ok(http.StatusCreated, issue)
}

func (s *Server) handleCommentEdit(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opCommentEdit)

	commentID, ok := o.pathNumber("id")
	if !ok {
		return
	}
	o.set("comment_id", strconv.FormatInt(commentID, 10))

	var req commentRequest
	if !o.decode(&req) {
		return
	}
	if !o.rateLimit(opForgeWrite, o.forgeKey()) {
		return
	}

	comment, err := s.forge.GetComment(r.Context(), s.forgeOwner, s.forgeRepo, commentID)
	if err != nil {
		o.upstream(err)
		return
	}

	decision := s.policy.CheckEdit(s.forgeLogin, comment.User.Login)
	o.checks = decision.Checks
	if !decision.Allowed {
		o.deny(http.StatusForbidden, CodePolicyDenied, decision.Reason, nil)
		return
	}

	updated, err := s.forge.UpdateComment(r.Context(), s.forgeOwner, s.forgeRepo, commentID, req.Body)
	if err != nil {
		o.upstream(err)
		return
	}

	o.ok(http.StatusOK, updated)
}
