// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/warden-gw/warden/gitexec"
	"github.com/warden-gw/warden/ratelimit"
)

// gitPushRequest asks for a push of the task workspace. The remote
// and repository directory are fixed by configuration; only the
// branch and the (always rejected) force flag come from the caller.
type gitPushRequest struct {
	Branch string `json:"branch" validate:"required,max=255"`
	Force  bool   `json:"force"`
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request) {
	o := s.operation(w, r, opGitPush)

	var req gitPushRequest
	if !o.decode(&req) {
		return
	}
	o.set("branch", req.Branch)
	o.set("force", strconv.FormatBool(req.Force))

	if err := gitexec.ValidateBranch(req.Branch); err != nil {
		o.deny(http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}
	if !o.rateLimit(opGitPush, ratelimit.Key{
		TaskID:      o.id.task,
		ContainerID: o.id.container,
	}) {
		return
	}

	decision := s.policy.CheckPush(req.Branch, req.Force)
	o.checks = decision.Checks
	if !decision.Allowed {
		o.deny(http.StatusForbidden, CodePolicyDenied, decision.Reason, nil)
		return
	}

	err := s.git.Push(r.Context(), gitexec.PushRequest{
		RepoDir: filepath.Join(s.workspacesDir, o.id.task),
		Remote:  s.gitRemote,
		Branch:  req.Branch,
	}, s.pushCredential)
	if err != nil {
		o.upstream(err)
		return
	}

	o.ok(http.StatusOK, map[string]string{
		"branch": req.Branch,
		"status": "pushed",
	})
}
