// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/warden-gw/warden/audit"
	"github.com/warden-gw/warden/forge"
	"github.com/warden-gw/warden/policy"
)

func TestGitPushAllowed(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	resp := env.containerDo(t, http.MethodPost, "/v1/git/push", map[string]any{
		"branch": "feature/rate-limits",
	}, id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	pushes := env.git.pushed()
	if len(pushes) != 1 {
		t.Fatalf("recorded %d pushes, want 1", len(pushes))
	}
	push := pushes[0]
	if push.RepoDir != filepath.Join(env.workspaces, "task-1") {
		t.Errorf("repo dir = %q, derived from the wrong task", push.RepoDir)
	}
	if push.Remote != "origin" || push.Branch != "feature/rate-limits" {
		t.Errorf("unexpected push: %+v", push)
	}

	entry := env.lastAudit(t, opGitPush)
	if entry.Outcome != audit.OutcomeAllowed {
		t.Errorf("audit outcome = %q", entry.Outcome)
	}
	if entry.Checks[policy.CheckForcePush] || entry.Checks[policy.CheckProtectedBranch] {
		t.Errorf("audit checks report a violation: %v", entry.Checks)
	}
}

func TestGitPushForceDenied(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	resp := env.containerDo(t, http.MethodPost, "/v1/git/push", map[string]any{
		"branch": "feature/x",
		"force":  true,
	}, id)
	wantEnvelope(t, resp, http.StatusForbidden, CodePolicyDenied)

	if len(env.git.pushed()) != 0 {
		t.Error("force push reached the git runner")
	}
	entry := env.lastAudit(t, opGitPush)
	if entry.Outcome != audit.OutcomeDenied || !entry.Checks[policy.CheckForcePush] {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestGitPushProtectedBranchDenied(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	for _, branch := range []string{"main", "master", "release/1.2"} {
		resp := env.containerDo(t, http.MethodPost, "/v1/git/push", map[string]any{
			"branch": branch,
		}, id)
		wantEnvelope(t, resp, http.StatusForbidden, CodePolicyDenied)
	}
	if len(env.git.pushed()) != 0 {
		t.Error("protected-branch push reached the git runner")
	}
}

func TestGitPushMalformedBranch(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	resp := env.containerDo(t, http.MethodPost, "/v1/git/push", map[string]any{
		"branch": "--force-with-lease",
	}, id)
	wantEnvelope(t, resp, http.StatusBadRequest, CodeValidationError)
}

func TestPullCreateCommentClose(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	resp := env.containerDo(t, http.MethodPost, "/v1/forge/pulls", map[string]string{
		"title": "Add rate limiting",
		"body":  "see thread",
		"head":  "feature/rate-limits",
		"base":  "main",
	}, id)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	var pull forge.PullRequest
	decodeJSON(t, resp, &pull)
	if pull.Number == 0 || pull.State != "open" {
		t.Fatalf("unexpected pull: %+v", pull)
	}

	number := pull.Number
	resp = env.containerDo(t, http.MethodPost,
		"/v1/forge/pulls/"+strconv.Itoa(number)+"/comments",
		map[string]string{"body": "ready for review"}, id)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("comment: status = %d", resp.StatusCode)
	}

	resp = env.containerDo(t, http.MethodPost,
		"/v1/forge/pulls/"+strconv.Itoa(number)+"/close", nil, id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close: status = %d", resp.StatusCode)
	}
	var closed forge.PullRequest
	decodeJSON(t, resp, &closed)
	if closed.State != "closed" {
		t.Errorf("state = %q, want closed", closed.State)
	}
}

func TestPullCloseOwnershipDenied(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	env.forge.addPull(7, "human-reviewer")

	resp := env.containerDo(t, http.MethodPost, "/v1/forge/pulls/7/close", nil, id)
	wantEnvelope(t, resp, http.StatusForbidden, CodePolicyDenied)

	entry := env.lastAudit(t, opPullClose)
	if !entry.Checks[policy.CheckAuthorMismatch] {
		t.Errorf("audit checks = %v, want author_mismatch", entry.Checks)
	}
}

func TestCommentEditOwnership(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	env.forge.addComment(501, testForgeLogin)
	env.forge.addComment(502, "human-reviewer")

	resp := env.containerDo(t, http.MethodPatch, "/v1/forge/comments/501",
		map[string]string{"body": "edited"}, id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own comment edit: status = %d", resp.StatusCode)
	}
	var comment forge.Comment
	decodeJSON(t, resp, &comment)
	if comment.Body != "edited" {
		t.Errorf("body = %q, want edited", comment.Body)
	}

	resp = env.containerDo(t, http.MethodPatch, "/v1/forge/comments/502",
		map[string]string{"body": "hijack"}, id)
	wantEnvelope(t, resp, http.StatusForbidden, CodePolicyDenied)
}

func TestIssueCreate(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	resp := env.containerDo(t, http.MethodPost, "/v1/forge/issues", map[string]any{
		"title":  "Flaky redelivery sweep",
		"body":   "seen twice in CI",
		"labels": []string{"bug"},
	}, id)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var issue forge.Issue
	decodeJSON(t, resp, &issue)
	if issue.Title != "Flaky redelivery sweep" {
		t.Errorf("unexpected issue: %+v", issue)
	}
}

func TestUpstreamFailureIsOperationError(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	env.forge.failWith = errors.New("connection reset")

	resp := env.containerDo(t, http.MethodPost, "/v1/forge/pulls", map[string]string{
		"title": "x",
		"head":  "feature/x",
		"base":  "main",
	}, id)
	wantEnvelope(t, resp, http.StatusBadGateway, CodeUpstreamError)

	entry := env.lastAudit(t, opPullCreate)
	if entry.Outcome != audit.OutcomeError {
		t.Errorf("audit outcome = %q, want error", entry.Outcome)
	}
}

func TestUpstreamNotFound(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "box-1", "task-1", "thread-1")

	resp := env.containerDo(t, http.MethodPost, "/v1/forge/pulls/9999/close", nil, id)
	wantEnvelope(t, resp, http.StatusNotFound, CodeNotFound)
}
