// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gitexec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warden-gw/warden/lib/secret"
	"github.com/warden-gw/warden/lib/testutil"
)

func TestValidateBranch(t *testing.T) {
	valid := []string{
		"feature/add-parser",
		"fix-123",
		"user/anna/wip",
		"v2",
	}
	for _, branch := range valid {
		if err := ValidateBranch(branch); err != nil {
			t.Errorf("ValidateBranch(%q) = %v, want nil", branch, err)
		}
	}

	invalid := []string{
		"",
		"-delete-me",
		"--force",
		"+main",
		"main:other",       // explicit destination
		":main",            // deletion refspec
		"refs/heads/main",  // full ref smuggling
		"branch name",      // whitespace
		"a..b",             // range syntax
		"a//b",
		"branch@{1}",
		"branch.lock",
		"branch.",
		"/leading",
		"trailing/",
		"glob*",
		"question?",
	}
	for _, branch := range invalid {
		if err := ValidateBranch(branch); err == nil {
			t.Errorf("ValidateBranch(%q) = nil, want error", branch)
		}
	}
}

// fakeGit is a stand-in binary that records its argv and environment.
const fakeGit = `#!/bin/sh
printf '%s\n' "$@" > "$CAPTURE_DIR/args"
printf '%s\n' "$WARDEN_GIT_CREDENTIAL" > "$CAPTURE_DIR/cred_env"
printf '%s\n' "$GIT_ASKPASS" > "$CAPTURE_DIR/askpass_env"
exit 0
`

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()

	dir := t.TempDir()
	gitPath := filepath.Join(dir, "git")
	if err := os.WriteFile(gitPath, []byte(fakeGit), 0o700); err != nil {
		t.Fatalf("writing fake git: %v", err)
	}
	captureDir := filepath.Join(dir, "capture")
	if err := os.Mkdir(captureDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv("CAPTURE_DIR", captureDir)

	runner, err := New(Config{
		GitPath:   gitPath,
		HelperDir: filepath.Join(dir, "helpers"),
		Username:  "warden-bot",
		Logger:    testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return runner, captureDir
}

func capture(t *testing.T, captureDir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(captureDir, name))
	if err != nil {
		t.Fatalf("reading capture %s: %v", name, err)
	}
	return strings.TrimSpace(string(data))
}

func TestPushCommandShape(t *testing.T) {
	runner, captureDir := newTestRunner(t)

	credential, err := secret.NewFromBytes([]byte("push-token-123"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	defer credential.Close()

	err = runner.Push(t.Context(), PushRequest{
		RepoDir: "/work/repo",
		Branch:  "feature/parser",
	}, credential)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	args := capture(t, captureDir, "args")
	want := strings.Join([]string{
		"-C", "/work/repo", "push", "--", "origin",
		"refs/heads/feature/parser:refs/heads/feature/parser",
	}, "\n")
	if args != want {
		t.Fatalf("git argv:\n%s\nwant:\n%s", args, want)
	}
	if strings.Contains(args, "push-token-123") {
		t.Fatal("credential leaked into argv")
	}

	// The credential travels only in the child environment.
	if got := capture(t, captureDir, "cred_env"); got != "push-token-123" {
		t.Fatalf("WARDEN_GIT_CREDENTIAL = %q", got)
	}
	askpass := capture(t, captureDir, "askpass_env")
	script, err := os.ReadFile(askpass)
	if err != nil {
		t.Fatalf("reading askpass helper: %v", err)
	}
	if strings.Contains(string(script), "push-token-123") {
		t.Fatal("credential leaked into the helper script")
	}
}

func TestPushRejectsBadInput(t *testing.T) {
	runner, _ := newTestRunner(t)

	credential, err := secret.NewFromBytes([]byte("tok"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	defer credential.Close()

	cases := []PushRequest{
		{RepoDir: "/work/repo", Branch: "-delete"},
		{RepoDir: "/work/repo", Branch: "main:other"},
		{RepoDir: "/work/repo", Branch: "+main"},
		{RepoDir: "", Branch: "ok"},
		{RepoDir: "/work/repo", Branch: "ok", Remote: "https://evil.example/repo"},
		{RepoDir: "/work/repo", Branch: "ok", Remote: "--mirror"},
	}
	for _, req := range cases {
		if err := runner.Push(t.Context(), req, credential); err == nil {
			t.Errorf("Push(%+v) = nil, want error", req)
		}
	}
}
