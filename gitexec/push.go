// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gitexec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/warden-gw/warden/lib/secret"
)

// askpassScript answers git's credential prompts from the child
// environment. The script itself contains no secret.
const askpassScript = `#!/bin/sh
case "$1" in
  Username*) printf '%s\n' "$WARDEN_GIT_USERNAME" ;;
  *) printf '%s\n' "$WARDEN_GIT_CREDENTIAL" ;;
esac
`

// Config holds the parameters for the push runner.
type Config struct {
	// GitPath is the git binary. Defaults to "git" on PATH.
	GitPath string

	// HelperDir is where the askpass helper script is written.
	HelperDir string

	// Username is the account the push credential belongs to.
	Username string

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Runner executes pushes.
type Runner struct {
	gitPath     string
	askpassPath string
	username    string
	logger      *slog.Logger
}

// New writes the askpass helper and returns the runner.
func New(cfg Config) (*Runner, error) {
	if cfg.HelperDir == "" {
		return nil, fmt.Errorf("gitexec: HelperDir is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("gitexec: Username is required")
	}
	gitPath := cfg.GitPath
	if gitPath == "" {
		gitPath = "git"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.HelperDir, 0o700); err != nil {
		return nil, fmt.Errorf("gitexec: creating helper directory: %w", err)
	}
	askpassPath := filepath.Join(cfg.HelperDir, "askpass.sh")
	if err := os.WriteFile(askpassPath, []byte(askpassScript), 0o700); err != nil {
		return nil, fmt.Errorf("gitexec: writing askpass helper: %w", err)
	}

	return &Runner{
		gitPath:     gitPath,
		askpassPath: askpassPath,
		username:    cfg.Username,
		logger:      logger,
	}, nil
}

// PushRequest describes one push.
type PushRequest struct {
	// RepoDir is the working tree or bare repository to push from.
	RepoDir string
	// Remote names the configured remote. Defaults to "origin".
	Remote string
	// Branch is the branch to push. The refspec is derived from it.
	Branch string
}

// Push runs git push with the credential in the child environment
// only. The caller has already passed policy; this layer enforces
// shape, not policy. Timeout comes from ctx.
func (r *Runner) Push(ctx context.Context, req PushRequest, credential *secret.Buffer) error {
	if req.RepoDir == "" {
		return fmt.Errorf("gitexec: RepoDir is required")
	}
	remote := req.Remote
	if remote == "" {
		remote = "origin"
	}
	if err := validateRemote(remote); err != nil {
		return err
	}
	if err := ValidateBranch(req.Branch); err != nil {
		return err
	}
	if credential == nil {
		return fmt.Errorf("gitexec: credential is required")
	}

	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", req.Branch, req.Branch)
	command := exec.CommandContext(ctx, r.gitPath, "-C", req.RepoDir, "push", "--", remote, refspec)

	command.Env = append(os.Environ(),
		"GIT_ASKPASS="+r.askpassPath,
		"GIT_TERMINAL_PROMPT=0",
		"WARDEN_GIT_USERNAME="+r.username,
		"WARDEN_GIT_CREDENTIAL="+credential.String(),
	)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("gitexec: push %s to %s: %w", req.Branch, remote, ctx.Err())
		}
		return fmt.Errorf("gitexec: push %s to %s: %w (stderr: %s)",
			req.Branch, remote, err, strings.TrimSpace(stderr.String()))
	}

	r.logger.Info("push completed",
		"repo", req.RepoDir,
		"remote", remote,
		"branch", req.Branch,
	)
	return nil
}

// ValidateBranch rejects branch names that would change the meaning
// of the derived refspec or smuggle options to git. The rules are a
// strict subset of git check-ref-format.
func ValidateBranch(branch string) error {
	switch {
	case branch == "":
		return fmt.Errorf("gitexec: branch is required")
	case strings.HasPrefix(branch, "-"):
		return fmt.Errorf("gitexec: branch %q must not start with a dash", branch)
	case strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/"):
		return fmt.Errorf("gitexec: branch %q has a leading or trailing slash", branch)
	case strings.HasPrefix(branch, "refs/"):
		return fmt.Errorf("gitexec: branch %q must be a short name, not a full ref", branch)
	case strings.ContainsAny(branch, ":+~^?*[\\ \t\n"):
		return fmt.Errorf("gitexec: branch %q contains refspec metacharacters", branch)
	case strings.Contains(branch, ".."), strings.Contains(branch, "@{"), strings.Contains(branch, "//"):
		return fmt.Errorf("gitexec: branch %q contains a forbidden sequence", branch)
	case strings.HasSuffix(branch, ".lock"), strings.HasSuffix(branch, "."):
		return fmt.Errorf("gitexec: branch %q has a forbidden suffix", branch)
	}
	return nil
}

func validateRemote(remote string) error {
	if strings.HasPrefix(remote, "-") {
		return fmt.Errorf("gitexec: remote %q must not start with a dash", remote)
	}
	if strings.ContainsAny(remote, "/: \t\n") {
		// Remote must be a configured name, never a URL: a URL here
		// would bypass the repository's vetted remote config.
		return fmt.Errorf("gitexec: remote %q must be a configured remote name", remote)
	}
	return nil
}
