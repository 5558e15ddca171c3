// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"path"
)

// Decision is the outcome of one policy evaluation. Checks maps each
// evaluated rule to whether its violating condition held; Allowed is
// true only when no check fired. The map feeds the audit entry
// verbatim.
type Decision struct {
	Allowed bool
	Reason  string
	Checks  map[string]bool
}

// Check names.
const (
	CheckForcePush       = "force_push"
	CheckProtectedBranch = "protected_branch"
	CheckAuthorMismatch  = "author_mismatch"
)

// Engine evaluates policy against a fixed rule set.
type Engine struct {
	protected []string
}

// New builds an engine. Patterns follow path.Match syntax
// ("release/*" protects every release branch); invalid patterns are
// rejected here rather than silently never matching.
func New(protectedBranches []string) (*Engine, error) {
	for _, pattern := range protectedBranches {
		if _, err := path.Match(pattern, "probe"); err != nil {
			return nil, fmt.Errorf("policy: invalid branch pattern %q: %w", pattern, err)
		}
	}
	return &Engine{protected: protectedBranches}, nil
}

// CheckPush decides a push to branch. Force is denied always,
// protected branches are denied by pattern, and both checks are
// evaluated even when the first already fired so the audit entry
// shows the full picture.
func (e *Engine) CheckPush(branch string, force bool) Decision {
	protected := e.isProtected(branch)
	decision := Decision{
		Allowed: !force && !protected,
		Checks: map[string]bool{
			CheckForcePush:       force,
			CheckProtectedBranch: protected,
		},
	}
	switch {
	case force:
		decision.Reason = "force push is never permitted"
	case protected:
		decision.Reason = fmt.Sprintf("branch %q is protected", branch)
	}
	return decision
}

// CheckClose decides closing a pull request or issue: permitted only
// when the gateway identity authored it.
func (e *Engine) CheckClose(caller, author string) Decision {
	return checkOwnership("close", caller, author)
}

// CheckEdit decides editing a comment: permitted only when the
// gateway identity authored it.
func (e *Engine) CheckEdit(caller, author string) Decision {
	return checkOwnership("edit", caller, author)
}

func checkOwnership(verb, caller, author string) Decision {
	mismatch := caller == "" || caller != author
	decision := Decision{
		Allowed: !mismatch,
		Checks:  map[string]bool{CheckAuthorMismatch: mismatch},
	}
	if mismatch {
		decision.Reason = fmt.Sprintf("%s requires authorship: target belongs to %q, caller is %q", verb, author, caller)
	}
	return decision
}

func (e *Engine) isProtected(branch string) bool {
	for _, pattern := range e.protected {
		if matched, _ := path.Match(pattern, branch); matched {
			return true
		}
	}
	return false
}
