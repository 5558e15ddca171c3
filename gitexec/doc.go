// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package gitexec runs git push on behalf of agents. The push
// credential reaches git through a GIT_ASKPASS helper reading the
// child process environment, so it never appears on argv, in a file,
// or in the repository's config.
//
// Refspecs are never taken from the request: the gateway validates
// the branch name and constructs the refspec itself, which is how
// deletions (":branch") and force syntax ("+branch") are made
// inexpressible rather than merely denied.
package gitexec
