// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package enrollment binds a sandbox container to a task before the
// gateway releases anything to it.
//
// The protocol: the orchestrator registers (container, task) through
// the admin API and receives a single-use registration token plus a
// per-session shared secret, both of which it injects into the
// sandbox at start. The container's first call presents the token and
// an activation proof (HMAC-SHA256 of the token keyed by the shared
// secret) inside a bounded activation window. Every later call
// authenticates with the shared secret alone.
//
// The gateway never stores either value in the clear: it keeps SHA-256
// digests for comparison and the expected activation proof computed
// at issuance, so a database read yields nothing replayable.
package enrollment
