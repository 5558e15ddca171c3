// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is the client for the conversational upstream: one
// send call and one long-poll event stream.
//
// The stream is cursor-driven and hands each event to a handler that
// is expected to persist it; the in-memory cursor advances only after
// the handler returns success, so a handler that writes the event and
// the cursor to the same database transaction gives exactly the
// at-least-once guarantee the queue needs. A handler error (a full
// backlog, say) parks the stream on the same event until it goes
// through. That is the backpressure path, not a failure.
package chat
