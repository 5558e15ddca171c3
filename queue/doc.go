// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the durable message store between the chat upstream
// and sandboxed agents.
//
// Delivery is at-least-once in both directions. Inbound messages are
// persisted before the upstream cursor advances, so a crash between
// the two replays the event instead of losing it. Fetch marks messages
// delivered but they stay on disk until acked; messages unacked past
// the redelivery timeout return to pending, and after the attempt
// budget they move to the dead-letter queue for operator replay.
//
// Nothing is held in memory: a restarted gateway picks up exactly
// where the database says it was.
package queue
