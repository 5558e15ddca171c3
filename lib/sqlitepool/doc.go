// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the gateway's standard SQLite connection
// pool. Every durable table the gateway owns (messages, thread
// mappings, container registrations, dead letters, audit entries,
// rate-limit events) lives in one database opened through this
// package.
//
// The pool wraps zombiezen.com/go/sqlite with production defaults:
// WAL journaling (readers never block the writer), synchronous=NORMAL
// (transactions survive a process crash, which is the restart-safety
// bar the gateway needs), and a busy timeout so concurrent writers
// queue instead of failing.
//
// Callers Take a connection, do their work, and Put it back.
// Connections are not safe for concurrent use; each goroutine holds
// its own for the duration of a transaction.
package sqlitepool
