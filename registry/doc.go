// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the sole source of truth binding a unit of work
// (task) to a conversation thread. The binding is a bijection: a task
// maps to exactly one thread and a thread to exactly one task, and
// both identifiers are immutable once the mapping exists. Only the
// lifecycle status and updated_at move.
//
// Mappings are created by the gateway's own inbound listener (first
// message on an unmapped thread) or by the trusted orchestrator
// through the admin API. Containers can read mappings for tasks they
// are authorized on; they can never create or rebind one.
package registry
