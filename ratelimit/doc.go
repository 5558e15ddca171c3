// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit enforces sliding-window limits across nested
// scopes: task, then container, then thread, then global, always in
// that order so a denial names the narrowest scope that is actually
// saturated.
//
// Counters are persisted as rate_events rows and mirrored in memory.
// The mirror serves the hot path; the rows exist so a gateway restart
// cannot be used to reset the windows.
package ratelimit
