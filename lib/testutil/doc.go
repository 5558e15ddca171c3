// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by the gateway's tests:
// channel operations with timeout safety valves and a per-test slog
// logger. Domain fixtures stay in the packages that own them.
package testutil
