// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code takes
// a Clock (usually via a config struct) instead of calling the time
// package directly; tests inject a Fake clock and advance it
// explicitly, so timing-sensitive behavior such as activation windows
// and redelivery sweeps runs deterministically and without sleeps.
package clock
