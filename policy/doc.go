// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy holds the gateway's decision functions. They are
// pure: inputs in, Decision out, no I/O, so every rule is testable
// without a forge or a database.
//
// The rules are deny-by-default. Force pushes are denied
// unconditionally, protected branches are denied by pattern, and
// close/edit operations require the gateway identity to be the
// author of the target. There is no merge or approval decision in
// this package; the capability does not exist anywhere in the
// gateway.
package policy
