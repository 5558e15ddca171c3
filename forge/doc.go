// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package forge is a typed client for the GitHub-compatible REST API
// the gateway performs privileged operations against. It covers only
// the operations the gateway mediates: pull request creation and
// closing, comments, and issues. There is deliberately no merge or
// review-approval call in this package.
//
// The credential lives in a locked memory buffer and is written into
// the Authorization header per request, never into argv, logs, or
// error strings.
package forge
