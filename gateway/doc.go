// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP surface of the warden. It runs two
// servers on separate listeners: the container API, which sandboxed
// agents call with their per-registration shared secret, and the
// admin API, which the orchestrator calls with the operator bearer
// secret.
//
// Every container request moves through the same pipeline:
// authenticate, authorize the exact (container, task) registration,
// validate the payload, rate limit, evaluate policy, perform the
// privileged action, append an audit entry, respond. The audit append
// happens before the response is written; if it fails the request
// fails closed.
//
// There is no merge or approve route. Requests for one fall through
// to the mux's 404 rather than a policy denial.
package gateway
