// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit is the gateway's append-only decision log.
//
// Every mediated request produces exactly one entry recording the
// operation, the caller, a redacted request summary, the outcome, and
// the individual check results that led to it. Entries are
// hash-chained: each hash covers the deterministic CBOR encoding of
// the entry plus the previous hash, so any after-the-fact edit breaks
// the chain at the point of tampering and Verify finds it.
//
// There is no update or delete statement in this package. Entries
// leave the database only through Archive, which exports them to a
// compressed segment file first.
package audit
