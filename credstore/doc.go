// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package credstore holds the gateway's upstream credentials (forge
// tokens, chat bot tokens, git push tokens) in mlock-backed secret
// buffers, loaded from one of three sources:
//
//   - env: environment variables with a configurable prefix, for
//     development.
//   - file: a KEY=VALUE file, kept out of /proc/*/environ.
//   - sealed: an age-encrypted KEY=VALUE file, decrypted at startup
//     with an X25519 identity file, so credentials at rest on disk
//     are ciphertext.
//
// Nothing in this package is reachable from the container API.
// Handlers hold a Source and pass buffers to upstream clients; no
// endpoint returns credential material.
package credstore
