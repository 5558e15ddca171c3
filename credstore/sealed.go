// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/warden-gw/warden/lib/secret"
)

// SealedSource reads credentials from an age-encrypted KEY=VALUE
// file. The ciphertext is decrypted once at first access using the
// X25519 identity file; plaintext exists only inside secret buffers.
type SealedSource struct {
	// Path is the age-encrypted credentials file.
	Path string

	// IdentityPath is the age identity (private key) file.
	IdentityPath string

	once        sync.Once
	loadErr     error
	credentials map[string]*secret.Buffer
}

// Get retrieves a credential, unsealing the file on first access.
func (s *SealedSource) Get(name string) *secret.Buffer {
	s.once.Do(s.unseal)
	if s.loadErr != nil {
		return nil
	}
	return s.credentials[envKey(name)]
}

// Err returns the unseal error, if any. Checked once at startup.
func (s *SealedSource) Err() error {
	s.Get("")
	return s.loadErr
}

// Close releases all credential buffers. Must not race with Get.
func (s *SealedSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

func (s *SealedSource) unseal() {
	identityData, err := os.ReadFile(s.IdentityPath)
	if err != nil {
		s.loadErr = fmt.Errorf("credstore: reading identity %s: %w", s.IdentityPath, err)
		return
	}
	identity, err := parseIdentity(identityData)
	// Identity material is sensitive too; zero it as soon as it is
	// parsed (age keeps its own copy on the heap, which we cannot
	// avoid).
	for index := range identityData {
		identityData[index] = 0
	}
	if err != nil {
		s.loadErr = fmt.Errorf("credstore: parsing identity: %w", err)
		return
	}

	ciphertext, err := os.ReadFile(s.Path)
	if err != nil {
		s.loadErr = fmt.Errorf("credstore: reading %s: %w", s.Path, err)
		return
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		s.loadErr = fmt.Errorf("credstore: unsealing %s: %w", s.Path, err)
		return
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		s.loadErr = fmt.Errorf("credstore: unsealing %s: %w", s.Path, err)
		return
	}

	// parseCredentialLines zeroes the plaintext.
	s.credentials, s.loadErr = parseCredentialLines(plaintext)
}

// parseIdentity extracts the first X25519 identity from an age
// identity file, skipping comment lines.
func parseIdentity(data []byte) (*age.X25519Identity, error) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return age.ParseX25519Identity(line)
	}
	return nil, fmt.Errorf("no identity found")
}

// Seal encrypts KEY=VALUE credential data to the given age recipient.
// Used by operators (via warden-admin) to produce the sealed file;
// the gateway itself only ever decrypts.
func Seal(plaintext []byte, recipientKey string) ([]byte, error) {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return nil, fmt.Errorf("credstore: parsing recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("credstore: sealing: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("credstore: sealing: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("credstore: sealing: %w", err)
	}
	return ciphertext.Bytes(), nil
}
