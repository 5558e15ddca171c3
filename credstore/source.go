// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/warden-gw/warden/lib/secret"
)

// Source provides named credentials. Get returns nil when the
// credential is not present; callers treat that as a configuration
// error at the point of use.
type Source interface {
	// Get retrieves a credential by name. Names use kebab-case
	// ("forge-token"); sources map them to their native key format.
	Get(name string) *secret.Buffer

	// Close releases all credential buffers.
	Close() error
}

// EnvSource reads credentials from environment variables. Get caches
// the protected copy on first access.
type EnvSource struct {
	// Prefix is prepended after name conversion: with Prefix
	// "WARDEN_", Get("forge-token") reads WARDEN_FORGE_TOKEN.
	Prefix string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get retrieves a credential from the environment.
func (s *EnvSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buffer, ok := s.cache[name]; ok {
		return buffer
	}

	value := os.Getenv(s.Prefix + envKey(name))
	if value == "" {
		return nil
	}
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached buffers.
func (s *EnvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// FileSource reads credentials from a KEY=VALUE file. Preferred over
// env vars because file contents do not show up in /proc/*/environ.
//
// Format, one credential per line:
//
//	FORGE_TOKEN=ghp_...
//	CHAT_TOKEN=xoxb-...
//
// Lines starting with # and blank lines are ignored.
type FileSource struct {
	// Path is the credentials file.
	Path string

	once        sync.Once
	loadErr     error
	credentials map[string]*secret.Buffer
}

// Get retrieves a credential from the file. The file is parsed once,
// on first access.
func (s *FileSource) Get(name string) *secret.Buffer {
	s.once.Do(func() {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			s.loadErr = fmt.Errorf("credstore: reading %s: %w", s.Path, err)
			return
		}
		s.credentials, s.loadErr = parseCredentialLines(data)
	})
	if s.loadErr != nil {
		return nil
	}
	return s.credentials[envKey(name)]
}

// Err returns the load error, if parsing the file failed. Callers
// check this once at startup to fail fast on a broken file.
func (s *FileSource) Err() error {
	s.Get("") // force the load
	return s.loadErr
}

// Close releases all credential buffers. Must not race with Get.
func (s *FileSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// parseCredentialLines parses KEY=VALUE lines into secret buffers and
// zeroes the raw input.
func parseCredentialLines(data []byte) (map[string]*secret.Buffer, error) {
	credentials := make(map[string]*secret.Buffer)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			closeAll(credentials)
			return nil, fmt.Errorf("credstore: malformed line %d", lineNumber)
		}
		buffer, err := secret.NewFromBytes([]byte(value))
		if err != nil {
			closeAll(credentials)
			return nil, fmt.Errorf("credstore: line %d: %w", lineNumber, err)
		}
		credentials[strings.TrimSpace(key)] = buffer
	}

	// The raw file bytes held every secret; zero them.
	for index := range data {
		data[index] = 0
	}
	return credentials, nil
}

func closeAll(credentials map[string]*secret.Buffer) {
	for _, buffer := range credentials {
		buffer.Close()
	}
}

// envKey converts a credential name to KEY format:
// "forge-token" → "FORGE_TOKEN".
func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
