// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/warden-gw/warden/lib/secret"
	"github.com/warden-gw/warden/lib/testutil"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	credential, err := secret.NewFromBytes([]byte("chat-test-token"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { credential.Close() })

	client, err := NewClient(Config{
		BaseURL:     server.URL,
		Credential:  credential,
		PollTimeout: 50 * time.Millisecond,
		HTTPClient:  server.Client(),
		Logger:      testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.baseBackoff = time.Nanosecond
	client.maxBackoff = time.Nanosecond
	return client
}

func TestPostMessage(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/v1/threads/th-42/messages" {
			t.Errorf("unexpected request: %s %s", request.Method, request.URL.Path)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer chat-test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var payload map[string]string
		json.NewDecoder(request.Body).Decode(&payload)
		if payload["text"] != "build finished" {
			t.Errorf("payload = %v", payload)
		}
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if err := client.PostMessage(t.Context(), "th-42", "build finished"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
}

func TestPostMessageUpstreamError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "thread is archived", http.StatusGone)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if err := client.PostMessage(t.Context(), "th-42", "too late"); err == nil {
		t.Fatal("PostMessage against 410: want error")
	}
}

// eventScript serves scripted long-poll pages keyed by cursor.
type eventScript struct {
	mu    sync.Mutex
	pages map[string][]Event
	polls []string
}

func (s *eventScript) handler(t *testing.T) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/events" {
			t.Errorf("path = %s", request.URL.Path)
		}
		cursor := request.URL.Query().Get("cursor")

		s.mu.Lock()
		s.polls = append(s.polls, cursor)
		events := s.pages[cursor]
		s.mu.Unlock()

		json.NewEncoder(writer).Encode(map[string][]Event{"events": events})
	}
}

func TestStreamDeliversInOrderAndAdvances(t *testing.T) {
	script := &eventScript{pages: map[string][]Event{
		"": {
			{ID: "e1", ThreadID: "th-1", Sender: "U1", Text: "first"},
			{ID: "e2", ThreadID: "th-1", Sender: "U1", Text: "second"},
		},
		"e2": {
			{ID: "e3", ThreadID: "th-2", Sender: "U2", Text: "third"},
		},
	}}
	server := httptest.NewTLSServer(script.handler(t))
	defer server.Close()

	client := newTestClient(t, server)

	ctx, cancel := context.WithCancel(t.Context())
	var (
		mu   sync.Mutex
		seen []string
	)
	handler := func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.ID)
		if event.ID == "e3" {
			cancel()
		}
		return nil
	}

	if err := client.Stream(ctx, "", handler); !errors.Is(err, context.Canceled) {
		t.Fatalf("Stream: err = %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "e1" || seen[1] != "e2" || seen[2] != "e3" {
		t.Fatalf("seen = %v, want [e1 e2 e3]", seen)
	}

	script.mu.Lock()
	defer script.mu.Unlock()
	if script.polls[0] != "" {
		t.Fatalf("first poll cursor = %q, want empty", script.polls[0])
	}
}

func TestStreamResumesFromCursor(t *testing.T) {
	script := &eventScript{pages: map[string][]Event{
		"e2": {{ID: "e3", ThreadID: "th-1", Sender: "U1", Text: "after restart"}},
	}}
	server := httptest.NewTLSServer(script.handler(t))
	defer server.Close()

	client := newTestClient(t, server)

	ctx, cancel := context.WithCancel(t.Context())
	handler := func(ctx context.Context, event Event) error {
		if event.ID != "e3" {
			t.Errorf("event = %+v, want e3", event)
		}
		cancel()
		return nil
	}
	client.Stream(ctx, "e2", handler)

	script.mu.Lock()
	defer script.mu.Unlock()
	if script.polls[0] != "e2" {
		t.Fatalf("first poll cursor = %q, want e2", script.polls[0])
	}
}

func TestStreamParksOnHandlerFailure(t *testing.T) {
	script := &eventScript{pages: map[string][]Event{
		"": {{ID: "e1", ThreadID: "th-1", Sender: "U1", Text: "needs room"}},
	}}
	server := httptest.NewTLSServer(script.handler(t))
	defer server.Close()

	client := newTestClient(t, server)

	ctx, cancel := context.WithCancel(t.Context())
	var (
		mu       sync.Mutex
		attempts int
	)
	handler := func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("backlog full")
		}
		cancel()
		return nil
	}
	client.Stream(ctx, "", handler)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want the same event retried until accepted", attempts)
	}
}

func TestStreamReconnectsAfterPollError(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(writer, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(writer).Encode(map[string][]Event{"events": {
			{ID: "e1", ThreadID: "th-1", Sender: "U1", Text: "recovered"},
		}})
	}))
	defer server.Close()

	client := newTestClient(t, server)

	ctx, cancel := context.WithCancel(t.Context())
	handler := func(ctx context.Context, event Event) error {
		cancel()
		return nil
	}
	if err := client.Stream(ctx, "", handler); !errors.Is(err, context.Canceled) {
		t.Fatalf("Stream: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("calls = %d, want reconnect after poll error", calls)
	}
}
