// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warden-gw/warden/lib/secret"
	"github.com/warden-gw/warden/lib/testutil"
)

// newTestClient creates a Client backed by the given TLS test server.
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	credential, err := secret.NewFromBytes([]byte("forge-test-token"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { credential.Close() })

	client, err := NewClient(Config{
		BaseURL:      server.URL,
		Credential:   credential,
		HTTPClient:   server.Client(),
		Logger:       testutil.Logger(t),
		RetryBackoff: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRejectsHTTP(t *testing.T) {
	credential, err := secret.NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	defer credential.Close()

	if _, err := NewClient(Config{BaseURL: "http://forge.internal", Credential: credential}); err == nil {
		t.Fatal("NewClient accepted plain HTTP")
	}
}

func TestCreatePullRequest(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/repos/acme/widgets/pulls" {
			t.Errorf("unexpected request: %s %s", request.Method, request.URL.Path)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer forge-test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := request.Header.Get("X-GitHub-Api-Version"); got != apiVersion {
			t.Errorf("api version header = %q", got)
		}

		var payload NewPullRequest
		if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		if payload.Head != "feature/parser" || payload.Base != "develop" {
			t.Errorf("payload = %+v", payload)
		}

		writer.WriteHeader(http.StatusCreated)
		json.NewEncoder(writer).Encode(PullRequest{
			Number: 42,
			State:  "open",
			Title:  payload.Title,
			User:   User{Login: "warden-bot"},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pull, err := client.CreatePullRequest(t.Context(), "acme", "widgets", NewPullRequest{
		Title: "Add parser",
		Head:  "feature/parser",
		Base:  "develop",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pull.Number != 42 || pull.User.Login != "warden-bot" {
		t.Fatalf("pull = %+v", pull)
	}
}

func TestClosePullRequest(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPatch || request.URL.Path != "/repos/acme/widgets/pulls/7" {
			t.Errorf("unexpected request: %s %s", request.Method, request.URL.Path)
		}
		var payload map[string]string
		json.NewDecoder(request.Body).Decode(&payload)
		if payload["state"] != "closed" {
			t.Errorf("payload = %v", payload)
		}
		json.NewEncoder(writer).Encode(PullRequest{Number: 7, State: "closed"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pull, err := client.ClosePullRequest(t.Context(), "acme", "widgets", 7)
	if err != nil {
		t.Fatalf("ClosePullRequest: %v", err)
	}
	if pull.State != "closed" {
		t.Fatalf("state = %q", pull.State)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNotFound)
		writer.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.GetPullRequest(t.Context(), "acme", "widgets", 999)
	if err == nil {
		t.Fatal("GetPullRequest on missing PR: want error")
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Not Found" {
		t.Fatalf("err = %v", err)
	}
}

func TestValidationErrorDecoding(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnprocessableEntity)
		writer.Write([]byte(`{"message": "Validation Failed", "errors": [{"resource": "PullRequest", "field": "base", "code": "invalid"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.CreatePullRequest(t.Context(), "acme", "widgets", NewPullRequest{Head: "x", Base: "gone"})
	if !IsValidationFailed(err) {
		t.Fatalf("IsValidationFailed(%v) = false", err)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if calls.Add(1) < 3 {
			writer.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(writer).Encode(Comment{ID: 1, Body: "ok"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	comment, err := client.GetComment(t.Context(), "acme", "widgets", 1)
	if err != nil {
		t.Fatalf("GetComment after retries: %v", err)
	}
	if comment.Body != "ok" {
		t.Fatalf("comment = %+v", comment)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		writer.WriteHeader(http.StatusForbidden)
		writer.Write([]byte(`{"message": "Forbidden"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if _, err := client.GetComment(t.Context(), "acme", "widgets", 1); err == nil {
		t.Fatal("want error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (4xx is not retryable)", calls.Load())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
		writer.Write([]byte(`{"message": "boom"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.GetComment(t.Context(), "acme", "widgets", 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != maxAttempts {
		t.Fatalf("calls = %d, want %d", calls.Load(), maxAttempts)
	}
}

func TestIdentity(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/user" {
			t.Errorf("path = %s", request.URL.Path)
		}
		json.NewEncoder(writer).Encode(User{Login: "warden-bot"})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	login, err := client.Identity(t.Context())
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if login != "warden-bot" {
		t.Fatalf("login = %q", login)
	}
}
