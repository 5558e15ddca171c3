// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/secret"
)

// Event is one message arriving on the stream. ID doubles as the
// resume cursor.
type Event struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
}

// Handler persists one event. Returning an error leaves the stream
// parked on this event; it is retried after a backoff.
type Handler func(ctx context.Context, event Event) error

// Config holds configuration for creating a chat Client.
type Config struct {
	// BaseURL is the root URL of the chat upstream. Must use HTTPS.
	BaseURL string

	// Credential is the upstream API token, held in locked memory.
	Credential *secret.Buffer

	// PollTimeout is the long-poll duration requested from the
	// upstream. Defaults to 30s.
	PollTimeout time.Duration

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Client talks to the chat upstream.
type Client struct {
	baseURL     string
	credential  *secret.Buffer
	pollTimeout time.Duration
	httpClient  *http.Client
	clock       clock.Clock
	logger      *slog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewClient creates a chat client from the given configuration.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("chat: client requires HTTPS (got %q)", config.BaseURL)
	}
	if config.Credential == nil {
		return nil, fmt.Errorf("chat: Credential is required")
	}

	pollTimeout := config.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL:     baseURL,
		credential:  config.Credential,
		pollTimeout: pollTimeout,
		httpClient:  httpClient,
		clock:       clk,
		logger:      logger,
		baseBackoff: streamBaseBackoff,
		maxBackoff:  streamMaxBackoff,
	}, nil
}

// PostMessage sends text to a thread.
func (client *Client) PostMessage(ctx context.Context, threadID, text string) error {
	if threadID == "" {
		return fmt.Errorf("chat: thread identifier is required")
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("chat: encoding message: %w", err)
	}

	path := "/v1/threads/" + url.PathEscape(threadID) + "/messages"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chat: creating request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.credential.String())
	request.Header.Set("Content-Type", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("chat: posting to %s: %w", threadID, err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(response.Body, 64<<10))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("chat: HTTP %d posting to %s: %s",
			response.StatusCode, threadID, strings.TrimSpace(string(body)))
	}
	return nil
}

// poll performs one long-poll request and returns the events after
// cursor, possibly none.
func (client *Client) poll(ctx context.Context, cursor string) ([]Event, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	query.Set("timeout_ms", strconv.FormatInt(client.pollTimeout.Milliseconds(), 10))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/v1/events?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("chat: creating poll request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.credential.String())

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("chat: poll: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 64<<10))
		return nil, fmt.Errorf("chat: HTTP %d on poll: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Events []Event `json:"events"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("chat: decoding poll response: %w", err)
	}
	return decoded.Events, nil
}
