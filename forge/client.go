// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/secret"
)

// apiVersion pins the REST API version header so forge upgrades
// cannot silently change response shapes under the gateway.
const apiVersion = "2022-11-28"

// maxAttempts bounds retries on transient failures. 4xx responses
// other than 429 are never retried.
const maxAttempts = 3

// Config holds configuration for creating a forge API Client.
type Config struct {
	// BaseURL is the root URL for API requests. Must use HTTPS.
	BaseURL string

	// Credential is the API token, held in locked memory.
	Credential *secret.Buffer

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging.
	Logger *slog.Logger

	// RetryBackoff is the delay before the first retry, doubling per
	// attempt. Defaults to 250ms.
	RetryBackoff time.Duration
}

// Client is a typed forge REST client with bounded retry and
// structured error decoding.
type Client struct {
	baseURL    string
	credential *secret.Buffer
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
	backoff    time.Duration
}

// NewClient creates a forge API client from the given configuration.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("forge: API client requires HTTPS (got %q)", config.BaseURL)
	}
	if config.Credential == nil {
		return nil, fmt.Errorf("forge: Credential is required")
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
	backoff := config.RetryBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &Client{
		baseURL:    baseURL,
		credential: config.Credential,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
		backoff:    backoff,
	}, nil
}

// do executes an authenticated forge API request, retrying transient
// failures with exponential backoff. The path is relative to the base
// URL. Returns the response body; non-2xx responses become *APIError.
func (client *Client) do(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var encoded []byte
	if requestBody != nil {
		var err error
		encoded, err = json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("forge: encoding request body: %w", err)
		}
	}

	delay := client.backoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-client.clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		body, retryable, err := client.doOnce(ctx, method, path, encoded)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		client.logger.Warn("forge request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, lastErr
}

func (client *Client) doOnce(ctx context.Context, method, path string, encoded []byte) (body []byte, retryable bool, err error) {
	var bodyReader io.Reader
	if encoded != nil {
		bodyReader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("forge: creating request: %w", err)
	}

	request.Header.Set("Authorization", "Bearer "+client.credential.String())
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", apiVersion)
	if encoded != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		// Connection-level failure: the request may never have
		// reached the forge.
		return nil, true, fmt.Errorf("forge: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err = io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("forge: reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return body, false, nil
	}

	apiErr := parseAPIError(response.StatusCode, body)
	retryable = response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests
	return nil, retryable, apiErr
}

func (client *Client) get(ctx context.Context, path string, result any) error {
	body, err := client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (client *Client) post(ctx context.Context, path string, requestBody, result any) error {
	body, err := client.do(ctx, http.MethodPost, path, requestBody)
	if err != nil {
		return err
	}
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}

func (client *Client) patch(ctx context.Context, path string, requestBody, result any) error {
	body, err := client.do(ctx, http.MethodPatch, path, requestBody)
	if err != nil {
		return err
	}
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
