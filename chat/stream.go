// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"time"
)

// Backoff bounds for poll and handler failures.
const (
	streamBaseBackoff = 500 * time.Millisecond
	streamMaxBackoff  = 30 * time.Second
)

// Stream long-polls the upstream from the given cursor and feeds each
// event to handler in order, until ctx is cancelled. The cursor
// advances past an event only when its handler call succeeds; poll
// errors and handler errors both back off and retry without skipping
// anything. Returns ctx.Err().
//
// The initial cursor comes from the caller's durable store, so a
// restarted gateway resumes exactly where its database says it was.
func (client *Client) Stream(ctx context.Context, cursor string, handler Handler) error {
	backoff := client.baseBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := client.poll(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			client.logger.Warn("event poll failed, reconnecting",
				"cursor", cursor,
				"backoff", backoff,
				"error", err,
			)
			if err := client.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, client.maxBackoff)
			continue
		}
		backoff = client.baseBackoff

		for _, event := range events {
			if err := client.deliver(ctx, event, handler); err != nil {
				return err
			}
			cursor = event.ID
		}
	}
}

// deliver retries one event against the handler until it is accepted
// or ctx ends. A persistent handler failure (a full backlog) parks
// the stream here: nothing upstream is acknowledged past this point.
func (client *Client) deliver(ctx context.Context, event Event, handler Handler) error {
	backoff := client.baseBackoff
	for {
		err := handler(ctx, event)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		client.logger.Warn("event handler rejected event, retrying",
			"event_id", event.ID,
			"thread_id", event.ThreadID,
			"backoff", backoff,
			"error", err,
		)
		if err := client.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, client.maxBackoff)
	}
}

func (client *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.clock.After(d):
		return nil
	}
}
