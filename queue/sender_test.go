// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warden-gw/warden/lib/testutil"
)

// scriptedPoster fails the first failures calls, then succeeds.
type scriptedPoster struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (p *scriptedPoster) PostMessage(ctx context.Context, threadID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("upstream unavailable")
	}
	p.sent = append(p.sent, threadID+": "+text)
	return nil
}

func newTestSender(t *testing.T, store *Store, poster Poster) *Sender {
	t.Helper()
	return NewSender(SenderConfig{
		Store:       store,
		Poster:      poster,
		Logger:      testutil.Logger(t),
		BaseBackoff: time.Nanosecond,
		MaxBackoff:  time.Nanosecond,
	})
}

func TestSenderDelivers(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueOutbound(ctx, "T1", "thread-1", "warden", "done with the review", "")
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}

	poster := &scriptedPoster{}
	sender := newTestSender(t, store, poster)

	if idle, err := sender.step(ctx); err != nil || idle {
		t.Fatalf("step: idle=%v err=%v, want busy success", idle, err)
	}
	if len(poster.sent) != 1 || poster.sent[0] != "thread-1: done with the review" {
		t.Fatalf("sent = %v", poster.sent)
	}

	msg, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusAcked {
		t.Fatalf("status = %q, want acked", msg.Status)
	}

	if idle, err := sender.step(ctx); err != nil || !idle {
		t.Fatalf("step on drained queue: idle=%v err=%v, want idle", idle, err)
	}
}

func TestSenderRetriesThenSucceeds(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueOutbound(ctx, "T1", "thread-1", "warden", "flaky upstream", "")
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}

	poster := &scriptedPoster{failures: 2}
	sender := newTestSender(t, store, poster)

	for range 3 {
		if _, err := sender.step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if len(poster.sent) != 1 {
		t.Fatalf("sent = %v, want one delivery after retries", poster.sent)
	}

	msg, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusAcked || msg.Attempts != 2 {
		t.Fatalf("message = %+v, want acked with 2 recorded attempts", msg)
	}
}

func TestSenderDeadLettersAfterBudget(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueOutbound(ctx, "T1", "thread-1", "warden", "never arrives", "")
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}

	poster := &scriptedPoster{failures: 100}
	sender := newTestSender(t, store, poster)

	for range 3 {
		if _, err := sender.step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	msg, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusFailed {
		t.Fatalf("status = %q, want failed after attempt budget", msg.Status)
	}
	letters, err := store.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Message.ID != id {
		t.Fatalf("DeadLetters = %+v, want entry for %s", letters, id)
	}
	if letters[0].Reason != "upstream unavailable" {
		t.Fatalf("reason = %q", letters[0].Reason)
	}

	// The poisoned message must not block the queue.
	next, err := store.EnqueueOutbound(ctx, "T1", "thread-1", "warden", "still flowing", "")
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}
	poster.mu.Lock()
	poster.failures = 0
	poster.mu.Unlock()
	if _, err := sender.step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	msg, err = store.Get(ctx, next)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusAcked {
		t.Fatalf("follow-up status = %q, want acked", msg.Status)
	}
}

func TestSenderStopsOnCancel(t *testing.T) {
	store, _ := openTestStore(t)
	poster := &scriptedPoster{}
	sender := newTestSender(t, store, poster)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sender.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: err = %v, want context.Canceled", err)
	}
}
