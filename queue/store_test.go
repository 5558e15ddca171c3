// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/sqlitepool"
	"github.com/warden-gw/warden/lib/testutil"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	return openTestStoreCaps(t, 1000, 10000)
}

func openTestStoreCaps(t *testing.T, perTask, global int) (*Store, *clock.FakeClock) {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "queue_test.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fakeClock := clock.Fake(testEpoch)
	store, err := Open(context.Background(), Config{
		Pool:                pool,
		Clock:               fakeClock,
		Logger:              testutil.Logger(t),
		PerTaskCap:          perTask,
		GlobalCap:           global,
		MaxDeliveryAttempts: 3,
		RedeliveryTimeout:   time.Minute,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store, fakeClock
}

func enqueue(t *testing.T, store *Store, taskID, body, cursor string) string {
	t.Helper()
	id, err := store.EnqueueInbound(context.Background(), Inbound{
		TaskID:   taskID,
		ThreadID: "thread-" + taskID,
		Sender:   "U100",
		Body:     body,
	}, cursor)
	if err != nil {
		t.Fatalf("EnqueueInbound: %v", err)
	}
	return id
}

func TestEnqueueFetchAck(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := enqueue(t, store, "T1", "hello", "c1")
	second := enqueue(t, store, "T1", "world", "c2")
	enqueue(t, store, "T2", "other task", "c3")

	msgs, err := store.FetchForTask(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("FetchForTask: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != first || msgs[1].ID != second {
		t.Fatalf("fetch returned %d messages in wrong order: %+v", len(msgs), msgs)
	}
	for _, m := range msgs {
		if m.Status != StatusDelivered {
			t.Fatalf("message %s status = %q, want delivered", m.ID, m.Status)
		}
	}

	// Unacked messages are re-delivered on the next fetch.
	again, err := store.FetchForTask(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("second fetch returned %d messages, want 2", len(again))
	}

	if err := store.Ack(ctx, first); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	final, err := store.FetchForTask(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("fetch after ack: %v", err)
	}
	if len(final) != 1 || final[0].ID != second {
		t.Fatalf("fetch after ack = %+v, want only %s", final, second)
	}
}

func TestAckIdempotentAndErrors(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := enqueue(t, store, "T1", "hello", "c1")
	if _, err := store.FetchForTask(ctx, "T1", 0); err != nil {
		t.Fatalf("FetchForTask: %v", err)
	}

	if err := store.Ack(ctx, id); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := store.Ack(ctx, id); err != nil {
		t.Fatalf("double ack: %v", err)
	}
	if err := store.Ack(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ack unknown: err = %v, want ErrNotFound", err)
	}
}

func TestBacklogCaps(t *testing.T) {
	store, _ := openTestStoreCaps(t, 2, 3)
	ctx := context.Background()

	enqueue(t, store, "T1", "one", "c1")
	enqueue(t, store, "T1", "two", "c2")

	_, err := store.EnqueueInbound(ctx, Inbound{TaskID: "T1", ThreadID: "th", Body: "three"}, "c3")
	if !errors.Is(err, ErrTaskBacklog) {
		t.Fatalf("per-task cap: err = %v, want ErrTaskBacklog", err)
	}

	// The rejected enqueue must not advance the cursor.
	cursor, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != "c2" {
		t.Fatalf("cursor = %q, want c2", cursor)
	}

	enqueue(t, store, "T2", "fills the global cap", "c4")
	_, err = store.EnqueueInbound(ctx, Inbound{TaskID: "T3", ThreadID: "th", Body: "overflow"}, "c5")
	if !errors.Is(err, ErrGlobalBacklog) {
		t.Fatalf("global cap: err = %v, want ErrGlobalBacklog", err)
	}

	// Acking frees capacity.
	msgs, err := store.FetchForTask(ctx, "T1", 1)
	if err != nil {
		t.Fatalf("FetchForTask: %v", err)
	}
	if err := store.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	enqueue(t, store, "T3", "fits now", "c5")
}

func TestClaimFirstResponderWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := enqueue(t, store, "T1", "who handles this?", "c1")

	if err := store.Claim(ctx, id, "C1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Re-claim by the holder is a no-op.
	if err := store.Claim(ctx, id, "C1"); err != nil {
		t.Fatalf("re-claim by holder: %v", err)
	}

	err := store.Claim(ctx, id, "C2")
	var held *ClaimHeldError
	if !errors.As(err, &held) {
		t.Fatalf("competing claim: err = %v, want *ClaimHeldError", err)
	}
	if held.Holder != "C1" {
		t.Fatalf("holder = %q, want C1", held.Holder)
	}

	holder, err := store.Holder(ctx, id)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder != "C1" {
		t.Fatalf("Holder = %q, want C1", holder)
	}

	if err := store.Claim(ctx, "no-such-id", "C1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim unknown: err = %v, want ErrNotFound", err)
	}
}

func TestRedeliverySweep(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	id := enqueue(t, store, "T1", "flaky consumer", "c1")

	// Two timeouts: attempts 1 and 2, back to pending each time.
	for strike := 1; strike <= 2; strike++ {
		if _, err := store.FetchForTask(ctx, "T1", 0); err != nil {
			t.Fatalf("fetch %d: %v", strike, err)
		}
		fakeClock.Advance(2 * time.Minute)
		requeued, dead, err := store.RedeliverySweep(ctx)
		if err != nil {
			t.Fatalf("RedeliverySweep: %v", err)
		}
		if requeued != 1 || dead != 0 {
			t.Fatalf("sweep %d: requeued=%d dead=%d, want 1/0", strike, requeued, dead)
		}
	}

	// Third timeout exhausts the budget.
	if _, err := store.FetchForTask(ctx, "T1", 0); err != nil {
		t.Fatalf("final fetch: %v", err)
	}
	fakeClock.Advance(2 * time.Minute)
	requeued, dead, err := store.RedeliverySweep(ctx)
	if err != nil {
		t.Fatalf("RedeliverySweep: %v", err)
	}
	if requeued != 0 || dead != 1 {
		t.Fatalf("final sweep: requeued=%d dead=%d, want 0/1", requeued, dead)
	}

	msg, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", msg.Status)
	}

	// Acking a dead-lettered message is an error, not a resurrection.
	if err := store.Ack(ctx, id); !errors.Is(err, ErrTerminal) {
		t.Fatalf("ack failed message: err = %v, want ErrTerminal", err)
	}
}

func TestDeadLetterReplayAndPurge(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	id := enqueue(t, store, "T1", "doomed", "c1")
	if err := store.Claim(ctx, id, "C1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for range 3 {
		if _, err := store.FetchForTask(ctx, "T1", 0); err != nil {
			t.Fatalf("fetch: %v", err)
		}
		fakeClock.Advance(2 * time.Minute)
		if _, _, err := store.RedeliverySweep(ctx); err != nil {
			t.Fatalf("RedeliverySweep: %v", err)
		}
	}

	letters, err := store.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Message.ID != id {
		t.Fatalf("DeadLetters = %+v, want one entry for %s", letters, id)
	}

	if err := store.Replay(ctx, id); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	msg, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusPending || msg.Attempts != 0 || msg.ClaimedBy != "" {
		t.Fatalf("replayed message = %+v, want pending/0 attempts/unclaimed", msg)
	}
	if err := store.Replay(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replaying twice: err = %v, want ErrNotFound", err)
	}

	// Dead-letter it again and purge past retention.
	for range 3 {
		if _, err := store.FetchForTask(ctx, "T1", 0); err != nil {
			t.Fatalf("fetch: %v", err)
		}
		fakeClock.Advance(2 * time.Minute)
		if _, _, err := store.RedeliverySweep(ctx); err != nil {
			t.Fatalf("RedeliverySweep: %v", err)
		}
	}
	fakeClock.Advance(8 * 24 * time.Hour)
	purged, err := store.PurgeDeadLetters(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeDeadLetters: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged message still present: err = %v", err)
	}
}

func TestRestartRecovery(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "queue_restart.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	cfg := Config{
		Pool:                pool,
		Clock:               clock.Fake(testEpoch),
		Logger:              testutil.Logger(t),
		PerTaskCap:          1000,
		GlobalCap:           10000,
		MaxDeliveryAttempts: 3,
		RedeliveryTimeout:   time.Minute,
	}
	ctx := context.Background()

	store, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := store.EnqueueInbound(ctx, Inbound{TaskID: "T1", ThreadID: "th", Body: "survives"}, "c42")
	if err != nil {
		t.Fatalf("EnqueueInbound: %v", err)
	}
	if _, err := store.FetchForTask(ctx, "T1", 0); err != nil {
		t.Fatalf("FetchForTask: %v", err)
	}

	// A second Open over the same database sees identical state.
	reopened, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	msgs, err := reopened.FetchForTask(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("fetch after reopen: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("fetch after reopen = %+v, want %s", msgs, id)
	}
	cursor, err := reopened.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != "c42" {
		t.Fatalf("cursor after reopen = %q, want c42", cursor)
	}
}

func TestOutboundQueueOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		id, err := store.EnqueueOutbound(ctx, "T1", "th", "warden", fmt.Sprintf("reply %d", i), "")
		if err != nil {
			t.Fatalf("EnqueueOutbound: %v", err)
		}
		ids = append(ids, id)
	}

	for _, want := range ids {
		msg, err := store.nextOutbound(ctx)
		if err != nil {
			t.Fatalf("nextOutbound: %v", err)
		}
		if msg == nil || msg.ID != want {
			t.Fatalf("nextOutbound = %+v, want %s", msg, want)
		}
		if err := store.markSent(ctx, msg.ID); err != nil {
			t.Fatalf("markSent: %v", err)
		}
	}

	msg, err := store.nextOutbound(ctx)
	if err != nil {
		t.Fatalf("nextOutbound on drained queue: %v", err)
	}
	if msg != nil {
		t.Fatalf("drained queue returned %+v", msg)
	}
}

func TestEnqueueOutboundBacklogCaps(t *testing.T) {
	store, _ := openTestStoreCaps(t, 2, 3)
	ctx := context.Background()

	for i := range 2 {
		if _, err := store.EnqueueOutbound(ctx, "T1", "th-1", "warden", fmt.Sprintf("reply %d", i), ""); err != nil {
			t.Fatalf("EnqueueOutbound %d: %v", i, err)
		}
	}
	if _, err := store.EnqueueOutbound(ctx, "T1", "th-1", "warden", "over the task cap", ""); !errors.Is(err, ErrTaskBacklog) {
		t.Fatalf("EnqueueOutbound over task cap = %v, want ErrTaskBacklog", err)
	}

	// Another task still has room until the global cap bites.
	if _, err := store.EnqueueOutbound(ctx, "T2", "th-2", "warden", "fits globally", ""); err != nil {
		t.Fatalf("EnqueueOutbound for second task: %v", err)
	}
	if _, err := store.EnqueueOutbound(ctx, "T2", "th-2", "warden", "over the global cap", ""); !errors.Is(err, ErrGlobalBacklog) {
		t.Fatalf("EnqueueOutbound over global cap = %v, want ErrGlobalBacklog", err)
	}

	// Sent replies leave the backlog; capacity comes back.
	msg, err := store.nextOutbound(ctx)
	if err != nil || msg == nil {
		t.Fatalf("nextOutbound: %v, %v", msg, err)
	}
	if err := store.markSent(ctx, msg.ID); err != nil {
		t.Fatalf("markSent: %v", err)
	}
	if _, err := store.EnqueueOutbound(ctx, "T2", "th-2", "warden", "room again", ""); err != nil {
		t.Fatalf("EnqueueOutbound after drain: %v", err)
	}
}

func TestInboundTaskBacklogLeavesOtherTasksOpen(t *testing.T) {
	store, _ := openTestStoreCaps(t, 1, 10)
	ctx := context.Background()

	enqueue(t, store, "T1", "fills the task", "cur-1")
	_, err := store.EnqueueInbound(ctx, Inbound{
		TaskID: "T1", ThreadID: "thread-T1", Sender: "U100", Body: "rejected",
	}, "cur-2")
	if !errors.Is(err, ErrTaskBacklog) {
		t.Fatalf("EnqueueInbound over task cap = %v, want ErrTaskBacklog", err)
	}

	// The rejected enqueue wrote nothing, including the cursor.
	cursor, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != "cur-1" {
		t.Fatalf("cursor = %q, want cur-1", cursor)
	}

	// A healthy task is unaffected by the full one.
	if _, err := store.EnqueueInbound(ctx, Inbound{
		TaskID: "T2", ThreadID: "thread-T2", Sender: "U100", Body: "flows",
	}, "cur-3"); err != nil {
		t.Fatalf("EnqueueInbound for healthy task: %v", err)
	}
}
