// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/sqlitepool"
)

// Message directions.
const (
	DirectionInbound  = "inbound"  // chat upstream → agent
	DirectionOutbound = "outbound" // agent → chat upstream
)

// Message statuses. pending and delivered are live; acked and failed
// are terminal (failed messages live on in the dead-letter queue
// until replayed or purged).
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusAcked     = "acked"
	StatusFailed    = "failed"
)

// Errors callers branch on.
var (
	ErrNotFound      = errors.New("queue: no such message")
	ErrTaskBacklog   = errors.New("queue: task backlog is full")
	ErrGlobalBacklog = errors.New("queue: global backlog is full")
	ErrTerminal      = errors.New("queue: message is in a terminal state")
)

// ClaimHeldError reports a claim attempt on a message another
// container already holds.
type ClaimHeldError struct {
	MessageID string
	Holder    string
}

func (e *ClaimHeldError) Error() string {
	return fmt.Sprintf("queue: message %s is claimed by %s", e.MessageID, e.Holder)
}

// Message is one queued chat message.
type Message struct {
	ID            string
	Direction     string
	TaskID        string
	ThreadID      string
	Sender        string
	Body          string
	CorrelationID string
	Status        string
	Attempts      int
	ClaimedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeadLetter is a failed message awaiting operator attention.
type DeadLetter struct {
	Message   Message
	Reason    string
	CreatedAt time.Time
}

// Store persists messages, dead letters, and the upstream cursor in
// SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	perTaskCap        int
	globalCap         int
	maxAttempts       int
	redeliveryTimeout time.Duration
}

// Config holds the parameters for opening the queue store.
type Config struct {
	Pool   *sqlitepool.Pool
	Clock  clock.Clock
	Logger *slog.Logger

	// PerTaskCap bounds undelivered+unacked inbound messages per task.
	PerTaskCap int
	// GlobalCap bounds them across all tasks.
	GlobalCap int
	// MaxDeliveryAttempts is the strike count before dead-lettering.
	MaxDeliveryAttempts int
	// RedeliveryTimeout is how long a delivered message may sit
	// unacked before it returns to pending.
	RedeliveryTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	direction      TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	thread_id      TEXT NOT NULL,
	sender         TEXT NOT NULL,
	body           TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	claimed_by     TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	delivered_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, direction, status, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(direction, status, created_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	message_id TEXT PRIMARY KEY REFERENCES messages(id),
	reason     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS upstream_cursor (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	cursor     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open creates the store and ensures its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("queue: Pool is required")
	}
	if cfg.PerTaskCap <= 0 || cfg.GlobalCap <= 0 {
		return nil, fmt.Errorf("queue: backlog caps are required")
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		return nil, fmt.Errorf("queue: MaxDeliveryAttempts is required")
	}
	if cfg.RedeliveryTimeout <= 0 {
		return nil, fmt.Errorf("queue: RedeliveryTimeout is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("queue: creating schema: %w", err)
	}

	return &Store{
		pool:              cfg.Pool,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		perTaskCap:        cfg.PerTaskCap,
		globalCap:         cfg.GlobalCap,
		maxAttempts:       cfg.MaxDeliveryAttempts,
		redeliveryTimeout: cfg.RedeliveryTimeout,
	}, nil
}

// Inbound describes one message arriving from the chat upstream.
type Inbound struct {
	TaskID        string
	ThreadID      string
	Sender        string
	Body          string
	CorrelationID string
}

// EnqueueInbound persists an upstream message and advances the stored
// upstream cursor in the same transaction. Persistence therefore
// strictly precedes upstream acknowledgment: if the gateway dies
// before commit, the old cursor replays the event.
//
// Backlog caps are checked first. On ErrTaskBacklog or
// ErrGlobalBacklog nothing is written and the cursor stays put. The
// listener treats a full task as a reject for that task alone and
// moves on; only the global cap parks the stream, since that is
// gateway-wide backpressure.
func (s *Store) EnqueueInbound(ctx context.Context, msg Inbound, cursor string) (id string, err error) {
	if msg.TaskID == "" || msg.ThreadID == "" {
		return "", fmt.Errorf("queue: task and thread identifiers are required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := s.checkBacklog(conn, msg.TaskID); err != nil {
		return "", err
	}

	id = uuid.NewString()
	now := s.clock.Now().UnixNano()
	err = sqlitex.Execute(conn,
		`INSERT INTO messages (id, direction, task_id, thread_id, sender, body, correlation_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			id, DirectionInbound, msg.TaskID, msg.ThreadID, msg.Sender, msg.Body, msg.CorrelationID,
			StatusPending, now, now,
		}})
	if err != nil {
		return "", fmt.Errorf("queue: insert inbound: %w", err)
	}

	if cursor != "" {
		err = sqlitex.Execute(conn,
			`INSERT INTO upstream_cursor (id, cursor, updated_at) VALUES (1, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{cursor, now}})
		if err != nil {
			return "", fmt.Errorf("queue: advance cursor: %w", err)
		}
	}
	return id, nil
}

// checkBacklog enforces the per-task and global caps over live
// inbound messages. Runs inside the enqueue transaction.
func (s *Store) checkBacklog(conn *sqlite.Conn, taskID string) error {
	count := func(query string, args []any) (int, error) {
		n := 0
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
		return n, err
	}

	live := []any{DirectionInbound, StatusPending, StatusDelivered}
	n, err := count(
		"SELECT COUNT(*) FROM messages WHERE task_id = ? AND direction = ? AND status IN (?, ?)",
		append([]any{taskID}, live...))
	if err != nil {
		return fmt.Errorf("queue: counting task backlog: %w", err)
	}
	if n >= s.perTaskCap {
		return ErrTaskBacklog
	}

	n, err = count("SELECT COUNT(*) FROM messages WHERE direction = ? AND status IN (?, ?)", live)
	if err != nil {
		return fmt.Errorf("queue: counting global backlog: %w", err)
	}
	if n >= s.globalCap {
		return ErrGlobalBacklog
	}
	return nil
}

// checkOutboundBacklog enforces the caps over pending outbound
// replies. Runs inside the enqueue transaction.
func (s *Store) checkOutboundBacklog(conn *sqlite.Conn, taskID string) error {
	count := func(query string, args []any) (int, error) {
		n := 0
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
		return n, err
	}

	n, err := count(
		"SELECT COUNT(*) FROM messages WHERE task_id = ? AND direction = ? AND status = ?",
		[]any{taskID, DirectionOutbound, StatusPending})
	if err != nil {
		return fmt.Errorf("queue: counting outbound task backlog: %w", err)
	}
	if n >= s.perTaskCap {
		return ErrTaskBacklog
	}

	n, err = count(
		"SELECT COUNT(*) FROM messages WHERE direction = ? AND status = ?",
		[]any{DirectionOutbound, StatusPending})
	if err != nil {
		return fmt.Errorf("queue: counting outbound global backlog: %w", err)
	}
	if n >= s.globalCap {
		return ErrGlobalBacklog
	}
	return nil
}

// Cursor returns the persisted upstream cursor, empty when no event
// has ever been enqueued.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: cursor: %w", err)
	}
	defer s.pool.Put(conn)

	cursor := ""
	err = sqlitex.Execute(conn, "SELECT cursor FROM upstream_cursor WHERE id = 1",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			cursor = stmt.ColumnText(0)
			return nil
		}})
	if err != nil {
		return "", fmt.Errorf("queue: cursor: %w", err)
	}
	return cursor, nil
}

// FetchForTask returns the live inbound messages for a task in
// arrival order, marking pending ones delivered. Fetch is idempotent:
// a message stays in the result set until acked, so a container that
// crashed mid-processing sees it again.
func (s *Store) FetchForTask(ctx context.Context, taskID string, limit int) (msgs []Message, err error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: fetch: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`SELECT id, direction, task_id, thread_id, sender, body, correlation_id, status, attempts, claimed_by, created_at, updated_at
		 FROM messages
		 WHERE task_id = ? AND direction = ? AND status IN (?, ?)
		 ORDER BY created_at, rowid
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{taskID, DirectionInbound, StatusPending, StatusDelivered, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msgs = append(msgs, scanMessage(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: fetch: %w", err)
	}

	now := s.clock.Now().UnixNano()
	for i := range msgs {
		if msgs[i].Status != StatusPending {
			continue
		}
		err = sqlitex.Execute(conn,
			"UPDATE messages SET status = ?, delivered_at = ?, updated_at = ? WHERE id = ? AND status = ?",
			&sqlitex.ExecOptions{Args: []any{StatusDelivered, now, now, msgs[i].ID, StatusPending}})
		if err != nil {
			return nil, fmt.Errorf("queue: mark delivered: %w", err)
		}
		msgs[i].Status = StatusDelivered
	}
	return msgs, nil
}

// Ack marks a message acked. Acking an acked message is a no-op
// success; acking a failed message is ErrTerminal; unknown is
// ErrNotFound.
func (s *Store) Ack(ctx context.Context, messageID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)",
		&sqlitex.ExecOptions{Args: []any{StatusAcked, s.clock.Now().UnixNano(), messageID, StatusPending, StatusDelivered}})
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if conn.Changes() > 0 {
		return nil
	}

	msg, err := s.byID(conn, messageID)
	if err != nil {
		return err
	}
	if msg.Status == StatusAcked {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrTerminal, messageID, msg.Status)
}

// Claim records first-responder ownership of a message. The first
// container wins; later callers get *ClaimHeldError naming the
// holder. Re-claiming by the holder is a no-op success.
func (s *Store) Claim(ctx context.Context, messageID, containerID string) error {
	if containerID == "" {
		return fmt.Errorf("queue: claim requires a container identifier")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: claim: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE messages SET claimed_by = ?, updated_at = ? WHERE id = ? AND claimed_by IN ('', ?)",
		&sqlitex.ExecOptions{Args: []any{containerID, s.clock.Now().UnixNano(), messageID, containerID}})
	if err != nil {
		return fmt.Errorf("queue: claim: %w", err)
	}
	if conn.Changes() > 0 {
		return nil
	}

	msg, err := s.byID(conn, messageID)
	if err != nil {
		return err
	}
	return &ClaimHeldError{MessageID: messageID, Holder: msg.ClaimedBy}
}

// Holder returns who claimed a message, empty when unclaimed. Claim
// conflicts are reported by Claim itself via ClaimHeldError; Holder
// exists for inspection after the fact.
func (s *Store) Holder(ctx context.Context, messageID string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: holder: %w", err)
	}
	defer s.pool.Put(conn)

	msg, err := s.byID(conn, messageID)
	if err != nil {
		return "", err
	}
	return msg.ClaimedBy, nil
}

// Get returns one message by ID.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	defer s.pool.Put(conn)
	return s.byID(conn, messageID)
}

// EnqueueOutbound persists an agent reply for the sender worker to
// deliver upstream. The same per-task and global caps that bound the
// inbound queue bound pending outbound replies, counted per
// direction, so a stalled upstream cannot grow the send queue
// without limit.
func (s *Store) EnqueueOutbound(ctx context.Context, taskID, threadID, sender, body, correlationID string) (id string, err error) {
	if taskID == "" || threadID == "" {
		return "", fmt.Errorf("queue: task and thread identifiers are required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue outbound: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := s.checkOutboundBacklog(conn, taskID); err != nil {
		return "", err
	}

	id = uuid.NewString()
	now := s.clock.Now().UnixNano()
	err = sqlitex.Execute(conn,
		`INSERT INTO messages (id, direction, task_id, thread_id, sender, body, correlation_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			id, DirectionOutbound, taskID, threadID, sender, body, correlationID,
			StatusPending, now, now,
		}})
	if err != nil {
		return "", fmt.Errorf("queue: insert outbound: %w", err)
	}
	return id, nil
}

// nextOutbound returns the oldest pending outbound message, nil when
// the outbound queue is drained.
func (s *Store) nextOutbound(ctx context.Context) (*Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: next outbound: %w", err)
	}
	defer s.pool.Put(conn)

	var msg *Message
	err = sqlitex.Execute(conn,
		`SELECT id, direction, task_id, thread_id, sender, body, correlation_id, status, attempts, claimed_by, created_at, updated_at
		 FROM messages
		 WHERE direction = ? AND status = ?
		 ORDER BY created_at, rowid
		 LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{DirectionOutbound, StatusPending},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m := scanMessage(stmt)
				msg = &m
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: next outbound: %w", err)
	}
	return msg, nil
}

// markSent records a successful upstream delivery.
func (s *Store) markSent(ctx context.Context, messageID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: mark sent: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE messages SET status = ?, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{StatusAcked, s.clock.Now().UnixNano(), messageID}})
	if err != nil {
		return fmt.Errorf("queue: mark sent: %w", err)
	}
	return nil
}

// recordAttempt increments the attempt counter after a failed
// upstream send. On the final strike the message is dead-lettered and
// the method reports exhausted = true.
func (s *Store) recordAttempt(ctx context.Context, messageID, reason string) (exhausted bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("queue: record attempt: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.clock.Now().UnixNano()
	err = sqlitex.Execute(conn,
		"UPDATE messages SET attempts = attempts + 1, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{now, messageID}})
	if err != nil {
		return false, fmt.Errorf("queue: record attempt: %w", err)
	}

	msg, err := s.byID(conn, messageID)
	if err != nil {
		return false, err
	}
	if msg.Attempts < s.maxAttempts {
		return false, nil
	}

	if err := s.deadLetter(conn, messageID, reason, now); err != nil {
		return false, err
	}
	return true, nil
}

// deadLetter moves a message to failed and records why. Runs inside
// the caller's transaction.
func (s *Store) deadLetter(conn *sqlite.Conn, messageID, reason string, now int64) error {
	err := sqlitex.Execute(conn,
		"UPDATE messages SET status = ?, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{StatusFailed, now, messageID}})
	if err != nil {
		return fmt.Errorf("queue: fail message: %w", err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO dead_letters (message_id, reason, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at`,
		&sqlitex.ExecOptions{Args: []any{messageID, reason, now}})
	if err != nil {
		return fmt.Errorf("queue: insert dead letter: %w", err)
	}
	s.logger.Warn("message dead-lettered", "message_id", messageID, "reason", reason)
	return nil
}

// RedeliverySweep returns delivered-but-unacked messages to pending
// once the redelivery timeout passes, counting an attempt each time.
// Messages out of attempts are dead-lettered instead. Returns
// (requeued, deadLettered).
func (s *Store) RedeliverySweep(ctx context.Context) (requeued, deadLettered int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: redelivery sweep: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.clock.Now()
	cutoff := now.Add(-s.redeliveryTimeout).UnixNano()

	var stale []Message
	err = sqlitex.Execute(conn,
		`SELECT id, direction, task_id, thread_id, sender, body, correlation_id, status, attempts, claimed_by, created_at, updated_at
		 FROM messages
		 WHERE direction = ? AND status = ? AND delivered_at < ?`,
		&sqlitex.ExecOptions{
			Args: []any{DirectionInbound, StatusDelivered, cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stale = append(stale, scanMessage(stmt))
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("queue: redelivery sweep: %w", err)
	}

	nowNanos := now.UnixNano()
	for _, msg := range stale {
		attempts := msg.Attempts + 1
		if attempts >= s.maxAttempts {
			err = sqlitex.Execute(conn,
				"UPDATE messages SET attempts = ?, updated_at = ? WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{attempts, nowNanos, msg.ID}})
			if err != nil {
				return requeued, deadLettered, fmt.Errorf("queue: redelivery sweep: %w", err)
			}
			if err := s.deadLetter(conn, msg.ID, "delivery attempts exhausted", nowNanos); err != nil {
				return requeued, deadLettered, err
			}
			deadLettered++
			continue
		}
		err = sqlitex.Execute(conn,
			"UPDATE messages SET status = ?, attempts = ?, delivered_at = 0, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{StatusPending, attempts, nowNanos, msg.ID}})
		if err != nil {
			return requeued, deadLettered, fmt.Errorf("queue: redelivery sweep: %w", err)
		}
		requeued++
	}

	if requeued > 0 || deadLettered > 0 {
		s.logger.Info("redelivery sweep", "requeued", requeued, "dead_lettered", deadLettered)
	}
	return requeued, deadLettered, nil
}

// DeadLetters lists the dead-letter queue, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	defer s.pool.Put(conn)

	var letters []DeadLetter
	err = sqlitex.Execute(conn,
		`SELECT m.id, m.direction, m.task_id, m.thread_id, m.sender, m.body, m.correlation_id, m.status, m.attempts, m.claimed_by, m.created_at, m.updated_at,
		        d.reason, d.created_at
		 FROM dead_letters d JOIN messages m ON m.id = d.message_id
		 ORDER BY d.created_at, m.rowid`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			letters = append(letters, DeadLetter{
				Message:   scanMessage(stmt),
				Reason:    stmt.ColumnText(12),
				CreatedAt: time.Unix(0, stmt.ColumnInt64(13)),
			})
			return nil
		}})
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	return letters, nil
}

// Replay resets a dead-lettered message to pending with a fresh
// attempt budget and a released claim, and removes the DLQ row. The
// caller is responsible for checking the task mapping is still
// active first.
func (s *Store) Replay(ctx context.Context, messageID string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: replay: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"DELETE FROM dead_letters WHERE message_id = ?",
		&sqlitex.ExecOptions{Args: []any{messageID}})
	if err != nil {
		return fmt.Errorf("queue: replay: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}

	err = sqlitex.Execute(conn,
		"UPDATE messages SET status = ?, attempts = 0, claimed_by = '', delivered_at = 0, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{StatusPending, s.clock.Now().UnixNano(), messageID}})
	if err != nil {
		return fmt.Errorf("queue: replay reset: %w", err)
	}

	s.logger.Info("dead letter replayed", "message_id", messageID)
	return nil
}

// PurgeDeadLetters drops dead letters (and their message rows) older
// than retention. Returns the number purged.
func (s *Store) PurgeDeadLetters(ctx context.Context, retention time.Duration) (purged int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: purge dead letters: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	cutoff := s.clock.Now().Add(-retention).UnixNano()

	var ids []string
	err = sqlitex.Execute(conn,
		"SELECT message_id FROM dead_letters WHERE created_at < ?",
		&sqlitex.ExecOptions{
			Args: []any{cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("queue: purge dead letters: %w", err)
	}

	for _, id := range ids {
		err = sqlitex.Execute(conn, "DELETE FROM dead_letters WHERE message_id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return purged, fmt.Errorf("queue: purge dead letters: %w", err)
		}
		err = sqlitex.Execute(conn, "DELETE FROM messages WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return purged, fmt.Errorf("queue: purge dead letters: %w", err)
		}
		purged++
	}

	if purged > 0 {
		s.logger.Info("dead letters purged", "count", purged)
	}
	return purged, nil
}

func (s *Store) byID(conn *sqlite.Conn, messageID string) (*Message, error) {
	var msg *Message
	err := sqlitex.Execute(conn,
		`SELECT id, direction, task_id, thread_id, sender, body, correlation_id, status, attempts, claimed_by, created_at, updated_at
		 FROM messages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m := scanMessage(stmt)
				msg = &m
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: lookup %s: %w", messageID, err)
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg, nil
}

func scanMessage(stmt *sqlite.Stmt) Message {
	return Message{
		ID:            stmt.ColumnText(0),
		Direction:     stmt.ColumnText(1),
		TaskID:        stmt.ColumnText(2),
		ThreadID:      stmt.ColumnText(3),
		Sender:        stmt.ColumnText(4),
		Body:          stmt.ColumnText(5),
		CorrelationID: stmt.ColumnText(6),
		Status:        stmt.ColumnText(7),
		Attempts:      stmt.ColumnInt(8),
		ClaimedBy:     stmt.ColumnText(9),
		CreatedAt:     time.Unix(0, stmt.ColumnInt64(10)),
		UpdatedAt:     time.Unix(0, stmt.ColumnInt64(11)),
	}
}
