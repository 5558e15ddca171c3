// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/sqlitepool"
)

// Mapping statuses. A mapping is created active, closes when the task
// completes, and is archived (then purged) after the retention window.
const (
	StatusActive   = "active"
	StatusClosed   = "closed"
	StatusArchived = "archived"
)

// Errors callers branch on.
var (
	ErrTaskMapped   = errors.New("registry: task is already mapped to a thread")
	ErrThreadMapped = errors.New("registry: thread is already mapped to a task")
	ErrNotFound     = errors.New("registry: no such mapping")
	ErrNotActive    = errors.New("registry: mapping is not active")
)

// Mapping is one task↔thread binding.
type Mapping struct {
	TaskID    string
	ThreadID  string
	Status    string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists mappings in SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening the registry store.
type Config struct {
	Pool   *sqlitepool.Pool
	Clock  clock.Clock
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS thread_mappings (
	task_id    TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mappings_status ON thread_mappings(status, updated_at);
`

// Open creates the store and ensures its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("registry: Pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("registry: creating schema: %w", err)
	}

	return &Store{pool: cfg.Pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Create inserts a new active mapping. The check-and-insert runs in a
// single IMMEDIATE transaction: if either identifier is already bound
// to a live (non-archived) mapping, Create fails with ErrTaskMapped
// or ErrThreadMapped and nothing is written.
func (s *Store) Create(ctx context.Context, taskID, threadID, createdBy string) (err error) {
	if taskID == "" || threadID == "" {
		return fmt.Errorf("registry: task and thread identifiers are required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: create: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("registry: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	taken, err := identifierTaken(conn, "task_id", taskID)
	if err != nil {
		return err
	}
	if taken {
		return ErrTaskMapped
	}
	taken, err = identifierTaken(conn, "thread_id", threadID)
	if err != nil {
		return err
	}
	if taken {
		return ErrThreadMapped
	}

	now := s.clock.Now().UnixNano()
	err = sqlitex.Execute(conn,
		`INSERT INTO thread_mappings (task_id, thread_id, status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{taskID, threadID, StatusActive, createdBy, now, now}})
	if err != nil {
		return fmt.Errorf("registry: insert mapping: %w", err)
	}

	s.logger.Info("thread mapping created",
		"task_id", taskID,
		"thread_id", threadID,
		"created_by", createdBy,
	)
	return nil
}

// identifierTaken reports whether a live mapping already uses the
// given identifier. Archived mappings do not block reuse.
func identifierTaken(conn *sqlite.Conn, column, value string) (bool, error) {
	taken := false
	err := sqlitex.Execute(conn,
		"SELECT 1 FROM thread_mappings WHERE "+column+" = ? AND status != ?",
		&sqlitex.ExecOptions{
			Args: []any{value, StatusArchived},
			ResultFunc: func(*sqlite.Stmt) error {
				taken = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("registry: checking %s: %w", column, err)
	}
	return taken, nil
}

// ByTask returns the mapping for a task.
func (s *Store) ByTask(ctx context.Context, taskID string) (*Mapping, error) {
	return s.lookup(ctx, "task_id", taskID)
}

// ByThread returns the mapping for a thread.
func (s *Store) ByThread(ctx context.Context, threadID string) (*Mapping, error) {
	return s.lookup(ctx, "thread_id", threadID)
}

func (s *Store) lookup(ctx context.Context, column, value string) (*Mapping, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var mapping *Mapping
	err = sqlitex.Execute(conn,
		"SELECT task_id, thread_id, status, created_by, created_at, updated_at FROM thread_mappings WHERE "+column+" = ?",
		&sqlitex.ExecOptions{
			Args: []any{value},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				mapping = scanMapping(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("registry: lookup %s: %w", column, err)
	}
	if mapping == nil {
		return nil, ErrNotFound
	}
	return mapping, nil
}

func scanMapping(stmt *sqlite.Stmt) *Mapping {
	return &Mapping{
		TaskID:    stmt.ColumnText(0),
		ThreadID:  stmt.ColumnText(1),
		Status:    stmt.ColumnText(2),
		CreatedBy: stmt.ColumnText(3),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(4)),
		UpdatedAt: time.Unix(0, stmt.ColumnInt64(5)),
	}
}

// RequireActive returns the mapping for a task, or ErrNotActive when
// the mapping exists but is closed or archived. Used by delivery and
// DLQ replay, which must not act on finished tasks.
func (s *Store) RequireActive(ctx context.Context, taskID string) (*Mapping, error) {
	mapping, err := s.ByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if mapping.Status != StatusActive {
		return nil, ErrNotActive
	}
	return mapping, nil
}

// Close transitions a mapping to closed. Closing a closed mapping is
// a no-op. Only status and updated_at change; the identifiers are
// immutable by construction; no statement in this package updates
// them.
func (s *Store) Close(ctx context.Context, taskID string) error {
	return s.setStatus(ctx, taskID, StatusClosed, StatusActive)
}

// setStatus moves a mapping from fromStatus to toStatus.
func (s *Store) setStatus(ctx context.Context, taskID, toStatus, fromStatus string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: set status: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE thread_mappings SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?",
		&sqlitex.ExecOptions{Args: []any{toStatus, s.clock.Now().UnixNano(), taskID, fromStatus}})
	if err != nil {
		return fmt.Errorf("registry: set status: %w", err)
	}

	if conn.Changes() == 0 {
		// Distinguish "no such mapping" from "already there".
		mapping, lookupErr := s.ByTask(ctx, taskID)
		if lookupErr != nil {
			return lookupErr
		}
		if mapping.Status == toStatus {
			return nil
		}
		return fmt.Errorf("registry: mapping for %s is %s, cannot move to %s", taskID, mapping.Status, toStatus)
	}
	return nil
}

// ArchiveExpired archives closed mappings whose updated_at is older
// than retention, and purges archived rows older than twice the
// retention. Returns the number of mappings archived. Called from the
// retention sweep.
func (s *Store) ArchiveExpired(ctx context.Context, retention time.Duration) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: archive: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()
	cutoff := now.Add(-retention).UnixNano()

	err = sqlitex.Execute(conn,
		"UPDATE thread_mappings SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?",
		&sqlitex.ExecOptions{Args: []any{StatusArchived, now.UnixNano(), StatusClosed, cutoff}})
	if err != nil {
		return 0, fmt.Errorf("registry: archive: %w", err)
	}
	archived := conn.Changes()

	purgeCutoff := now.Add(-2 * retention).UnixNano()
	err = sqlitex.Execute(conn,
		"DELETE FROM thread_mappings WHERE status = ? AND updated_at < ?",
		&sqlitex.ExecOptions{Args: []any{StatusArchived, purgeCutoff}})
	if err != nil {
		return archived, fmt.Errorf("registry: purge: %w", err)
	}

	if archived > 0 {
		s.logger.Info("mappings archived", "count", archived)
	}
	return archived, nil
}
