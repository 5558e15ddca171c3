// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/codec"
	"github.com/warden-gw/warden/lib/sqlitepool"
)

// Outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// ErrNotFound is returned by queries addressing a missing entry.
var ErrNotFound = errors.New("audit: no such entry")

// ChainBreakError reports the first entry whose hash does not match
// its recomputed value.
type ChainBreakError struct {
	Seq int64
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("audit: hash chain broken at seq %d", e.Seq)
}

// Record is the caller-supplied part of an entry. Summary values must
// already be redacted; this package stores what it is given.
type Record struct {
	Operation   string
	ContainerID string
	TaskID      string
	RequestID   string
	Summary     map[string]string
	Outcome     string
	Checks      map[string]bool
}

// Entry is one committed audit entry.
type Entry struct {
	Seq       int64
	Timestamp time.Time
	Record
	PrevHash  string
	EntryHash string
}

// Log is the append-only audit store.
type Log struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening the log.
type Config struct {
	Pool   *sqlitepool.Pool
	Clock  clock.Clock
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	at           INTEGER NOT NULL,
	operation    TEXT NOT NULL,
	container_id TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	request_id   TEXT NOT NULL,
	summary      BLOB NOT NULL,
	outcome      TEXT NOT NULL,
	checks       BLOB NOT NULL,
	prev_hash    TEXT NOT NULL,
	entry_hash   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation, at);
`

// Open creates the log and ensures its schema.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("audit: Pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("audit: creating schema: %w", err)
	}

	return &Log{pool: cfg.Pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// hashedEntry is the canonical form covered by the entry hash. Field
// order does not matter: the deterministic CBOR encoder sorts keys.
type hashedEntry struct {
	Seq         int64             `cbor:"seq"`
	At          int64             `cbor:"at"`
	Operation   string            `cbor:"operation"`
	ContainerID string            `cbor:"container_id"`
	TaskID      string            `cbor:"task_id"`
	RequestID   string            `cbor:"request_id"`
	Summary     map[string]string `cbor:"summary"`
	Outcome     string            `cbor:"outcome"`
	Checks      map[string]bool   `cbor:"checks"`
}

// entryDomainKey is the 32-byte key for BLAKE3 keyed hashing of
// audit entries: the ASCII domain name, zero-padded. Changing it
// invalidates every existing chain.
var entryDomainKey = [32]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'a', 'u', 'd', 'i', 't', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func entryHash(h hashedEntry, prevHash string) (string, error) {
	canonical, err := codec.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("audit: encoding entry: %w", err)
	}
	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("audit: hash initialization: %w", err)
	}
	hasher.Write(canonical)
	hasher.Write([]byte(prevHash))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Append commits one entry to the chain. The sequence number, prev
// hash read, hash computation, and insert happen in one IMMEDIATE
// transaction, so concurrent appends serialize and the chain never
// forks.
func (l *Log) Append(ctx context.Context, rec Record) (entry *Entry, err error) {
	switch rec.Outcome {
	case OutcomeAllowed, OutcomeDenied, OutcomeError:
	default:
		return nil, fmt.Errorf("audit: invalid outcome %q", rec.Outcome)
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("audit: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var (
		lastSeq  int64
		prevHash string
	)
	err = sqlitex.Execute(conn,
		"SELECT seq, entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			lastSeq = stmt.ColumnInt64(0)
			prevHash = stmt.ColumnText(1)
			return nil
		}})
	if err != nil {
		return nil, fmt.Errorf("audit: reading chain head: %w", err)
	}

	now := l.clock.Now()
	seq := lastSeq + 1
	hashed := hashedEntry{
		Seq:         seq,
		At:          now.UnixNano(),
		Operation:   rec.Operation,
		ContainerID: rec.ContainerID,
		TaskID:      rec.TaskID,
		RequestID:   rec.RequestID,
		Summary:     rec.Summary,
		Outcome:     rec.Outcome,
		Checks:      rec.Checks,
	}
	hash, err := entryHash(hashed, prevHash)
	if err != nil {
		return nil, err
	}

	summaryBlob, err := codec.Marshal(rec.Summary)
	if err != nil {
		return nil, fmt.Errorf("audit: encoding summary: %w", err)
	}
	checksBlob, err := codec.Marshal(rec.Checks)
	if err != nil {
		return nil, fmt.Errorf("audit: encoding checks: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO audit_log (seq, at, operation, container_id, task_id, request_id, summary, outcome, checks, prev_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			seq, now.UnixNano(), rec.Operation, rec.ContainerID, rec.TaskID, rec.RequestID,
			summaryBlob, rec.Outcome, checksBlob, prevHash, hash,
		}})
	if err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}

	return &Entry{
		Seq:       seq,
		Timestamp: now,
		Record:    rec,
		PrevHash:  prevHash,
		EntryHash: hash,
	}, nil
}

// Query filters the log. Zero-valued fields match everything.
type Query struct {
	Since     time.Time
	Until     time.Time
	Operation string
	Container string
	Task      string
	Outcome   string
	Limit     int
}

// Query returns matching entries in sequence order.
func (l *Log) Query(ctx context.Context, q Query) ([]Entry, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer l.pool.Put(conn)

	stmt := "SELECT seq, at, operation, container_id, task_id, request_id, summary, outcome, checks, prev_hash, entry_hash FROM audit_log WHERE 1=1"
	var args []any
	if !q.Since.IsZero() {
		stmt += " AND at >= ?"
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		stmt += " AND at < ?"
		args = append(args, q.Until.UnixNano())
	}
	if q.Operation != "" {
		stmt += " AND operation = ?"
		args = append(args, q.Operation)
	}
	if q.Container != "" {
		stmt += " AND container_id = ?"
		args = append(args, q.Container)
	}
	if q.Task != "" {
		stmt += " AND task_id = ?"
		args = append(args, q.Task)
	}
	if q.Outcome != "" {
		stmt += " AND outcome = ?"
		args = append(args, q.Outcome)
	}
	stmt += " ORDER BY seq"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var entries []Entry
	err = sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(st *sqlite.Stmt) error {
			entry, err := scanEntry(st)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}

// Verify recomputes every hash in the retained chain and returns a
// *ChainBreakError at the first mismatch. The first retained entry's
// prev hash is trusted as the anchor: its predecessors live in
// archive segments.
func (l *Log) Verify(ctx context.Context) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: verify: %w", err)
	}
	defer l.pool.Put(conn)

	var (
		verifyErr error
		prevHash  string
		first     = true
	)
	err = sqlitex.Execute(conn,
		"SELECT seq, at, operation, container_id, task_id, request_id, summary, outcome, checks, prev_hash, entry_hash FROM audit_log ORDER BY seq",
		&sqlitex.ExecOptions{ResultFunc: func(st *sqlite.Stmt) error {
			if verifyErr != nil {
				return nil
			}
			entry, err := scanEntry(st)
			if err != nil {
				return err
			}
			if first {
				prevHash = entry.PrevHash
				first = false
			}
			if entry.PrevHash != prevHash {
				verifyErr = &ChainBreakError{Seq: entry.Seq}
				return nil
			}
			want, err := entryHash(hashedEntry{
				Seq:         entry.Seq,
				At:          entry.Timestamp.UnixNano(),
				Operation:   entry.Operation,
				ContainerID: entry.ContainerID,
				TaskID:      entry.TaskID,
				RequestID:   entry.RequestID,
				Summary:     entry.Summary,
				Outcome:     entry.Outcome,
				Checks:      entry.Checks,
			}, entry.PrevHash)
			if err != nil {
				return err
			}
			if entry.EntryHash != want {
				verifyErr = &ChainBreakError{Seq: entry.Seq}
				return nil
			}
			prevHash = entry.EntryHash
			return nil
		}})
	if err != nil {
		return fmt.Errorf("audit: verify: %w", err)
	}
	return verifyErr
}

func scanEntry(st *sqlite.Stmt) (*Entry, error) {
	entry := &Entry{
		Seq:       st.ColumnInt64(0),
		Timestamp: time.Unix(0, st.ColumnInt64(1)),
		Record: Record{
			Operation:   st.ColumnText(2),
			ContainerID: st.ColumnText(3),
			TaskID:      st.ColumnText(4),
			RequestID:   st.ColumnText(5),
		},
		PrevHash:  st.ColumnText(9),
		EntryHash: st.ColumnText(10),
	}

	summaryBlob := make([]byte, st.ColumnLen(6))
	st.ColumnBytes(6, summaryBlob)
	if err := codec.Unmarshal(summaryBlob, &entry.Summary); err != nil {
		return nil, fmt.Errorf("audit: decoding summary for seq %d: %w", entry.Seq, err)
	}
	entry.Outcome = st.ColumnText(7)
	checksBlob := make([]byte, st.ColumnLen(8))
	st.ColumnBytes(8, checksBlob)
	if err := codec.Unmarshal(checksBlob, &entry.Checks); err != nil {
		return nil, fmt.Errorf("audit: decoding checks for seq %d: %w", entry.Seq, err)
	}
	return entry, nil
}
