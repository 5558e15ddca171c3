// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-gw/warden/lib/codec"
)

// Archive exports entries older than retention to a zstd-compressed
// CBOR segment under dir, then deletes them. The segment is synced to
// disk before any row is removed, so a crash mid-archive loses
// nothing. Returns the number of entries archived ("" path when none
// were due).
func (l *Log) Archive(ctx context.Context, retention time.Duration, dir string) (archived int, segment string, err error) {
	if dir == "" {
		return 0, "", fmt.Errorf("audit: archive directory is required")
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("audit: archive: %w", err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, "", fmt.Errorf("audit: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	cutoff := l.clock.Now().Add(-retention)

	var entries []Entry
	err = sqlitex.Execute(conn,
		"SELECT seq, at, operation, container_id, task_id, request_id, summary, outcome, checks, prev_hash, entry_hash FROM audit_log WHERE at < ? ORDER BY seq",
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixNano()},
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
		return 0, "", fmt.Errorf("audit: archive select: %w", err)
	}
	if len(entries) == 0 {
		return 0, "", nil
	}

	segment = filepath.Join(dir, fmt.Sprintf("audit-%08d-%08d.cbor.zst", entries[0].Seq, entries[len(entries)-1].Seq))
	if err := writeSegment(segment, entries); err != nil {
		return 0, "", err
	}

	err = sqlitex.Execute(conn, "DELETE FROM audit_log WHERE at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixNano()}})
	if err != nil {
		return 0, "", fmt.Errorf("audit: archive delete: %w", err)
	}

	l.logger.Info("audit entries archived",
		"count", len(entries),
		"segment", segment,
	)
	return len(entries), segment, nil
}

func writeSegment(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("audit: creating archive directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: creating segment: %w", err)
	}
	defer f.Close()

	encoder, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("audit: zstd writer: %w", err)
	}

	payload, err := codec.Marshal(entries)
	if err != nil {
		return fmt.Errorf("audit: encoding segment: %w", err)
	}
	if _, err := encoder.Write(payload); err != nil {
		return fmt.Errorf("audit: writing segment: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("audit: closing segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: syncing segment: %w", err)
	}
	return nil
}

// ReadSegment loads an archived segment for offline inspection and
// chain verification across segment boundaries.
func ReadSegment(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening segment: %w", err)
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("audit: zstd reader: %w", err)
	}
	defer decoder.Close()

	payload, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("audit: reading segment: %w", err)
	}
	var entries []Entry
	if err := codec.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("audit: decoding segment: %w", err)
	}
	return entries, nil
}
