// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/sqlitepool"
)

// Scopes, in evaluation order.
const (
	ScopeTask      = "task"
	ScopeContainer = "container"
	ScopeThread    = "thread"
	ScopeGlobal    = "global"
)

// scopeOrder fixes the evaluation sequence regardless of how rules
// are declared.
var scopeOrder = map[string]int{
	ScopeTask:      0,
	ScopeContainer: 1,
	ScopeThread:    2,
	ScopeGlobal:    3,
}

// Rule is one window on one scope.
type Rule struct {
	Scope  string
	Count  int
	Window time.Duration
}

// Key carries the scope identifiers of the request being limited.
// Empty fields skip their scope's rules (a fetch has no thread, for
// example); the global scope always applies.
type Key struct {
	TaskID      string
	ContainerID string
	ThreadID    string
}

// Denial reports which window rejected the request and when to retry.
type Denial struct {
	Operation  string
	Scope      string
	Limit      Rule
	RetryAfter time.Duration
}

// Limiter evaluates rate rules. Safe for concurrent use.
type Limiter struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
	rules  map[string][]Rule

	mu     sync.Mutex
	events map[bucketKey][]time.Time
	loaded map[bucketKey]bool

	maxWindow time.Duration
}

type bucketKey struct {
	op    string
	scope string
	key   string
}

// Config holds the parameters for opening the limiter.
type Config struct {
	Pool   *sqlitepool.Pool
	Clock  clock.Clock
	Logger *slog.Logger

	// Rules maps operation name to its windows. Within an operation
	// the scopes are evaluated task, container, thread, global.
	Rules map[string][]Rule
}

const schema = `
CREATE TABLE IF NOT EXISTS rate_events (
	op    TEXT NOT NULL,
	scope TEXT NOT NULL,
	key   TEXT NOT NULL,
	at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_events ON rate_events(op, scope, key, at);
`

// Open creates the limiter and ensures its schema.
func Open(ctx context.Context, cfg Config) (*Limiter, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("ratelimit: Pool is required")
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("ratelimit: Rules are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	maxWindow := time.Duration(0)
	for op, rules := range cfg.Rules {
		sorted := make([]Rule, len(rules))
		copy(sorted, rules)
		sort.SliceStable(sorted, func(i, j int) bool {
			return scopeOrder[sorted[i].Scope] < scopeOrder[sorted[j].Scope]
		})
		cfg.Rules[op] = sorted
		for _, r := range rules {
			if _, ok := scopeOrder[r.Scope]; !ok {
				return nil, fmt.Errorf("ratelimit: unknown scope %q for %s", r.Scope, op)
			}
			if r.Count <= 0 || r.Window <= 0 {
				return nil, fmt.Errorf("ratelimit: invalid rule for %s: %+v", op, r)
			}
			if r.Window > maxWindow {
				maxWindow = r.Window
			}
		}
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("ratelimit: creating schema: %w", err)
	}

	return &Limiter{
		pool:      cfg.Pool,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		rules:     cfg.Rules,
		events:    make(map[bucketKey][]time.Time),
		loaded:    make(map[bucketKey]bool),
		maxWindow: maxWindow,
	}, nil
}

// Allow checks every applicable rule for op and, when all pass,
// records one event per applicable scope. A nil Denial means allowed.
// Denied requests are not recorded; a client hammering a closed
// window does not extend its own penalty.
func (l *Limiter) Allow(ctx context.Context, op string, key Key) (*Denial, error) {
	rules, ok := l.rules[op]
	if !ok {
		return nil, fmt.Errorf("ratelimit: unknown operation %q", op)
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	type hit struct {
		bucket bucketKey
		rule   Rule
	}
	var hits []hit
	for _, rule := range rules {
		scopeValue, applies := scopeKey(rule.Scope, key)
		if !applies {
			continue
		}
		bucket := bucketKey{op: op, scope: rule.Scope, key: scopeValue}
		events, err := l.bucketEvents(ctx, bucket, now)
		if err != nil {
			return nil, err
		}

		inWindow := trimBefore(events, now.Add(-rule.Window))
		if len(inWindow) >= rule.Count {
			oldest := inWindow[len(inWindow)-rule.Count]
			return &Denial{
				Operation:  op,
				Scope:      rule.Scope,
				Limit:      rule,
				RetryAfter: oldest.Add(rule.Window).Sub(now),
			}, nil
		}
		hits = append(hits, hit{bucket: bucket, rule: rule})
	}

	// All windows open: record the event everywhere at once.
	seen := make(map[bucketKey]bool)
	for _, h := range hits {
		if seen[h.bucket] {
			continue
		}
		seen[h.bucket] = true
		l.events[h.bucket] = append(l.events[h.bucket], now)
		if err := l.persistEvent(ctx, h.bucket, now); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// bucketEvents returns the in-memory timeline for a bucket, loading
// it from SQLite on first touch after startup.
func (l *Limiter) bucketEvents(ctx context.Context, bucket bucketKey, now time.Time) ([]time.Time, error) {
	if l.loaded[bucket] {
		return l.events[bucket], nil
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: load bucket: %w", err)
	}
	defer l.pool.Put(conn)

	var events []time.Time
	err = sqlitex.Execute(conn,
		"SELECT at FROM rate_events WHERE op = ? AND scope = ? AND key = ? AND at >= ? ORDER BY at",
		&sqlitex.ExecOptions{
			Args: []any{bucket.op, bucket.scope, bucket.key, now.Add(-l.maxWindow).UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, time.Unix(0, stmt.ColumnInt64(0)))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: load bucket: %w", err)
	}

	l.events[bucket] = events
	l.loaded[bucket] = true
	return events, nil
}

func (l *Limiter) persistEvent(ctx context.Context, bucket bucketKey, at time.Time) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ratelimit: persist event: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO rate_events (op, scope, key, at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{bucket.op, bucket.scope, bucket.key, at.UnixNano()}})
	if err != nil {
		return fmt.Errorf("ratelimit: persist event: %w", err)
	}
	return nil
}

// Prune drops events older than the largest window, from both the
// store and the mirror. Called from the maintenance loop.
func (l *Limiter) Prune(ctx context.Context) error {
	cutoff := l.clock.Now().Add(-l.maxWindow)

	l.mu.Lock()
	for bucket, events := range l.events {
		trimmed := trimBefore(events, cutoff)
		if len(trimmed) == 0 {
			delete(l.events, bucket)
			delete(l.loaded, bucket)
			continue
		}
		l.events[bucket] = trimmed
	}
	l.mu.Unlock()

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ratelimit: prune: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM rate_events WHERE at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixNano()}})
	if err != nil {
		return fmt.Errorf("ratelimit: prune: %w", err)
	}
	return nil
}

func scopeKey(scope string, key Key) (value string, applies bool) {
	switch scope {
	case ScopeTask:
		return key.TaskID, key.TaskID != ""
	case ScopeContainer:
		return key.ContainerID, key.ContainerID != ""
	case ScopeThread:
		return key.ThreadID, key.ThreadID != ""
	case ScopeGlobal:
		return "", true
	}
	return "", false
}

// trimBefore returns the suffix of events strictly after cutoff, so
// an event lands outside the window exactly when its retry-after
// elapses. Events are appended in time order, so this is a binary
// search.
func trimBefore(events []time.Time, cutoff time.Time) []time.Time {
	lo, hi := 0, len(events)
	for lo < hi {
		mid := (lo + hi) / 2
		if !events[mid].After(cutoff) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return events[lo:]
}
