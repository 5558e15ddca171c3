// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package enrollment

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/sqlitepool"
)

// Registration statuses. A registration is issued pending, becomes
// active on a successful proof, and ends expired or revoked. There is
// no path back from a terminal status.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Errors callers branch on. Activation failures are deliberately
// split so the audit record can say what went wrong, but the gateway
// collapses all of them to a single unauthorized response.
var (
	ErrNotFound      = errors.New("enrollment: no such registration")
	ErrNotPending    = errors.New("enrollment: registration token already used")
	ErrBadProof      = errors.New("enrollment: activation proof mismatch")
	ErrWindowClosed  = errors.New("enrollment: activation window has closed")
	ErrNotAuthorized = errors.New("enrollment: container is not authorized for task")
)

// Registration is the persisted view of one container↔task grant.
// The token and shared secret themselves are never stored; only
// digests and the expected activation proof are.
type Registration struct {
	ContainerID string
	TaskID      string
	Status      string
	CreatedAt   time.Time
	ActivatedAt time.Time
	ExpiresAt   time.Time
}

// Issued carries the one-time plaintext material returned to the
// orchestrator at registration. Neither value is recoverable from the
// gateway afterwards.
type Issued struct {
	Token        string
	SharedSecret string
}

// Store persists registrations in SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	ttl              time.Duration
	activationWindow time.Duration
}

// Config holds the parameters for opening the enrollment store.
type Config struct {
	Pool   *sqlitepool.Pool
	Clock  clock.Clock
	Logger *slog.Logger

	// TTL bounds the total lifetime of a registration from issuance.
	TTL time.Duration
	// ActivationWindow bounds how long after issuance the container
	// may present its activation proof.
	ActivationWindow time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS registrations (
	container_id   TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	status         TEXT NOT NULL,
	token_digest   TEXT NOT NULL,
	secret_digest  TEXT NOT NULL,
	expected_proof TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	activated_at   INTEGER NOT NULL DEFAULT 0,
	expires_at     INTEGER NOT NULL,
	PRIMARY KEY (container_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_registrations_task ON registrations(task_id, status);
CREATE INDEX IF NOT EXISTS idx_registrations_expiry ON registrations(status, expires_at);
`

// Open creates the store and ensures its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("enrollment: Pool is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("enrollment: TTL is required")
	}
	if cfg.ActivationWindow <= 0 {
		return nil, fmt.Errorf("enrollment: ActivationWindow is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("enrollment: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("enrollment: creating schema: %w", err)
	}

	return &Store{
		pool:             cfg.Pool,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		ttl:              cfg.TTL,
		activationWindow: cfg.ActivationWindow,
	}, nil
}

// Register issues a new pending registration for (container, task)
// and returns the single-use token and shared secret. Any prior
// registration for the same pair is revoked in the same transaction,
// so a restarted container supersedes its predecessor atomically.
// Registrations for the same task under other container identifiers
// are left alone; concurrent fan-out is legal.
func (s *Store) Register(ctx context.Context, containerID, taskID string) (issued *Issued, err error) {
	if containerID == "" || taskID == "" {
		return nil, fmt.Errorf("enrollment: container and task identifiers are required")
	}

	token, err := randomHex("wrt")
	if err != nil {
		return nil, err
	}
	sharedSecret, err := randomHex("wss")
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("enrollment: register: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("enrollment: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.clock.Now()
	err = sqlitex.Execute(conn,
		"UPDATE registrations SET status = ? WHERE container_id = ? AND task_id = ? AND status IN (?, ?)",
		&sqlitex.ExecOptions{Args: []any{StatusRevoked, containerID, taskID, StatusPending, StatusActive}})
	if err != nil {
		return nil, fmt.Errorf("enrollment: revoke predecessor: %w", err)
	}
	superseded := conn.Changes() > 0

	err = sqlitex.Execute(conn,
		`INSERT INTO registrations
		   (container_id, task_id, status, token_digest, secret_digest, expected_proof, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (container_id, task_id) DO UPDATE SET
		   status = excluded.status,
		   token_digest = excluded.token_digest,
		   secret_digest = excluded.secret_digest,
		   expected_proof = excluded.expected_proof,
		   created_at = excluded.created_at,
		   activated_at = 0,
		   expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{
			containerID, taskID, StatusPending,
			digest(token), digest(sharedSecret), activationProof(sharedSecret, token),
			now.UnixNano(), now.Add(s.ttl).UnixNano(),
		}})
	if err != nil {
		return nil, fmt.Errorf("enrollment: insert registration: %w", err)
	}

	s.logger.Info("registration issued",
		"container_id", containerID,
		"task_id", taskID,
		"superseded", superseded,
	)
	return &Issued{Token: token, SharedSecret: sharedSecret}, nil
}

// Activate consumes the registration token. The presented proof must
// be HMAC-SHA256 of the token keyed by the shared secret, hex
// encoded, and must arrive inside the activation window. The pending
// to active transition is guarded by status in the UPDATE, so a token
// activates at most once even under concurrent presentation.
func (s *Store) Activate(ctx context.Context, containerID, taskID, token, proof string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("enrollment: activate: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("enrollment: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var (
		found         bool
		status        string
		tokenDigest   string
		expectedProof string
		createdAt     int64
	)
	err = sqlitex.Execute(conn,
		"SELECT status, token_digest, expected_proof, created_at FROM registrations WHERE container_id = ? AND task_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{containerID, taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				status = stmt.ColumnText(0)
				tokenDigest = stmt.ColumnText(1)
				expectedProof = stmt.ColumnText(2)
				createdAt = stmt.ColumnInt64(3)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("enrollment: activate lookup: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if status != StatusPending {
		return ErrNotPending
	}
	if !constantTimeEqual(tokenDigest, digest(token)) {
		return ErrBadProof
	}
	if !constantTimeEqual(expectedProof, proof) {
		return ErrBadProof
	}

	now := s.clock.Now()
	if now.After(time.Unix(0, createdAt).Add(s.activationWindow)) {
		// Late proof: burn the registration so the token cannot be
		// retried after the operator re-registers.
		expireErr := sqlitex.Execute(conn,
			"UPDATE registrations SET status = ? WHERE container_id = ? AND task_id = ? AND status = ?",
			&sqlitex.ExecOptions{Args: []any{StatusExpired, containerID, taskID, StatusPending}})
		if expireErr != nil {
			return fmt.Errorf("enrollment: expire late activation: %w", expireErr)
		}
		return ErrWindowClosed
	}

	err = sqlitex.Execute(conn,
		"UPDATE registrations SET status = ?, activated_at = ? WHERE container_id = ? AND task_id = ? AND status = ?",
		&sqlitex.ExecOptions{Args: []any{StatusActive, now.UnixNano(), containerID, taskID, StatusPending}})
	if err != nil {
		return fmt.Errorf("enrollment: activate update: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNotPending
	}

	s.logger.Info("registration activated", "container_id", containerID, "task_id", taskID)
	return nil
}

// Authorize checks a per-request credential: the registration must be
// active, unexpired, and the presented secret must match. Returns
// ErrNotAuthorized for every failure mode; callers must not leak
// which check failed.
func (s *Store) Authorize(ctx context.Context, containerID, taskID, sharedSecret string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("enrollment: authorize: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		found        bool
		status       string
		secretDigest string
		expiresAt    int64
	)
	err = sqlitex.Execute(conn,
		"SELECT status, secret_digest, expires_at FROM registrations WHERE container_id = ? AND task_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{containerID, taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				status = stmt.ColumnText(0)
				secretDigest = stmt.ColumnText(1)
				expiresAt = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("enrollment: authorize lookup: %w", err)
	}

	ok := found &&
		status == StatusActive &&
		s.clock.Now().Before(time.Unix(0, expiresAt)) &&
		constantTimeEqual(secretDigest, digest(sharedSecret))
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

// Revoke terminates a registration immediately. Revoking an already
// terminal registration is a no-op; revoking an unknown pair is
// ErrNotFound.
func (s *Store) Revoke(ctx context.Context, containerID, taskID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("enrollment: revoke: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE registrations SET status = ? WHERE container_id = ? AND task_id = ? AND status IN (?, ?)",
		&sqlitex.ExecOptions{Args: []any{StatusRevoked, containerID, taskID, StatusPending, StatusActive}})
	if err != nil {
		return fmt.Errorf("enrollment: revoke: %w", err)
	}
	if conn.Changes() > 0 {
		s.logger.Info("registration revoked", "container_id", containerID, "task_id", taskID)
		return nil
	}

	found := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM registrations WHERE container_id = ? AND task_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{containerID, taskID},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("enrollment: revoke lookup: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Get returns the registration for a pair, without secret material.
func (s *Store) Get(ctx context.Context, containerID, taskID string) (*Registration, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("enrollment: get: %w", err)
	}
	defer s.pool.Put(conn)

	var reg *Registration
	err = sqlitex.Execute(conn,
		`SELECT container_id, task_id, status, created_at, activated_at, expires_at
		 FROM registrations WHERE container_id = ? AND task_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{containerID, taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				reg = scanRegistration(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("enrollment: get: %w", err)
	}
	if reg == nil {
		return nil, ErrNotFound
	}
	return reg, nil
}

// ActiveContainers lists the container identifiers currently
// authorized for a task. Fan-out is legal, so the list can hold more
// than one entry; delivery itself is pull-based and does not need it.
func (s *Store) ActiveContainers(ctx context.Context, taskID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("enrollment: active containers: %w", err)
	}
	defer s.pool.Put(conn)

	var containers []string
	err = sqlitex.Execute(conn,
		"SELECT container_id FROM registrations WHERE task_id = ? AND status = ? AND expires_at > ? ORDER BY container_id",
		&sqlitex.ExecOptions{
			Args: []any{taskID, StatusActive, s.clock.Now().UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				containers = append(containers, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("enrollment: active containers: %w", err)
	}
	return containers, nil
}

// ExpireSweep transitions pending registrations past their activation
// window and active registrations past their TTL to expired. Returns
// the number of registrations expired. Called periodically from the
// gateway's maintenance loop.
func (s *Store) ExpireSweep(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("enrollment: expire sweep: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()
	expired := 0

	err = sqlitex.Execute(conn,
		"UPDATE registrations SET status = ? WHERE status = ? AND created_at < ?",
		&sqlitex.ExecOptions{Args: []any{StatusExpired, StatusPending, now.Add(-s.activationWindow).UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("enrollment: expire pending: %w", err)
	}
	expired += conn.Changes()

	err = sqlitex.Execute(conn,
		"UPDATE registrations SET status = ? WHERE status = ? AND expires_at <= ?",
		&sqlitex.ExecOptions{Args: []any{StatusExpired, StatusActive, now.UnixNano()}})
	if err != nil {
		return expired, fmt.Errorf("enrollment: expire active: %w", err)
	}
	expired += conn.Changes()

	if expired > 0 {
		s.logger.Info("registrations expired", "count", expired)
	}
	return expired, nil
}

func scanRegistration(stmt *sqlite.Stmt) *Registration {
	reg := &Registration{
		ContainerID: stmt.ColumnText(0),
		TaskID:      stmt.ColumnText(1),
		Status:      stmt.ColumnText(2),
		CreatedAt:   time.Unix(0, stmt.ColumnInt64(3)),
		ExpiresAt:   time.Unix(0, stmt.ColumnInt64(5)),
	}
	if activated := stmt.ColumnInt64(4); activated != 0 {
		reg.ActivatedAt = time.Unix(0, activated)
	}
	return reg
}

// ActivationProof computes the proof a container presents when
// consuming its registration token. Exported for the sandbox-side
// client and for tests.
func ActivationProof(sharedSecret, token string) string {
	return activationProof(sharedSecret, token)
}

func activationProof(sharedSecret, token string) string {
	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomHex(prefix string) (string, error) {
	a := make([]byte, 32)
	if _, err := rand.Read(a); err != nil {
		return "", fmt.Errorf("enrollment: generating credential: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(a), nil
}
