// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/warden-gw/warden/lib/clock"
)

// Poster delivers one message to the chat upstream.
type Poster interface {
	PostMessage(ctx context.Context, threadID, text string) error
}

// Sender drains the outbound queue against the chat upstream. One
// Sender runs per gateway; ordering within the queue is preserved
// because it sends strictly oldest-first and does not move past a
// message until it is sent or dead-lettered.
type Sender struct {
	store  *Store
	poster Poster
	clock  clock.Clock
	logger *slog.Logger

	pollInterval time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration
}

// SenderConfig holds the parameters for the outbound worker.
type SenderConfig struct {
	Store  *Store
	Poster Poster
	Clock  clock.Clock
	Logger *slog.Logger

	// PollInterval is the idle sleep when the queue is drained.
	// Defaults to one second.
	PollInterval time.Duration
	// BaseBackoff and MaxBackoff bound the exponential delay between
	// attempts on the same message. Default 500ms and 30s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewSender builds the worker; call Run to start it.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Sender{
		store:        cfg.Store,
		poster:       cfg.Poster,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		baseBackoff:  cfg.BaseBackoff,
		maxBackoff:   cfg.MaxBackoff,
	}
}

// Run drains the queue until ctx is cancelled. Returns ctx.Err().
func (s *Sender) Run(ctx context.Context) error {
	for {
		idle, err := s.step(ctx)
		if err != nil {
			return err
		}
		if idle {
			if err := s.sleep(ctx, s.pollInterval); err != nil {
				return err
			}
		}
	}
}

// step sends at most one message. Returns idle = true when the queue
// is drained.
func (s *Sender) step(ctx context.Context) (idle bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	msg, err := s.store.nextOutbound(ctx)
	if err != nil {
		s.logger.Error("outbound poll failed", "error", err)
		return true, nil
	}
	if msg == nil {
		return true, nil
	}

	if err := s.poster.PostMessage(ctx, msg.ThreadID, msg.Body); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.logger.Warn("outbound send failed",
			"message_id", msg.ID,
			"thread_id", msg.ThreadID,
			"attempt", msg.Attempts+1,
			"error", err,
		)
		exhausted, recordErr := s.store.recordAttempt(ctx, msg.ID, err.Error())
		if recordErr != nil {
			s.logger.Error("recording send attempt failed", "message_id", msg.ID, "error", recordErr)
			return true, nil
		}
		if !exhausted {
			if err := s.sleep(ctx, s.backoff(msg.Attempts)); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if err := s.store.markSent(ctx, msg.ID); err != nil {
		// The message was sent but not recorded; the next pass will
		// send it again. At-least-once, so duplication is the
		// accepted failure mode here.
		s.logger.Error("marking message sent failed", "message_id", msg.ID, "error", err)
	}
	return false, nil
}

func (s *Sender) backoff(attempts int) time.Duration {
	delay := s.baseBackoff << attempts
	if delay > s.maxBackoff || delay <= 0 {
		delay = s.maxBackoff
	}
	return delay
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
