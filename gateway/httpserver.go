// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer runs one of the gateway's two listening surfaces. Listen
// binds the socket up front so startup failures (port in use, bad
// address) surface before the daemon announces itself; Serve then
// accepts connections until the context is cancelled and drains
// in-flight requests before returning.
type HTTPServer struct {
	config   HTTPServerConfig
	listener net.Listener
}

// HTTPServerConfig configures one listening surface.
type HTTPServerConfig struct {
	// Address is the TCP listen address. Required.
	Address string

	// Surface names this listener in logs and errors ("container",
	// "admin"). Defaults to the address.
	Surface string

	// Handler serves the requests. Required.
	Handler http.Handler

	// DrainTimeout bounds how long Serve waits for in-flight
	// requests after the context is cancelled. Defaults to 10s.
	DrainTimeout time.Duration

	// ReadHeaderTimeout, ReadTimeout, WriteTimeout, and IdleTimeout
	// override the connection timeouts. Zero values pick defaults
	// sized for the gateway's small JSON payloads.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewHTTPServer validates the configuration and fills in defaults.
// Call Listen, then Serve.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	switch {
	case config.Address == "":
		panic("gateway.HTTPServer: Address is required")
	case config.Handler == nil:
		panic("gateway.HTTPServer: Handler is required")
	case config.Logger == nil:
		panic("gateway.HTTPServer: Logger is required")
	}
	if config.Surface == "" {
		config.Surface = config.Address
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 10 * time.Second
	}
	if config.ReadHeaderTimeout == 0 {
		config.ReadHeaderTimeout = 10 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 60 * time.Second
	}
	return &HTTPServer{config: config}
}

// Listen binds the TCP socket. Addr is valid afterwards. Calling
// Listen separately from Serve lets the daemon fail fast on a bad
// address instead of discovering it after startup is announced.
func (s *HTTPServer) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("gateway: %s listener: %w", s.config.Surface, err)
	}
	s.listener = listener
	s.config.Logger.Info("listener bound",
		"surface", s.config.Surface,
		"address", listener.Addr().String(),
	)
	return nil
}

// Addr returns the bound address, nil before Listen. With a port-0
// address this carries the OS-assigned port.
func (s *HTTPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then stops
// accepting and waits up to DrainTimeout for in-flight requests to
// finish. Binds the socket itself if Listen was not called.
func (s *HTTPServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Handler:           s.config.Handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	// Cancellation triggers the drain from a side goroutine; Serve
	// itself unblocks with ErrServerClosed once Shutdown starts.
	drained := make(chan error, 1)
	stop := context.AfterFunc(ctx, func() {
		s.config.Logger.Info("listener draining", "surface", s.config.Surface)
		drainCtx, cancel := context.WithTimeout(context.Background(), s.config.DrainTimeout)
		defer cancel()
		drained <- server.Shutdown(drainCtx)
	})
	defer stop()

	if err := server.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %s listener: %w", s.config.Surface, err)
	}
	if err := <-drained; err != nil {
		return fmt.Errorf("gateway: draining %s listener: %w", s.config.Surface, err)
	}
	s.config.Logger.Info("listener stopped", "surface", s.config.Surface)
	return nil
}
