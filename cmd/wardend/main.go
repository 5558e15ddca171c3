// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// wardend is the warden gateway daemon. It mediates every privileged
// operation for sandboxed agent containers: git pushes, forge calls,
// and chat traffic all pass through its policy, rate-limit, and audit
// pipeline. Credentials never leave this process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-gw/warden/audit"
	"github.com/warden-gw/warden/chat"
	"github.com/warden-gw/warden/config"
	"github.com/warden-gw/warden/credstore"
	"github.com/warden-gw/warden/enrollment"
	"github.com/warden-gw/warden/forge"
	"github.com/warden-gw/warden/gateway"
	"github.com/warden-gw/warden/gitexec"
	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/sqlitepool"
	"github.com/warden-gw/warden/policy"
	"github.com/warden-gw/warden/queue"
	"github.com/warden-gw/warden/ratelimit"
	"github.com/warden-gw/warden/registry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("wardend", pflag.ContinueOnError)
	configPath := flagSet.String("config", "/etc/warden/warden.yaml", "configuration file")
	rulesPath := flagSet.String("rules", "", "policy rules file (JSONC); built-in rules when omitted")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("wardend " + version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *rulesPath == "" {
		*rulesPath = cfg.PolicyRules
	}
	rules, err := config.LoadRules(*rulesPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	wallClock := clock.Real()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	credentials, err := openCredentials(cfg.Credentials)
	if err != nil {
		return err
	}
	defer credentials.Close()

	forgeToken := credentials.Get(cfg.Forge.TokenName)
	if forgeToken == nil {
		return fmt.Errorf("credential %q is not available", cfg.Forge.TokenName)
	}
	pushToken := credentials.Get(cfg.Forge.PushTokenName)
	if pushToken == nil {
		return fmt.Errorf("credential %q is not available", cfg.Forge.PushTokenName)
	}
	chatToken := credentials.Get(cfg.Chat.TokenName)
	if chatToken == nil {
		return fmt.Errorf("credential %q is not available", cfg.Chat.TokenName)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: cfg.Database})
	if err != nil {
		return err
	}
	defer pool.Close()

	enrollmentStore, err := enrollment.Open(ctx, enrollment.Config{
		Pool: pool, Clock: wallClock, Logger: logger,
		TTL:              cfg.Registration.TTL.Std(),
		ActivationWindow: cfg.Registration.ActivationWindow.Std(),
	})
	if err != nil {
		return err
	}
	registryStore, err := registry.Open(ctx, registry.Config{Pool: pool, Clock: wallClock, Logger: logger})
	if err != nil {
		return err
	}
	queueStore, err := queue.Open(ctx, queue.Config{
		Pool: pool, Clock: wallClock, Logger: logger,
		PerTaskCap:          cfg.Queue.PerTaskCap,
		GlobalCap:           cfg.Queue.GlobalCap,
		MaxDeliveryAttempts: cfg.Queue.MaxDeliveryAttempts,
		RedeliveryTimeout:   cfg.Queue.RedeliveryTimeout.Std(),
	})
	if err != nil {
		return err
	}
	limiter, err := ratelimit.Open(ctx, ratelimit.Config{
		Pool: pool, Clock: wallClock, Logger: logger,
		Rules: gateway.RateRules(cfg.Limits),
	})
	if err != nil {
		return err
	}
	auditLog, err := audit.Open(ctx, audit.Config{Pool: pool, Clock: wallClock, Logger: logger})
	if err != nil {
		return err
	}
	engine, err := policy.New(rules.ProtectedBranches)
	if err != nil {
		return err
	}

	forgeClient, err := forge.NewClient(forge.Config{
		BaseURL:    cfg.Forge.BaseURL,
		Credential: forgeToken,
		Clock:      wallClock,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	forgeLogin, err := forgeClient.Identity(ctx)
	if err != nil {
		return fmt.Errorf("resolving forge identity: %w", err)
	}
	logger.Info("forge identity resolved", "login", forgeLogin)

	gitRunner, err := gitexec.New(gitexec.Config{
		HelperDir: cfg.Git.HelperDir,
		Username:  cfg.Git.Username,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	chatClient, err := chat.NewClient(chat.Config{
		BaseURL:     cfg.Chat.BaseURL,
		Credential:  chatToken,
		PollTimeout: cfg.Chat.PollTimeout.Std(),
		Clock:       wallClock,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		Enrollment:        enrollmentStore,
		Registry:          registryStore,
		Queue:             queueStore,
		Limiter:           limiter,
		Audit:             auditLog,
		Policy:            engine,
		Forge:             forgeClient,
		ForgeOwner:        cfg.Forge.Owner,
		ForgeRepo:         cfg.Forge.Repo,
		ForgeLogin:        forgeLogin,
		Git:               gitRunner,
		WorkspacesDir:     cfg.Git.WorkspacesDir,
		GitRemote:         cfg.Git.Remote,
		PushCredential:    pushToken,
		AdminSecretBcrypt: cfg.AdminSecretBcrypt,
		Clock:             wallClock,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	containerServer := gateway.NewHTTPServer(gateway.HTTPServerConfig{
		Address: cfg.Listen.Container,
		Surface: "container",
		Handler: server.ContainerHandler(),
		Logger:  logger,
	})
	adminServer := gateway.NewHTTPServer(gateway.HTTPServerConfig{
		Address: cfg.Listen.Admin,
		Surface: "admin",
		Handler: server.AdminHandler(),
		Logger:  logger,
	})
	if err := containerServer.Listen(ctx); err != nil {
		return err
	}
	if err := adminServer.Listen(ctx); err != nil {
		return err
	}

	sender := queue.NewSender(queue.SenderConfig{
		Store:  queueStore,
		Poster: chatClient,
		Clock:  wallClock,
		Logger: logger,
	})

	errc := make(chan error, 4)
	go func() { errc <- containerServer.Serve(ctx) }()
	go func() { errc <- adminServer.Serve(ctx) }()
	go func() { errc <- sender.Run(ctx) }()
	go func() { errc <- listenChat(ctx, chatClient, registryStore, queueStore, logger) }()
	go runSweeps(ctx, cfg, logger, queueStore, enrollmentStore, registryStore, limiter, auditLog)

	logger.Info("warden running",
		"version", version,
		"container_listen", cfg.Listen.Container,
		"admin_listen", cfg.Listen.Admin,
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case err := <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				stop()
				return err
			}
		}
	}
}

func openCredentials(cfg config.CredentialsConfig) (credstore.Source, error) {
	switch cfg.Source {
	case "env":
		return &credstore.EnvSource{Prefix: cfg.EnvPrefix}, nil
	case "file":
		return &credstore.FileSource{Path: cfg.Path}, nil
	case "sealed":
		return &credstore.SealedSource{Path: cfg.Path, IdentityPath: cfg.Identity}, nil
	default:
		return nil, fmt.Errorf("unknown credential source %q", cfg.Source)
	}
}

// listenChat maintains the upstream event stream, routing each event
// through inboundHandler. The persisted cursor makes restarts resume
// where the last committed enqueue left off.
func listenChat(ctx context.Context, client *chat.Client, registryStore *registry.Store, queueStore *queue.Store, logger *slog.Logger) error {
	cursor, err := queueStore.Cursor(ctx)
	if err != nil {
		return err
	}
	return client.Stream(ctx, cursor, inboundHandler(registryStore, queueStore, logger))
}

// inboundHandler persists one upstream event. A thread with no
// mapping gets one created on the spot, with the task named after the
// thread, so a message arriving before the orchestrator registers the
// task is never lost. A task at its backlog cap has the event
// rejected and the stream moves on; only the global cap parks the
// stream, since that is gateway-wide backpressure rather than one
// task's problem.
func inboundHandler(registryStore *registry.Store, queueStore *queue.Store, logger *slog.Logger) chat.Handler {
	return func(ctx context.Context, event chat.Event) error {
		mapping, err := registryStore.ByThread(ctx, event.ThreadID)
		if errors.Is(err, registry.ErrNotFound) {
			mapping, err = adoptThread(ctx, registryStore, event.ThreadID, logger)
		}
		if err != nil {
			return err
		}
		if mapping.Status != registry.StatusActive {
			logger.Info("dropping event for inactive mapping",
				"thread_id", event.ThreadID, "task_id", mapping.TaskID)
			return nil
		}
		_, err = queueStore.EnqueueInbound(ctx, queue.Inbound{
			TaskID:   mapping.TaskID,
			ThreadID: event.ThreadID,
			Sender:   event.Sender,
			Body:     event.Text,
		}, event.ID)
		if errors.Is(err, queue.ErrTaskBacklog) {
			logger.Warn("task backlog full, rejecting inbound message",
				"task_id", mapping.TaskID, "thread_id", event.ThreadID, "event_id", event.ID)
			return nil
		}
		return err
	}
}

// adoptThread creates a mapping for a thread seen for the first time.
// Losing the creation race to the orchestrator is fine: whichever
// mapping won is looked up and used.
func adoptThread(ctx context.Context, registryStore *registry.Store, threadID string, logger *slog.Logger) (*registry.Mapping, error) {
	err := registryStore.Create(ctx, threadID, threadID, "gateway")
	switch {
	case err == nil:
		logger.Info("thread mapping created from inbound message", "thread_id", threadID)
	case errors.Is(err, registry.ErrThreadMapped), errors.Is(err, registry.ErrTaskMapped):
	default:
		return nil, err
	}
	return registryStore.ByThread(ctx, threadID)
}

// runSweeps drives the periodic maintenance: redelivery timeouts,
// registration expiry, rate-event pruning, and retention enforcement.
func runSweeps(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	queueStore *queue.Store, enrollmentStore *enrollment.Store,
	registryStore *registry.Store, limiter *ratelimit.Limiter, auditLog *audit.Log) {

	redelivery := time.NewTicker(30 * time.Second)
	defer redelivery.Stop()
	expiry := time.NewTicker(time.Minute)
	defer expiry.Stop()
	retention := time.NewTicker(time.Hour)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-redelivery.C:
			requeued, deadLettered, err := queueStore.RedeliverySweep(ctx)
			if err != nil {
				logger.Error("redelivery sweep failed", "error", err)
			} else if requeued > 0 || deadLettered > 0 {
				logger.Info("redelivery sweep", "requeued", requeued, "dead_lettered", deadLettered)
			}

		case <-expiry.C:
			if expired, err := enrollmentStore.ExpireSweep(ctx); err != nil {
				logger.Error("registration expiry sweep failed", "error", err)
			} else if expired > 0 {
				logger.Info("registrations expired", "count", expired)
			}
			if err := limiter.Prune(ctx); err != nil {
				logger.Error("rate-event prune failed", "error", err)
			}

		case <-retention.C:
			dlqRetention := cfg.Queue.DLQRetention.Std()
			if purged, err := queueStore.PurgeDeadLetters(ctx, dlqRetention); err != nil {
				logger.Error("dead-letter purge failed", "error", err)
			} else if purged > 0 {
				logger.Info("dead letters purged", "count", purged)
			}
			if archived, err := registryStore.ArchiveExpired(ctx, dlqRetention); err != nil {
				logger.Error("mapping archive failed", "error", err)
			} else if archived > 0 {
				logger.Info("mappings archived", "count", archived)
			}
			if cfg.Audit.ArchiveDir != "" {
				archived, segment, err := auditLog.Archive(ctx, cfg.Audit.Retention.Std(), cfg.Audit.ArchiveDir)
				if err != nil {
					logger.Error("audit archive failed", "error", err)
				} else if archived > 0 {
					logger.Info("audit entries archived", "count", archived, "segment", segment)
				}
			}
		}
	}
}
