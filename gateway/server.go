// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warden-gw/warden/audit"
	"github.com/warden-gw/warden/config"
	"github.com/warden-gw/warden/enrollment"
	"github.com/warden-gw/warden/forge"
	"github.com/warden-gw/warden/gitexec"
	"github.com/warden-gw/warden/lib/clock"
	"github.com/warden-gw/warden/lib/secret"
	"github.com/warden-gw/warden/policy"
	"github.com/warden-gw/warden/queue"
	"github.com/warden-gw/warden/ratelimit"
	"github.com/warden-gw/warden/registry"
)

// Operation names used for rate limiting and audit entries.
const (
	opActivate      = "activate"
	opAuth          = "auth"
	opGitPush       = "git.push"
	opForgeWrite    = "forge.write"
	opPullCreate    = "forge.pull.create"
	opPullClose     = "forge.pull.close"
	opCommentCreate = "forge.comment.create"
	opCommentEdit   = "forge.comment.edit"
	opIssueCreate   = "forge.issue.create"
	opChatSend      = "chat.send"
	opChatFetch     = "chat.fetch"
	opChatAck       = "chat.ack"
	opChatClaim     = "chat.claim"
)

// maxRequestBody bounds container and admin request payloads.
const maxRequestBody = 1 << 20

// ForgeAPI is the subset of the forge client the gateway calls.
type ForgeAPI interface {
	CreatePullRequest(ctx context.Context, owner, repo string, pull forge.NewPullRequest) (*forge.PullRequest, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error)
	ClosePullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*forge.Comment, error)
	GetComment(ctx context.Context, owner, repo string, commentID int64) (*forge.Comment, error)
	UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*forge.Comment, error)
	CreateIssue(ctx context.Context, owner, repo string, issue forge.NewIssue) (*forge.Issue, error)
}

// GitPusher runs policy-approved pushes.
type GitPusher interface {
	Push(ctx context.Context, req gitexec.PushRequest, credential *secret.Buffer) error
}

// ServerConfig wires the gateway's stores and effectors.
type ServerConfig struct {
	Enrollment *enrollment.Store
	Registry   *registry.Store
	Queue      *queue.Store
	Limiter    *ratelimit.Limiter
	Audit      *audit.Log
	Policy     *policy.Engine

	// Forge performs code-hosting API calls against ForgeOwner/
	// ForgeRepo. ForgeLogin is the account the forge credential
	// belongs to; ownership checks compare against it.
	Forge      ForgeAPI
	ForgeOwner string
	ForgeRepo  string
	ForgeLogin string

	// Git pushes from per-task checkouts under WorkspacesDir. The
	// repository directory is derived from the authenticated task
	// ID, never from the request.
	Git            GitPusher
	WorkspacesDir  string
	GitRemote      string
	PushCredential *secret.Buffer

	// AdminSecretBcrypt is the bcrypt hash the admin bearer secret
	// is verified against.
	AdminSecretBcrypt string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server implements both gateway HTTP surfaces. Obtain handlers via
// ContainerHandler and AdminHandler and serve them on separate
// listeners.
type Server struct {
	enrollment *enrollment.Store
	registry   *registry.Store
	queue      *queue.Store
	limiter    *ratelimit.Limiter
	audit      *audit.Log
	policy     *policy.Engine

	forge      ForgeAPI
	forgeOwner string
	forgeRepo  string
	forgeLogin string

	git            GitPusher
	workspacesDir  string
	gitRemote      string
	pushCredential *secret.Buffer

	adminSecretBcrypt string

	validate *validator.Validate
	clock    clock.Clock
	logger   *slog.Logger
}

// NewServer validates the wiring and builds the server.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Enrollment == nil:
		return nil, fmt.Errorf("gateway: Enrollment is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("gateway: Registry is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("gateway: Queue is required")
	case cfg.Limiter == nil:
		return nil, fmt.Errorf("gateway: Limiter is required")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("gateway: Audit is required")
	case cfg.Policy == nil:
		return nil, fmt.Errorf("gateway: Policy is required")
	case cfg.Forge == nil:
		return nil, fmt.Errorf("gateway: Forge is required")
	case cfg.ForgeOwner == "" || cfg.ForgeRepo == "":
		return nil, fmt.Errorf("gateway: ForgeOwner and ForgeRepo are required")
	case cfg.Git == nil:
		return nil, fmt.Errorf("gateway: Git is required")
	case cfg.WorkspacesDir == "":
		return nil, fmt.Errorf("gateway: WorkspacesDir is required")
	case cfg.AdminSecretBcrypt == "":
		return nil, fmt.Errorf("gateway: AdminSecretBcrypt is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	remote := cfg.GitRemote
	if remote == "" {
		remote = "origin"
	}

	return &Server{
		enrollment:        cfg.Enrollment,
		registry:          cfg.Registry,
		queue:             cfg.Queue,
		limiter:           cfg.Limiter,
		audit:             cfg.Audit,
		policy:            cfg.Policy,
		forge:             cfg.Forge,
		forgeOwner:        cfg.ForgeOwner,
		forgeRepo:         cfg.ForgeRepo,
		forgeLogin:        cfg.ForgeLogin,
		git:               cfg.Git,
		workspacesDir:     cfg.WorkspacesDir,
		gitRemote:         remote,
		pushCredential:    cfg.PushCredential,
		adminSecretBcrypt: cfg.AdminSecretBcrypt,
		validate:          validator.New(),
		clock:             cfg.Clock,
		logger:            cfg.Logger,
	}, nil
}

// RateRules translates the configured limits into the limiter's rule
// table. Send limits stack across every scope; fetches are bounded
// per container; push and forge writes share the container and
// global windows.
func RateRules(limits config.LimitsConfig) map[string][]ratelimit.Rule {
	perContainer := ratelimit.Rule{Scope: ratelimit.ScopeContainer, Count: limits.PerContainer, Window: time.Minute}
	global := ratelimit.Rule{Scope: ratelimit.ScopeGlobal, Count: limits.Global, Window: time.Minute}
	return map[string][]ratelimit.Rule{
		opChatSend: {
			{Scope: ratelimit.ScopeTask, Count: limits.SendPerSecondPerTask, Window: time.Second},
			{Scope: ratelimit.ScopeTask, Count: limits.SendPerMinutePerTask, Window: time.Minute},
			perContainer,
			{Scope: ratelimit.ScopeThread, Count: limits.PerThread, Window: time.Minute},
			global,
		},
		opChatFetch: {
			{Scope: ratelimit.ScopeContainer, Count: limits.FetchPerContainer, Window: time.Minute},
		},
		opGitPush:    {perContainer, global},
		opForgeWrite: {perContainer, global},
	}
}

// ContainerHandler returns the handler for the container-facing API.
func (s *Server) ContainerHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/activate", s.handleActivate)

	authed := func(h http.HandlerFunc) http.Handler {
		return s.authenticate(h)
	}
	mux.Handle("POST /v1/git/push", authed(s.handleGitPush))
	mux.Handle("POST /v1/forge/pulls", authed(s.handlePullCreate))
	mux.Handle("POST /v1/forge/pulls/{number}/comments", authed(s.handlePullComment))
	mux.Handle("POST /v1/forge/pulls/{number}/close", authed(s.handlePullClose))
	mux.Handle("POST /v1/forge/issues", authed(s.handleIssueCreate))
	mux.Handle("PATCH /v1/forge/comments/{id}", authed(s.handleCommentEdit))
	mux.Handle("POST /v1/messages", authed(s.handleMessageSend))
	mux.Handle("GET /v1/messages", authed(s.handleMessageFetch))
	mux.Handle("POST /v1/messages/{id}/ack", authed(s.handleMessageAck))
	mux.Handle("POST /v1/messages/{id}/claim", authed(s.handleMessageClaim))

	return s.withRequestID(mux)
}

// AdminHandler returns the handler for the operator API.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/admin/registrations", s.handleAdminRegister)
	mux.HandleFunc("DELETE /v1/admin/registrations/{container}/{task}", s.handleAdminRevoke)
	mux.HandleFunc("POST /v1/admin/mappings", s.handleAdminMappingCreate)
	mux.HandleFunc("POST /v1/admin/mappings/{task}/close", s.handleAdminMappingClose)
	mux.HandleFunc("GET /v1/admin/deadletters", s.handleAdminDeadLetters)
	mux.HandleFunc("POST /v1/admin/deadletters/{id}/replay", s.handleAdminReplay)
	mux.HandleFunc("GET /v1/admin/audit", s.handleAdminAudit)
	mux.HandleFunc("GET /v1/admin/audit/verify", s.handleAdminAuditVerify)

	return s.withRequestID(s.adminAuthenticate(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

// identifierPattern bounds container and task identifiers. Task IDs
// name workspace directories, so path separators and dot-runs are
// out.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func validIdentifier(id string) bool {
	return identifierPattern.MatchString(id) && !strings.Contains(id, "..")
}

// validationDetails maps each failing field to the tag it failed.
func validationDetails(err error) map[string]any {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return map[string]any{"error": err.Error()}
	}
	details := make(map[string]any, len(fieldErrors))
	for _, fe := range fieldErrors {
		details[fe.Field()] = fe.Tag()
	}
	return details
}
