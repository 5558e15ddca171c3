// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway's YAML configuration and the JSONC
// policy rules file. Every operational threshold (rate limits, TTLs,
// queue caps, retention windows) lives here, with documented defaults
// applied for omitted fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed gateway configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Database     string             `yaml:"database"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Forge        ForgeConfig        `yaml:"forge"`
	Git          GitConfig          `yaml:"git"`
	Chat         ChatConfig         `yaml:"chat"`
	Limits       LimitsConfig       `yaml:"limits"`
	Queue        QueueConfig        `yaml:"queue"`
	Registration RegistrationConfig `yaml:"registration"`
	Audit        AuditConfig        `yaml:"audit"`

	// AdminSecretBcrypt is the bcrypt hash of the admin API bearer
	// secret. The plaintext never appears in configuration.
	AdminSecretBcrypt string `yaml:"admin_secret_bcrypt"`

	// PolicyRules is the path to the JSONC policy rules file.
	PolicyRules string `yaml:"policy_rules"`
}

// ListenConfig holds the two listener addresses. The container API and
// the admin API are separate listeners so the admin surface is never
// reachable from a sandbox network namespace.
type ListenConfig struct {
	Container string `yaml:"container"`
	Admin     string `yaml:"admin"`
}

// CredentialsConfig selects the credential source.
type CredentialsConfig struct {
	// Source is "env", "file", or "sealed".
	Source string `yaml:"source"`

	// Path is the credentials file for the file and sealed sources.
	Path string `yaml:"path"`

	// Identity is the age identity file used to unseal a sealed
	// credentials file.
	Identity string `yaml:"identity"`

	// EnvPrefix is prepended to environment variable names for the
	// env source.
	EnvPrefix string `yaml:"env_prefix"`
}

// ForgeConfig points at the code-hosting API.
type ForgeConfig struct {
	BaseURL string `yaml:"base_url"`

	// Owner and Repo name the repository all mediated forge
	// operations target.
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// TokenName is the credential-store name of the API token.
	TokenName string `yaml:"token_name"`

	// PushTokenName is the credential-store name of the token used
	// for git pushes. Often the same credential as TokenName.
	PushTokenName string `yaml:"push_token_name"`
}

// GitConfig locates the task workspaces pushes run from. The
// repository directory is always derived from the authenticated task
// identifier, never from the request.
type GitConfig struct {
	// WorkspacesDir contains one checkout per task, named by task ID.
	WorkspacesDir string `yaml:"workspaces_dir"`

	// Remote is the configured remote pushes go to.
	Remote string `yaml:"remote"`

	// Username is the account the push credential belongs to.
	Username string `yaml:"username"`

	// HelperDir is where the credential helper script is written.
	HelperDir string `yaml:"helper_dir"`
}

// ChatConfig points at the conversational upstream.
type ChatConfig struct {
	BaseURL string `yaml:"base_url"`

	// TokenName is the credential-store name of the bot token.
	TokenName string `yaml:"token_name"`

	// PollTimeout is the long-poll duration for the event stream.
	PollTimeout Duration `yaml:"poll_timeout"`
}

// LimitsConfig holds the rate-limit thresholds. All counters are
// per-minute sliding windows unless named otherwise.
type LimitsConfig struct {
	SendPerSecondPerTask int `yaml:"send_per_second_per_task"`
	SendPerMinutePerTask int `yaml:"send_per_minute_per_task"`
	PerContainer         int `yaml:"per_container_per_minute"`
	PerThread            int `yaml:"per_thread_per_minute"`
	Global               int `yaml:"global_per_minute"`
	FetchPerContainer    int `yaml:"fetch_per_container_per_minute"`
}

// QueueConfig bounds the message queue.
type QueueConfig struct {
	PerTaskCap          int      `yaml:"per_task_cap"`
	GlobalCap           int      `yaml:"global_cap"`
	MaxDeliveryAttempts int      `yaml:"max_delivery_attempts"`
	RedeliveryTimeout   Duration `yaml:"redelivery_timeout"`
	DLQRetention        Duration `yaml:"dlq_retention"`
}

// RegistrationConfig bounds the container registration protocol.
type RegistrationConfig struct {
	TTL              Duration `yaml:"ttl"`
	ActivationWindow Duration `yaml:"activation_window"`
}

// AuditConfig bounds audit retention.
type AuditConfig struct {
	Retention  Duration `yaml:"retention"`
	ArchiveDir string   `yaml:"archive_dir"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "4h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, parses, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// applyDefaults fills omitted fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Container == "" {
		c.Listen.Container = "127.0.0.1:7601"
	}
	if c.Listen.Admin == "" {
		c.Listen.Admin = "127.0.0.1:7602"
	}
	if c.Credentials.Source == "" {
		c.Credentials.Source = "env"
	}
	if c.Credentials.EnvPrefix == "" {
		c.Credentials.EnvPrefix = "WARDEN_"
	}
	if c.Forge.TokenName == "" {
		c.Forge.TokenName = "forge-token"
	}
	if c.Forge.PushTokenName == "" {
		c.Forge.PushTokenName = c.Forge.TokenName
	}
	if c.Git.Remote == "" {
		c.Git.Remote = "origin"
	}
	if c.Git.Username == "" {
		c.Git.Username = "warden"
	}
	if c.Git.HelperDir == "" {
		c.Git.HelperDir = filepath.Join(os.TempDir(), "warden-git")
	}
	if c.Chat.TokenName == "" {
		c.Chat.TokenName = "chat-token"
	}
	if c.Chat.PollTimeout == 0 {
		c.Chat.PollTimeout = Duration(30 * time.Second)
	}

	if c.Limits.SendPerSecondPerTask == 0 {
		c.Limits.SendPerSecondPerTask = 1
	}
	if c.Limits.SendPerMinutePerTask == 0 {
		c.Limits.SendPerMinutePerTask = 30
	}
	if c.Limits.PerContainer == 0 {
		c.Limits.PerContainer = 60
	}
	if c.Limits.PerThread == 0 {
		c.Limits.PerThread = 30
	}
	if c.Limits.Global == 0 {
		c.Limits.Global = 120
	}
	if c.Limits.FetchPerContainer == 0 {
		c.Limits.FetchPerContainer = 600
	}

	if c.Queue.PerTaskCap == 0 {
		c.Queue.PerTaskCap = 1000
	}
	if c.Queue.GlobalCap == 0 {
		c.Queue.GlobalCap = 10000
	}
	if c.Queue.MaxDeliveryAttempts == 0 {
		c.Queue.MaxDeliveryAttempts = 3
	}
	if c.Queue.RedeliveryTimeout == 0 {
		c.Queue.RedeliveryTimeout = Duration(60 * time.Second)
	}
	if c.Queue.DLQRetention == 0 {
		c.Queue.DLQRetention = Duration(7 * 24 * time.Hour)
	}

	if c.Registration.TTL == 0 {
		c.Registration.TTL = Duration(4 * time.Hour)
	}
	if c.Registration.ActivationWindow == 0 {
		c.Registration.ActivationWindow = Duration(30 * time.Second)
	}

	if c.Audit.Retention == 0 {
		c.Audit.Retention = Duration(90 * 24 * time.Hour)
	}
}

// validate rejects configurations the gateway cannot run with.
func (c *Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.AdminSecretBcrypt == "" {
		return fmt.Errorf("admin_secret_bcrypt is required")
	}
	switch c.Credentials.Source {
	case "env":
	case "file", "sealed":
		if c.Credentials.Path == "" {
			return fmt.Errorf("credentials.path is required for source %q", c.Credentials.Source)
		}
		if c.Credentials.Source == "sealed" && c.Credentials.Identity == "" {
			return fmt.Errorf("credentials.identity is required for the sealed source")
		}
	default:
		return fmt.Errorf("unknown credentials.source %q", c.Credentials.Source)
	}
	if c.Forge.BaseURL == "" {
		return fmt.Errorf("forge.base_url is required")
	}
	if c.Forge.Owner == "" || c.Forge.Repo == "" {
		return fmt.Errorf("forge.owner and forge.repo are required")
	}
	if c.Git.WorkspacesDir == "" {
		return fmt.Errorf("git.workspaces_dir is required")
	}
	if c.Chat.BaseURL == "" {
		return fmt.Errorf("chat.base_url is required")
	}
	if c.Queue.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("queue.max_delivery_attempts must be at least 1")
	}
	return nil
}
