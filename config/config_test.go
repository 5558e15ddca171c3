// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
database: /tmp/warden.db
admin_secret_bcrypt: "$2a$10$abcdefghijklmnopqrstuv"
forge:
  base_url: https://forge.example.com/api/v3
  owner: acme
  repo: widgets
git:
  workspaces_dir: /srv/warden/workspaces
chat:
  base_url: https://chat.example.com/api
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "warden.yaml", minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Registration.TTL.Std() != 4*time.Hour {
		t.Errorf("registration TTL = %v, want 4h", cfg.Registration.TTL.Std())
	}
	if cfg.Registration.ActivationWindow.Std() != 30*time.Second {
		t.Errorf("activation window = %v, want 30s", cfg.Registration.ActivationWindow.Std())
	}
	if cfg.Queue.PerTaskCap != 1000 || cfg.Queue.GlobalCap != 10000 {
		t.Errorf("queue caps = %d/%d, want 1000/10000", cfg.Queue.PerTaskCap, cfg.Queue.GlobalCap)
	}
	if cfg.Queue.MaxDeliveryAttempts != 3 {
		t.Errorf("max delivery attempts = %d, want 3", cfg.Queue.MaxDeliveryAttempts)
	}
	if cfg.Queue.DLQRetention.Std() != 7*24*time.Hour {
		t.Errorf("DLQ retention = %v, want 168h", cfg.Queue.DLQRetention.Std())
	}
	if cfg.Audit.Retention.Std() != 90*24*time.Hour {
		t.Errorf("audit retention = %v, want 2160h", cfg.Audit.Retention.Std())
	}
	if cfg.Limits.SendPerSecondPerTask != 1 || cfg.Limits.SendPerMinutePerTask != 30 ||
		cfg.Limits.PerContainer != 60 || cfg.Limits.PerThread != 30 || cfg.Limits.Global != 120 {
		t.Errorf("limit defaults wrong: %+v", cfg.Limits)
	}
	if cfg.Forge.PushTokenName != cfg.Forge.TokenName {
		t.Errorf("push token should default to the forge token name")
	}
	if cfg.Git.Remote != "origin" || cfg.Git.Username != "warden" {
		t.Errorf("git defaults wrong: %+v", cfg.Git)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeFile(t, "warden.yaml", minimalConfig+`
registration:
  ttl: 1h
  activation_window: 10s
queue:
  redelivery_timeout: 2m
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registration.TTL.Std() != time.Hour {
		t.Errorf("TTL override ignored: %v", cfg.Registration.TTL.Std())
	}
	if cfg.Registration.ActivationWindow.Std() != 10*time.Second {
		t.Errorf("activation window override ignored")
	}
	if cfg.Queue.RedeliveryTimeout.Std() != 2*time.Minute {
		t.Errorf("redelivery timeout override ignored")
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"no database":     "admin_secret_bcrypt: x\nforge:\n  base_url: https://f\nchat:\n  base_url: https://c\n",
		"no admin secret": "database: /tmp/w.db\nforge:\n  base_url: https://f\nchat:\n  base_url: https://c\n",
		"no forge":        "database: /tmp/w.db\nadmin_secret_bcrypt: x\nchat:\n  base_url: https://c\n",
		"no forge repo":   "database: /tmp/w.db\nadmin_secret_bcrypt: x\nforge:\n  base_url: https://f\nchat:\n  base_url: https://c\n",
		"no workspaces":   "database: /tmp/w.db\nadmin_secret_bcrypt: x\nforge:\n  base_url: https://f\n  owner: a\n  repo: b\nchat:\n  base_url: https://c\n",
		"bad source":      minimalConfig + "credentials:\n  source: vault\n",
		"sealed no key":   minimalConfig + "credentials:\n  source: sealed\n  path: /etc/warden/creds.age\n",
	}
	for name, content := range cases {
		if _, err := Load(writeFile(t, "bad.yaml", content)); err == nil {
			t.Errorf("%s: Load accepted an invalid config", name)
		}
	}
}

func TestLoadRulesAlwaysProtectsMainlines(t *testing.T) {
	rules, err := LoadRules("")
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	for _, want := range []string{"main", "master"} {
		if !containsPattern(rules.ProtectedBranches, want) {
			t.Errorf("built-in rules missing %q", want)
		}
	}
}

func TestLoadRulesParsesJSONC(t *testing.T) {
	path := writeFile(t, "policy.jsonc", `{
  // release branches are cut by humans only
  "protected_branches": ["release/*", "main"],
}`)
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if !containsPattern(rules.ProtectedBranches, "release/*") {
		t.Error("release/* pattern missing")
	}
	if !containsPattern(rules.ProtectedBranches, "master") {
		t.Error("master should be appended even when the file omits it")
	}
}
