// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Rules is the parsed policy rules file. The file is JSONC so
// operators can annotate why a branch is protected.
type Rules struct {
	// ProtectedBranches are glob patterns for branches that can
	// never be pushed to. "main" and "master" are always included
	// whether or not the file lists them.
	ProtectedBranches []string `json:"protected_branches"`
}

// alwaysProtected are branch names protected regardless of the rules
// file contents.
var alwaysProtected = []string{"main", "master"}

// LoadRules parses a JSONC policy rules file. An empty path yields
// the built-in rules (main/master protected).
func LoadRules(path string) (*Rules, error) {
	rules := &Rules{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading policy rules %s: %w", path, err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), rules); err != nil {
			return nil, fmt.Errorf("config: parsing policy rules %s: %w", path, err)
		}
	}

	for _, name := range alwaysProtected {
		if !containsPattern(rules.ProtectedBranches, name) {
			rules.ProtectedBranches = append(rules.ProtectedBranches, name)
		}
	}
	return rules, nil
}

func containsPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == name {
			return true
		}
	}
	return false
}
