// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
database: /tmp/chat.db
log_level: debug
tokens:
  - token: tok-a
    user_id: alice
    username: Alice
  - token: tok-b
    user_id: bob
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Database != "/tmp/chat.db" {
		t.Fatalf("cfg = %+v", cfg)
	}

	tokens := cfg.Authenticator()
	identity, err := tokens.Authenticate("tok-a")
	if err != nil || identity.Username != "Alice" {
		t.Fatalf("Authenticate(tok-a) = (%+v, %v)", identity, err)
	}
	// Username falls back to the user id.
	identity, err = tokens.Authenticate("tok-b")
	if err != nil || identity.Username != "bob" {
		t.Fatalf("Authenticate(tok-b) = (%+v, %v)", identity, err)
	}
	if _, err := tokens.Authenticate("nope"); err == nil {
		t.Fatal("unknown token accepted")
	}
}

func TestLoadConfigDefaultsAndValidation(t *testing.T) {
	path := writeConfig(t, `
database: /tmp/chat.db
tokens:
  - token: tok
    user_id: u
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":8480" {
		t.Fatalf("default listen = %q", cfg.Listen)
	}
	if level, err := cfg.Level(); err != nil || level.String() != "INFO" {
		t.Fatalf("default level = (%v, %v)", level, err)
	}

	for name, content := range map[string]string{
		"missing database": "tokens: [{token: t, user_id: u}]",
		"no tokens":        "database: /tmp/chat.db",
		"bad token entry":  "database: /tmp/chat.db\ntokens: [{token: t}]",
	} {
		if _, err := LoadConfig(writeConfig(t, content)); err == nil {
			t.Errorf("%s: config accepted", name)
		}
	}

	if _, err := LoadConfig(writeConfig(t, "database: /tmp/x\nlog_level: loud\ntokens: [{token: t, user_id: u}]")); err != nil {
		t.Fatalf("LoadConfig with bad level should defer to Level(): %v", err)
	}
}
