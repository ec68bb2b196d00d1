package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf(`[stores]
sqlite_path = %q
badger_path = %q
model_dir = %q
use_badger = false
`, filepath.Join(dir, "forecast.db"), filepath.Join(dir, "badger"), filepath.Join(dir, "models"))
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBootstrap_WiresSqliteBackedStoresAndCloses(t *testing.T) {
	dir := t.TempDir()
	oldConfigPath := configPath
	configPath = writeTestConfig(t, dir)
	defer func() { configPath = oldConfigPath }()

	c, err := bootstrap()
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if c.trainer == nil || c.service == nil {
		t.Fatalf("expected a non-nil trainer and service, got %+v", c)
	}
	if err := c.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBootstrap_DefaultsToBuiltinConfigWhenNoPathGiven(t *testing.T) {
	dir := t.TempDir()
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(oldWd)

	oldConfigPath := configPath
	configPath = ""
	defer func() { configPath = oldConfigPath }()

	c, err := bootstrap()
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer c.close()
	if c.cfg.Stores.SQLitePath != "forecast.db" {
		t.Errorf("expected default sqlite path, got %q", c.cfg.Stores.SQLitePath)
	}
}
