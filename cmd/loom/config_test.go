package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCLIConfigInitWritesFileThenSessionCreateUsesIt(t *testing.T) {
	repo := setupJJRepo(t)

	initialized := runLoom(t, repo, "config", "init")
	if !initialized.OK {
		t.Fatalf("config init: %+v", initialized.Error)
	}

	configPath := filepath.Join(repo, ".loom", "config.yaml")
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected .loom/config.yaml to exist after config init: %v", err)
	}

	created := runLoom(t, repo, "session", "create", "after-init")
	if !created.OK {
		t.Fatalf("session create after config init: %+v", created.Error)
	}
}
