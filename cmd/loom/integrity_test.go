package main

import (
	"os"
	"testing"
)

func TestCLIIntegrityCheckFindsMissingDirectory(t *testing.T) {
	repo := setupJJRepo(t)

	created := runLoom(t, repo, "session", "create", "broken")
	if !created.OK {
		t.Fatalf("session create: %+v", created.Error)
	}

	shown := runLoom(t, repo, "session", "show", "broken")
	if !shown.OK {
		t.Fatalf("session show: %+v", shown.Error)
	}
	wsPath, ok := shown.Data.(map[string]any)["WorkspacePath"].(string)
	if !ok || wsPath == "" {
		t.Fatalf("expected a workspace_path in session show, got %+v", shown.Data)
	}
	if err := os.RemoveAll(wsPath); err != nil {
		t.Fatalf("remove workspace directory: %v", err)
	}

	checked := runLoom(t, repo, "integrity", "check")
	if !checked.OK {
		t.Fatalf("integrity check: %+v", checked.Error)
	}
	findings, ok := checked.Data.([]any)
	if !ok || len(findings) != 1 {
		t.Fatalf("expected one finding for the missing directory, got %+v", checked.Data)
	}
	finding, ok := findings[0].(map[string]any)
	if !ok || finding["Kind"] != "missing_directory" {
		t.Fatalf("expected a missing_directory finding, got %+v", findings[0])
	}
}

func TestCLIIntegrityRepairHealsMissingDirectory(t *testing.T) {
	repo := setupJJRepo(t)

	created := runLoom(t, repo, "session", "create", "healable")
	if !created.OK {
		t.Fatalf("session create: %+v", created.Error)
	}
	shown := runLoom(t, repo, "session", "show", "healable")
	if !shown.OK {
		t.Fatalf("session show: %+v", shown.Error)
	}
	wsPath, ok := shown.Data.(map[string]any)["WorkspacePath"].(string)
	if !ok || wsPath == "" {
		t.Fatalf("expected a workspace_path in session show, got %+v", shown.Data)
	}
	if err := os.RemoveAll(wsPath); err != nil {
		t.Fatalf("remove workspace directory: %v", err)
	}

	repaired := runLoom(t, repo, "integrity", "repair")
	if !repaired.OK {
		t.Fatalf("integrity repair: %+v", repaired.Error)
	}
	results, ok := repaired.Data.([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected one repair result, got %+v", repaired.Data)
	}
	result, ok := results[0].(map[string]any)
	if !ok || result["Healed"] != true {
		t.Fatalf("expected the missing_directory finding to be healed, got %+v", results[0])
	}

	recheck := runLoom(t, repo, "integrity", "check")
	if !recheck.OK {
		t.Fatalf("integrity check after repair: %+v", recheck.Error)
	}
	if findings, _ := recheck.Data.([]any); len(findings) != 0 {
		t.Errorf("expected no findings after repair, got %+v", recheck.Data)
	}
}

func TestCLIIntegrityCheckRepairFlagHealsInline(t *testing.T) {
	repo := setupJJRepo(t)

	created := runLoom(t, repo, "session", "create", "inline")
	if !created.OK {
		t.Fatalf("session create: %+v", created.Error)
	}
	shown := runLoom(t, repo, "session", "show", "inline")
	if !shown.OK {
		t.Fatalf("session show: %+v", shown.Error)
	}
	wsPath, ok := shown.Data.(map[string]any)["WorkspacePath"].(string)
	if !ok || wsPath == "" {
		t.Fatalf("expected a workspace_path in session show, got %+v", shown.Data)
	}
	if err := os.RemoveAll(wsPath); err != nil {
		t.Fatalf("remove workspace directory: %v", err)
	}

	checked := runLoom(t, repo, "integrity", "check", "--repair")
	if !checked.OK {
		t.Fatalf("integrity check --repair: %+v", checked.Error)
	}
	results, ok := checked.Data.([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected one repair result from check --repair, got %+v", checked.Data)
	}
	result, ok := results[0].(map[string]any)
	if !ok || result["Healed"] != true {
		t.Fatalf("expected the finding healed by check --repair, got %+v", results[0])
	}
}
