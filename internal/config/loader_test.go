// Tests for configuration loading.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadConfigPrecedence verifies precedence across user, repo, and CLI layers.
func TestLoadConfigPrecedence(t *testing.T) {
	homeDir := t.TempDir()
	repoRoot := filepath.Join(t.TempDir(), "repo")
	t.Setenv("HOME", homeDir)

	userConfigDir := filepath.Join(homeDir, userConfigDirName, "overseer")
	repoConfigDir := filepath.Join(repoRoot, repoConfigDirName)

	writeConfigFile(t, filepath.Join(userConfigDir, userConfigFileName), `{
  "retries": {
    "max_attempts": 2
  },
  "timeouts": {
    "idle_seconds": 300
  },
  "agents": {
    "reviewer": {
      "provider": "codex",
      "model": "o4-mini"
    }
  }
}`)

	writeConfigFile(t, filepath.Join(repoConfigDir, userConfigFileName), `{
  "retries": {
    "max_attempts": 4
  },
  "worktrees": {
    "namespace": "team"
  }
}`)

	cliOverrides := map[string]any{
		"timeouts": map[string]any{
			"idle_seconds": 90,
		},
	}

	cfg, err := Load(repoRoot, cliOverrides, nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Retries.MaxAttempts != 4 {
		t.Fatalf("retries.max_attempts = %d, want repo override 4", cfg.Retries.MaxAttempts)
	}
	if cfg.Timeouts.IdleSeconds != 90 {
		t.Fatalf("timeouts.idle_seconds = %d, want CLI override 90", cfg.Timeouts.IdleSeconds)
	}
	if cfg.Worktrees.Namespace != "team" {
		t.Fatalf("worktrees.namespace = %q, want team", cfg.Worktrees.Namespace)
	}
	reviewer, ok := cfg.Agents["reviewer"]
	if !ok || reviewer.Provider != "codex" || reviewer.Model != "o4-mini" {
		t.Fatalf("agents.reviewer should come from user defaults, got %+v", cfg.Agents)
	}
	if cfg.Workflow.MaxIterations != defaultMaxIterations {
		t.Fatalf("workflow.max_iterations = %d, want default %d", cfg.Workflow.MaxIterations, defaultMaxIterations)
	}
}

// TestLoadConfigInvalidJSON verifies invalid JSON yields a clear error.
func TestLoadConfigInvalidJSON(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	userConfigDir := filepath.Join(homeDir, userConfigDirName, "overseer")
	writeConfigFile(t, filepath.Join(userConfigDir, userConfigFileName), `{"agents":`)

	_, err := Load("", nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "user defaults") {
		t.Fatalf("expected error to mention user defaults, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), userConfigFileName) {
		t.Fatalf("expected error to mention config.json, got %q", err.Error())
	}
}

// TestLoadConfigTrailingContent rejects extra content after the JSON object.
func TestLoadConfigTrailingContent(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	userConfigDir := filepath.Join(homeDir, userConfigDirName, "overseer")
	writeConfigFile(t, filepath.Join(userConfigDir, userConfigFileName), `{"retries":{}} {"again":true}`)

	if _, err := Load("", nil, nil); err == nil {
		t.Fatal("expected error for trailing content")
	}
}

// TestLoadConfigMissingFilesUsesDefaults verifies absent files load cleanly.
func TestLoadConfigMissingFilesUsesDefaults(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	cfg, err := Load(filepath.Join(t.TempDir(), "repo"), nil, nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Retries.MaxAttempts != defaultRetryMaxAttempts {
		t.Fatalf("retries.max_attempts = %d, want default %d", cfg.Retries.MaxAttempts, defaultRetryMaxAttempts)
	}
	if cfg.Worktrees.Namespace != defaultNamespace {
		t.Fatalf("worktrees.namespace = %q, want default %q", cfg.Worktrees.Namespace, defaultNamespace)
	}
}

// writeConfigFile creates a config file with the provided contents.
func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
