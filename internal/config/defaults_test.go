// Package config tests default configuration behavior.
package config

import (
	"strings"
	"testing"
	"time"
)

// TestDefaultsDocumentedValues verifies the published defaults are stable.
func TestDefaultsDocumentedValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	if got, want := cfg.Retries.MaxAttempts, defaultRetryMaxAttempts; got != want {
		t.Fatalf("retries.max_attempts = %d, want %d", got, want)
	}
	if got, want := cfg.Retries.BackoffBaseMS, defaultBackoffBaseMS; got != want {
		t.Fatalf("retries.backoff_base_ms = %d, want %d", got, want)
	}
	if got, want := cfg.Retries.BackoffMaxMS, defaultBackoffMaxMS; got != want {
		t.Fatalf("retries.backoff_max_ms = %d, want %d", got, want)
	}
	if got, want := cfg.Timeouts.IdleSeconds, defaultIdleSeconds; got != want {
		t.Fatalf("timeouts.idle_seconds = %d, want %d", got, want)
	}
	if cfg.Worktrees.Namespace != defaultNamespace {
		t.Fatalf("worktrees.namespace = %q, want %q", cfg.Worktrees.Namespace, defaultNamespace)
	}
	if cfg.Workflow.Dir != defaultWorkflowDir {
		t.Fatalf("workflow.dir = %q, want %q", cfg.Workflow.Dir, defaultWorkflowDir)
	}
	if got, want := cfg.Workflow.MaxIterations, defaultMaxIterations; got != want {
		t.Fatalf("workflow.max_iterations = %d, want %d", got, want)
	}
	if got, want := cfg.Workflow.LoopThreshold, defaultLoopThreshold; got != want {
		t.Fatalf("workflow.loop_threshold = %d, want %d", got, want)
	}
	if cfg.Agents == nil || len(cfg.Agents) != 0 {
		t.Fatal("agents should default to empty map")
	}
	if got, want := cfg.Timeouts.Idle(), time.Duration(defaultIdleSeconds)*time.Second; got != want {
		t.Fatalf("timeouts idle duration = %v, want %v", got, want)
	}
	if got, want := cfg.Retries.BackoffBase(), time.Duration(defaultBackoffBaseMS)*time.Millisecond; got != want {
		t.Fatalf("retries backoff base duration = %v, want %v", got, want)
	}
}

// TestApplyDefaultsMissingConfig verifies defaults apply to an empty config.
func TestApplyDefaultsMissingConfig(t *testing.T) {
	t.Parallel()

	cfg := ApplyDefaults(Config{}, nil)
	expected := Defaults()

	if !configsEqual(cfg, expected) {
		t.Fatal("ApplyDefaults should match Defaults for empty config")
	}
}

// TestApplyDefaultsInvalidValues verifies invalid values fall back to defaults with warnings.
func TestApplyDefaultsInvalidValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Retries: RetriesConfig{
			MaxAttempts:   -1,
			BackoffBaseMS: -500,
		},
		Timeouts: TimeoutsConfig{
			IdleSeconds: -30,
		},
		Workflow: WorkflowConfig{
			MaxIterations: -2,
		},
	}

	var warnings []string
	warn := func(message string) {
		warnings = append(warnings, message)
	}

	normalized := ApplyDefaults(cfg, warn)

	if normalized.Retries.MaxAttempts != defaultRetryMaxAttempts {
		t.Fatal("retries.max_attempts should fall back to default")
	}
	if normalized.Retries.BackoffBaseMS != defaultBackoffBaseMS {
		t.Fatal("retries.backoff_base_ms should fall back to default")
	}
	if normalized.Timeouts.IdleSeconds != defaultIdleSeconds {
		t.Fatal("timeouts.idle_seconds should fall back to default")
	}
	if normalized.Workflow.MaxIterations != defaultMaxIterations {
		t.Fatal("workflow.max_iterations should fall back to default")
	}
	if len(warnings) == 0 {
		t.Fatal("expected warnings for invalid values")
	}
	if !warningsContain(warnings, "retries.max_attempts") {
		t.Fatal("expected warning for retries.max_attempts")
	}
	if !warningsContain(warnings, "timeouts.idle_seconds") {
		t.Fatal("expected warning for timeouts.idle_seconds")
	}
	if !warningsContain(warnings, "workflow.max_iterations") {
		t.Fatal("expected warning for workflow.max_iterations")
	}
}

// TestApplyDefaultsAgentNormalization verifies agent entries are trimmed,
// inferred, and dropped as appropriate.
func TestApplyDefaultsAgentNormalization(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Agents: map[string]AgentConfig{
			"claude": {Model: " opus "},
			"reviewer": {
				Provider: " codex ",
				Command:  " codex ",
			},
			"fast": {Provider: "nonsense"},
		},
	}

	var warnings []string
	warn := func(message string) {
		warnings = append(warnings, message)
	}

	normalized := ApplyDefaults(cfg, warn)

	claude, ok := normalized.Agents["claude"]
	if !ok {
		t.Fatal("agents.claude should be preserved")
	}
	if claude.Provider != ProviderClaude {
		t.Fatalf("agents.claude.provider = %q, want inferred %q", claude.Provider, ProviderClaude)
	}
	if claude.Model != "opus" {
		t.Fatalf("agents.claude.model = %q, want trimmed opus", claude.Model)
	}
	reviewer, ok := normalized.Agents["reviewer"]
	if !ok {
		t.Fatal("agents.reviewer should be preserved")
	}
	if reviewer.Provider != ProviderCodex || reviewer.Command != "codex" {
		t.Fatalf("agents.reviewer should be trimmed, got %+v", reviewer)
	}
	if _, ok := normalized.Agents["fast"]; ok {
		t.Fatal("agents.fast with unknown provider should be dropped")
	}
	if !warningsContain(warnings, "agents.fast.provider") {
		t.Fatal("expected warning for agents.fast.provider")
	}
}

// configsEqual compares configs by value without relying on reflect.DeepEqual.
func configsEqual(left Config, right Config) bool {
	if left.Retries != right.Retries ||
		left.Timeouts != right.Timeouts ||
		left.Worktrees != right.Worktrees ||
		left.Workflow != right.Workflow {
		return false
	}
	if len(left.Agents) != len(right.Agents) {
		return false
	}
	for label, agent := range left.Agents {
		other, ok := right.Agents[label]
		if !ok || agent != other {
			return false
		}
	}
	return true
}

// warningsContain reports whether any warning contains the substring.
func warningsContain(warnings []string, substr string) bool {
	for _, warning := range warnings {
		if strings.Contains(warning, substr) {
			return true
		}
	}
	return false
}
