package config

import "strings"

const (
	defaultRetryMaxAttempts = 3
	defaultBackoffBaseMS    = 500
	defaultBackoffMaxMS     = 10_000
	defaultIdleSeconds      = 600
	defaultNamespace        = "overseer"
	defaultWorkflowDir      = "_overseer/workflows"
	defaultMaxIterations    = 30
	defaultLoopThreshold    = 3
)

// Defaults returns the documented configuration defaults.
//
// Defaults:
// - agents: {} (labels fall back to the adapter's built-in provider profiles)
// - retries.max_attempts: 3
// - retries.backoff_base_ms: 500
// - retries.backoff_max_ms: 10000
// - timeouts.idle_seconds: 600
// - worktrees.base_dir: "" (hidden directory under the project root)
// - worktrees.namespace: "overseer"
// - workflow.dir: "_overseer/workflows"
// - workflow.max_iterations: 30
// - workflow.loop_threshold: 3
func Defaults() Config {
	return Config{
		Agents: map[string]AgentConfig{},
		Retries: RetriesConfig{
			MaxAttempts:   defaultRetryMaxAttempts,
			BackoffBaseMS: defaultBackoffBaseMS,
			BackoffMaxMS:  defaultBackoffMaxMS,
		},
		Timeouts: TimeoutsConfig{
			IdleSeconds: defaultIdleSeconds,
		},
		Worktrees: WorktreesConfig{
			BaseDir:   "",
			Namespace: defaultNamespace,
		},
		Workflow: WorkflowConfig{
			Dir:           defaultWorkflowDir,
			MaxIterations: defaultMaxIterations,
			LoopThreshold: defaultLoopThreshold,
		},
	}
}

// ApplyDefaults fills missing values with documented defaults and drops
// invalid ones with a warning. Absent values are filled silently.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	cfg.Agents = normalizeAgents(cfg.Agents, "agents", warn)

	cfg.Retries.MaxAttempts = normalizePositiveInt(
		cfg.Retries.MaxAttempts, defaults.Retries.MaxAttempts, "retries.max_attempts", warn)
	cfg.Retries.BackoffBaseMS = normalizePositiveInt(
		cfg.Retries.BackoffBaseMS, defaults.Retries.BackoffBaseMS, "retries.backoff_base_ms", warn)
	cfg.Retries.BackoffMaxMS = normalizePositiveInt(
		cfg.Retries.BackoffMaxMS, defaults.Retries.BackoffMaxMS, "retries.backoff_max_ms", warn)

	cfg.Timeouts.IdleSeconds = normalizePositiveInt(
		cfg.Timeouts.IdleSeconds, defaults.Timeouts.IdleSeconds, "timeouts.idle_seconds", warn)

	cfg.Worktrees.BaseDir = strings.TrimSpace(cfg.Worktrees.BaseDir)
	cfg.Worktrees.Namespace = normalizeName(
		cfg.Worktrees.Namespace, defaults.Worktrees.Namespace)

	cfg.Workflow.Dir = normalizeName(cfg.Workflow.Dir, defaults.Workflow.Dir)
	cfg.Workflow.MaxIterations = normalizePositiveInt(
		cfg.Workflow.MaxIterations, defaults.Workflow.MaxIterations, "workflow.max_iterations", warn)
	cfg.Workflow.LoopThreshold = normalizePositiveInt(
		cfg.Workflow.LoopThreshold, defaults.Workflow.LoopThreshold, "workflow.loop_threshold", warn)

	return cfg
}

// normalizeAgents drops entries whose provider cannot be resolved. A label
// that itself names a provider fills an absent provider field.
func normalizeAgents(values map[string]AgentConfig, keyPrefix string, warn func(string)) map[string]AgentConfig {
	if values == nil {
		return map[string]AgentConfig{}
	}
	normalized := make(map[string]AgentConfig, len(values))
	for label, entry := range values {
		entry.Provider = strings.TrimSpace(entry.Provider)
		entry.Command = strings.TrimSpace(entry.Command)
		entry.Model = strings.TrimSpace(entry.Model)
		if entry.Provider == "" && IsValidProvider(label) {
			entry.Provider = label
		}
		if !IsValidProvider(entry.Provider) {
			emitWarning(warn, "invalid "+keyPrefix+"."+label+".provider; dropping agent")
			continue
		}
		normalized[label] = entry
	}
	return normalized
}

// normalizePositiveInt fills absent values silently and warns on invalid
// negative ones before defaulting.
func normalizePositiveInt(value int, fallback int, key string, warn func(string)) int {
	if value > 0 {
		return value
	}
	if value < 0 {
		emitWarning(warn, "invalid "+key+"; using default")
	}
	return fallback
}

// normalizeName trims the value and falls back when nothing remains.
func normalizeName(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// emitWarning forwards warnings to the provided sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
