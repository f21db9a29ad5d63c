// Package config loads overseer configuration from layered JSON files and
// fills gaps with documented defaults.
package config

import (
	"strings"
	"time"
)

// Provider families understood by the agent adapter.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
	ProviderGemini = "gemini"
)

// Config is the full configuration surface for overseer.
type Config struct {
	Agents    map[string]AgentConfig `json:"agents"`
	Retries   RetriesConfig          `json:"retries"`
	Timeouts  TimeoutsConfig         `json:"timeouts"`
	Worktrees WorktreesConfig        `json:"worktrees"`
	Workflow  WorkflowConfig         `json:"workflow"`
}

// AgentConfig binds a workflow-facing agent label to a provider process. An
// empty command falls back to the provider's own executable name.
type AgentConfig struct {
	Provider string `json:"provider"`
	Command  string `json:"command,omitempty"`
	Model    string `json:"model,omitempty"`
}

// RetriesConfig bounds transient-failure retries in the adapter.
type RetriesConfig struct {
	MaxAttempts   int `json:"max_attempts"`
	BackoffBaseMS int `json:"backoff_base_ms"`
	BackoffMaxMS  int `json:"backoff_max_ms"`
}

// BackoffBase returns the first retry delay.
func (retries RetriesConfig) BackoffBase() time.Duration {
	return time.Duration(retries.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (retries RetriesConfig) BackoffMax() time.Duration {
	return time.Duration(retries.BackoffMaxMS) * time.Millisecond
}

// TimeoutsConfig defines timeout settings in seconds.
type TimeoutsConfig struct {
	IdleSeconds int `json:"idle_seconds"`
}

// Idle returns the stall window after which a silent agent call is aborted.
func (timeouts TimeoutsConfig) Idle() time.Duration {
	return time.Duration(timeouts.IdleSeconds) * time.Second
}

// WorktreesConfig controls where isolated worktrees live and how generated
// branches are named.
type WorktreesConfig struct {
	BaseDir   string `json:"base_dir,omitempty"`
	Namespace string `json:"namespace"`
}

// WorkflowConfig carries engine tunables and the definition directory. The
// max-iterations value only applies to definitions that declare none.
type WorkflowConfig struct {
	Dir           string `json:"dir"`
	MaxIterations int    `json:"max_iterations"`
	LoopThreshold int    `json:"loop_threshold"`
}

// IsValidProvider reports whether the name is a known provider family.
func IsValidProvider(provider string) bool {
	switch strings.TrimSpace(provider) {
	case ProviderClaude, ProviderCodex, ProviderGemini:
		return true
	}
	return false
}
