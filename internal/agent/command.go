package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Provider families the adapter knows how to drive. Each has its own
// argument-vector shape and stream protocol quirks.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
	ProviderGemini = "gemini"
)

// Profile describes how to reach one configured agent: which provider family
// drives the argv shape, which binary to spawn, and the default model.
type Profile struct {
	Provider string
	Command  string
	Model    string
}

// builtinProfile returns the default profile for a bare provider name, so
// "claude", "codex", and "gemini" work without configuration.
func builtinProfile(label string) (Profile, bool) {
	switch label {
	case ProviderClaude, ProviderCodex, ProviderGemini:
		return Profile{Provider: label, Command: label}, true
	}
	return Profile{}, false
}

// normalized fills profile defaults and validates the provider family.
func (profile Profile) normalized(label string) (Profile, error) {
	if profile.Provider == "" {
		profile.Provider = label
	}
	if profile.Command == "" {
		profile.Command = profile.Provider
	}
	switch profile.Provider {
	case ProviderClaude, ProviderCodex, ProviderGemini:
		return profile, nil
	}
	return Profile{}, fmt.Errorf("agent %q: unknown provider %q", label, profile.Provider)
}

// buildCommand assembles the full argument vector for one invocation. The
// prompt never appears in the vector; every provider reads it from stdin.
// Resuming a session changes the vector's shape, not just its flags.
func buildCommand(profile Profile, options InvokeOptions) ([]string, error) {
	model := options.Model
	if model == "" {
		model = profile.Model
	}
	switch profile.Provider {
	case ProviderClaude:
		return claudeCommand(profile.Command, model, options)
	case ProviderCodex:
		return codexCommand(profile.Command, model, options)
	case ProviderGemini:
		return geminiCommand(profile.Command, model, options)
	}
	return nil, fmt.Errorf("unknown provider %q", profile.Provider)
}

// claudeCommand builds the claude CLI vector: non-interactive print mode with
// the stream-json event protocol on stdout.
func claudeCommand(binary string, model string, options InvokeOptions) ([]string, error) {
	args := []string{binary, "--print", "--verbose", "--output-format", "stream-json", "--include-partial-messages"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if options.SessionID != "" {
		args = append(args, "--resume", options.SessionID)
	}
	switch options.Permission {
	case "":
	case PermissionReadOnly:
		args = append(args, "--permission-mode", "plan")
	case PermissionEdit:
		args = append(args, "--permission-mode", "acceptEdits")
	case PermissionFull:
		args = append(args, "--dangerously-skip-permissions")
	default:
		return nil, fmt.Errorf("unknown permission tier %q", options.Permission)
	}
	return args, nil
}

// codexCommand builds the codex CLI vector. Resume is a subcommand rather
// than a flag, and the trailing "-" makes codex read the prompt from stdin.
func codexCommand(binary string, model string, options InvokeOptions) ([]string, error) {
	args := []string{binary, "exec"}
	if options.SessionID != "" {
		args = append(args, "resume", options.SessionID)
	}
	args = append(args, "--json")
	if model != "" {
		args = append(args, "--model", model)
	}
	switch options.Permission {
	case "":
	case PermissionReadOnly:
		args = append(args, "--sandbox", "read-only")
	case PermissionEdit:
		args = append(args, "--sandbox", "workspace-write")
	case PermissionFull:
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	default:
		return nil, fmt.Errorf("unknown permission tier %q", options.Permission)
	}
	args = append(args, "-")
	return args, nil
}

// geminiCommand builds the gemini CLI vector. The provider keeps no session
// continuity, so a resume id is ignored, and only the full tier carries a
// flag.
func geminiCommand(binary string, model string, options InvokeOptions) ([]string, error) {
	args := []string{binary, "--output-format", "stream-json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	switch options.Permission {
	case "", PermissionReadOnly, PermissionEdit:
	case PermissionFull:
		args = append(args, "--yolo")
	default:
		return nil, fmt.Errorf("unknown permission tier %q", options.Permission)
	}
	return args, nil
}

// resolveProfile maps an agent label onto a profile, falling back to the
// built-in provider set when the label is not configured.
func resolveProfile(profiles map[string]Profile, label string) (Profile, error) {
	if strings.TrimSpace(label) == "" {
		return Profile{}, errors.New("agent label is required")
	}
	if profile, ok := profiles[label]; ok {
		return profile.normalized(label)
	}
	if profile, ok := builtinProfile(label); ok {
		return profile, nil
	}
	return Profile{}, fmt.Errorf("agent %q is not configured", label)
}
