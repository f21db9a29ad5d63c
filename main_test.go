package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const usageMessage = "USAGE:\n    overseer [global options] <command> [command options]"

func TestCLICommands(t *testing.T) {
	// Build the CLI binary for testing
	binaryPath := filepath.Join(t.TempDir(), "overseer-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to build CLI binary: %v", err)
	}

	tests := []struct {
		name           string
		args           []string
		expectedExit   int
		expectedOutput string
		expectedError  string
	}{
		{
			name:          "no arguments shows usage",
			args:          []string{},
			expectedExit:  2,
			expectedError: usageMessage,
		},
		{
			name:          "unknown command shows usage",
			args:          []string{"unknown"},
			expectedExit:  2,
			expectedError: usageMessage,
		},
		{
			name:           "version command",
			args:           []string{"version"},
			expectedExit:   0,
			expectedOutput: "version=dev commit=unknown built_at=unknown",
		},
		{
			name:          "run requires workflow flag",
			args:          []string{"run"},
			expectedExit:  2,
			expectedError: "-workflow is required",
		},
		{
			name:          "run requires task flag",
			args:          []string{"run", "-workflow", "review"},
			expectedExit:  2,
			expectedError: "-task is required",
		},
		{
			name:          "worktrees requires subcommand",
			args:          []string{"worktrees"},
			expectedExit:  2,
			expectedError: "overseer worktrees <subcommand>",
		},
		{
			name:          "worktrees clean requires branch flag",
			args:          []string{"worktrees", "clean"},
			expectedExit:  2,
			expectedError: "-branch is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exec.Command(binaryPath, tt.args...)
			output, err := cmd.CombinedOutput()

			// Check exit code
			var exitCode int
			if err != nil {
				if exitError, ok := err.(*exec.ExitError); ok {
					exitCode = exitError.ExitCode()
				} else {
					t.Fatalf("Unexpected error type: %v", err)
				}
			}

			if exitCode != tt.expectedExit {
				t.Errorf("Expected exit code %d, got %d", tt.expectedExit, exitCode)
			}

			outputStr := strings.TrimSpace(string(output))

			// Check expected output
			if tt.expectedOutput != "" && !strings.Contains(outputStr, tt.expectedOutput) {
				t.Errorf("Expected output to contain %q, got %q", tt.expectedOutput, outputStr)
			}

			// Check expected error
			if tt.expectedError != "" && !strings.Contains(outputStr, tt.expectedError) {
				t.Errorf("Expected error to contain %q, got %q", tt.expectedError, outputStr)
			}
		})
	}
}

func TestVersionCommandWithMetadata(t *testing.T) {
	binaryPath := filepath.Join(t.TempDir(), "overseer-version-metadata")
	ldflags := "-X github.com/cmtonkinson/overseer/internal/buildinfo.Version=1.2.3 -X github.com/cmtonkinson/overseer/internal/buildinfo.Commit=8d3f2a1 -X github.com/cmtonkinson/overseer/internal/buildinfo.BuiltAt=2025-02-14T09:30:00Z"
	cmd := exec.Command("go", "build", "-ldflags", ldflags, "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to build CLI binary with metadata: %v", err)
	}

	output, err := exec.Command(binaryPath, "version").CombinedOutput()
	if err != nil {
		t.Fatalf("Version command failed: %v, output: %s", err, output)
	}

	outputStr := strings.TrimSpace(string(output))
	expected := "version=1.2.3 commit=8d3f2a1 built_at=2025-02-14T09:30:00Z"
	if outputStr != expected {
		t.Fatalf("Expected %q, got %q", expected, outputStr)
	}
}

func TestInitCommand(t *testing.T) {
	// Create a temporary directory for testing
	tempDir, err := os.MkdirTemp("", "overseer-init-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	// Build the CLI binary for testing
	binaryPath := filepath.Join(t.TempDir(), "overseer-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to build CLI binary: %v", err)
	}

	// Change to temp directory and run init
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get current directory: %v", err)
	}
	defer os.Chdir(originalDir)

	// Create a git repo in temp dir (required for init to work)
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("Failed to change to temp dir: %v", err)
	}

	// Initialize git repo
	gitCmd := exec.Command("git", "init")
	if err := gitCmd.Run(); err != nil {
		t.Fatalf("Failed to init git repo: %v", err)
	}

	// Run init command
	cmd = exec.Command(binaryPath, "init")
	output, err := cmd.CombinedOutput()

	if err != nil {
		t.Fatalf("Init command failed: %v, output: %s", err, output)
	}

	outputStr := strings.TrimSpace(string(output))
	if outputStr != "init ok" {
		t.Errorf("Expected 'init ok', got %q", outputStr)
	}

	// Check that directories were created
	expectedDirs := []string{
		"_overseer",
		"_overseer/_durable-state",
		"_overseer/workflows",
		"_overseer/_local-state",
		"_overseer/_local-state/worktrees",
		"_overseer/_local-state/meta",
	}

	for _, dir := range expectedDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("Expected directory %s was not created", dir)
		}
	}

	// Check that config file was created
	configPath := filepath.Join("_overseer", "_durable-state", "config.json")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Expected config.json was not created")
	}

	gitignorePath := filepath.Join("_overseer", ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		t.Error("Expected _overseer/.gitignore was not created")
	}

	samplePath := filepath.Join("_overseer", "workflows", "plan-implement-review.yaml")
	if _, err := os.Stat(samplePath); os.IsNotExist(err) {
		t.Error("Expected sample workflow was not created")
	}

	gitLogCmd := exec.Command("git", "-C", tempDir, "log", "-1", "--pretty=%B")
	logOut, err := gitLogCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git log failed: %v, output: %s", err, logOut)
	}
	if strings.TrimSpace(string(logOut)) != "Initialize overseer" {
		t.Errorf("expected commit message %q, got %q", "Initialize overseer", strings.TrimSpace(string(logOut)))
	}
}

func TestWorktreesListCommand(t *testing.T) {
	tempDir := t.TempDir()

	binaryPath := filepath.Join(t.TempDir(), "overseer-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to build CLI binary: %v", err)
	}

	gitCmd := exec.Command("git", "init")
	gitCmd.Dir = tempDir
	if err := gitCmd.Run(); err != nil {
		t.Fatalf("Failed to init git repo: %v", err)
	}

	listCmd := exec.Command(binaryPath, "worktrees", "list")
	listCmd.Dir = tempDir
	output, err := listCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Worktrees list failed: %v, output: %s", err, output)
	}
	if strings.TrimSpace(string(output)) != "no worktrees" {
		t.Errorf("Expected 'no worktrees', got %q", strings.TrimSpace(string(output)))
	}
}

// isolatedEnv points HOME at an empty directory so a developer's personal
// ~/.config/overseer/config.json never bleeds into the run under test.
func isolatedEnv(t *testing.T) []string {
	t.Helper()
	return append(os.Environ(), "HOME="+t.TempDir())
}

// fakeAgentScript emits the claude stream protocol: an init event carrying the
// session id and a result event with the final reply text.
func fakeAgentScript(result string) string {
	return "#!/bin/sh\n" +
		"cat > /dev/null\n" +
		`printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-e2e","model":"fake-model"}'` + "\n" +
		`printf '%s\n' '{"type":"result","result":"` + result + `","session_id":"sess-e2e"}'` + "\n"
}

// seedRunFixture prepares a git repo with a repo config pointing the claude
// label at the fake agent script and a one-step workflow routed by [REVIEW:1].
func seedRunFixture(t *testing.T, tempDir string, agentResult string) {
	t.Helper()

	gitCmd := exec.Command("git", "init")
	gitCmd.Dir = tempDir
	if err := gitCmd.Run(); err != nil {
		t.Fatalf("Failed to init git repo: %v", err)
	}

	agentScript := filepath.Join(tempDir, "fake-agent.sh")
	if err := os.WriteFile(agentScript, []byte(fakeAgentScript(agentResult)), 0o755); err != nil {
		t.Fatalf("Failed to write agent script: %v", err)
	}

	configDir := filepath.Join(tempDir, "_overseer", "_durable-state")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	configBody := fmt.Sprintf(`{"agents": {"claude": {"provider": "claude", "command": %q}}}`, agentScript)
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configBody), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	workflowsDir := filepath.Join(tempDir, "_overseer", "workflows")
	if err := os.MkdirAll(workflowsDir, 0o755); err != nil {
		t.Fatalf("Failed to create workflows dir: %v", err)
	}
	workflowBody := `name: echo-check
max_iterations: 3
steps:
  - name: review
    agent: claude
    prompt: "Review the result of {task}."
    rules:
      - condition: work approved
        next: COMPLETE
`
	if err := os.WriteFile(filepath.Join(workflowsDir, "echo-check.yaml"), []byte(workflowBody), 0o644); err != nil {
		t.Fatalf("Failed to write workflow: %v", err)
	}
}

func TestRunCommandCompletesWorkflow(t *testing.T) {
	tempDir := t.TempDir()

	binaryPath := filepath.Join(t.TempDir(), "overseer-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to build CLI binary: %v", err)
	}

	seedRunFixture(t, tempDir, `Looks good.\n\nSTATUS: [REVIEW:1]`)

	runCmd := exec.Command(binaryPath, "run", "-workflow", "echo-check", "-task", "ship it")
	runCmd.Dir = tempDir
	runCmd.Env = isolatedEnv(t)
	output, err := runCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Run command failed: %v, output: %s", err, output)
	}

	outputStr := string(output)
	if !strings.Contains(outputStr, `"status": "completed"`) {
		t.Errorf("Expected completed status in output, got %q", outputStr)
	}
	if !strings.Contains(outputStr, `"claude": "sess-e2e"`) {
		t.Errorf("Expected recorded session in output, got %q", outputStr)
	}

	auditPath := filepath.Join(tempDir, "_overseer", "_local-state", "audit.log")
	auditData, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("Audit log was not written: %v", err)
	}
	auditStr := string(auditData)
	expectedMarkers := []string{
		"workflow=echo-check event=workflow.start",
		"event=step.start step=review iteration=1",
		"event=agent.invoke agent=claude",
		"event=agent.outcome agent=claude status=success",
		"event=step.complete step=review agent=claude status=success rule=1",
		"event=workflow.complete",
	}
	for _, marker := range expectedMarkers {
		if !strings.Contains(auditStr, marker) {
			t.Errorf("Expected audit log to contain %q, got:\n%s", marker, auditStr)
		}
	}
}

func TestRunCommandAbortsWhenBlocked(t *testing.T) {
	tempDir := t.TempDir()

	binaryPath := filepath.Join(t.TempDir(), "overseer-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to build CLI binary: %v", err)
	}

	// Reply carries no recognizable tag, so the non-interactive run aborts.
	seedRunFixture(t, tempDir, `Still thinking about it.`)

	runCmd := exec.Command(binaryPath, "run", "-workflow", "echo-check", "-task", "ship it")
	runCmd.Dir = tempDir
	runCmd.Env = isolatedEnv(t)
	output, err := runCmd.CombinedOutput()

	var exitCode int
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			t.Fatalf("Unexpected error type: %v", err)
		}
	}
	if exitCode != 1 {
		t.Fatalf("Expected exit code 1, got %d, output: %s", exitCode, output)
	}

	outputStr := string(output)
	if !strings.Contains(outputStr, `"status": "aborted"`) {
		t.Errorf("Expected aborted status in output, got %q", outputStr)
	}
	if !strings.Contains(outputStr, `"abort_reason": "blocked, no user input"`) {
		t.Errorf("Expected abort reason in output, got %q", outputStr)
	}

	auditData, err := os.ReadFile(filepath.Join(tempDir, "_overseer", "_local-state", "audit.log"))
	if err != nil {
		t.Fatalf("Audit log was not written: %v", err)
	}
	if !strings.Contains(string(auditData), `event=workflow.abort reason="blocked, no user input"`) {
		t.Errorf("Expected abort entry in audit log, got:\n%s", auditData)
	}
}

func TestRunCommandResumesPersistedSessions(t *testing.T) {
	tempDir := t.TempDir()

	binaryPath := filepath.Join(t.TempDir(), "overseer-test")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to build CLI binary: %v", err)
	}

	seedRunFixture(t, tempDir, `Looks good.\n\nSTATUS: [REVIEW:1]`)

	// Swap in an agent script that also records its argument vector, so the
	// second run's resume flag is observable.
	argsLog := filepath.Join(tempDir, "agent-args.log")
	script := "#!/bin/sh\n" +
		`echo "$@" >> "` + argsLog + `"` + "\n" +
		"cat > /dev/null\n" +
		`printf '%s\n' '{"type":"system","subtype":"init","session_id":"sess-e2e","model":"fake-model"}'` + "\n" +
		`printf '%s\n' '{"type":"result","result":"Looks good.\n\nSTATUS: [REVIEW:1]","session_id":"sess-e2e"}'` + "\n"
	if err := os.WriteFile(filepath.Join(tempDir, "fake-agent.sh"), []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write agent script: %v", err)
	}

	env := isolatedEnv(t)
	for i := 0; i < 2; i++ {
		runCmd := exec.Command(binaryPath, "run", "-workflow", "echo-check", "-task", "ship it")
		runCmd.Dir = tempDir
		runCmd.Env = env
		if output, err := runCmd.CombinedOutput(); err != nil {
			t.Fatalf("Run %d failed: %v, output: %s", i+1, err, output)
		}
	}

	sessionsFile := filepath.Join(tempDir, "_overseer", "_local-state", "sessions", "echo-check.json")
	sessionsData, err := os.ReadFile(sessionsFile)
	if err != nil {
		t.Fatalf("Sessions file was not written: %v", err)
	}
	if !strings.Contains(string(sessionsData), `"claude": "sess-e2e"`) {
		t.Errorf("Expected persisted session, got:\n%s", sessionsData)
	}

	argsData, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatalf("Agent args log was not written: %v", err)
	}
	invocations := strings.Split(strings.TrimSpace(string(argsData)), "\n")
	if len(invocations) != 2 {
		t.Fatalf("Expected 2 agent invocations, got %d:\n%s", len(invocations), argsData)
	}
	if strings.Contains(invocations[0], "--resume") {
		t.Errorf("First run must start fresh, got args %q", invocations[0])
	}
	if !strings.Contains(invocations[1], "--resume sess-e2e") {
		t.Errorf("Second run must resume the persisted session, got args %q", invocations[1])
	}
}
