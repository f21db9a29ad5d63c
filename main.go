// Command overseer provides the CLI entrypoint for the overseer workflow
// runner.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cmtonkinson/overseer/internal/agent"
	"github.com/cmtonkinson/overseer/internal/audit"
	"github.com/cmtonkinson/overseer/internal/buildinfo"
	"github.com/cmtonkinson/overseer/internal/config"
	"github.com/cmtonkinson/overseer/internal/engine"
	"github.com/cmtonkinson/overseer/internal/registry"
	"github.com/cmtonkinson/overseer/internal/workflow"
	"github.com/cmtonkinson/overseer/internal/worktree"
)

const usage = `overseer - workflow orchestration across AI coding agents

USAGE:
    overseer [global options] <command> [command options]

GLOBAL OPTIONS:
    -v, --verbose    Stream agent output to stderr while a workflow runs

COMMANDS:
    init             Scaffold the _overseer/ layout in the current repository
    run              Run a workflow definition and print the final state
    worktrees        List or clean up isolated worktrees
    version          Print version and build information

Run 'overseer <command> -h' for command-specific help.
`

func main() {
	// Global flags
	globalFlags := flag.NewFlagSet("overseer", flag.ExitOnError)
	globalFlags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
	}
	verbose := globalFlags.Bool("v", false, "")
	verboseLong := globalFlags.Bool("verbose", false, "")

	if len(os.Args) < 2 {
		globalFlags.Usage()
		os.Exit(2)
	}

	// Parse global flags
	args := os.Args[1:]
	for len(args) > 0 && (args[0] == "-v" || args[0] == "--verbose") {
		if args[0] == "-v" {
			*verbose = true
		} else {
			*verboseLong = true
		}
		args = args[1:]
	}
	isVerbose := *verbose || *verboseLong

	if len(args) == 0 {
		globalFlags.Usage()
		os.Exit(2)
	}

	// Route to command
	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "init":
		runInit(isVerbose, commandArgs)
	case "run":
		runRun(isVerbose, commandArgs)
	case "worktrees":
		runWorktrees(commandArgs)
	case "version":
		runVersion()
	case "-h", "--help", "help":
		globalFlags.Usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "overseer: unknown command %q\n\n", command)
		globalFlags.Usage()
		os.Exit(2)
	}
}

func runInit(verbose bool, args []string) {
	flags := flag.NewFlagSet("init", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    overseer init

DESCRIPTION:
    Initialize the overseer layout in the current git repository.
    Creates the _overseer/ directory structure with default configuration
    and a sample workflow, then commits the scaffolding.

OPTIONS:
    -h, --help    Show this help message
`)
	}
	flags.Parse(args)

	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "overseer init: unexpected arguments\n\n")
		flags.Usage()
		os.Exit(2)
	}

	repoRoot, err := worktree.DiscoverRootFromCWD()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := config.InitFullLayout(repoRoot, config.InitOptions{Verbose: verbose}); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if err := commitInit(repoRoot); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Println("init ok")
}

func commitInit(repoRoot string) error {
	addCmd := exec.Command("git", "add", "--", "_overseer")
	addCmd.Dir = repoRoot
	if out, err := addCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git add _overseer failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	diffCmd := exec.Command("git", "diff", "--cached", "--quiet", "--", "_overseer")
	diffCmd.Dir = repoRoot
	if err := diffCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			commitCmd := exec.Command("git", "commit", "-m", "Initialize overseer")
			commitCmd.Dir = repoRoot
			commitCmd.Env = append(os.Environ(),
				"GIT_AUTHOR_NAME=Overseer CLI",
				"GIT_AUTHOR_EMAIL=overseer@localhost",
				"GIT_COMMITTER_NAME=Overseer CLI",
				"GIT_COMMITTER_EMAIL=overseer@localhost",
			)
			if out, err := commitCmd.CombinedOutput(); err != nil {
				return fmt.Errorf("git commit failed: %s: %w", strings.TrimSpace(string(out)), err)
			}
			return nil
		}
		return fmt.Errorf("git diff --cached failed: %w", err)
	}
	return nil
}

func runRun(verbose bool, args []string) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	workflowName := flags.String("workflow", "", "")
	task := flags.String("task", "", "")
	dir := flags.String("dir", "", "")
	isolate := flags.Bool("isolate", false, "")
	interactive := flags.Bool("interactive", false, "")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    overseer run -workflow <name> [options]

DESCRIPTION:
    Load a workflow definition, delegate each step to its configured agent,
    and print the final run state as JSON. The run ends when a rule routes
    to COMPLETE, and aborts on its iteration cap, on a detected loop, or
    when a blocked step has no operator input.

OPTIONS:
    -workflow <name>    Workflow file path, or a name resolved in the
                        configured workflow directory (required)
    -task <text>        Task description substituted into step prompts
                        (required)
    -dir <path>         Working directory for agent processes
                        (default: current directory)
    -isolate            Provision a git worktree and run inside it
    -interactive        Answer blocked steps and iteration-limit prompts
                        from the terminal
    -h, --help          Show this help message
`)
	}
	flags.Parse(args)

	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "overseer run: unexpected arguments\n\n")
		flags.Usage()
		os.Exit(2)
	}
	if strings.TrimSpace(*workflowName) == "" {
		fmt.Fprintf(os.Stderr, "overseer run: -workflow is required\n\n")
		flags.Usage()
		os.Exit(2)
	}
	if strings.TrimSpace(*task) == "" {
		fmt.Fprintf(os.Stderr, "overseer run: -task is required\n\n")
		flags.Usage()
		os.Exit(2)
	}

	workingDir := *dir
	if workingDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		workingDir = cwd
	}
	absWorkingDir, err := filepath.Abs(workingDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	workingDir = absWorkingDir

	repoRoot, err := worktree.DiscoverRoot(workingDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	cfg, err := config.Load(repoRoot, nil, warnToStderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	workflowPath, err := resolveWorkflowPath(repoRoot, cfg.Workflow.Dir, *workflowName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	definition, err := loadDefinition(workflowPath, cfg.Workflow.MaxIterations)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	auditLogger, err := audit.NewLogger(repoRoot, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if *isolate {
		manager, err := worktree.NewManager(repoRoot, worktree.Settings{
			BaseDir:   cfg.Worktrees.BaseDir,
			Namespace: cfg.Worktrees.Namespace,
			Warn:      warnToStderr,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		record, err := manager.Provision(worktree.Options{Task: *task})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		workingDir = record.Path
		_ = auditLogger.LogBranchCreate(definition.Name, record.Branch)
		_ = auditLogger.LogWorktreeCreate(definition.Name, record.Path, record.Branch)
		fmt.Fprintf(os.Stderr, "running in worktree %s on branch %s\n", record.Path, record.Branch)
	}

	projectRoot := ""
	if mainCheckout, isolated := worktree.DetectIsolation(workingDir); isolated {
		projectRoot = mainCheckout
	}

	profiles := make(map[string]agent.Profile, len(cfg.Agents))
	for label, agentCfg := range cfg.Agents {
		profiles[label] = agent.Profile{
			Provider: agentCfg.Provider,
			Command:  agentCfg.Command,
			Model:    agentCfg.Model,
		}
	}
	adapter, err := agent.New(agent.Options{
		Registry: registry.New(),
		Profiles: profiles,
		Retry: agent.RetryPolicy{
			MaxAttempts: cfg.Retries.MaxAttempts,
			BackoffBase: cfg.Retries.BackoffBase(),
			BackoffMax:  cfg.Retries.BackoffMax(),
		},
		IdleTimeout: cfg.Timeouts.Idle(),
		Warn:        warnToStderr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	sessionsFile := sessionsPath(repoRoot, definition.Name)
	sessions := loadSessions(sessionsFile)

	options := engine.Options{
		Invoker:         audit.Invoker(auditLogger, definition.Name, adapter),
		Interactive:     *interactive,
		ProjectRoot:     projectRoot,
		ReportDir:       filepath.Join(workingDir, "_overseer", "reports"),
		LoopThreshold:   cfg.Workflow.LoopThreshold,
		InitialSessions: sessions,
		OnSessionUpdate: func(label string, sessionID string) {
			if sessions == nil {
				sessions = map[string]string{}
			}
			sessions[label] = sessionID
			if err := saveSessions(sessionsFile, sessions); err != nil {
				warnToStderr(fmt.Sprintf("could not persist session for %s: %v", label, err))
			}
		},
		Diff: func() string {
			return worktree.Diff(workingDir)
		},
		Observers: []func(engine.Event){audit.Observer(auditLogger)},
	}
	if verbose {
		options.OnStream = func(event agent.StreamEvent) {
			if event.Kind == agent.EventText && event.Text != "" {
				fmt.Fprint(os.Stderr, event.Text)
			}
		}
	}
	if *interactive {
		scanner := bufio.NewScanner(os.Stdin)
		options.OnUserInput = func(step string, response agent.Response) string {
			fmt.Fprintf(os.Stderr, "\nstep %s is blocked:\n%s\n> ", step, strings.TrimSpace(response.Content))
			if !scanner.Scan() {
				return ""
			}
			return strings.TrimSpace(scanner.Text())
		}
		options.OnIterationLimit = func(iteration int, limit int) int {
			fmt.Fprintf(os.Stderr, "\niteration limit %d reached; enter a new limit or press enter to stop\n> ", limit)
			if !scanner.Scan() {
				return 0
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				return 0
			}
			next, err := strconv.Atoi(text)
			if err != nil {
				fmt.Fprintf(os.Stderr, "not a number: %q\n", text)
				return 0
			}
			return next
		}
	}

	workflowEngine, err := engine.New(definition, workingDir, *task, options)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	_ = auditLogger.LogWorkflowStart(definition.Name, *task)
	state := workflowEngine.Run(ctx)

	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Println(string(encoded))
	if state.Status != engine.StatusCompleted {
		os.Exit(1)
	}
}

// loadDefinition reads a workflow file and fills an absent iteration cap from
// configuration before normalizing. A cap declared in the file always wins.
func loadDefinition(path string, fallbackCap int) (workflow.Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("read workflow %s: %w", path, err)
	}
	definition, err := workflow.Decode(content)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("workflow %s: %w", path, err)
	}
	if definition.MaxIterations == 0 {
		definition.MaxIterations = fallbackCap
	}
	normalized, err := definition.Normalized()
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("workflow %s: %w", path, err)
	}
	return normalized, nil
}

// sessionsPath is where a workflow's agent session map persists between
// runs. PathEscape keeps arbitrary workflow names filesystem-safe.
func sessionsPath(repoRoot string, workflowName string) string {
	return filepath.Join(repoRoot, "_overseer", "_local-state", "sessions", url.PathEscape(workflowName)+".json")
}

// loadSessions reads a persisted session map. A missing or unreadable file
// simply starts the run with fresh conversations.
func loadSessions(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var sessions map[string]string
	if err := json.Unmarshal(data, &sessions); err != nil {
		warnToStderr(fmt.Sprintf("could not decode sessions %s: %v", path, err))
		return nil
	}
	return sessions
}

// saveSessions persists the session map as whole-file JSON, so a crash later
// in the run never loses conversation continuity.
func saveSessions(path string, sessions map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sessions directory: %w", err)
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write sessions %s: %w", path, err)
	}
	return nil
}

// resolveWorkflowPath locates a workflow definition: a path that exists is
// used as-is, otherwise the name is resolved inside the workflow directory,
// trying the bare name and then .yaml and .yml extensions.
func resolveWorkflowPath(repoRoot string, workflowDir string, name string) (string, error) {
	if fileExists(name) {
		return name, nil
	}
	dir := workflowDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	candidates := []string{
		filepath.Join(dir, name),
		filepath.Join(dir, name+".yaml"),
		filepath.Join(dir, name+".yml"),
	}
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("workflow %q not found in %s", name, dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func runWorktrees(args []string) {
	if len(args) == 0 {
		worktreesUsage()
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		runWorktreesList(args[1:])
	case "clean":
		runWorktreesClean(args[1:])
	case "-h", "--help":
		worktreesUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "overseer worktrees: unknown subcommand %q\n\n", args[0])
		worktreesUsage()
		os.Exit(2)
	}
}

func worktreesUsage() {
	fmt.Fprint(os.Stderr, `USAGE:
    overseer worktrees <subcommand>

SUBCOMMANDS:
    list     List worktrees provisioned by overseer
    clean    Remove a worktree and its record, optionally its branch

Run 'overseer worktrees <subcommand> -h' for subcommand help.
`)
}

func runWorktreesList(args []string) {
	flags := flag.NewFlagSet("worktrees list", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    overseer worktrees list

DESCRIPTION:
    List the worktrees overseer has provisioned for this repository, one per
    line: branch, path, and creation time.

OPTIONS:
    -h, --help    Show this help message
`)
	}
	flags.Parse(args)

	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "overseer worktrees list: unexpected arguments\n\n")
		flags.Usage()
		os.Exit(2)
	}

	repoRoot, err := worktree.DiscoverRootFromCWD()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	manager, err := worktree.NewManager(repoRoot, worktree.Settings{Warn: warnToStderr})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	records, err := manager.ListRecords()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("no worktrees")
		return
	}
	for _, record := range records {
		fmt.Printf("%s\t%s\t%s\n", record.Branch, record.Path, record.CreatedAt.Format(time.RFC3339))
	}
}

func runWorktreesClean(args []string) {
	flags := flag.NewFlagSet("worktrees clean", flag.ExitOnError)
	branch := flags.String("branch", "", "")
	deleteBranch := flags.Bool("delete-branch", false, "")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    overseer worktrees clean -branch <name> [-delete-branch]

DESCRIPTION:
    Remove the worktree recorded for a branch along with its record. The
    branch itself is kept unless -delete-branch is given.

OPTIONS:
    -branch <name>    Branch whose worktree should be removed (required)
    -delete-branch    Also delete the local branch
    -h, --help        Show this help message
`)
	}
	flags.Parse(args)

	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "overseer worktrees clean: unexpected arguments\n\n")
		flags.Usage()
		os.Exit(2)
	}
	if strings.TrimSpace(*branch) == "" {
		fmt.Fprintf(os.Stderr, "overseer worktrees clean: -branch is required\n\n")
		flags.Usage()
		os.Exit(2)
	}

	repoRoot, err := worktree.DiscoverRootFromCWD()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	auditLogger, err := audit.NewLogger(repoRoot, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	manager, err := worktree.NewManager(repoRoot, worktree.Settings{Warn: warnToStderr})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	record, found, err := manager.LoadRecord(*branch)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if err := manager.CleanupOrphaned(*branch); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if found {
		_ = auditLogger.LogWorktreeDelete(audit.WorkflowMaintenance, record.Path, *branch)
	}
	if *deleteBranch {
		if err := manager.CleanupBranch(*branch); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		_ = auditLogger.LogBranchDelete(audit.WorkflowMaintenance, *branch)
	}
	fmt.Println("clean ok")
}

func warnToStderr(message string) {
	fmt.Fprintf(os.Stderr, "warning: %s\n", message)
}

func runVersion() {
	fmt.Println(buildinfo.String())
}
