package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	repoConfigFileName      = "config.json"
	workflowsDirName        = "_overseer/workflows"
	sampleWorkflowFileName  = "plan-implement-review.yaml"
	localStateDirName       = "_overseer/_local-state"
	localStateGitignoreBody = "_local-state/*\n!_local-state/.keep\n"
)

//go:embed sample_workflow.yaml
var sampleWorkflow []byte

// directoryStructure defines the layout created by init. Each entry gets a
// .keep file so git persists the tree.
var directoryStructure = []string{
	"_overseer",
	repoConfigDirName,
	workflowsDirName,
	localStateDirName,
	filepath.Join(localStateDirName, "worktrees"),
	filepath.Join(localStateDirName, "meta"),
}

// InitOptions configures init-time behaviors such as verbose logging.
type InitOptions struct {
	Verbose bool
	Writer  io.Writer
}

func (opts InitOptions) logf(format string, args ...any) {
	if !opts.Verbose {
		return
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	fmt.Fprintf(writer, format+"\n", args...)
}

// InitRepoConfig creates the repository config directory and writes the
// documented defaults if no config file exists yet. Existing files are never
// overwritten.
func InitRepoConfig(repoRoot string, opts InitOptions) error {
	if repoRoot == "" {
		return errors.New("repo root cannot be empty")
	}

	configDir := filepath.Join(repoRoot, repoConfigDirName)
	configPath := filepath.Join(configDir, repoConfigFileName)

	if err := ensureDir(configDir, opts); err != nil {
		return fmt.Errorf("create config directory %s: %w", configDir, err)
	}

	if _, err := os.Stat(configPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("check config file %s: %w", configPath, err)
	}

	configData, err := json.MarshalIndent(Defaults(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	configData = append(configData, '\n')
	if err := os.WriteFile(configPath, configData, 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", configPath, err)
	}
	opts.logf("created file %s", repoRelativePath(repoRoot, configPath))

	return nil
}

// InitFullLayout creates the complete directory structure, the starter
// config, a sample workflow, and the local-state gitignore. It is idempotent
// and never overwrites existing files.
func InitFullLayout(repoRoot string, opts InitOptions) error {
	if repoRoot == "" {
		return errors.New("repo root cannot be empty")
	}

	for _, dir := range directoryStructure {
		dirPath := filepath.Join(repoRoot, dir)
		if err := ensureDir(dirPath, opts); err != nil {
			return fmt.Errorf("create directory %s: %w", dirPath, err)
		}
		keepPath := filepath.Join(dirPath, ".keep")
		if err := ensureKeepFile(keepPath, opts); err != nil {
			return fmt.Errorf("create .keep file %s: %w", keepPath, err)
		}
	}

	if err := InitRepoConfig(repoRoot, opts); err != nil {
		return fmt.Errorf("initialize config: %w", err)
	}
	if err := ensureSampleWorkflow(repoRoot, opts); err != nil {
		return fmt.Errorf("create sample workflow: %w", err)
	}
	if err := ensureGitignore(repoRoot, opts); err != nil {
		return fmt.Errorf("create gitignore: %w", err)
	}

	return nil
}

// ensureSampleWorkflow writes the embedded example definition when the
// workflows directory has no copy of it yet.
func ensureSampleWorkflow(repoRoot string, opts InitOptions) error {
	path := filepath.Join(repoRoot, workflowsDirName, sampleWorkflowFileName)
	exists, err := pathExists(path)
	if err != nil {
		return fmt.Errorf("check sample workflow %s: %w", path, err)
	}
	if exists {
		return nil
	}
	if err := os.WriteFile(path, sampleWorkflow, 0o644); err != nil {
		return fmt.Errorf("write sample workflow %s: %w", path, err)
	}
	opts.logf("created workflow %s", repoRelativePath(repoRoot, path))
	return nil
}

// ensureGitignore keeps transient local state out of version control.
func ensureGitignore(repoRoot string, opts InitOptions) error {
	dir := filepath.Join(repoRoot, "_overseer")
	if err := ensureDir(dir, opts); err != nil {
		return fmt.Errorf("create overseer dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat gitignore %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(localStateGitignoreBody), 0o644); err != nil {
		return fmt.Errorf("write gitignore %s: %w", path, err)
	}
	opts.logf("created file %s", repoRelativePath(repoRoot, path))
	return nil
}

func ensureDir(path string, opts InitOptions) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	opts.logf("created directory %s", path)
	return nil
}

func ensureKeepFile(path string, opts InitOptions) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		return err
	}
	opts.logf("created file %s", path)
	return nil
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func repoRelativePath(repoRoot, target string) string {
	rel, err := filepath.Rel(repoRoot, target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}
