// Package worktree provisions isolated git worktrees for agent runs and
// persists one record per managed branch so later runs can find, reuse, or
// clean them up.
package worktree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// localStateDirName is the relative path for transient overseer state.
	localStateDirName = "_overseer/_local-state"
	// treesDirName holds provisioned worktree directories.
	treesDirName = "worktrees"
	// recordsDirName holds one JSON record per managed branch.
	recordsDirName = "meta"
	// localStateDirMode defines permissions for the local state directory.
	localStateDirMode = 0o755
	// DefaultNamespace prefixes generated branch names.
	DefaultNamespace = "overseer"
	// timestampLayout formats the time component of generated names.
	timestampLayout = "20060102-150405"
	// maxSlugLength caps the task-derived part of generated names.
	maxSlugLength = 48
)

// Record describes one managed worktree. Records persist as whole-file JSON
// keyed by a filesystem-safe encoding of the branch name.
type Record struct {
	Branch      string    `json:"branch"`
	Path        string    `json:"path"`
	ProjectRoot string    `json:"project_root"`
	CreatedAt   time.Time `json:"created_at"`
}

// Options control how a worktree is provisioned. Every field is optional;
// absent ones are derived from the task text and the manager's defaults.
type Options struct {
	// Task seeds the generated directory and branch names.
	Task string
	// Branch overrides the generated branch name. An existing branch is
	// attached to instead of created.
	Branch string
	// Path overrides the resolved worktree directory.
	Path string
}

// Settings tune a Manager. Zero values select defaults.
type Settings struct {
	// BaseDir overrides where worktree directories are created. Relative
	// paths resolve under the project root.
	BaseDir string
	// Namespace overrides DefaultNamespace for generated branch names.
	Namespace string
	// Warn receives non-fatal diagnostics.
	Warn func(string)
	// Now supplies timestamps.
	Now func() time.Time
}

// Manager provisions, reuses, and disposes worktrees for one project.
type Manager struct {
	projectRoot string
	baseDir     string
	recordsDir  string
	namespace   string
	warn        func(string)
	now         func() time.Time
}

// NewManager constructs a Manager rooted at the project's main checkout.
func NewManager(projectRoot string, settings Settings) (Manager, error) {
	if strings.TrimSpace(projectRoot) == "" {
		return Manager{}, errors.New("project root is required")
	}
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return Manager{}, fmt.Errorf("resolve absolute project root %s: %w", projectRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return Manager{}, fmt.Errorf("stat project root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return Manager{}, fmt.Errorf("project root %s is not a directory", absRoot)
	}
	baseDir := strings.TrimSpace(settings.BaseDir)
	switch {
	case baseDir == "":
		baseDir = filepath.Join(absRoot, localStateDirName, treesDirName)
	case !filepath.IsAbs(baseDir):
		baseDir = filepath.Join(absRoot, baseDir)
	}
	namespace := strings.TrimSpace(settings.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	now := settings.Now
	if now == nil {
		now = time.Now
	}
	return Manager{
		projectRoot: absRoot,
		baseDir:     baseDir,
		recordsDir:  filepath.Join(absRoot, localStateDirName, recordsDirName),
		namespace:   namespace,
		warn:        settings.Warn,
		now:         now,
	}, nil
}

// ProjectRoot returns the main checkout the manager serves.
func (manager Manager) ProjectRoot() string {
	return manager.projectRoot
}

// Provision creates a branch and a worktree for it, derives names from the
// task when not given explicitly, and persists the record before returning.
// An existing branch is attached to rather than recreated.
func (manager Manager) Provision(options Options) (Record, error) {
	if err := manager.ready(); err != nil {
		return Record{}, err
	}
	name := manager.generateName(options.Task)
	branch := strings.TrimSpace(options.Branch)
	if branch == "" {
		branch = manager.namespace + "/" + name
	}
	path := strings.TrimSpace(options.Path)
	if path == "" {
		path = filepath.Join(manager.baseDir, name)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Record{}, fmt.Errorf("resolve worktree path %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), localStateDirMode); err != nil {
		return Record{}, fmt.Errorf("create worktree base directory: %w", err)
	}
	exists, err := manager.branchExists(branch)
	if err != nil {
		return Record{}, err
	}
	if exists {
		_, err = manager.runGit("worktree", "add", absPath, branch)
	} else {
		_, err = manager.runGit("worktree", "add", "-b", branch, absPath)
	}
	if err != nil {
		return Record{}, err
	}
	record := Record{
		Branch:      branch,
		Path:        absPath,
		ProjectRoot: manager.projectRoot,
		CreatedAt:   manager.now().UTC(),
	}
	if err := manager.SaveRecord(record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// ReuseOrProvisionForBranch returns a worktree serving the branch, preferring
// one git already lists over provisioning fresh. The bool reports reuse. The
// main checkout itself is never handed out as a task worktree.
func (manager Manager) ReuseOrProvisionForBranch(branch string) (Record, bool, error) {
	if err := manager.ready(); err != nil {
		return Record{}, false, err
	}
	if strings.TrimSpace(branch) == "" {
		return Record{}, false, errors.New("branch is required")
	}
	output, err := manager.runGit("worktree", "list", "--porcelain")
	if err != nil {
		manager.warnf("worktree listing failed: %v", err)
		output = ""
	}
	for _, entry := range parseWorktreeList(output) {
		if entry.branch != branch || entry.path == manager.projectRoot {
			continue
		}
		record := Record{
			Branch:      branch,
			Path:        entry.path,
			ProjectRoot: manager.projectRoot,
			CreatedAt:   manager.now().UTC(),
		}
		if existing, ok, loadErr := manager.LoadRecord(branch); loadErr == nil && ok && !existing.CreatedAt.IsZero() {
			record.CreatedAt = existing.CreatedAt
		}
		if err := manager.SaveRecord(record); err != nil {
			return Record{}, false, err
		}
		return record, true, nil
	}
	record, err := manager.Provision(Options{Branch: branch})
	if err != nil {
		return Record{}, false, err
	}
	return record, false, nil
}

// Dispose removes the worktree at path. A git failure downgrades to a raw
// filesystem delete; disposal never fails past that fallback.
func (manager Manager) Dispose(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if _, err := manager.runGit("worktree", "remove", "--force", path); err == nil {
		return
	} else {
		manager.warnf("git worktree remove failed for %s: %v", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		manager.warnf("filesystem fallback failed for %s: %v", path, err)
	}
}

// CleanupOrphaned disposes whatever the branch's record still points at and
// then removes the record unconditionally, so a record never outlives its
// worktree by more than one cleanup pass.
func (manager Manager) CleanupOrphaned(branch string) error {
	record, ok, err := manager.LoadRecord(branch)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if exists, statErr := pathExists(record.Path); statErr == nil && exists {
		manager.Dispose(record.Path)
	}
	return manager.RemoveRecord(branch)
}

// CleanupBranch deletes a local branch, trying a safe delete first and
// forcing only when git refuses unmerged work.
func (manager Manager) CleanupBranch(branch string) error {
	if strings.TrimSpace(branch) == "" {
		return errors.New("branch is required")
	}
	if _, err := manager.runGit("branch", "-d", branch); err == nil {
		return nil
	}
	if _, err := manager.runGit("branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// SaveRecord persists the record as indented JSON with a trailing newline.
func (manager Manager) SaveRecord(record Record) error {
	if strings.TrimSpace(record.Branch) == "" {
		return errors.New("record branch is required")
	}
	if strings.TrimSpace(record.Path) == "" {
		return errors.New("record path is required")
	}
	if err := os.MkdirAll(manager.recordsDir, localStateDirMode); err != nil {
		return fmt.Errorf("create record directory %s: %w", manager.recordsDir, err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", record.Branch, err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	recordPath := manager.recordPath(record.Branch)
	if err := os.WriteFile(recordPath, data, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", recordPath, err)
	}
	return nil
}

// LoadRecord reads the record for a branch; the bool reports existence.
func (manager Manager) LoadRecord(branch string) (Record, bool, error) {
	if strings.TrimSpace(branch) == "" {
		return Record{}, false, errors.New("branch is required")
	}
	recordPath := manager.recordPath(branch)
	data, err := os.ReadFile(recordPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read record %s: %w", recordPath, err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", recordPath, err)
	}
	return record, true, nil
}

// RemoveRecord deletes the record for a branch; a missing record is fine.
func (manager Manager) RemoveRecord(branch string) error {
	if strings.TrimSpace(branch) == "" {
		return errors.New("branch is required")
	}
	recordPath := manager.recordPath(branch)
	if err := os.Remove(recordPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove record %s: %w", recordPath, err)
	}
	return nil
}

// ListRecords returns every readable record. Undecodable files are skipped
// with a warning rather than failing the listing.
func (manager Manager) ListRecords() ([]Record, error) {
	entries, err := os.ReadDir(manager.recordsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read record directory %s: %w", manager.recordsDir, err)
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		recordPath := filepath.Join(manager.recordsDir, entry.Name())
		data, err := os.ReadFile(recordPath)
		if err != nil {
			manager.warnf("read record %s: %v", recordPath, err)
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			manager.warnf("decode record %s: %v", recordPath, err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// recordPath builds the record file path for a branch. PathEscape keeps
// branch names with slashes filesystem-safe.
func (manager Manager) recordPath(branch string) string {
	return filepath.Join(manager.recordsDir, url.PathEscape(branch)+".json")
}

// generateName derives a worktree name from the clock and the task text.
func (manager Manager) generateName(task string) string {
	name := manager.now().Format(timestampLayout)
	if slug := slugify(task); slug != "" {
		name += "-" + slug
	}
	return name
}

// branchExists reports whether a local branch exists. Git exit failures
// degrade to "not found".
func (manager Manager) branchExists(branch string) (bool, error) {
	if strings.TrimSpace(branch) == "" {
		return false, errors.New("branch is required")
	}
	_, err := manager.runGit("rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// ready reports whether the manager was built through NewManager.
func (manager Manager) ready() error {
	if strings.TrimSpace(manager.projectRoot) == "" {
		return errors.New("worktree manager is not initialized")
	}
	return nil
}

// warnf formats a diagnostic into the warning sink when one is configured.
func (manager Manager) warnf(format string, args ...any) {
	if manager.warn == nil {
		return
	}
	manager.warn(fmt.Sprintf(format, args...))
}

// listEntry is one parsed unit of `git worktree list --porcelain` output.
type listEntry struct {
	path   string
	branch string
}

// parseWorktreeList decodes porcelain worktree listing output. Unknown lines
// are ignored; detached worktrees simply carry no branch.
func parseWorktreeList(output string) []listEntry {
	var entries []listEntry
	var current listEntry
	flush := func() {
		if current.path != "" {
			entries = append(entries, current)
		}
		current = listEntry{}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			current.branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return entries
}

// slugify converts text to a lowercase ASCII slug with hyphens, capped to a
// length that keeps directory and branch names readable.
func slugify(text string) string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(clean))
	prevHyphen := false
	for _, r := range strings.ToLower(clean) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen {
				builder.WriteRune('-')
				prevHyphen = true
			}
		}
	}
	slug := strings.Trim(builder.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	return slug
}

// pathExists reports whether the path exists on disk.
func pathExists(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, errors.New("path is required")
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat path %s: %w", path, err)
}

// runGit executes a git command in the project root.
func (manager Manager) runGit(args ...string) (string, error) {
	return runGitWithDir(manager.projectRoot, args...)
}

// runGitWithDir runs a git command in the provided directory.
func runGitWithDir(dir string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("git directory is required")
	}
	if len(args) == 0 {
		return "", errors.New("git arguments are required")
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
