package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// gitDirName is the filesystem entry that marks a git checkout root. Linked
// worktrees carry it as a regular file instead of a directory.
const gitDirName = ".git"

// ErrRepoNotFound is returned when no git repository root can be discovered.
var ErrRepoNotFound = errors.New("no git repository found")

// DiscoverRootFromCWD resolves the git checkout root from the current
// working directory.
func DiscoverRootFromCWD() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return DiscoverRoot(cwd)
}

// DiscoverRoot resolves the git checkout root by walking upward from start.
func DiscoverRoot(start string) (string, error) {
	if start == "" {
		return "", fmt.Errorf("%w: provide a start directory or run inside a repo", ErrRepoNotFound)
	}
	absStart, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", start, err)
	}
	absStart, err = filepath.EvalSymlinks(absStart)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks for %s: %w", absStart, err)
	}
	info, err := os.Stat(absStart)
	if err != nil {
		return "", fmt.Errorf("stat start path %s: %w", absStart, err)
	}
	current := absStart
	if !info.IsDir() {
		current = filepath.Dir(absStart)
	}
	for {
		found, err := hasGitDir(current)
		if err != nil {
			return "", err
		}
		if found {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("%w from %s; run inside a git repo or initialize one with `git init`", ErrRepoNotFound, absStart)
}

// hasGitDir reports whether the directory contains a .git entry.
func hasGitDir(dir string) (bool, error) {
	path := filepath.Join(dir, gitDirName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.IsDir() || info.Mode().IsRegular(), nil
}

// DetectIsolation reports whether dir is a linked worktree and, when it is,
// the main checkout it belongs to. The dir must be the top of its checkout.
// Git errors degrade to "not isolated".
func DetectIsolation(dir string) (string, bool) {
	output, err := runGitWithDir(dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", false
	}
	commonDir := strings.TrimSpace(output)
	if commonDir == "" {
		return "", false
	}
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(dir, commonDir)
	}
	commonDir = filepath.Clean(commonDir)
	root := filepath.Dir(commonDir)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	if resolved, symErr := filepath.EvalSymlinks(absDir); symErr == nil {
		absDir = resolved
	}
	if resolved, symErr := filepath.EvalSymlinks(root); symErr == nil {
		root = resolved
	}
	if root == absDir {
		return "", false
	}
	return root, true
}

// Diff returns the working tree's staged and unstaged changes against HEAD.
// Errors degrade to an empty diff.
func Diff(dir string) string {
	output, err := runGitWithDir(dir, "diff", "HEAD")
	if err != nil {
		return ""
	}
	return output
}
