// Tests for checkout-root discovery and worktree isolation detection.
package worktree

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// resolved returns the symlink-evaluated form of a path for comparisons
// against git's physical output.
func resolved(t *testing.T, path string) string {
	t.Helper()
	out, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("EvalSymlinks(%s): %v", path, err)
	}
	return out
}

// TestDiscoverRootWalksUp finds the checkout root from a nested directory.
func TestDiscoverRootWalksUp(t *testing.T) {
	repoRoot := initRepo(t)
	nested := filepath.Join(repoRoot, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	root, err := DiscoverRoot(nested)
	if err != nil {
		t.Fatalf("DiscoverRoot error: %v", err)
	}
	if root != resolved(t, repoRoot) {
		t.Fatalf("root = %q, want %q", root, resolved(t, repoRoot))
	}
}

// TestDiscoverRootInsideLinkedWorktree treats a worktree's .git file as a
// checkout marker.
func TestDiscoverRootInsideLinkedWorktree(t *testing.T) {
	repoRoot := initRepo(t)
	manager := newTestManager(t, repoRoot)
	record, err := manager.Provision(Options{Task: "discover me"})
	if err != nil {
		t.Fatalf("Provision error: %v", err)
	}

	root, err := DiscoverRoot(record.Path)
	if err != nil {
		t.Fatalf("DiscoverRoot error: %v", err)
	}
	if root != resolved(t, record.Path) {
		t.Fatalf("root = %q, want the worktree itself %q", root, resolved(t, record.Path))
	}
}

// TestDiscoverRootNotFound reports the sentinel outside any repository.
func TestDiscoverRootNotFound(t *testing.T) {
	if _, err := DiscoverRoot(t.TempDir()); !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("err = %v, want ErrRepoNotFound", err)
	}
}

// TestDetectIsolation distinguishes the main checkout from a linked worktree.
func TestDetectIsolation(t *testing.T) {
	repoRoot := initRepo(t)
	manager := newTestManager(t, repoRoot)

	if root, isolated := DetectIsolation(repoRoot); isolated {
		t.Fatalf("main checkout reported isolated with root %q", root)
	}

	record, err := manager.Provision(Options{Task: "isolate me"})
	if err != nil {
		t.Fatalf("Provision error: %v", err)
	}
	root, isolated := DetectIsolation(record.Path)
	if !isolated {
		t.Fatal("linked worktree not reported isolated")
	}
	if root != resolved(t, repoRoot) {
		t.Fatalf("project root = %q, want %q", root, resolved(t, repoRoot))
	}

	if root, isolated := DetectIsolation(t.TempDir()); isolated {
		t.Fatalf("non-repo directory reported isolated with root %q", root)
	}
}

// TestDiff captures live changes and degrades to empty on errors.
func TestDiff(t *testing.T) {
	repoRoot := initRepo(t)

	if diff := Diff(repoRoot); diff != "" {
		t.Fatalf("clean tree produced a diff:\n%s", diff)
	}

	if err := os.WriteFile(filepath.Join(repoRoot, "README.md"), []byte("changed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	diff := Diff(repoRoot)
	if !strings.Contains(diff, "diff --git a/README.md") {
		t.Fatalf("diff missing changed file:\n%s", diff)
	}

	if diff := Diff(t.TempDir()); diff != "" {
		t.Fatalf("non-repo directory produced a diff:\n%s", diff)
	}
}
