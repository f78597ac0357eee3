// Package workspace materialises per-issue working directories for runners.
// The Factory type is caller-supplied so embedders can plug in worktree
// creation, cloning, or anything else; LocalFactory is the default.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stagehand/stagehand/internal/common/config"
)

// Workspace is an opaque working directory handed to a runner.
type Workspace struct {
	Path          string `json:"path"`
	IsGitWorktree bool   `json:"is_git_worktree"`
	BaseBranch    string `json:"base_branch"`
}

// Factory creates a workspace for an issue within a repository.
type Factory func(ctx context.Context, repo *config.RepositoryConfig, issueIdentifier string) (*Workspace, error)

// LocalFactory creates a per-issue directory under the repo's workspace
// root, or reuses the repo path directly when no root is configured.
func LocalFactory(ctx context.Context, repo *config.RepositoryConfig, issueIdentifier string) (*Workspace, error) {
	if repo.WorkspaceRoot == "" {
		return &Workspace{
			Path:          repo.Path,
			IsGitWorktree: isGitWorktree(repo.Path),
			BaseBranch:    repo.BaseBranch,
		}, nil
	}

	dir := filepath.Join(repo.WorkspaceRoot, sanitize(issueIdentifier))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	return &Workspace{
		Path:          dir,
		IsGitWorktree: isGitWorktree(dir),
		BaseBranch:    repo.BaseBranch,
	}, nil
}

// isGitWorktree reports whether path is a linked git worktree. Worktrees
// carry a .git file containing "gitdir: <path>" instead of a directory.
func isGitWorktree(path string) bool {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil || info.IsDir() {
		return false
	}
	data, err := os.ReadFile(gitPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:")
}

// sanitize maps an issue identifier to a safe directory name.
func sanitize(identifier string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, identifier)
	if out == "" {
		out = "issue"
	}
	return out
}
