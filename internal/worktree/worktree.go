// Package worktree isolates a session's changes in a dedicated git worktree.
//
// Each session gets its own branch and checkout under a scratch root, so no
// two sessions ever mutate the same working tree. Cleanup is idempotent and
// best-effort; a failed cleanup never fails the session.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/executor"
	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// ErrNotGitRepo marks a project path that is not a git repository. This is a
// structural failure; the session cannot proceed.
var ErrNotGitRepo = errors.New("worktree: project path is not a git repository")

// ErrSamePath marks a resolved worktree path that collides with the project
// checkout itself.
var ErrSamePath = errors.New("worktree: worktree path equals project path")

// branchPrefix namespaces session branches.
const branchPrefix = "refinery/"

// Dependency cache directories symlinked into fresh worktrees so tooling
// does not reinstall from scratch.
var cacheDirs = []string{"node_modules", "vendor", ".venv"}

// Config identifies one session's isolated checkout.
type Config struct {
	SessionID   string
	ProjectPath string
	Path        string
	Branch      string
	CreatedAt   time.Time
}

// CommandRunner is the executor surface the manager needs for git porcelain
// operations that go-git does not cover (worktree add/remove/prune).
type CommandRunner interface {
	Run(ctx context.Context, cmd executor.Command) (executor.Result, error)
}

// Manager creates and tears down session worktrees.
type Manager struct {
	root   string
	runner CommandRunner
	logger *logging.Logger

	mu      sync.Mutex
	cleaned map[string]bool
}

// NewManager creates a Manager rooted at dir. An empty dir falls back to
// ~/.cache/refinery/worktrees, then the system temp dir.
func NewManager(dir string, runner CommandRunner, logger *logging.Logger) *Manager {
	if dir == "" {
		dir = defaultRoot()
	}
	return &Manager{
		root:    dir,
		runner:  runner,
		logger:  logger.Named("worktree"),
		cleaned: map[string]bool{},
	}
}

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "refinery", "worktrees")
	}
	return filepath.Join(os.TempDir(), "refinery-worktrees")
}

// Preflight verifies the project path is a git repository.
func (m *Manager) Preflight(projectPath string) error {
	if _, err := git.PlainOpen(projectPath); err != nil {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, projectPath)
	}
	return nil
}

// Create makes a fresh worktree on a new session branch. baseBranch is the
// ref the branch forks from; empty means the current HEAD.
func (m *Manager) Create(ctx context.Context, projectPath, baseBranch string) (*Config, error) {
	if err := m.Preflight(projectPath); err != nil {
		return nil, err
	}

	id := uuid.NewString()[:8]
	branch := branchPrefix + id
	path := filepath.Join(m.root, id)
	if err := m.checkPath(projectPath, path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}

	script := fmt.Sprintf("git worktree add -b %s %s", shq(branch), shq(path))
	if baseBranch != "" {
		script += " " + shq(baseBranch)
	}
	if err := m.git(ctx, projectPath, script); err != nil {
		return nil, fmt.Errorf("adding worktree: %w", err)
	}
	m.forget(path)

	m.linkCaches(ctx, projectPath, path)
	m.logger.Info(ctx, "worktree created",
		zap.String("path", path), zap.String("branch", branch))

	return &Config{
		SessionID:   id,
		ProjectPath: projectPath,
		Path:        path,
		Branch:      branch,
		CreatedAt:   time.Now(),
	}, nil
}

// CreateFromBranch checks out an existing session branch into a fresh
// worktree, resuming earlier work.
func (m *Manager) CreateFromBranch(ctx context.Context, projectPath, branch string) (*Config, error) {
	if err := m.Preflight(projectPath); err != nil {
		return nil, err
	}

	id := strings.TrimPrefix(branch, branchPrefix)
	path := filepath.Join(m.root, id)
	if err := m.checkPath(projectPath, path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}

	script := fmt.Sprintf("git worktree add %s %s", shq(path), shq(branch))
	if err := m.git(ctx, projectPath, script); err != nil {
		return nil, fmt.Errorf("adding worktree for branch %s: %w", branch, err)
	}
	m.forget(path)

	m.linkCaches(ctx, projectPath, path)
	return &Config{
		SessionID:   id,
		ProjectPath: projectPath,
		Path:        path,
		Branch:      branch,
		CreatedAt:   time.Now(),
	}, nil
}

// Cleanup removes the worktree and, unless keepBranch, its branch. Failures
// are logged and swallowed. Calling Cleanup twice on the same config is a
// no-op.
func (m *Manager) Cleanup(ctx context.Context, cfg *Config, keepBranch bool) error {
	if cfg == nil {
		return nil
	}
	m.mu.Lock()
	if m.cleaned[cfg.Path] {
		m.mu.Unlock()
		return nil
	}
	m.cleaned[cfg.Path] = true
	m.mu.Unlock()

	if err := m.git(ctx, cfg.ProjectPath, "git worktree remove --force "+shq(cfg.Path)); err != nil {
		m.logger.Warn(ctx, "worktree remove failed, forcing",
			zap.String("path", cfg.Path), zap.Error(err))
		if err := os.RemoveAll(cfg.Path); err != nil {
			m.logger.Warn(ctx, "manual worktree removal failed", zap.Error(err))
		}
		if err := m.git(ctx, cfg.ProjectPath, "git worktree prune"); err != nil {
			m.logger.Warn(ctx, "worktree prune failed", zap.Error(err))
		}
	}

	if !keepBranch {
		if err := m.git(ctx, cfg.ProjectPath, "git branch -D "+shq(cfg.Branch)); err != nil {
			m.logger.Warn(ctx, "branch delete failed",
				zap.String("branch", cfg.Branch), zap.Error(err))
		}
	}
	m.logger.Info(ctx, "worktree cleaned up",
		zap.String("path", cfg.Path), zap.Bool("kept_branch", keepBranch))
	return nil
}

// HasChanges reports whether the worktree has uncommitted modifications.
func (m *Manager) HasChanges(ctx context.Context, cfg *Config) (bool, error) {
	files, err := m.ChangedFiles(ctx, cfg)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// ChangedFiles lists paths with uncommitted changes, including untracked
// files. NUL-terminated output keeps paths with spaces intact.
func (m *Manager) ChangedFiles(ctx context.Context, cfg *Config) ([]string, error) {
	res, err := m.run(ctx, cfg.Path, "git status --porcelain -z")
	if err != nil {
		return nil, err
	}
	entries := strings.Split(res.Stdout, "\x00")
	var files []string
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		// Entry format: two status chars, space, path. Renames and copies
		// carry the original path as the following NUL-separated field.
		if len(entry) < 4 {
			continue
		}
		files = append(files, entry[3:])
		if entry[0] == 'R' || entry[0] == 'C' {
			i++
		}
	}
	return files, nil
}

// Commit stages everything and commits, returning the new hash.
func (m *Manager) Commit(ctx context.Context, cfg *Config, message string) (string, error) {
	if _, err := m.run(ctx, cfg.Path, "git add -A"); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	if _, err := m.run(ctx, cfg.Path, "git commit -m "+shq(message)); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	res, err := m.run(ctx, cfg.Path, "git rev-parse HEAD")
	if err != nil {
		return "", fmt.Errorf("reading commit hash: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Rollback discards all uncommitted changes, including new files.
func (m *Manager) Rollback(ctx context.Context, cfg *Config) error {
	if _, err := m.run(ctx, cfg.Path, "git checkout -- ."); err != nil {
		return fmt.Errorf("reverting tracked files: %w", err)
	}
	if _, err := m.run(ctx, cfg.Path, "git clean -fd"); err != nil {
		return fmt.Errorf("removing untracked files: %w", err)
	}
	return nil
}

// Head returns the worktree's current commit hash. Captured right after
// creation it serves as the base for cumulative diffs.
func (m *Manager) Head(ctx context.Context, cfg *Config) (string, error) {
	res, err := m.run(ctx, cfg.Path, "git rev-parse HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Diff returns the cumulative diff against base (the fork point ref).
func (m *Manager) Diff(ctx context.Context, cfg *Config, base string) (string, error) {
	if base == "" {
		base = "HEAD"
	}
	res, err := m.run(ctx, cfg.Path, "git diff "+shq(base))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// CommittedFiles lists files changed by commits since base.
func (m *Manager) CommittedFiles(ctx context.Context, cfg *Config, base string) ([]string, error) {
	res, err := m.run(ctx, cfg.Path, "git diff --name-only "+shq(base))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// linkCaches symlinks dependency caches from the original checkout.
// Best-effort; a missing cache or failed link is skipped.
func (m *Manager) linkCaches(ctx context.Context, projectPath, worktreePath string) {
	for _, dir := range cacheDirs {
		src := filepath.Join(projectPath, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(worktreePath, dir)
		if err := os.Symlink(src, dst); err != nil {
			m.logger.Debug(ctx, "skipping cache symlink",
				zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (m *Manager) checkPath(projectPath, worktreePath string) error {
	absProject, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("resolving project path: %w", err)
	}
	absWorktree, err := filepath.Abs(worktreePath)
	if err != nil {
		return fmt.Errorf("resolving worktree path: %w", err)
	}
	if absProject == absWorktree {
		return ErrSamePath
	}
	return nil
}

// git runs a git script in dir and converts non-zero exits to errors.
func (m *Manager) git(ctx context.Context, dir, script string) error {
	_, err := m.run(ctx, dir, script)
	return err
}

func (m *Manager) run(ctx context.Context, dir, script string) (executor.Result, error) {
	res, err := m.runner.Run(ctx, executor.Command{
		Script:  script,
		Dir:     dir,
		Timeout: time.Minute,
	})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s: exit %d: %s", script, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// forget clears a path's cleaned marker so a worktree recreated at the same
// path can be cleaned up again.
func (m *Manager) forget(path string) {
	m.mu.Lock()
	delete(m.cleaned, path)
	m.mu.Unlock()
}

// shq single-quotes s for embedding in a shell script. Single quotes pass
// everything literally, so metacharacters in commit messages or refs never
// reach the shell.
func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
