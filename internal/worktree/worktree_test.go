package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/refinery/internal/executor"
	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// fakeRunner records scripts and replies from a script-prefix table.
type fakeRunner struct {
	calls   []string
	results map[string]executor.Result
	errs    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	f.calls = append(f.calls, cmd.Script)
	for prefix, err := range f.errs {
		if strings.HasPrefix(cmd.Script, prefix) {
			return executor.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
	}
	for prefix, res := range f.results {
		if strings.HasPrefix(cmd.Script, prefix) {
			return res, nil
		}
	}
	return executor.Result{}, nil
}

func (f *fakeRunner) calledWithPrefix(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{results: map[string]executor.Result{}, errs: map[string]error{}}
	m := NewManager(t.TempDir(), runner, logging.NewNop())
	return m, runner
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	return dir
}

func TestPreflight(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Preflight(initRepo(t)))

	err := m.Preflight(t.TempDir())
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestCreate(t *testing.T) {
	m, runner := newTestManager(t)
	repo := initRepo(t)

	cfg, err := m.Create(context.Background(), repo, "")
	require.NoError(t, err)
	assert.Equal(t, repo, cfg.ProjectPath)
	assert.True(t, strings.HasPrefix(cfg.Branch, "refinery/"))
	assert.NotEqual(t, repo, cfg.Path)
	assert.Equal(t, 1, runner.calledWithPrefix("git worktree add -b"))
}

func TestCreateFromBranch(t *testing.T) {
	m, runner := newTestManager(t)
	repo := initRepo(t)

	cfg, err := m.CreateFromBranch(context.Background(), repo, "refinery/abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.SessionID)
	require.Equal(t, 1, runner.calledWithPrefix("git worktree add"))
	assert.Equal(t, 0, runner.calledWithPrefix("git worktree add -b"))
}

func TestCreateNotARepo(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(context.Background(), t.TempDir(), "")
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestCleanupIdempotent(t *testing.T) {
	m, runner := newTestManager(t)
	cfg := &Config{ProjectPath: "/p", Path: "/scratch/w1", Branch: "refinery/w1"}

	require.NoError(t, m.Cleanup(context.Background(), cfg, false))
	removes := runner.calledWithPrefix("git worktree remove")
	require.NoError(t, m.Cleanup(context.Background(), cfg, false))
	assert.Equal(t, removes, runner.calledWithPrefix("git worktree remove"))
}

func TestCleanupKeepBranch(t *testing.T) {
	m, runner := newTestManager(t)
	cfg := &Config{ProjectPath: "/p", Path: "/scratch/w1", Branch: "refinery/w1"}

	require.NoError(t, m.Cleanup(context.Background(), cfg, true))
	assert.Equal(t, 0, runner.calledWithPrefix("git branch -D"))

	cfg2 := &Config{ProjectPath: "/p", Path: "/scratch/w2", Branch: "refinery/w2"}
	require.NoError(t, m.Cleanup(context.Background(), cfg2, false))
	assert.Equal(t, 1, runner.calledWithPrefix("git branch -D"))
}

func TestCleanupSwallowsFailures(t *testing.T) {
	m, runner := newTestManager(t)
	runner.errs["git worktree remove"] = fmt.Errorf("locked")
	runner.errs["git branch -D"] = fmt.Errorf("checked out")
	cfg := &Config{ProjectPath: "/p", Path: filepath.Join(t.TempDir(), "w1"), Branch: "refinery/w1"}

	assert.NoError(t, m.Cleanup(context.Background(), cfg, false))
	assert.Equal(t, 1, runner.calledWithPrefix("git worktree prune"))
}

func TestCleanupNilConfig(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.Cleanup(context.Background(), nil, false))
}

func TestChangedFiles(t *testing.T) {
	m, runner := newTestManager(t)
	runner.results["git status --porcelain -z"] = executor.Result{
		Stdout: " M internal/scoring/metric.go\x00?? internal/scoring/new.go\x00",
	}
	cfg := &Config{Path: "/scratch/w1"}

	files, err := m.ChangedFiles(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/scoring/metric.go", "internal/scoring/new.go"}, files)

	changed, err := m.HasChanges(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestChangedFilesSpacesAndRenames(t *testing.T) {
	m, runner := newTestManager(t)
	runner.results["git status --porcelain -z"] = executor.Result{
		Stdout: "R  docs/new name.md\x00docs/old name.md\x00 M plain.go\x00?? with space.txt\x00",
	}

	files, err := m.ChangedFiles(context.Background(), &Config{Path: "/w"})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/new name.md", "plain.go", "with space.txt"}, files)
}

func TestHasChangesClean(t *testing.T) {
	m, runner := newTestManager(t)
	runner.results["git status --porcelain -z"] = executor.Result{Stdout: ""}

	changed, err := m.HasChanges(context.Background(), &Config{Path: "/w"})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCommit(t *testing.T) {
	m, runner := newTestManager(t)
	runner.results["git rev-parse HEAD"] = executor.Result{Stdout: "abc123def\n"}
	cfg := &Config{Path: "/scratch/w1"}

	hash, err := m.Commit(context.Background(), cfg, "fix-lint: +12.5")
	require.NoError(t, err)
	assert.Equal(t, "abc123def", hash)
	assert.Equal(t, 1, runner.calledWithPrefix("git add -A"))
	assert.Equal(t, 1, runner.calledWithPrefix("git commit -m"))
}

func TestCommitMessageStaysLiteral(t *testing.T) {
	m, runner := newTestManager(t)
	runner.results["git rev-parse HEAD"] = executor.Result{Stdout: "abc\n"}

	message := "fix: handle `$(touch pwned)` and 'quotes'"
	_, err := m.Commit(context.Background(), &Config{Path: "/w"}, message)
	require.NoError(t, err)

	var script string
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "git commit -m") {
			script = c
		}
	}
	require.NotEmpty(t, script)
	assert.True(t, strings.HasPrefix(script, "git commit -m '"), script)
	assert.Contains(t, script, "`$(touch pwned)`")
	assert.Contains(t, script, `'\''quotes'\''`)
}

func TestRollback(t *testing.T) {
	m, runner := newTestManager(t)
	cfg := &Config{Path: "/scratch/w1"}

	require.NoError(t, m.Rollback(context.Background(), cfg))
	assert.Equal(t, 1, runner.calledWithPrefix("git checkout -- ."))
	assert.Equal(t, 1, runner.calledWithPrefix("git clean -fd"))
}

func TestDiffDefaultsToHead(t *testing.T) {
	m, runner := newTestManager(t)
	runner.results["git diff"] = executor.Result{Stdout: "diff --git a b\n"}

	out, err := m.Diff(context.Background(), &Config{Path: "/w"}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "diff --git")
	assert.Contains(t, runner.calls[len(runner.calls)-1], "'HEAD'")
}

func TestGitFailureSurfacesStderr(t *testing.T) {
	m, runner := newTestManager(t)
	runner.errs["git diff"] = fmt.Errorf("bad ref")

	_, err := m.Diff(context.Background(), &Config{Path: "/w"}, "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad ref")
}
