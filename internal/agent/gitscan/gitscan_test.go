package gitscan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mkRepo plants a fake repository: a directory containing a .git directory.
func mkRepo(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(path, ".git"), 0o755))
}

func repoPaths(repos []Repo) []string {
	out := make([]string, len(repos))
	for i, r := range repos {
		out[i] = r.Path
	}
	return out
}

func TestScanFindsReposAndStopsAtRoots(t *testing.T) {
	home := t.TempDir()
	mkRepo(t, filepath.Join(home, "proj-a"))
	mkRepo(t, filepath.Join(home, "code", "proj-b"))
	// Nested repo below a root must not be reported.
	mkRepo(t, filepath.Join(home, "proj-a", "sub"))

	s := New(home)
	repos, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)

	home, err = filepath.EvalSymlinks(home)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(home, "code", "proj-b"),
		filepath.Join(home, "proj-a"),
	}, repoPaths(repos))
	assert.Equal(t, "proj-b", repos[0].Name)
}

func TestScanSkipsDenylistedDirs(t *testing.T) {
	home := t.TempDir()
	mkRepo(t, filepath.Join(home, "node_modules", "dep"))
	mkRepo(t, filepath.Join(home, "vendor", "dep"))
	mkRepo(t, filepath.Join(home, "ok"))

	s := New(home)
	repos, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "ok", repos[0].Name)
}

func TestScanRespectsDepthLimit(t *testing.T) {
	home := t.TempDir()
	deep := filepath.Join(home, "a", "b", "c", "d", "e")
	mkRepo(t, deep)
	atLimit := filepath.Join(home, "a", "b", "c", "repo")
	mkRepo(t, atLimit)

	s := New(home)
	repos, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "repo", repos[0].Name)
}

func TestScanWorktreeGitFileIsNotARepo(t *testing.T) {
	home := t.TempDir()
	wt := filepath.Join(home, "worktree")
	require.NoError(t, os.MkdirAll(wt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: ../elsewhere\n"), 0o644))

	s := New(home)
	repos, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestScanVisitsSymlinkedTreeOnce(t *testing.T) {
	home := t.TempDir()
	mkRepo(t, filepath.Join(home, "real"))
	require.NoError(t, os.Symlink(filepath.Join(home, "real"), filepath.Join(home, "alias")))

	s := New(home)
	repos, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func TestScanStreamsPartials(t *testing.T) {
	home := t.TempDir()
	mkRepo(t, filepath.Join(home, "one"))
	mkRepo(t, filepath.Join(home, "two"))

	var streamed []Repo
	s := New(home)
	repos, err := s.Scan(context.Background(), func(r Repo) { streamed = append(streamed, r) })
	require.NoError(t, err)
	assert.ElementsMatch(t, repos, streamed)
}

func TestScanFolder(t *testing.T) {
	home := t.TempDir()
	mkRepo(t, filepath.Join(home, "inside", "repo"))
	mkRepo(t, filepath.Join(home, "outside"))

	s := New(home)
	repos, err := s.ScanFolder(context.Background(), filepath.Join(home, "inside"), nil)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "repo", repos[0].Name)
}
