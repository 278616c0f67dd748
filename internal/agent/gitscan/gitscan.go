// Package gitscan discovers git repositories under a user's home
// directory. Results stream to the caller as they are found so the
// browser can render progressively during a slow walk.
package gitscan

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	maxDepth      = 4
	branchTimeout = 3 * time.Second
)

// skipDirs are never entered during a scan.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".hg":          true,
	".svn":         true,
	".worktrees":   true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	".cache":       true,
	".npm":         true,
	".yarn":        true,
	".claude":      true,
}

// Repo is one discovered repository.
type Repo struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// EmitFn receives each repo as it is found. Used for streamed partials.
type EmitFn func(Repo)

// Scanner walks directories looking for .git directories.
type Scanner struct {
	home string
}

func New(home string) *Scanner {
	return &Scanner{home: home}
}

// Scan walks the home directory and its subdirectories up to depth 4 and
// returns every repository found, sorted by path. emit, when non-nil, is
// called for each repo as it is discovered.
func (s *Scanner) Scan(ctx context.Context, emit EmitFn) ([]Repo, error) {
	visited := make(map[string]bool)
	var repos []Repo
	s.walk(ctx, s.home, 0, visited, &repos, emit)

	sort.Slice(repos, func(i, j int) bool { return repos[i].Path < repos[j].Path })
	return repos, ctx.Err()
}

// ScanFolder scans a single directory tree (same rules, same depth cap).
func (s *Scanner) ScanFolder(ctx context.Context, root string, emit EmitFn) ([]Repo, error) {
	visited := make(map[string]bool)
	var repos []Repo
	s.walk(ctx, root, 0, visited, &repos, emit)

	sort.Slice(repos, func(i, j int) bool { return repos[i].Path < repos[j].Path })
	return repos, ctx.Err()
}

func (s *Scanner) walk(ctx context.Context, dir string, depth int, visited map[string]bool, repos *[]Repo, emit EmitFn) {
	if depth > maxDepth || ctx.Err() != nil {
		return
	}

	// Resolve symlinks so a link cycle or an aliased tree is seen once.
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return
	}
	if visited[real] {
		return
	}
	visited[real] = true

	// A .git directory marks a repo root; a .git file marks a worktree,
	// which is skipped along with everything below a found root.
	if info, err := os.Stat(filepath.Join(real, ".git")); err == nil {
		if !info.IsDir() {
			return
		}
		repo := Repo{
			Path:   real,
			Name:   filepath.Base(real),
			Branch: s.branch(ctx, real),
		}
		*repos = append(*repos, repo)
		if emit != nil {
			emit(repo)
		}
		return
	}

	entries, err := os.ReadDir(real)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && e.Type()&os.ModeSymlink == 0 {
			continue
		}
		name := e.Name()
		if skipDirs[name] {
			continue
		}
		s.walk(ctx, filepath.Join(real, name), depth+1, visited, repos, emit)
	}
}

func (s *Scanner) branch(ctx context.Context, repo string) string {
	ctx, cancel := context.WithTimeout(ctx, branchTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", repo, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
