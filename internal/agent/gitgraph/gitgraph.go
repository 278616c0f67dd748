// Package gitgraph renders an enriched HTML commit graph for a
// repository: git's ANSI graph output converted to HTML, with commit
// nodes colored by primary-branch membership, relative timestamps, tag
// labels, and a leading indicator column for the primary ref's
// local/remote sync state.
package gitgraph

import (
	"context"
	"fmt"
	"html"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	"github.com/49agents/tc2/internal/util/timefmt"
)

const (
	DefaultMaxCommits = 50

	queryTimeout = 10 * time.Second
	pushTimeout  = 30 * time.Second
)

// Data is the full graph payload for one repository.
type Data struct {
	Branch        string `json:"branch"`
	PrimaryBranch string `json:"primaryBranch"`
	Staged        int    `json:"staged"`
	Unstaged      int    `json:"unstaged"`
	Untracked     int    `json:"untracked"`
	HTML          string `json:"html"`
}

// Status is the porcelain summary used by the lightweight status route.
type Status struct {
	Branch    string `json:"branch"`
	Staged    int    `json:"staged"`
	Unstaged  int    `json:"unstaged"`
	Untracked int    `json:"untracked"`
}

// Service runs git against local repositories.
type Service struct {
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

func NewService() *Service {
	p := bluemonday.NewPolicy()
	p.AllowElements("div", "span")
	p.AllowAttrs("class").OnElements("div", "span")
	p.AllowAttrs("style").OnElements("span")
	p.AllowStyles("color", "font-weight").OnElements("span")
	return &Service{sanitizer: p, now: time.Now}
}

func (s *Service) git(ctx context.Context, repo string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	full := append([]string{"-C", repo}, args...)
	out, err := exec.CommandContext(ctx, "git", full...).Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

// Data gathers branch, working tree counts, and the rendered graph. The
// independent git queries run in parallel.
func (s *Service) Data(ctx context.Context, repo string, maxCommits int) (*Data, error) {
	if maxCommits <= 0 {
		maxCommits = DefaultMaxCommits
	}

	d := &Data{}
	var logRaw string
	var primarySet map[string]bool
	var primaryState primarySync

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		branch, err := s.branch(gctx, repo)
		if err != nil {
			return err
		}
		d.Branch = branch
		return nil
	})
	g.Go(func() error {
		st, err := s.porcelainCounts(gctx, repo)
		if err != nil {
			return err
		}
		d.Staged, d.Unstaged, d.Untracked = st.Staged, st.Unstaged, st.Untracked
		return nil
	})
	g.Go(func() error {
		primary, err := s.primaryBranch(gctx, repo)
		if err != nil {
			return err
		}
		d.PrimaryBranch = primary
		primarySet, err = s.branchCommits(gctx, repo, primary, maxCommits)
		if err != nil {
			return err
		}
		primaryState, err = s.primarySyncState(gctx, repo, primary)
		return err
	})
	g.Go(func() error {
		out, err := s.git(gctx, repo, queryTimeout, "log", "--graph", "--all",
			"--color=always", "--date-order", "-n", strconv.Itoa(maxCommits),
			"--format=format:%x00%h%x00%ct%x00%D%x00%s")
		if err != nil {
			return err
		}
		logRaw = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.HTML = s.sanitizer.Sanitize(s.renderGraph(logRaw, d.PrimaryBranch, primarySet, primaryState))
	return d, nil
}

// Push runs git push with a long timeout and returns its combined output.
func (s *Service) Push(ctx context.Context, repo string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "-C", repo, "push").CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git push: %w", err)
	}
	return string(out), nil
}

// Status returns the lightweight porcelain summary for a path.
func (s *Service) Status(ctx context.Context, repo string) (*Status, error) {
	var st *Status
	var branch string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		st, err = s.porcelainCounts(gctx, repo)
		return err
	})
	g.Go(func() error {
		var err error
		branch, err = s.branch(gctx, repo)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	st.Branch = branch
	return st, nil
}

func (s *Service) branch(ctx context.Context, repo string) (string, error) {
	out, err := s.git(ctx, repo, queryTimeout, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// primaryBranch picks main when it exists, else master, else HEAD's branch.
func (s *Service) primaryBranch(ctx context.Context, repo string) (string, error) {
	for _, candidate := range []string{"main", "master"} {
		if _, err := s.git(ctx, repo, queryTimeout, "rev-parse", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return s.branch(ctx, repo)
}

// branchCommits returns the abbreviated hashes reachable from a branch,
// using the same abbreviation git log applies so set membership matches.
func (s *Service) branchCommits(ctx context.Context, repo, branch string, limit int) (map[string]bool, error) {
	out, err := s.git(ctx, repo, queryTimeout, "log", branch,
		"-n", strconv.Itoa(limit), "--format=%h")
	if err != nil {
		// A branch with no commits yet yields an empty set, not a failure.
		return map[string]bool{}, nil
	}
	set := make(map[string]bool)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			set[line] = true
		}
	}
	return set, nil
}

func (s *Service) porcelainCounts(ctx context.Context, repo string) (*Status, error) {
	out, err := s.git(ctx, repo, queryTimeout, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	st := &Status{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' && y == '?' {
			st.Untracked++
			continue
		}
		if x != ' ' {
			st.Staged++
		}
		if y != ' ' {
			st.Unstaged++
		}
	}
	return st, nil
}

// primarySync describes where the primary branch's tip exists.
type primarySync struct {
	localHash  string
	remoteHash string
}

func (p primarySync) indicatorFor(hash string) string {
	local := hash == p.localHash
	remote := hash == p.remoteHash
	switch {
	case local && remote:
		return `<span class="indicator synced">●</span>`
	case local:
		return `<span class="indicator local">↑</span>`
	case remote:
		return `<span class="indicator remote">↓</span>`
	default:
		return `<span class="indicator"> </span>`
	}
}

func (s *Service) primarySyncState(ctx context.Context, repo, primary string) (primarySync, error) {
	var ps primarySync
	if out, err := s.git(ctx, repo, queryTimeout, "log", "-1", "--format=%h", "refs/heads/"+primary); err == nil {
		ps.localHash = strings.TrimSpace(out)
	}
	if out, err := s.git(ctx, repo, queryTimeout, "log", "-1", "--format=%h", "refs/remotes/origin/"+primary); err == nil {
		ps.remoteHash = strings.TrimSpace(out)
	}
	return ps, nil
}

// renderGraph turns colored git log output into enriched HTML. Commit
// lines carry NUL-separated fields after the graph prefix; pure graph
// continuation lines carry none.
func (s *Service) renderGraph(raw, primary string, primarySet map[string]bool, sync primarySync) string {
	now := s.now()
	var b strings.Builder

	for _, line := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
		parts := strings.Split(line, "\x00")
		b.WriteString(`<div class="graph-line">`)
		if len(parts) < 5 {
			b.WriteString(`<span class="indicator"> </span>`)
			b.WriteString(ansiToHTML(line))
			b.WriteString("</div>\n")
			continue
		}

		graphPrefix, hash, epoch, refs, subject := parts[0], parts[1], parts[2], parts[3], parts[4]

		b.WriteString(sync.indicatorFor(hash))
		b.WriteString(ansiToHTML(graphPrefix))

		hashClass := "commit other"
		if primarySet[hash] {
			hashClass = "commit primary"
		}
		fmt.Fprintf(&b, `<span class=%q>%s</span>`, hashClass, html.EscapeString(hash))

		if ts, err := strconv.ParseInt(strings.TrimSpace(epoch), 10, 64); err == nil {
			fmt.Fprintf(&b, ` <span class="time">%s</span>`, timefmt.Relative(time.Unix(ts, 0), now))
		}

		for _, ref := range splitRefs(refs) {
			if tag, ok := strings.CutPrefix(ref, "tag: "); ok {
				fmt.Fprintf(&b, ` <span class="tag">%s</span>`, html.EscapeString(tag))
			} else {
				fmt.Fprintf(&b, ` <span class="ref">%s</span>`, html.EscapeString(ref))
			}
		}

		fmt.Fprintf(&b, ` <span class="subject">%s</span>`, html.EscapeString(subject))
		b.WriteString("</div>\n")
	}
	return b.String()
}

func splitRefs(refs string) []string {
	refs = strings.TrimSpace(refs)
	if refs == "" {
		return nil
	}
	parts := strings.Split(refs, ", ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimPrefix(p, "HEAD -> ")
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
