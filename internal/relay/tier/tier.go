// Package tier defines per-tier resource limits and the mapping from
// creation routes to gated features.
package tier

import (
	"fmt"
	"strings"
)

// Limits are per-tier maxima. -1 means unlimited.
type Limits struct {
	TerminalPanes int
	FilePanes     int
	Notes         int
	GitGraphs     int
	Iframes       int
	Agents        int
}

var tiers = map[string]Limits{
	"free": {
		TerminalPanes: 7,
		FilePanes:     10,
		Notes:         10,
		GitGraphs:     3,
		Iframes:       3,
		Agents:        2,
	},
	"pro": {
		TerminalPanes: 30,
		FilePanes:     50,
		Notes:         50,
		GitGraphs:     15,
		Iframes:       15,
		Agents:        5,
	},
	"poweruser": {
		TerminalPanes: -1,
		FilePanes:     -1,
		Notes:         -1,
		GitGraphs:     -1,
		Iframes:       -1,
		Agents:        -1,
	},
}

// ForTier returns a tier's limits; unknown tiers get free limits.
func ForTier(tier string) Limits {
	if l, ok := tiers[tier]; ok {
		return l
	}
	return tiers["free"]
}

// Feature is a gated resource kind; values appear in 403 bodies and
// events, so they are wire-stable.
type Feature string

const (
	FeatureTerminalPanes Feature = "terminalPanes"
	FeatureFilePanes     Feature = "filePanes"
	FeatureNotes         Feature = "notes"
	FeatureGitGraphs     Feature = "gitGraphs"
	FeatureIframes       Feature = "iframes"
	FeatureAgents        Feature = "agents"
)

// creationRoutes maps a gated POST path to its feature and the pane type
// counted against the limit.
var creationRoutes = map[string]struct {
	Feature  Feature
	PaneType string
}{
	"/api/terminals":  {FeatureTerminalPanes, "terminal"},
	"/api/file-panes": {FeatureFilePanes, "file"},
	"/api/notes":      {FeatureNotes, "note"},
	"/api/git-graphs": {FeatureGitGraphs, "git-graph"},
	"/api/iframes":    {FeatureIframes, "iframe"},
}

// GatedRoute reports whether a POST path is in the creation set, and if
// so which feature and pane type it counts against. The path is
// canonicalized first so a query string or trailing slash cannot dodge
// the quota.
func GatedRoute(path string) (Feature, string, bool) {
	r, ok := creationRoutes[canonicalPath(path)]
	return r.Feature, r.PaneType, ok
}

func canonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// LimitFor returns the numeric limit of a feature within the limits set.
func (l Limits) LimitFor(f Feature) int {
	switch f {
	case FeatureTerminalPanes:
		return l.TerminalPanes
	case FeatureFilePanes:
		return l.FilePanes
	case FeatureNotes:
		return l.Notes
	case FeatureGitGraphs:
		return l.GitGraphs
	case FeatureIframes:
		return l.Iframes
	case FeatureAgents:
		return l.Agents
	default:
		return -1
	}
}

// Allowed reports whether another resource of the feature may be created
// given the current count.
func (l Limits) Allowed(f Feature, current int) bool {
	limit := l.LimitFor(f)
	return limit < 0 || current < limit
}

// Message is the human-readable denial shown in the 403 body.
func Message(f Feature, limit int) string {
	return fmt.Sprintf("You've reached the limit of %d %s on your plan. Upgrade for more.", limit, featureNoun(f))
}

func featureNoun(f Feature) string {
	switch f {
	case FeatureTerminalPanes:
		return "terminal panes"
	case FeatureFilePanes:
		return "file panes"
	case FeatureNotes:
		return "notes"
	case FeatureGitGraphs:
		return "git graphs"
	case FeatureIframes:
		return "iframes"
	case FeatureAgents:
		return "agents"
	default:
		return string(f)
	}
}
