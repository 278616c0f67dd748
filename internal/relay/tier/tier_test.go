package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForTier(t *testing.T) {
	assert.Equal(t, 7, ForTier("free").TerminalPanes)
	assert.Equal(t, 30, ForTier("pro").TerminalPanes)
	assert.Equal(t, -1, ForTier("poweruser").TerminalPanes)

	// Unknown tiers fall back to free.
	assert.Equal(t, 7, ForTier("enterprise").TerminalPanes)
	assert.Equal(t, 7, ForTier("").TerminalPanes)
}

func TestGatedRoute(t *testing.T) {
	f, paneType, ok := GatedRoute("/api/terminals")
	assert.True(t, ok)
	assert.Equal(t, FeatureTerminalPanes, f)
	assert.Equal(t, "terminal", paneType)

	f, paneType, ok = GatedRoute("/api/git-graphs")
	assert.True(t, ok)
	assert.Equal(t, FeatureGitGraphs, f)
	assert.Equal(t, "git-graph", paneType)

	// Reads and non-creation writes are never gated.
	_, _, ok = GatedRoute("/api/files/browse")
	assert.False(t, ok)
	_, _, ok = GatedRoute("/api/terminals/resume")
	assert.False(t, ok)
}

func TestGatedRouteCanonicalizesPath(t *testing.T) {
	for _, path := range []string{
		"/api/terminals?x=1",
		"/api/terminals/",
		"/api/terminals//",
		"/api/terminals#frag",
		"/api/terminals/?x=1",
	} {
		f, paneType, ok := GatedRoute(path)
		assert.True(t, ok, "path %q must be gated", path)
		assert.Equal(t, FeatureTerminalPanes, f)
		assert.Equal(t, "terminal", paneType)
	}
}

func TestAllowed(t *testing.T) {
	free := ForTier("free")
	assert.True(t, free.Allowed(FeatureTerminalPanes, 6))
	assert.False(t, free.Allowed(FeatureTerminalPanes, 7))
	assert.False(t, free.Allowed(FeatureTerminalPanes, 8))

	power := ForTier("poweruser")
	assert.True(t, power.Allowed(FeatureTerminalPanes, 10_000))
}

func TestMessage(t *testing.T) {
	msg := Message(FeatureTerminalPanes, 7)
	assert.Contains(t, msg, "7 terminal panes")
	assert.Contains(t, msg, "Upgrade")
}
