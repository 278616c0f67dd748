package claudestate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/49agents/tc2/internal/protocol"
)

func TestChangedDetectsMeaningfulDiffs(t *testing.T) {
	p := &Pusher{}

	base := protocol.ClaudeStates{
		"t1": {IsClaude: true, State: "working", Location: &protocol.Location{Name: "proj"}},
	}

	// First pass always pushes.
	assert.True(t, p.changed(base))
	p.last = base

	same := protocol.ClaudeStates{
		"t1": {IsClaude: true, State: "working", Location: &protocol.Location{Name: "proj"}},
	}
	assert.False(t, p.changed(same))

	// Command and cwd churn alone does not trigger a push.
	noisy := protocol.ClaudeStates{
		"t1": {IsClaude: true, State: "working", Command: "vim", CWD: "/tmp",
			Location: &protocol.Location{Name: "proj"}},
	}
	assert.False(t, p.changed(noisy))

	stateFlip := protocol.ClaudeStates{
		"t1": {IsClaude: true, State: "idle", Location: &protocol.Location{Name: "proj"}},
	}
	assert.True(t, p.changed(stateFlip))

	locationFlip := protocol.ClaudeStates{
		"t1": {IsClaude: true, State: "working", Location: &protocol.Location{Name: "other"}},
	}
	assert.True(t, p.changed(locationFlip))

	claudeFlip := protocol.ClaudeStates{
		"t1": {IsClaude: false, State: "working", Location: &protocol.Location{Name: "proj"}},
	}
	assert.True(t, p.changed(claudeFlip))

	added := protocol.ClaudeStates{
		"t1": {IsClaude: true, State: "working", Location: &protocol.Location{Name: "proj"}},
		"t2": {IsClaude: false, State: "idle"},
	}
	assert.True(t, p.changed(added))
	assert.True(t, p.changed(protocol.ClaudeStates{}))
}
