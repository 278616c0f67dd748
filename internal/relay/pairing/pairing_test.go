package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGeneratesUnambiguousCodes(t *testing.T) {
	p := NewPool()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		pend, err := p.Create("host", "linux", "v1")
		require.NoError(t, err)
		require.Len(t, pend.Code, 6)
		for _, c := range pend.Code {
			assert.Contains(t, alphabet, string(c))
		}
		assert.False(t, seen[pend.Code], "duplicate code %s", pend.Code)
		seen[pend.Code] = true
	}
	assert.Equal(t, 50, p.Len())
}

func TestConsumeOnce(t *testing.T) {
	p := NewPool()
	pend, err := p.Create("host", "linux", "v1")
	require.NoError(t, err)

	// Polling before approval leaves the code in place.
	got, err := p.Consume(pend.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.Approve(pend.Code, "user-1", "agent-1", "tok"))

	got, err = p.Consume(pend.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "agent-1", got.AgentID)

	// Second consume: the code is gone.
	_, err = p.Consume(pend.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDoubleApproveRejected(t *testing.T) {
	p := NewPool()
	pend, err := p.Create("host", "linux", "v1")
	require.NoError(t, err)

	require.NoError(t, p.Approve(pend.Code, "user-1", "agent-1", "tok"))
	assert.Error(t, p.Approve(pend.Code, "user-2", "agent-2", "tok2"))
}

func TestExpiry(t *testing.T) {
	p := NewPool()
	pend, err := p.Create("host", "linux", "v1")
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(TTL + time.Second) }

	_, err = p.Get(pend.Code)
	assert.ErrorIs(t, err, ErrExpired)

	// Evicted on access; a retry is plain not-found territory but the
	// entry is already gone either way.
	assert.Equal(t, 0, p.Len())
}

func TestSweep(t *testing.T) {
	p := NewPool()
	for i := 0; i < 5; i++ {
		_, err := p.Create("host", "linux", "v1")
		require.NoError(t, err)
	}
	fresh, err := p.Create("host", "linux", "v1")
	require.NoError(t, err)
	for code, pend := range p.codes {
		if code != fresh.Code {
			pend.ExpiresAt = time.Now().Add(-time.Second)
		}
	}

	assert.Equal(t, 5, p.Sweep())
	assert.Equal(t, 1, p.Len())
}
