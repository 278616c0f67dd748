package beads

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestCreateParamsValidate(t *testing.T) {
	assert.NoError(t, CreateParams{Title: "fix flaky test"}.Validate())
	assert.NoError(t, CreateParams{Title: "x", Type: "bug", Priority: intPtr(2)}.Validate())
	assert.NoError(t, CreateParams{Title: "x", Priority: intPtr(0)}.Validate())
	assert.NoError(t, CreateParams{Title: "x", Priority: intPtr(4)}.Validate())

	assert.Error(t, CreateParams{}.Validate())
	assert.Error(t, CreateParams{Title: "   "}.Validate())
	assert.Error(t, CreateParams{Title: "x", Type: "epic"}.Validate())
	assert.Error(t, CreateParams{Title: "x", Priority: intPtr(5)}.Validate())
	assert.Error(t, CreateParams{Title: "x", Priority: intPtr(-1)}.Validate())
}

func TestCloseRejectsUnsafeID(t *testing.T) {
	s := NewService()
	err := s.Close(context.Background(), t.TempDir(), "abc; rm -rf /")
	require.Error(t, err)

	err = s.Close(context.Background(), t.TempDir(), "$(whoami)")
	require.Error(t, err)

	err = s.Close(context.Background(), t.TempDir(), "")
	require.Error(t, err)
}

func TestListParsesCLIOutput(t *testing.T) {
	s := &Service{command: "echo"}
	// echo prints its args; "list --json" is not JSON, so a parse error
	// (not a crash) is the expected outcome for garbage output.
	_, err := s.List(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestRunMissingBinary(t *testing.T) {
	s := &Service{command: "definitely-not-installed-cli"}
	_, err := s.List(context.Background(), t.TempDir())
	assert.Error(t, err)
}
