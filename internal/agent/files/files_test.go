package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	home := t.TempDir()
	return &Service{home: home}, home
}

func TestExpand(t *testing.T) {
	s, home := newTestService(t)

	p, err := s.Expand("~")
	require.NoError(t, err)
	assert.Equal(t, home, p)

	p, err = s.Expand("~/docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "docs", "readme.md"), p)

	p, err = s.Expand("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", p)

	_, err = s.Expand("relative/path")
	assert.Error(t, err)
	_, err = s.Expand("")
	assert.Error(t, err)
}

func TestBrowseSortingAndHidden(t *testing.T) {
	s, home := newTestService(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "zeta"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(home, "Alpha"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "beta.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".hidden"), []byte("h"), 0o644))

	entries, err := s.Browse("~", false)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	// Directories first, then files, both case-insensitive alphabetical.
	assert.Equal(t, []string{"Alpha", "zeta", "beta.txt"}, names)

	entries, err = s.Browse("~", true)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, ".hidden", entries[2].Name)
}

func TestReadWrite(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.Write("~/note.txt", "hello"))
	got, err := s.Read("~/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestCreateThenDeleteRestoresState(t *testing.T) {
	s, home := newTestService(t)

	p, err := s.Create("~/fresh.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "fresh.txt"), p)

	_, err = s.Create("~/fresh.txt")
	assert.Error(t, err, "create on existing path must fail")

	require.NoError(t, s.Delete("~/fresh.txt"))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestRename(t *testing.T) {
	s, home := newTestService(t)
	require.NoError(t, s.Write("~/a.txt", "x"))

	dst, err := s.Rename("~/a.txt", "~/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "b.txt"), dst)

	require.NoError(t, s.Write("~/c.txt", "y"))
	_, err = s.Rename("~/c.txt", "~/b.txt")
	assert.Error(t, err, "rename onto existing path must fail")
}

func TestDeleteGuards(t *testing.T) {
	s, home := newTestService(t)
	assert.Error(t, s.Delete("~"))

	require.NoError(t, os.MkdirAll(filepath.Join(home, "full"), 0o755))
	require.NoError(t, s.Write("~/full/x.txt", "x"))
	assert.Error(t, s.Delete("~/full"), "non-empty directory is not removed")
}

func TestMkdir(t *testing.T) {
	s, home := newTestService(t)
	p, err := s.Mkdir("~/a/b/c")
	require.NoError(t, err)
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(home, "a", "b", "c"), p)
}
