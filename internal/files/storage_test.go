package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAndPromote(t *testing.T) {
	root := t.TempDir()
	s, err := NewStorage(root)
	require.NoError(t, err)

	staged, err := s.Stage("r1", strings.NewReader("%PDF first"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(staged), "r1-"))

	dest, err := s.Promote("r1", staged)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "r1.pdf"), dest)
	assert.Equal(t, dest, s.Path("r1"))

	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF first", string(body))

	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))

	staged, err = s.Stage("r1", strings.NewReader("%PDF second"))
	require.NoError(t, err)
	_, err = s.Promote("r1", staged)
	require.NoError(t, err)
	body, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF second", string(body))
}

func TestReplaceCommit(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("r3"), []byte("%PDF old"), 0o600))

	staged, err := s.Stage("r3", strings.NewReader("%PDF new"))
	require.NoError(t, err)
	rep, err := s.Replace("r3", staged)
	require.NoError(t, err)
	assert.Equal(t, s.Path("r3"), rep.Path())
	rep.Commit()

	body, err := os.ReadFile(s.Path("r3"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF new", string(body))
	assertIncomingEmpty(t, s)
}

func TestReplaceRollback(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)

	t.Run("restores the previous file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(s.Path("r4"), []byte("%PDF old"), 0o600))
		staged, err := s.Stage("r4", strings.NewReader("%PDF new"))
		require.NoError(t, err)
		rep, err := s.Replace("r4", staged)
		require.NoError(t, err)

		require.NoError(t, rep.Rollback())
		body, err := os.ReadFile(s.Path("r4"))
		require.NoError(t, err)
		assert.Equal(t, "%PDF old", string(body))
		assertIncomingEmpty(t, s)
	})

	t.Run("removes a file that did not exist before", func(t *testing.T) {
		staged, err := s.Stage("r5", strings.NewReader("%PDF new"))
		require.NoError(t, err)
		rep, err := s.Replace("r5", staged)
		require.NoError(t, err)

		require.NoError(t, rep.Rollback())
		assert.NoFileExists(t, s.Path("r5"))
		assertIncomingEmpty(t, s)
	})
}

func TestReplaceRefusesDirectory(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Path("r6"), "inner"), 0o750))

	staged, err := s.Stage("r6", strings.NewReader("%PDF new"))
	require.NoError(t, err)
	_, err = s.Replace("r6", staged)
	assert.Error(t, err)
	assert.FileExists(t, staged, "a refused upload stays staged for the caller to discard")
	assert.DirExists(t, filepath.Join(s.Path("r6"), "inner"))
}

func assertIncomingEmpty(t *testing.T, s *Storage) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Root(), incomingDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiscardAndTempFile(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)

	staged, err := s.Stage("r2", strings.NewReader("x"))
	require.NoError(t, err)
	s.Discard(staged)
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))

	path, cleanup, err := s.TempFile("canonical-*.pdf")
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)
	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNewStorageRequiresRoot(t *testing.T) {
	_, err := NewStorage("")
	assert.Error(t, err)
}
