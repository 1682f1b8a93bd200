package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeAndUnpackRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "1609459200000.mp4"), []byte("video bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "chat.txt"), []byte("hello from the chat"), 0o644))

	zipPath := filepath.Join(t.TempDir(), "job.zip")
	size, err := Make(src, zipPath)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	st, err := os.Stat(zipPath)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), size)

	dest := t.TempDir()
	require.NoError(t, Unpack(zipPath, dest))

	video, err := os.ReadFile(filepath.Join(dest, "1609459200000.mp4"))
	require.NoError(t, err)
	assert.Equal(t, []byte("video bytes"), video)

	chat, err := os.ReadFile(filepath.Join(dest, "chat.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello from the chat"), chat)
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	err := Unpack(filepath.Join(t.TempDir(), "missing.zip"), t.TempDir())
	assert.Error(t, err)
}
