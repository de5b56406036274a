package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLIndex_LookupUpsert(t *testing.T) {
	idx := NewURLIndex(filepath.Join(t.TempDir(), "url_index.json"))

	assert.Empty(t, idx.Lookup("https://example.com/a"), "empty index misses")

	require.NoError(t, idx.Upsert("https://example.com/a", "aaaaaaaaaaaa"))
	require.NoError(t, idx.Upsert("https://example.com/b", "bbbbbbbbbbbb"))
	assert.Equal(t, "aaaaaaaaaaaa", idx.Lookup("https://example.com/a"))
	assert.Equal(t, "bbbbbbbbbbbb", idx.Lookup("https://example.com/b"))

	require.NoError(t, idx.Upsert("https://example.com/a", "cccccccccccc"))
	assert.Equal(t, "cccccccccccc", idx.Lookup("https://example.com/a"), "upsert replaces")
}

func TestURLIndex_Remove(t *testing.T) {
	idx := NewURLIndex(filepath.Join(t.TempDir(), "url_index.json"))

	require.NoError(t, idx.Upsert("https://example.com/a", "aaaaaaaaaaaa"))
	require.NoError(t, idx.Upsert("https://example.com/b", "bbbbbbbbbbbb"))
	require.NoError(t, idx.Upsert("https://example.com/c", "cccccccccccc"))

	require.NoError(t, idx.Remove("aaaaaaaaaaaa", "bbbbbbbbbbbb"))
	assert.Empty(t, idx.Lookup("https://example.com/a"))
	assert.Empty(t, idx.Lookup("https://example.com/b"))
	assert.Equal(t, "cccccccccccc", idx.Lookup("https://example.com/c"), "unrelated entry survives")

	assert.NoError(t, idx.Remove("aaaaaaaaaaaa"), "removing already gone ids is a noop")
}

func TestURLIndex_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url_index.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	idx := NewURLIndex(path)
	assert.Empty(t, idx.Lookup("https://example.com/a"), "corrupt index reads empty")
	require.NoError(t, idx.Upsert("https://example.com/a", "aaaaaaaaaaaa"))
	assert.Equal(t, "aaaaaaaaaaaa", idx.Lookup("https://example.com/a"), "corrupt index recovered on write")
}

func TestURLIndex_Rebuild(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	r1, err := fs.Create("https://example.com/a")
	require.NoError(t, err)
	r2, err := fs.Create("https://example.com/b")
	require.NoError(t, err)

	idx := NewURLIndex(filepath.Join(dir, "url_index.json"))
	require.NoError(t, idx.Upsert("https://example.com/stale", "stalestalest"))

	require.NoError(t, idx.Rebuild(fs))
	assert.Equal(t, r1.JobID, idx.Lookup("https://example.com/a"))
	assert.Equal(t, r2.JobID, idx.Lookup("https://example.com/b"))
	assert.Empty(t, idx.Lookup("https://example.com/stale"), "rebuild drops entries without records")
}
