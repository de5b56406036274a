package downloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Match(t *testing.T) {
	reg := NewRegistry()

	tbl := []struct {
		url  string
		name string
	}{
		{"https://www.youtube.com/watch?v=abc", "yt-dlp"},
		{"https://youtu.be/abc", "yt-dlp"},
		{"https://www.bilibili.com/video/BV1", "bbdown"},
		{"https://b23.tv/xyz", "bbdown"},
		{"https://m.bilibili.com/video/BV1", "bbdown"},
		{"https://x.com/user/status/1", "yt-dlp"},
		{"https://vimeo.com/12345", "yt-dlp"},
		{"https://some-random-site.com/clip", "yt-dlp"}, // fallback
		{"::not a url::", "yt-dlp"},                     // unparsable, fallback
	}

	for _, tt := range tbl {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.name, reg.Match(tt.url).Name())
		})
	}
}

func TestRegistry_LoadRules(t *testing.T) {
	rules := `
executors:
  - name: curl
    hosts: [cdn.example.com]
    command: 'curl -o "{dir}/file" "{url}"'
  - name: special
    hosts: [special.example.com]
    command: 'special-dl "{url}" "{dir}"'
`
	path := filepath.Join(t.TempDir(), "executors.yml")
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	reg := NewRegistry()
	require.NoError(t, reg.LoadRules(path))

	assert.Equal(t, "curl", reg.Match("https://cdn.example.com/a.mp4").Name())
	assert.Equal(t, "special", reg.Match("https://special.example.com/b").Name())
	assert.Equal(t, "curl", reg.Match("https://other.com/c").Name(), "first rule is the fallback")
}

func TestRegistry_LoadRulesInvalid(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.LoadRules(filepath.Join(t.TempDir(), "missing.yml")))

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("executors: []"), 0o600))
	assert.Error(t, reg.LoadRules(path), "empty rules rejected")

	require.NoError(t, os.WriteFile(path, []byte("executors:\n  - name: x\n    hosts: [a.com]"), 0o600))
	assert.Error(t, reg.LoadRules(path), "rule without command rejected")
}

func TestProgressWriter(t *testing.T) {
	var got []float64
	var stages []string
	w := newProgressWriter(func(p float64, stage string) {
		got = append(got, p)
		stages = append(stages, stage)
	})

	lines := "[download]   0.5% of 10MiB\n" +
		"some unrelated line\n" +
		"[download]  42.1% of 10MiB at 1MiB/s\n" +
		"[download] 100% of 10MiB\n"
	n, err := w.Write([]byte(lines))
	require.NoError(t, err)
	assert.Equal(t, len(lines), n)
	assert.Equal(t, []float64{0.5, 42.1, 100}, got)
	assert.Equal(t, []string{"downloading", "downloading", "processing"}, stages)
}

func TestFindMediaFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.srt"), []byte("sub"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("large media file"), 0o600))

	res, err := findMediaFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "video.mp4"), res, "largest non-sidecar file wins")

	empty := t.TempDir()
	_, err = findMediaFile(empty)
	assert.Error(t, err)
}
