package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/vidvault/app/store"
)

// fakeExecutor records invocations and writes a fake media file
type fakeExecutor struct {
	calls    int
	failWith error
	doPanic  bool
	progress []float64
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Execute(_ context.Context, _, outputDir string, progress ProgressFn) (ExecResult, error) {
	f.calls++
	if f.doPanic {
		panic("boom")
	}
	if f.failWith != nil {
		return ExecResult{}, f.failWith
	}
	for _, p := range []float64{10, 55.5, 100} {
		f.progress = append(f.progress, p)
		progress(p, "downloading")
	}
	out := filepath.Join(outputDir, "video.mp4")
	if err := os.WriteFile(out, []byte("media"), 0o600); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{OutputPath: out, Title: "some video", Duration: 12.5, Uploader: "someone"}, nil
}

type fakeMatcher struct{ exec Executor }

func (f *fakeMatcher) Match(string) Executor { return f.exec }

func makeDownloader(t *testing.T, exec Executor) *Downloader {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	return &Downloader{
		Store:       fs,
		Index:       store.NewURLIndex(filepath.Join(dir, "url_index.json")),
		Registry:    &fakeMatcher{exec: exec},
		DownloadDir: filepath.Join(dir, "downloads"),
	}
}

func TestDownloader_Success(t *testing.T) {
	exec := &fakeExecutor{}
	d := makeDownloader(t, exec)

	res, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.InDelta(t, 100.0, res.Progress, 0.001)
	assert.Equal(t, store.JobID("https://example.com/v1"), res.JobID)
	assert.Equal(t, 1, exec.calls)

	rec := d.Store.Get(res.JobID)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.FileExists(t, rec.OutputPath)

	md, err := ReadMetadata(res.VideoDir)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v1", md.URL)
	assert.Equal(t, "some video", md.Title)
	assert.False(t, md.DownloadedAt.IsZero())
}

func TestDownloader_Idempotent(t *testing.T) {
	exec := &fakeExecutor{}
	d := makeDownloader(t, exec)

	res1, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)
	res2, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)

	assert.Equal(t, res1.JobID, res2.JobID, "both calls converge on the same job")
	assert.True(t, res2.Cached)
	assert.InDelta(t, 100.0, res2.Progress, 0.001)
	assert.Equal(t, 1, exec.calls, "executor invoked once")
}

func TestDownloader_SelfHealOnMissingOutput(t *testing.T) {
	exec := &fakeExecutor{}
	d := makeDownloader(t, exec)

	res, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)

	// remove output behind the store's back, next call must re-download
	rec := d.Store.Get(res.JobID)
	require.NotNil(t, rec)
	require.NoError(t, os.Remove(rec.OutputPath))

	res2, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)
	assert.False(t, res2.Cached)
	assert.Equal(t, 2, exec.calls, "executor re-invoked after external removal")
}

func TestDownloader_ExecutorFailure(t *testing.T) {
	exec := &fakeExecutor{failWith: errors.New("site unreachable")}
	d := makeDownloader(t, exec)

	res, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err, "executor failure is not a call error")
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, "site unreachable")

	rec := d.Store.Get(res.JobID)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "site unreachable")

	// storage directory retained for diagnostics
	assert.DirExists(t, filepath.Join(d.DownloadDir, res.JobID))
}

func TestDownloader_ExecutorPanic(t *testing.T) {
	exec := &fakeExecutor{doPanic: true}
	d := makeDownloader(t, exec)

	res, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, "panic")
}

func TestDownloader_ProgressPersisted(t *testing.T) {
	exec := &fakeExecutor{}
	d := makeDownloader(t, exec)

	res, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 55.5, 100}, exec.progress)

	rec := d.Store.Get(res.JobID)
	require.NotNil(t, rec)
	assert.InDelta(t, 100.0, rec.Progress, 0.001, "final progress persisted")
}

func TestDownloader_FailedJobRetried(t *testing.T) {
	exec := &fakeExecutor{failWith: errors.New("flaky")}
	d := makeDownloader(t, exec)

	_, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)

	exec.failWith = nil // second attempt succeeds
	res, err := d.Download(context.Background(), "https://example.com/v1", "")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 2, exec.calls, "failed jobs are not idempotent hits")
}

func TestDownloader_OutputDirOverride(t *testing.T) {
	exec := &fakeExecutor{}
	d := makeDownloader(t, exec)
	custom := filepath.Join(t.TempDir(), "custom")

	res, err := d.Download(context.Background(), "https://example.com/v1", custom)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)

	rec := d.Store.Get(res.JobID)
	require.NotNil(t, rec)
	assert.Equal(t, filepath.Join(custom, "video.mp4"), rec.OutputPath)
	// sidecar stays in the hash-addressed dir regardless of override
	_, err = ReadMetadata(filepath.Join(d.DownloadDir, res.JobID))
	assert.NoError(t, err)
}
