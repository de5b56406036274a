// Package downloader implements the idempotent download path: url hash
// addressing, job record lifecycle and executor dispatch. Repeated requests
// for a completed url return the cached result without touching executors.
package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/vidvault/app/store"
)

const sidecarFile = "metadata.json"

// Matcher selects an executor for a url, see Registry
type Matcher interface {
	Match(url string) Executor
}

// Downloader orchestrates a single download: idempotency check, record
// creation, executor invocation, progress persistence and finalization.
// Safe for concurrent use; two calls for the same new url may duplicate
// executor work but converge on the same job id and directory.
type Downloader struct {
	Store       *store.FileStore
	Index       *store.URLIndex
	Registry    Matcher
	DownloadDir string
}

// Result is the summary returned for a download request
type Result struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Title    string  `json:"title,omitempty"`
	VideoDir string  `json:"video_dir,omitempty"`
	Error    string  `json:"error,omitempty"`
	Cached   bool    `json:"cached,omitempty"`
}

// Metadata is the sidecar persisted next to the media, consumed by outside
// query layers to avoid re-invoking executors
type Metadata struct {
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	Uploader     string    `json:"uploader,omitempty"`
	OutputPath   string    `json:"output_path"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Cached returns the completed record for url if its output still exists on
// disk. A record whose output was removed externally reads as a miss, the
// next download self-heals it. A dangling index entry (record evicted) is a
// plain cache miss too.
func (d *Downloader) Cached(url string) *store.JobRecord {
	jobID := d.Index.Lookup(url)
	if jobID == "" {
		return nil
	}
	rec := d.Store.Get(jobID)
	if rec == nil || rec.Status != store.StatusCompleted || rec.OutputPath == "" {
		return nil
	}
	if _, err := os.Stat(rec.OutputPath); err != nil {
		log.Printf("[INFO] output for %s gone from %s, will re-download", jobID, rec.OutputPath)
		return nil
	}
	return rec
}

// Download runs the blocking download for url. The executor call may take
// minutes, callers keep it off latency-sensitive paths. Executor failures
// come back inside Result, not as an error; the returned error covers only
// faults before the executor could be dispatched.
func (d *Downloader) Download(ctx context.Context, url, outputDir string) (Result, error) {
	if rec := d.Cached(url); rec != nil {
		log.Printf("[DEBUG] idempotent hit for %s, job %s", url, rec.JobID)
		return Result{JobID: rec.JobID, Status: string(rec.Status), Progress: 100, VideoDir: d.videoDir(rec.JobID), Cached: true}, nil
	}

	rec, err := d.Store.Create(url)
	if err != nil {
		return Result{}, fmt.Errorf("can't create job for %s: %w", url, err)
	}
	if err = d.Index.Upsert(url, rec.JobID); err != nil {
		log.Printf("[WARN] can't index %s, idempotency degraded, %v", url, err)
	}

	videoDir := d.videoDir(rec.JobID)
	if err = os.MkdirAll(videoDir, 0o700); err != nil {
		ferr := fmt.Errorf("can't make dir %s: %w", videoDir, err)
		d.failJob(rec.JobID, ferr.Error())
		return Result{}, ferr
	}
	execDir := videoDir
	if outputDir != "" {
		execDir = outputDir
		if err = os.MkdirAll(execDir, 0o700); err != nil {
			ferr := fmt.Errorf("can't make dir %s: %w", execDir, err)
			d.failJob(rec.JobID, ferr.Error())
			return Result{}, ferr
		}
	}

	executor := d.Registry.Match(url)
	log.Printf("[INFO] downloading %s with %s, job %s", url, executor.Name(), rec.JobID)

	execRes, execErr := d.execute(ctx, executor, url, execDir, rec.JobID)
	if execErr != nil {
		log.Printf("[WARN] download failed for %s, %v", url, execErr)
		d.failJob(rec.JobID, execErr.Error())
		return Result{JobID: rec.JobID, Status: string(store.StatusFailed), Error: execErr.Error()}, nil
	}

	// completion recorded explicitly, never inferred from a progress callback
	if err = d.Store.Complete(rec.JobID, execRes.OutputPath); err != nil {
		log.Printf("[WARN] can't mark %s completed, %v", rec.JobID, err)
	}
	d.writeSidecar(videoDir, Metadata{
		URL:          url,
		Title:        execRes.Title,
		Duration:     execRes.Duration,
		Uploader:     execRes.Uploader,
		OutputPath:   execRes.OutputPath,
		DownloadedAt: time.Now(),
	})

	log.Printf("[INFO] completed %s, job %s", url, rec.JobID)
	return Result{JobID: rec.JobID, Status: string(store.StatusCompleted), Progress: 100,
		Title: execRes.Title, VideoDir: videoDir}, nil
}

// execute invokes the executor with a progress callback persisting into the
// job store. A panic inside the executor converts to an ordinary failure,
// the storage directory stays behind for diagnostics.
func (d *Downloader) execute(ctx context.Context, executor Executor, url, dir, jobID string) (res ExecResult, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("executor %s panic: %v", executor.Name(), x)
		}
	}()

	progress := func(percent float64, stage string) {
		// transient store faults must never leak into executor control flow
		if perr := d.Store.Update(jobID, percent); perr != nil {
			log.Printf("[DEBUG] progress write failed for %s (%s at %.1f%%), %v", jobID, stage, percent, perr)
		}
	}
	return executor.Execute(ctx, url, dir, progress)
}

func (d *Downloader) failJob(jobID, msg string) {
	if err := d.Store.Fail(jobID, msg); err != nil {
		log.Printf("[WARN] can't mark %s failed, %v", jobID, err)
	}
}

func (d *Downloader) writeSidecar(dir string, md Metadata) {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		log.Printf("[WARN] can't marshal sidecar for %s, %v", dir, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, sidecarFile), data, 0o600); err != nil {
		log.Printf("[WARN] can't write sidecar for %s, %v", dir, err)
	}
}

func (d *Downloader) videoDir(jobID string) string {
	return filepath.Join(d.DownloadDir, jobID)
}

// ReadMetadata loads the sidecar from a storage directory
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, sidecarFile))
	if err != nil {
		return nil, fmt.Errorf("can't read sidecar in %s: %w", dir, err)
	}
	md := Metadata{}
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("can't parse sidecar in %s: %w", dir, err)
	}
	return &md, nil
}
