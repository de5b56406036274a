package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/vidvault/app/store"
)

// JobStore is the subset of the job store used by the eviction pipeline
type JobStore interface {
	Get(jobID string) *store.JobRecord
	Delete(jobID string) error
}

// Index removes url entries pointing to evicted job ids
type Index interface {
	Remove(jobIDs ...string) error
}

// Runner executes one eviction pass: scan, delete, collect orphans.
// Stateless between runs, safe to re-run after a crash mid-pass.
type Runner struct {
	Store        JobStore
	Index        Index
	Deleter      *Deleter
	DownloadRoot string
}

// Summary reports the outcome of one eviction pass
type Summary struct {
	DeletedCount      int         `json:"deleted_count"`
	FreedBytes        int64       `json:"freed_bytes"`
	SkippedInProgress int         `json:"skipped_in_progress"`
	Errors            []DirError  `json:"errors"`
	Details           []DirDetail `json:"details"`
}

// DirError records a single directory that could not be deleted
type DirError struct {
	Folder string `json:"folder"`
	Error  string `json:"error"`
}

// DirDetail records a single evicted directory
type DirDetail struct {
	Folder    string  `json:"folder"`
	AgeDays   float64 `json:"age_days"`
	SizeBytes int64   `json:"size_bytes"`
	Status    string  `json:"status"`
}

// Run walks the download root and evicts completed or failed jobs older
// than retentionDays (fractional allowed). In-progress jobs are never
// evicted regardless of age, directories without a job record are left
// alone. A failure on one directory never aborts the rest of the pass.
func (r *Runner) Run(ctx context.Context, retentionDays float64) Summary {
	res := Summary{Errors: []DirError{}, Details: []DirDetail{}}

	entries, err := os.ReadDir(r.DownloadRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("[DEBUG] download root %s doesn't exist, nothing to clean", r.DownloadRoot)
			return res
		}
		log.Printf("[WARN] can't scan download root %s, %v", r.DownloadRoot, err)
		return res
	}

	evicted := []string{}
	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		dir := filepath.Join(r.DownloadRoot, jobID)

		age, ok := folderAge(dir, now)
		if !ok {
			log.Printf("[DEBUG] skipped %s, can't determine age", jobID)
			continue
		}
		ageDays := age.Hours() / 24
		if ageDays <= retentionDays {
			continue
		}

		rec := r.Store.Get(jobID)
		if rec == nil {
			// directory may have been created just before its record became
			// durable, leave it for the next pass
			log.Printf("[DEBUG] skipped %s, no job record", jobID)
			continue
		}
		if rec.Status.InProgress() {
			log.Printf("[INFO] skipped %s, job is %s", jobID, rec.Status)
			res.SkippedInProgress++
			continue
		}

		log.Printf("[INFO] deleting %s, age %.2f days, status %s", jobID, ageDays, rec.Status)
		size, err := r.Deleter.Delete(ctx, dir)
		if err != nil {
			log.Printf("[WARN] can't delete %s, %v", jobID, err)
			res.Errors = append(res.Errors, DirError{Folder: jobID, Error: err.Error()})
			continue
		}
		res.DeletedCount++
		res.FreedBytes += size
		evicted = append(evicted, jobID)
		res.Details = append(res.Details, DirDetail{
			Folder:    jobID,
			AgeDays:   math.Round(ageDays*100) / 100,
			SizeBytes: size,
			Status:    string(rec.Status),
		})
	}

	if len(evicted) > 0 {
		r.collectOrphans(evicted)
	}
	return res
}

// collectOrphans removes job records and index entries for evicted ids.
// Best-effort, an interruption leaves dangling index entries which later
// read as plain cache misses.
func (r *Runner) collectOrphans(jobIDs []string) {
	removed := 0
	for _, id := range jobIDs {
		if err := r.Store.Delete(id); err != nil {
			log.Printf("[WARN] can't delete job record %s, %v", id, err)
			continue
		}
		removed++
	}
	if err := r.Index.Remove(jobIDs...); err != nil {
		log.Printf("[WARN] can't clean url index, %v", err)
	}
	log.Printf("[DEBUG] collected %d of %d orphaned records", removed, len(jobIDs))
}
