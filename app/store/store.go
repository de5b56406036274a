// Package store provides durable per-job records and the url index.
// Each job is a single json file under {data}/jobs/{job_id}.json, written
// atomically (temp file + rename) so readers never observe a torn record.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Status represents the lifecycle state of a download job
type Status string

// job statuses, persisted as strings inside job records
const (
	StatusStarted     Status = "started"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ParseStatus converts a string to Status, rejects unknown values
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(s)) {
	case StatusStarted:
		return StatusStarted, nil
	case StatusDownloading:
		return StatusDownloading, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// InProgress reports if a job in this status is still active and must not be evicted
func (s Status) InProgress() bool {
	return s == StatusStarted || s == StatusDownloading
}

// JobRecord is the persisted state of one download job. JobID is always the
// url hash, there is at most one live record per url.
type JobRecord struct {
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	Status     Status    `json:"status"`
	Progress   float64   `json:"progress"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// JobID makes deterministic job id from url, 12 hex chars of sha256.
// The same value names the storage directory for the url.
func JobID(url string) string {
	h := sha256.Sum256([]byte(url))
	return hex.EncodeToString(h[:])[:12]
}

// FileStore keeps job records as json files in a single directory
type FileStore struct {
	Dir string
}

// NewFileStore makes file-based job store in the given directory
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("can't make jobs dir %s: %w", dir, err)
	}
	return &FileStore{Dir: dir}, nil
}

// Create makes a new downloading record for url and persists it
func (f *FileStore) Create(url string) (JobRecord, error) {
	now := time.Now()
	rec := JobRecord{
		JobID:     JobID(url),
		URL:       url,
		Status:    StatusDownloading,
		Progress:  0,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := f.Save(rec); err != nil {
		return JobRecord{}, err
	}
	return rec, nil
}

// Update persists progress for the job. Missing record is an error, the
// record must have been created before download started.
func (f *FileStore) Update(jobID string, progress float64) error {
	rec := f.Get(jobID)
	if rec == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	rec.Progress = progress
	rec.UpdatedAt = time.Now()
	return f.Save(*rec)
}

// Complete marks the job completed with progress 100 and the final output path
func (f *FileStore) Complete(jobID, outputPath string) error {
	rec := f.Get(jobID)
	if rec == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	rec.Status = StatusCompleted
	rec.Progress = 100
	rec.OutputPath = outputPath
	rec.Error = ""
	rec.UpdatedAt = time.Now()
	return f.Save(*rec)
}

// Fail marks the job failed with the given error message
func (f *FileStore) Fail(jobID, errMsg string) error {
	rec := f.Get(jobID)
	if rec == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	rec.Status = StatusFailed
	rec.Error = errMsg
	rec.UpdatedAt = time.Now()
	return f.Save(*rec)
}

// Get loads a record by id. Returns nil for missing or corrupt records,
// degraded reads are treated as "not found" and never as errors.
func (f *FileStore) Get(jobID string) *JobRecord {
	data, err := os.ReadFile(f.fname(jobID))
	if err != nil {
		return nil
	}
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("[WARN] corrupt job record %s, %v", jobID, err)
		return nil
	}
	if _, err := ParseStatus(string(rec.Status)); err != nil {
		log.Printf("[WARN] job record %s with bad status, %v", jobID, err)
		return nil
	}
	return &rec
}

// List returns all records, optionally filtered by status. Unreadable
// records are skipped, a single corrupt file never aborts the listing.
func (f *FileStore) List(statusFilter Status) []JobRecord {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		log.Printf("[WARN] can't list jobs dir %s, %v", f.Dir, err)
		return []JobRecord{}
	}

	res := []JobRecord{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec := f.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if rec == nil {
			continue
		}
		if statusFilter != "" && rec.Status != statusFilter {
			continue
		}
		res = append(res, *rec)
	}
	return res
}

// Save persists the record atomically, temp file in the same dir then rename
func (f *FileStore) Save(rec JobRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal job %s: %w", rec.JobID, err)
	}

	tmp, err := os.CreateTemp(f.Dir, rec.JobID+".*.tmp")
	if err != nil {
		return fmt.Errorf("can't make temp file for job %s: %w", rec.JobID, err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("can't write temp file for job %s: %w", rec.JobID, err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("can't close temp file for job %s: %w", rec.JobID, err)
	}
	if err = os.Rename(tmp.Name(), f.fname(rec.JobID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("can't replace job record %s: %w", rec.JobID, err)
	}
	return nil
}

// Delete removes the record file. Missing file is not an error, a crashed
// eviction pass may have removed it already.
func (f *FileStore) Delete(jobID string) error {
	if err := os.Remove(f.fname(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("can't delete job record %s: %w", jobID, err)
	}
	return nil
}

func (f *FileStore) fname(jobID string) string {
	return filepath.Join(f.Dir, jobID+".json")
}
