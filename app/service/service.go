// Package service provides the top level scheduler combining all elements
// (downloader, retention cleanup, cron trigger and disk pressure watcher)
// together and exposing the operations consumed by transport layers.
package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	"github.com/umputun/vidvault/app/cleanup"
	"github.com/umputun/vidvault/app/conditions"
	"github.com/umputun/vidvault/app/downloader"
	"github.com/umputun/vidvault/app/history"
	"github.com/umputun/vidvault/app/notify"
	"github.com/umputun/vidvault/app/store"
)

// Scheduler is the top-level service wiring downloads and the eviction
// pipeline, providing the main entry point (blocking) to start the process.
// Explicitly owned and lifecycled, nothing here is process-global.
type Scheduler struct {
	Cron       Cron
	Downloader Downloader
	Cleaner    Cleaner
	Store      JobReader
	DeDup      Dedupper
	Notifier   Notifier      // optional, nil disables notifications
	History    History       // optional, nil disables history
	HostName   string

	CleanupEnabled  bool
	CleanupSchedule string
	RetentionDays   float64

	Pressure           conditions.Config
	PressureCheckEvery time.Duration

	Concurrency int

	pool     *syncs.SizedGroup
	poolOnce sync.Once
}

// Cron defines basic robfig/cron methods used by the service
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// Downloader runs the blocking idempotent download path
type Downloader interface {
	Download(ctx context.Context, url, outputDir string) (downloader.Result, error)
	Cached(url string) *store.JobRecord
}

// Cleaner executes one eviction pass over the download root
type Cleaner interface {
	Run(ctx context.Context, retentionDays float64) cleanup.Summary
}

// JobReader provides fast non-blocking status reads
type JobReader interface {
	Get(jobID string) *store.JobRecord
	List(statusFilter store.Status) []store.JobRecord
}

// Dedupper is a locking primitive to register/unregister running work in
// order to prevent dbl execution
type Dedupper interface {
	Add(key string) bool
	Remove(key string)
}

// Notifier defines notification delivery on failures
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
}

// History records executions, best effort
type History interface {
	RecordDownload(rec history.DownloadRec) error
	RecordCleanup(rec history.CleanupRec) (string, error)
}

// JobSummary is the status payload exposed to transport layers
type JobSummary struct {
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
}

const cleanupKey = "cleanup"

// Do runs blocking scheduler till context cancellation. Registers the
// cleanup trigger if enabled, an invalid schedule expression disables the
// trigger with a log but doesn't abort the process.
func (s *Scheduler) Do(ctx context.Context) {
	if s.CleanupEnabled {
		if err := s.scheduleCleanup(ctx); err != nil {
			log.Printf("[WARN] cleanup scheduler disabled, %v", err)
		}
	} else {
		log.Printf("[INFO] cleanup disabled by config")
	}

	if s.Pressure.DiskFreeBelow > 0 {
		go s.watchPressure(ctx)
	}

	s.Cron.Start()
	<-ctx.Done()
	log.Print("[DEBUG] terminate")
	s.waitDownloads()
	<-s.Cron.Stop().Done()
}

// CreateDownload submits a download request. Returns immediately with the
// cached summary for an already completed url, otherwise schedules the
// blocking download on the worker pool and reports the current job state.
func (s *Scheduler) CreateDownload(url, outputDir string) JobSummary {
	if rec := s.Downloader.Cached(url); rec != nil {
		log.Printf("[INFO] idempotent hit for %s, job %s", url, rec.JobID)
		return makeSummary(*rec)
	}

	jobID := store.JobID(url)
	if !s.DeDup.Add("download#" + jobID) {
		log.Printf("[INFO] download of %s already running, job %s", url, jobID)
		if rec := s.Store.Get(jobID); rec != nil {
			return makeSummary(*rec)
		}
		return JobSummary{JobID: jobID, Status: string(store.StatusStarted)}
	}

	s.poolOnce.Do(func() {
		concurrency := s.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		s.pool = syncs.NewSizedGroup(concurrency)
	})

	started := time.Now()
	s.pool.Go(func(ctx context.Context) {
		defer s.DeDup.Remove("download#" + jobID)
		res, err := s.Downloader.Download(ctx, url, outputDir)
		if err != nil {
			log.Printf("[WARN] download of %s not executed, %v", url, err)
			return
		}
		s.recordDownload(url, started, res)
		if res.Status == string(store.StatusFailed) {
			s.notifyError(ctx, "download", url, res.Error)
		}
	})

	if rec := s.Store.Get(jobID); rec != nil {
		return makeSummary(*rec)
	}
	return JobSummary{JobID: jobID, URL: url, Status: string(store.StatusStarted), StartedAt: started}
}

// GetStatus returns the summary for a job, false for unknown id
func (s *Scheduler) GetStatus(jobID string) (JobSummary, bool) {
	rec := s.Store.Get(jobID)
	if rec == nil {
		return JobSummary{}, false
	}
	return makeSummary(*rec), true
}

// ListJobs returns summaries for all jobs, optionally filtered by status
func (s *Scheduler) ListJobs(statusFilter string) ([]JobSummary, error) {
	filter := store.Status("")
	if statusFilter != "" {
		parsed, err := store.ParseStatus(statusFilter)
		if err != nil {
			return nil, fmt.Errorf("bad status filter: %w", err)
		}
		filter = parsed
	}
	recs := s.Store.List(filter)
	res := make([]JobSummary, 0, len(recs))
	for _, rec := range recs {
		res = append(res, makeSummary(rec))
	}
	return res, nil
}

// RunCleanup triggers a manual eviction pass through the same exclusivity
// lock as scheduled runs. An already running pass makes an error, manual
// callers are told instead of silently coalesced.
func (s *Scheduler) RunCleanup(ctx context.Context, retentionDays float64) (cleanup.Summary, error) {
	if !s.DeDup.Add(cleanupKey) {
		return cleanup.Summary{}, fmt.Errorf("cleanup already in progress")
	}
	defer s.DeDup.Remove(cleanupKey)
	return s.runCleanup(ctx, retentionDays), nil
}

// scheduleCleanup registers the periodic eviction trigger
func (s *Scheduler) scheduleCleanup(ctx context.Context) error {
	sched, err := cron.ParseStandard(s.CleanupSchedule)
	if err != nil {
		return fmt.Errorf("can't parse %q: %w", s.CleanupSchedule, err)
	}
	s.Cron.Schedule(sched, cron.FuncJob(func() { s.scheduledRun(ctx) }))
	log.Printf("[INFO] cleanup scheduled %q, retention %.3f days, first: %s",
		s.CleanupSchedule, s.RetentionDays, sched.Next(time.Now()).Format(time.RFC3339))
	return nil
}

// scheduledRun is the cron-invoked eviction pass. A trigger firing while a
// run is still active is dropped, never queued.
func (s *Scheduler) scheduledRun(ctx context.Context) {
	if !s.DeDup.Add(cleanupKey) {
		log.Printf("[INFO] cleanup trigger coalesced, previous run still active")
		return
	}
	defer s.DeDup.Remove(cleanupKey)
	s.runCleanup(ctx, s.RetentionDays)
}

// runCleanup executes one pass, never panics out to the cron runner
func (s *Scheduler) runCleanup(ctx context.Context, retentionDays float64) (res cleanup.Summary) {
	defer func() {
		if x := recover(); x != nil {
			log.Printf("[ERROR] cleanup run panic: %v", x)
		}
	}()

	started := time.Now()
	log.Printf("[INFO] cleanup started, retention %.3f days", retentionDays)
	res = s.Cleaner.Run(ctx, retentionDays)
	log.Printf("[INFO] cleanup completed: %d deleted, %d bytes freed, %d in progress skipped, %d errors",
		res.DeletedCount, res.FreedBytes, res.SkippedInProgress, len(res.Errors))
	for _, e := range res.Errors {
		log.Printf("[WARN] cleanup error for %s: %s", e.Folder, e.Error)
	}

	if s.History != nil {
		rec := history.CleanupRec{StartedAt: started, FinishedAt: time.Now(), Deleted: res.DeletedCount,
			FreedBytes: res.FreedBytes, Skipped: res.SkippedInProgress, Errors: len(res.Errors)}
		if _, err := s.History.RecordCleanup(rec); err != nil {
			log.Printf("[WARN] can't record cleanup run, %v", err)
		}
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Folder, e.Error))
		}
		s.notifyError(ctx, "cleanup", fmt.Sprintf("%d directories", len(res.Errors)), strings.Join(msgs, "\n"))
	}
	return res
}

// watchPressure forces an out-of-schedule eviction run when free disk
// space drops below the configured threshold
func (s *Scheduler) watchPressure(ctx context.Context) {
	every := s.PressureCheckEvery
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggered, reason := conditions.Check(s.Pressure)
			if !triggered {
				if reason != "" {
					log.Printf("[DEBUG] pressure check: %s", reason)
				}
				continue
			}
			log.Printf("[WARN] disk pressure, forcing cleanup: %s", reason)
			s.scheduledRun(ctx)
		}
	}
}

func (s *Scheduler) recordDownload(url string, started time.Time, res downloader.Result) {
	if s.History == nil {
		return
	}
	rec := history.DownloadRec{JobID: res.JobID, URL: url, Status: res.Status, Title: res.Title,
		StartedAt: started, FinishedAt: time.Now()}
	if err := s.History.RecordDownload(rec); err != nil {
		log.Printf("[WARN] can't record download %s, %v", res.JobID, err)
	}
}

func (s *Scheduler) notifyError(ctx context.Context, what, subject, errLog string) {
	if s.Notifier == nil || reflect.ValueOf(s.Notifier).IsNil() || !s.Notifier.IsOnError() {
		return
	}
	msg, err := notify.MakeErrorHTML(what, subject, s.HostName, errLog)
	if err != nil {
		log.Printf("[WARN] can't make notification, %v", err)
		return
	}
	subj := fmt.Sprintf("failed %s %q on %s", what, subject, s.HostName)
	if err := s.Notifier.Send(ctx, subj, msg); err != nil {
		log.Printf("[WARN] failed to notify, %v", err)
	}
}

func (s *Scheduler) waitDownloads() {
	if s.pool != nil {
		s.pool.Wait()
	}
}

func makeSummary(rec store.JobRecord) JobSummary {
	return JobSummary{
		JobID:      rec.JobID,
		URL:        rec.URL,
		Status:     string(rec.Status),
		Progress:   rec.Progress,
		StartedAt:  rec.StartedAt,
		UpdatedAt:  rec.UpdatedAt,
		OutputPath: rec.OutputPath,
		Error:      rec.Error,
	}
}
