// Package cleanup implements age-based retention for download storage:
// scan the download root, delete expired directories with bounded retry and
// garbage-collect the job records and index entries left behind.
package cleanup

import (
	"io/fs"
	"path/filepath"
	"time"
)

// folderAge computes directory age as now minus the oldest file mtime.
// The oldest file represents the download time, later touches of newer
// files never reset the eviction clock. Returns ok=false for an empty or
// unreadable directory, such directories are skipped, never evicted.
func folderAge(dir string, now time.Time) (time.Duration, bool) {
	var oldest time.Time
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // entry vanished mid-walk, ignore
		}
		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
		return nil
	})
	if err != nil || oldest.IsZero() {
		return 0, false
	}
	return now.Sub(oldest), true
}

// dirSize sums file sizes in the tree, unreadable entries counted as zero
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
