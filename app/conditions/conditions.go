// Package conditions provides disk pressure checks driving out-of-schedule
// eviction runs based on system metrics
package conditions

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// Config defines when storage pressure should force an eviction run
type Config struct {
	DiskFreeBelow int    // free space percent threshold, 0 disables the check
	Path          string // mount point to measure, defaults to "/"
}

// Check reports if the configured pressure threshold is crossed,
// with a human readable reason for logs. Zero config never triggers.
func Check(cfg Config) (bool, string) {
	if cfg.DiskFreeBelow <= 0 {
		return false, ""
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < cfg.DiskFreeBelow {
		return true, fmt.Sprintf("disk free at %d%%, below %d%% on %s", freePercent, cfg.DiskFreeBelow, path)
	}
	return false, ""
}
