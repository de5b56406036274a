package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	log "github.com/go-pkgz/lgr"
)

// Repeater retries failed function, returns right away on errs match.
// Production wiring uses go-pkgz/repeater with a fixed short delay and a
// single retry, tests substitute a zero-delay policy.
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// errLocked marks a permission failure, treated as an external lock on the
// directory (open file handle). Never retried.
var errLocked = errors.New("directory locked")

// Deleter removes directory trees wholesale, measuring freed bytes first.
type Deleter struct {
	Repeater Repeater
	rm       func(string) error // replaceable in tests
}

// NewDeleter makes deleter with the given retry policy
func NewDeleter(rptr Repeater) *Deleter {
	return &Deleter{Repeater: rptr, rm: os.RemoveAll}
}

// Delete removes the tree under dir and reports bytes freed. A permission
// error aborts with no retry, any other os-level error goes through the
// retry policy. An already-gone directory is a success with zero bytes so a
// re-run after an interrupted pass stays idempotent.
func (d *Deleter) Delete(ctx context.Context, dir string) (int64, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	size := dirSize(dir)

	var lastErr error
	err := d.Repeater.Do(ctx, func() error {
		e := d.rm(dir)
		if e == nil || errors.Is(e, fs.ErrNotExist) {
			return nil
		}
		lastErr = e
		if errors.Is(e, fs.ErrPermission) {
			return errLocked
		}
		log.Printf("[DEBUG] delete attempt failed for %s, %v", dir, e)
		return e
	}, errLocked)

	if err != nil {
		if errors.Is(err, errLocked) {
			return 0, fmt.Errorf("permission denied for %s: %w", dir, lastErr)
		}
		return 0, fmt.Errorf("failed to delete %s after retry: %w", dir, lastErr)
	}
	return size, nil
}
