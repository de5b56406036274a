package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// URLIndex is a secondary url -> job_id lookup over a single json file.
// It is a rebuildable cache, not a source of truth. A lost entry degrades
// idempotency (a duplicate job may be created) but never corrupts state.
type URLIndex struct {
	Path string
	lock sync.Mutex
}

// NewURLIndex makes index backed by the given file
func NewURLIndex(path string) *URLIndex {
	return &URLIndex{Path: path}
}

// Lookup resolves url to job id, empty string if not indexed
func (u *URLIndex) Lookup(url string) string {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.load()[url]
}

// Upsert adds or replaces the mapping for url
func (u *URLIndex) Upsert(url, jobID string) error {
	u.lock.Lock()
	defer u.lock.Unlock()
	index := u.load()
	index[url] = jobID
	return u.save(index)
}

// Remove rewrites the index with all entries pointing to the given job ids
// dropped. Unrelated entries survive unchanged.
func (u *URLIndex) Remove(jobIDs ...string) error {
	u.lock.Lock()
	defer u.lock.Unlock()

	evicted := map[string]struct{}{}
	for _, id := range jobIDs {
		evicted[id] = struct{}{}
	}

	index := u.load()
	res := map[string]string{}
	for url, id := range index {
		if _, ok := evicted[id]; ok {
			continue
		}
		res[url] = id
	}
	if len(res) == len(index) {
		return nil // nothing dropped, no rewrite
	}
	return u.save(res)
}

// Rebuild replaces the index with entries derived from the job store
func (u *URLIndex) Rebuild(s *FileStore) error {
	u.lock.Lock()
	defer u.lock.Unlock()

	index := map[string]string{}
	for _, rec := range s.List("") {
		index[rec.URL] = rec.JobID
	}
	return u.save(index)
}

// load reads the index file, missing or corrupt file makes an empty index
func (u *URLIndex) load() map[string]string {
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return map[string]string{}
	}
	index := map[string]string{}
	if err := json.Unmarshal(data, &index); err != nil {
		log.Printf("[WARN] corrupt url index %s, starting empty, %v", u.Path, err)
		return map[string]string{}
	}
	return index
}

// save writes the whole index atomically, same temp+rename as job records
func (u *URLIndex) save(index map[string]string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal url index: %w", err)
	}
	dir := filepath.Dir(u.Path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("can't make dir for url index: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "url_index.*.tmp")
	if err != nil {
		return fmt.Errorf("can't make temp url index: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("can't write temp url index: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("can't close temp url index: %w", err)
	}
	if err = os.Rename(tmp.Name(), u.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("can't replace url index: %w", err)
	}
	return nil
}
