package service

import (
	"sync"
	"time"
)

// DeDup implements thread safe map to register/unregister running work in
// order to prevent dbl execution. Used for both the cleanup exclusivity
// lock and per-job download suppression.
type DeDup struct {
	active map[string]time.Time
	lock   sync.Mutex
}

// NewDeDup creates DeDup, safe to use right away
func NewDeDup() *DeDup {
	return &DeDup{active: make(map[string]time.Time)}
}

// Add key to the map, fail if already in
func (d *DeDup) Add(key string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, found := d.active[key]; found {
		return false
	}
	d.active[key] = time.Now()
	return true
}

// Remove key from the map. Safe to call multiple times
func (d *DeDup) Remove(key string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.active, key)
}
