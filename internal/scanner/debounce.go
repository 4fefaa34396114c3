package scanner

import (
	"sync"
	"time"
)

// Debouncer suppresses repeat reads of the same tag within a window. Tags it
// has never seen are always accepted.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window, last: make(map[string]time.Time)}
}

// ShouldAccept reports whether a read of tagID at now is accepted, and if so
// records now as the tag's last accepted time.
func (d *Debouncer) ShouldAccept(tagID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, seen := d.last[tagID]; seen && now.Sub(prev) < d.window {
		return false
	}
	d.last[tagID] = now
	return true
}

// Prune forgets tags whose window has elapsed and returns how many were
// dropped. Forgotten tags are accepted exactly as before.
func (d *Debouncer) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for tag, prev := range d.last {
		if now.Sub(prev) >= d.window {
			delete(d.last, tag)
			n++
		}
	}
	return n
}

func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}
