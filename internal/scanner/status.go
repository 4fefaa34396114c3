package scanner

import (
	"sync"
	"time"

	"ergroom/internal/presence"
)

// Outcome is how a tag read was resolved.
type Outcome string

const (
	OutcomeToggled    Outcome = "toggled"
	OutcomePending    Outcome = "pending"
	OutcomeUnknown    Outcome = "unknown"
	OutcomeDebounced  Outcome = "debounced"
	OutcomeRegistered Outcome = "registered"
	OutcomeFailed     Outcome = "failed"
)

// DefaultHistorySize is the number of entries kept in the rolling history.
const DefaultHistorySize = 10

// ScanInfo describes one resolved scan.
type ScanInfo struct {
	TagID             string          `json:"tag_id"`
	MemberID          string          `json:"member_id,omitempty"`
	MemberName        *string         `json:"member_name"`
	Outcome           Outcome         `json:"outcome"`
	Action            presence.Action `json:"action,omitempty"`
	IsPresent         bool            `json:"is_present"`
	IsNewRegistration bool            `json:"is_new_registration"`
	At                time.Time       `json:"timestamp"`
}

// StatusCache holds the latest scan and a bounded newest-first history.
// Only toggles and registrations enter the history; every recorded scan
// replaces the last-scan slot.
type StatusCache struct {
	mu      sync.RWMutex
	last    *ScanInfo
	history []ScanInfo
	size    int
}

func NewStatusCache(size int) *StatusCache {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &StatusCache{size: size, history: make([]ScanInfo, 0, size)}
}

func (c *StatusCache) Record(info ScanInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &info
	if info.Outcome != OutcomeToggled && info.Outcome != OutcomeRegistered {
		return
	}
	if len(c.history) < c.size {
		c.history = append(c.history, ScanInfo{})
	}
	copy(c.history[1:], c.history)
	c.history[0] = info
}

// Last returns a copy of the latest scan, if any.
func (c *StatusCache) Last() (ScanInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return ScanInfo{}, false
	}
	return *c.last, true
}

// History returns a copy of the rolling history, newest first.
func (c *StatusCache) History() []ScanInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ScanInfo(nil), c.history...)
}
