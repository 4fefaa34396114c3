package scanner

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ergroom/internal/presence"
)

var t0 = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

func TestDebouncerWindow(t *testing.T) {
	d := NewDebouncer(3 * time.Second)

	assert.True(t, d.ShouldAccept("m1", t0))
	assert.False(t, d.ShouldAccept("m1", t0.Add(time.Second)))
	assert.False(t, d.ShouldAccept("m1", t0.Add(2999*time.Millisecond)))
	// Rejected reads do not extend the window.
	assert.True(t, d.ShouldAccept("m1", t0.Add(3*time.Second)))

	assert.True(t, d.ShouldAccept("m2", t0.Add(time.Second)))
}

func TestDebouncerPrune(t *testing.T) {
	d := NewDebouncer(3 * time.Second)
	d.ShouldAccept("old", t0)
	d.ShouldAccept("new", t0.Add(2*time.Second))

	assert.Equal(t, 1, d.Prune(t0.Add(4*time.Second)))
	assert.Equal(t, 1, d.Len())
	assert.False(t, d.ShouldAccept("new", t0.Add(4*time.Second)))
	assert.True(t, d.ShouldAccept("old", t0.Add(4*time.Second)))
}

func TestStatusCacheHistoryPolicy(t *testing.T) {
	c := NewStatusCache(3)

	_, ok := c.Last()
	assert.False(t, ok)

	c.Record(ScanInfo{TagID: "x", Outcome: OutcomeUnknown})
	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, "x", last.TagID)
	assert.Empty(t, c.History())

	for i, tag := range []string{"a", "b", "c", "d"} {
		c.Record(ScanInfo{TagID: tag, Outcome: OutcomeToggled, Action: presence.ActionIn, At: t0.Add(time.Duration(i) * time.Second)})
	}
	c.Record(ScanInfo{TagID: "p", Outcome: OutcomePending})

	hist := c.History()
	require.Len(t, hist, 3)
	assert.Equal(t, []string{"d", "c", "b"}, []string{hist[0].TagID, hist[1].TagID, hist[2].TagID})
	last, _ = c.Last()
	assert.Equal(t, "p", last.TagID)

	hist[0].TagID = "mutated"
	assert.Equal(t, "d", c.History()[0].TagID)
}

func TestNewTagID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTagID(t0)
		require.Len(t, id, 16)
		_, err := hex.DecodeString(id)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
