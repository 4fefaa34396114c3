package presence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrMemberExists   = errors.New("member already exists")
	ErrTagExists      = errors.New("tag identifier already in use")
	ErrTagNotFound    = errors.New("pending tag not found")
	ErrInvalidMember  = errors.New("member id and name are required")
	ErrNothingToApply = errors.New("no fields to update")
)

// Action is the kind of presence transition recorded in the scan log.
type Action string

const (
	ActionIn      Action = "in"
	ActionOut     Action = "out"
	ActionAutoOut Action = "auto-out"
)

// Member is a registered person. ID doubles as the tag payload.
type Member struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ProfilePicture *string   `json:"profile_picture,omitempty"`
	RowingCategory *string   `json:"rowing_category,omitempty"`
	BoatClass      *string   `json:"boat_class,omitempty"`
	TotalSeconds   int64     `json:"total_seconds"`
	Passkey        *string   `json:"passkey,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Presence is the 1:1 presence record of a member. CheckedInAt is set iff
// IsPresent.
type Presence struct {
	MemberID    string     `json:"member_id"`
	IsPresent   bool       `json:"is_present"`
	LastScan    *time.Time `json:"last_scan,omitempty"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
}

// MemberPresence joins a member with its presence record.
type MemberPresence struct {
	Member
	IsPresent   bool       `json:"is_present"`
	LastScan    *time.Time `json:"last_scan,omitempty"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
}

// PresentMember is a member currently checked in, with the running session.
type PresentMember struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ProfilePicture  *string    `json:"profile_picture,omitempty"`
	RowingCategory  *string    `json:"rowing_category,omitempty"`
	LastScan        *time.Time `json:"last_scan,omitempty"`
	CheckedInAt     *time.Time `json:"checked_in_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Duration        string     `json:"duration_formatted"`
}

// ScanLogEntry is one append-only audit record.
type ScanLogEntry struct {
	ID        int64     `json:"id"`
	MemberID  string    `json:"member_id"`
	Action    Action    `json:"action"`
	ScannedAt time.Time `json:"scanned_at"`
}

// PendingTag is an identifier written to a tag but not yet bound to a member.
type PendingTag struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ToggleResult describes the outcome of one presence flip.
type ToggleResult struct {
	MemberID       string    `json:"id"`
	Name           string    `json:"name"`
	ProfilePicture *string   `json:"profile_picture,omitempty"`
	RowingCategory *string   `json:"rowing_category,omitempty"`
	IsPresent      bool      `json:"is_present"`
	Action         Action    `json:"action"`
	At             time.Time `json:"at"`
	SessionSeconds int64     `json:"session_seconds"`
	TotalSeconds   int64     `json:"total_seconds"`
}

// MemberUpdate is a partial edit. Nil fields are left alone; for BoatClass and
// Passkey an invalid NullString clears the column.
type MemberUpdate struct {
	Name           *string
	ProfilePicture *string
	RowingCategory *string
	BoatClass      *sql.NullString
	Passkey        *sql.NullString
}

func (u MemberUpdate) empty() bool {
	return u.Name == nil && u.ProfilePicture == nil && u.RowingCategory == nil && u.BoatClass == nil && u.Passkey == nil
}

// BoatStat aggregates presence time for one boat class.
type BoatStat struct {
	TotalSeconds int64 `json:"total_seconds"`
	MemberCount  int   `json:"member_count"`
}

// Leaderboard summarises accumulated presence time.
type Leaderboard struct {
	BoatStats      map[string]BoatStat `json:"boat_stats"`
	TopIndividuals []Member            `json:"top_individuals"`
	TotalSeconds   int64               `json:"total_seconds"`
	MemberCount    int                 `json:"member_count"`
}

// FormatDuration renders a session length the way the dashboard shows it.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 60 {
		return "less than a minute"
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	switch {
	case hours == 0:
		return plural(minutes, "minute")
	case minutes == 0:
		return plural(hours, "hour")
	default:
		return plural(hours, "hour") + ", " + plural(minutes, "minute")
	}
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
