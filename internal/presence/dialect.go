package presence

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the few places where SQLite and Postgres disagree.
type Dialect struct {
	Name string
	// ForUpdate is appended to row reads inside a transaction. SQLite needs
	// none because its transactions are opened with BEGIN IMMEDIATE.
	ForUpdate string
	Schema    []string
	numbered  bool
}

var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS members (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			profile_picture TEXT,
			rowing_category TEXT,
			boat_class      TEXT,
			total_seconds   INTEGER NOT NULL DEFAULT 0,
			passkey         TEXT,
			created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS presence (
			member_id     TEXT PRIMARY KEY REFERENCES members(id),
			is_present    BOOLEAN NOT NULL DEFAULT FALSE,
			last_scan     TIMESTAMP,
			checked_in_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scan_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			member_id  TEXT NOT NULL REFERENCES members(id),
			action     TEXT NOT NULL,
			scanned_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_tags (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_log_member ON scan_log(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_log_time ON scan_log(scanned_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_members_passkey ON members(passkey)`,
	},
}

var Postgres = Dialect{
	Name:      "postgres",
	ForUpdate: " FOR UPDATE",
	numbered:  true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS members (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			profile_picture TEXT,
			rowing_category TEXT,
			boat_class      TEXT,
			total_seconds   BIGINT NOT NULL DEFAULT 0,
			passkey         TEXT UNIQUE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS presence (
			member_id     TEXT PRIMARY KEY REFERENCES members(id),
			is_present    BOOLEAN NOT NULL DEFAULT FALSE,
			last_scan     TIMESTAMPTZ,
			checked_in_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS scan_log (
			id         BIGSERIAL PRIMARY KEY,
			member_id  TEXT NOT NULL REFERENCES members(id),
			action     TEXT NOT NULL,
			scanned_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_tags (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_log_member ON scan_log(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_log_time ON scan_log(scanned_at)`,
	},
}

// bind rewrites ? placeholders to $n for dialects that number them.
func (d Dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
