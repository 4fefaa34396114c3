package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository persists members, presence, the scan log and pending tags.
// Every multi-statement operation runs in a single transaction.
type Repository struct {
	db *sql.DB
	d  Dialect
}

// NewRepository creates a repo over an open database using the given dialect.
func NewRepository(db *sql.DB, d Dialect) *Repository {
	return &Repository{db: db, d: d}
}

// Dialect reports which SQL flavour the repo speaks.
func (r *Repository) Dialect() string { return r.d.Name }

// Migrate creates the schema if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range r.d.Schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", r.d.Name, err)
		}
	}
	return nil
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RepairPresence inserts a default absent presence row for every member
// missing one and returns how many were created.
func (r *Repository) RepairPresence(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO presence (member_id, is_present)
		SELECT id, FALSE FROM members
		WHERE id NOT IN (SELECT member_id FROM presence)
	`)
	if err != nil {
		return 0, fmt.Errorf("repair presence: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const memberColumns = `id, name, profile_picture, rowing_category, boat_class, total_seconds, passkey, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (Member, error) {
	var m Member
	var picture, category, boat, passkey sql.NullString
	if err := row.Scan(&m.ID, &m.Name, &picture, &category, &boat, &m.TotalSeconds, &passkey, &m.CreatedAt); err != nil {
		return Member{}, err
	}
	m.ProfilePicture = nullString(picture)
	m.RowingCategory = nullString(category)
	m.BoatClass = nullString(boat)
	m.Passkey = nullString(passkey)
	return m, nil
}

// GetMember returns a member by primary id.
func (r *Repository) GetMember(ctx context.Context, id string) (Member, error) {
	row := r.db.QueryRowContext(ctx, r.d.bind(`SELECT `+memberColumns+` FROM members WHERE id = ?`), id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, ErrMemberNotFound
	}
	return m, err
}

// FindMember resolves a scanned identifier, preferring the primary id over
// the alternate passkey.
func (r *Repository) FindMember(ctx context.Context, identifier string) (Member, error) {
	m, err := r.GetMember(ctx, identifier)
	if !errors.Is(err, ErrMemberNotFound) {
		return m, err
	}
	row := r.db.QueryRowContext(ctx, r.d.bind(`SELECT `+memberColumns+` FROM members WHERE passkey = ?`), identifier)
	m, err = scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, ErrMemberNotFound
	}
	return m, err
}

// ListMembers returns every member with its presence, ordered by name.
func (r *Repository) ListMembers(ctx context.Context) ([]MemberPresence, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.name, m.profile_picture, m.rowing_category, m.boat_class, m.total_seconds, m.passkey, m.created_at,
		       COALESCE(p.is_present, FALSE), p.last_scan, p.checked_in_at
		FROM members m
		LEFT JOIN presence p ON m.id = p.member_id
		ORDER BY m.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemberPresence
	for rows.Next() {
		var mp MemberPresence
		var picture, category, boat, passkey sql.NullString
		var lastScan, checkedIn sql.NullTime
		if err := rows.Scan(&mp.ID, &mp.Name, &picture, &category, &boat, &mp.TotalSeconds, &passkey, &mp.CreatedAt,
			&mp.IsPresent, &lastScan, &checkedIn); err != nil {
			return nil, err
		}
		mp.ProfilePicture = nullString(picture)
		mp.RowingCategory = nullString(category)
		mp.BoatClass = nullString(boat)
		mp.Passkey = nullString(passkey)
		mp.LastScan = nullTime(lastScan)
		mp.CheckedInAt = nullTime(checkedIn)
		out = append(out, mp)
	}
	return out, rows.Err()
}

// CreateMember inserts a member with an absent presence record and claims the
// pending tag of the same id, if any.
func (r *Repository) CreateMember(ctx context.Context, m Member) (Member, error) {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Name) == "" {
		return Member{}, ErrInvalidMember
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.TotalSeconds = 0

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.d.bind(`
			INSERT INTO members (id, name, profile_picture, rowing_category, boat_class, total_seconds, passkey, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		`), m.ID, m.Name, m.ProfilePicture, m.RowingCategory, m.BoatClass, m.Passkey, m.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrMemberExists
			}
			return fmt.Errorf("insert member: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.d.bind(`INSERT INTO presence (member_id, is_present) VALUES (?, FALSE)`), m.ID); err != nil {
			return fmt.Errorf("insert presence: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.d.bind(`DELETE FROM pending_tags WHERE id = ?`), m.ID); err != nil {
			return fmt.Errorf("claim pending tag: %w", err)
		}
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

// UpdateMember applies a partial edit.
func (r *Repository) UpdateMember(ctx context.Context, id string, u MemberUpdate) error {
	if u.empty() {
		return ErrNothingToApply
	}
	var sets []string
	var args []any
	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return ErrInvalidMember
		}
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.ProfilePicture != nil {
		sets = append(sets, "profile_picture = ?")
		args = append(args, *u.ProfilePicture)
	}
	if u.RowingCategory != nil {
		sets = append(sets, "rowing_category = ?")
		args = append(args, *u.RowingCategory)
	}
	if u.BoatClass != nil {
		sets = append(sets, "boat_class = ?")
		args = append(args, *u.BoatClass)
	}
	if u.Passkey != nil {
		sets = append(sets, "passkey = ?")
		args = append(args, *u.Passkey)
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, r.d.bind(`UPDATE members SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTagExists
		}
		return fmt.Errorf("update member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// DeleteMember removes a member together with its presence and scan log.
func (r *Repository) DeleteMember(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.d.bind(`DELETE FROM presence WHERE member_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.d.bind(`DELETE FROM scan_log WHERE member_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.d.bind(`DELETE FROM members WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMemberNotFound
		}
		return nil
	})
}

// RebindMember moves a member, its presence and its scan log to a new id,
// e.g. after a replacement tag was written. A pending tag of the new id is
// claimed in the same transaction.
func (r *Repository) RebindMember(ctx context.Context, oldID, newID string) error {
	if strings.TrimSpace(newID) == "" {
		return ErrInvalidMember
	}
	if oldID == newID {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.d.bind(`
			INSERT INTO members (id, name, profile_picture, rowing_category, boat_class, total_seconds, passkey, created_at)
			SELECT ?, name, profile_picture, rowing_category, boat_class, total_seconds, NULL, created_at
			FROM members WHERE id = ?
		`), newID, oldID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrMemberExists
			}
			return fmt.Errorf("copy member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMemberNotFound
		}
		// The passkey is unique, so it moves only after the old row is gone.
		var passkey sql.NullString
		if err := tx.QueryRowContext(ctx, r.d.bind(`SELECT passkey FROM members WHERE id = ?`), oldID).Scan(&passkey); err != nil {
			return fmt.Errorf("read passkey: %w", err)
		}
		for _, stmt := range []string{
			`UPDATE presence SET member_id = ? WHERE member_id = ?`,
			`UPDATE scan_log SET member_id = ? WHERE member_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, r.d.bind(stmt), newID, oldID); err != nil {
				return fmt.Errorf("rebind: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, r.d.bind(`DELETE FROM members WHERE id = ?`), oldID); err != nil {
			return fmt.Errorf("drop old member: %w", err)
		}
		if passkey.Valid {
			if _, err := tx.ExecContext(ctx, r.d.bind(`UPDATE members SET passkey = ? WHERE id = ?`), passkey, newID); err != nil {
				return fmt.Errorf("move passkey: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, r.d.bind(`DELETE FROM pending_tags WHERE id = ?`), newID); err != nil {
			return fmt.Errorf("claim pending tag: %w", err)
		}
		return nil
	})
}

// GetPresence returns the presence record of a member.
func (r *Repository) GetPresence(ctx context.Context, memberID string) (Presence, error) {
	var p Presence
	var lastScan, checkedIn sql.NullTime
	err := r.db.QueryRowContext(ctx, r.d.bind(`
		SELECT member_id, is_present, last_scan, checked_in_at FROM presence WHERE member_id = ?
	`), memberID).Scan(&p.MemberID, &p.IsPresent, &lastScan, &checkedIn)
	if errors.Is(err, sql.ErrNoRows) {
		return Presence{}, ErrMemberNotFound
	}
	if err != nil {
		return Presence{}, err
	}
	p.LastScan = nullTime(lastScan)
	p.CheckedInAt = nullTime(checkedIn)
	return p, nil
}

// Toggle flips a member's presence at now. Checking out credits the session
// to the member's total; a missing presence record is recreated as absent
// before flipping. The flip and its scan-log entry commit together.
func (r *Repository) Toggle(ctx context.Context, memberID string, now time.Time) (ToggleResult, error) {
	now = now.UTC()
	var res ToggleResult

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var picture, category sql.NullString
		err := tx.QueryRowContext(ctx, r.d.bind(`
			SELECT id, name, profile_picture, rowing_category, total_seconds FROM members WHERE id = ?`+r.d.ForUpdate),
			memberID).Scan(&res.MemberID, &res.Name, &picture, &category, &res.TotalSeconds)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMemberNotFound
		}
		if err != nil {
			return fmt.Errorf("load member: %w", err)
		}
		res.ProfilePicture = nullString(picture)
		res.RowingCategory = nullString(category)

		var isPresent bool
		var checkedIn sql.NullTime
		err = tx.QueryRowContext(ctx, r.d.bind(`
			SELECT is_present, checked_in_at FROM presence WHERE member_id = ?`+r.d.ForUpdate),
			memberID).Scan(&isPresent, &checkedIn)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := tx.ExecContext(ctx, r.d.bind(`INSERT INTO presence (member_id, is_present) VALUES (?, FALSE)`), memberID); err != nil {
				return fmt.Errorf("repair presence: %w", err)
			}
			isPresent, checkedIn = false, sql.NullTime{}
		} else if err != nil {
			return fmt.Errorf("load presence: %w", err)
		}

		res.At = now
		if !isPresent {
			res.IsPresent, res.Action = true, ActionIn
			if _, err := tx.ExecContext(ctx, r.d.bind(`
				UPDATE presence SET is_present = TRUE, last_scan = ?, checked_in_at = ? WHERE member_id = ?
			`), now, now, memberID); err != nil {
				return fmt.Errorf("check in: %w", err)
			}
		} else {
			res.IsPresent, res.Action = false, ActionOut
			if checkedIn.Valid {
				res.SessionSeconds = sessionSeconds(checkedIn.Time, now)
				res.TotalSeconds += res.SessionSeconds
				if _, err := tx.ExecContext(ctx, r.d.bind(`
					UPDATE members SET total_seconds = total_seconds + ? WHERE id = ?
				`), res.SessionSeconds, memberID); err != nil {
					return fmt.Errorf("credit session: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, r.d.bind(`
				UPDATE presence SET is_present = FALSE, last_scan = ?, checked_in_at = NULL WHERE member_id = ?
			`), now, memberID); err != nil {
				return fmt.Errorf("check out: %w", err)
			}
		}
		return r.appendLog(ctx, tx, memberID, res.Action, now)
	})
	if err != nil {
		return ToggleResult{}, err
	}
	return res, nil
}

func (r *Repository) appendLog(ctx context.Context, tx *sql.Tx, memberID string, action Action, at time.Time) error {
	if _, err := tx.ExecContext(ctx, r.d.bind(`
		INSERT INTO scan_log (member_id, action, scanned_at) VALUES (?, ?, ?)
	`), memberID, string(action), at); err != nil {
		return fmt.Errorf("append scan log: %w", err)
	}
	return nil
}

// AutoCheckout force-checks-out every session that started before cutoff and
// returns the affected member ids. Each row is released with a conditional
// update, so a toggle that already checked the member out wins and the row is
// skipped without crediting the session twice.
func (r *Repository) AutoCheckout(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	cutoff, now = cutoff.UTC(), now.UTC()
	var out []string

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, r.d.bind(`
			SELECT member_id, checked_in_at FROM presence
			WHERE is_present = TRUE AND checked_in_at < ?`+r.d.ForUpdate), cutoff)
		if err != nil {
			return fmt.Errorf("select stale: %w", err)
		}
		type stale struct {
			id        string
			checkedIn time.Time
		}
		var candidates []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.id, &s.checkedIn); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range candidates {
			res, err := tx.ExecContext(ctx, r.d.bind(`
				UPDATE presence SET is_present = FALSE, checked_in_at = NULL
				WHERE member_id = ? AND is_present = TRUE AND checked_in_at < ?
			`), s.id, cutoff)
			if err != nil {
				return fmt.Errorf("release %s: %w", s.id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, r.d.bind(`
				UPDATE members SET total_seconds = total_seconds + ? WHERE id = ?
			`), sessionSeconds(s.checkedIn, now), s.id); err != nil {
				return fmt.Errorf("credit %s: %w", s.id, err)
			}
			if err := r.appendLog(ctx, tx, s.id, ActionAutoOut, now); err != nil {
				return err
			}
			out = append(out, s.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPresent returns checked-in members, most recent arrival first.
func (r *Repository) ListPresent(ctx context.Context, now time.Time) ([]PresentMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.name, m.profile_picture, m.rowing_category, p.last_scan, p.checked_in_at
		FROM members m
		JOIN presence p ON m.id = p.member_id
		WHERE p.is_present = TRUE
		ORDER BY p.checked_in_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PresentMember
	for rows.Next() {
		var pm PresentMember
		var picture, category sql.NullString
		var lastScan, checkedIn sql.NullTime
		if err := rows.Scan(&pm.ID, &pm.Name, &picture, &category, &lastScan, &checkedIn); err != nil {
			return nil, err
		}
		pm.ProfilePicture = nullString(picture)
		pm.RowingCategory = nullString(category)
		pm.LastScan = nullTime(lastScan)
		pm.CheckedInAt = nullTime(checkedIn)
		if checkedIn.Valid {
			d := now.Sub(checkedIn.Time)
			pm.DurationSeconds = d.Seconds()
			pm.Duration = FormatDuration(d)
		} else {
			pm.Duration = "just arrived"
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// RecentScans returns the newest scan-log entries, optionally for one member.
func (r *Repository) RecentScans(ctx context.Context, memberID string, limit int) ([]ScanLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, member_id, action, scanned_at FROM scan_log`
	args := []any{}
	if memberID != "" {
		query += ` WHERE member_id = ?`
		args = append(args, memberID)
	}
	query += ` ORDER BY scanned_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.d.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScanLogEntry
	for rows.Next() {
		var e ScanLogEntry
		var action string
		if err := rows.Scan(&e.ID, &e.MemberID, &action, &e.ScannedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddPendingTag records a freshly written identifier. It fails with
// ErrTagExists when the id is already pending or belongs to a member.
func (r *Repository) AddPendingTag(ctx context.Context, id string, now time.Time) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidMember
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, r.d.bind(`SELECT 1 FROM members WHERE id = ?`), id).Scan(&exists)
		if err == nil {
			return ErrTagExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check member: %w", err)
		}
		res, err := tx.ExecContext(ctx, r.d.bind(`
			INSERT INTO pending_tags (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING
		`), id, now.UTC())
		if err != nil {
			return fmt.Errorf("insert pending tag: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTagExists
		}
		return nil
	})
}

// IsPendingTag reports whether id awaits onboarding.
func (r *Repository) IsPendingTag(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.d.bind(`SELECT 1 FROM pending_tags WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListPendingTags returns pending tags, newest first.
func (r *Repository) ListPendingTags(ctx context.Context) ([]PendingTag, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, created_at FROM pending_tags ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingTag
	for rows.Next() {
		var t PendingTag
		if err := rows.Scan(&t.ID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RemovePendingTag discards a pending tag.
func (r *Repository) RemovePendingTag(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.d.bind(`DELETE FROM pending_tags WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTagNotFound
	}
	return nil
}

// Leaderboard aggregates accumulated time per boat class and per member.
func (r *Repository) Leaderboard(ctx context.Context) (Leaderboard, error) {
	lb := Leaderboard{BoatStats: map[string]BoatStat{}}

	rows, err := r.db.QueryContext(ctx, `
		SELECT boat_class, CAST(COALESCE(SUM(total_seconds), 0) AS BIGINT), COUNT(*)
		FROM members
		WHERE boat_class IS NOT NULL
		GROUP BY boat_class
	`)
	if err != nil {
		return lb, err
	}
	for rows.Next() {
		var class string
		var stat BoatStat
		if err := rows.Scan(&class, &stat.TotalSeconds, &stat.MemberCount); err != nil {
			rows.Close()
			return lb, err
		}
		lb.BoatStats[class] = stat
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return lb, err
	}

	top, err := r.db.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM members
		WHERE total_seconds > 0
		ORDER BY total_seconds DESC, name
		LIMIT 10
	`)
	if err != nil {
		return lb, err
	}
	for top.Next() {
		m, err := scanMember(top)
		if err != nil {
			top.Close()
			return lb, err
		}
		lb.TopIndividuals = append(lb.TopIndividuals, m)
	}
	top.Close()
	if err := top.Err(); err != nil {
		return lb, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT CAST(COALESCE(SUM(total_seconds), 0) AS BIGINT), COUNT(*) FROM members
	`).Scan(&lb.TotalSeconds, &lb.MemberCount)
	return lb, err
}

func sessionSeconds(checkedIn, now time.Time) int64 {
	secs := int64(now.Sub(checkedIn) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
