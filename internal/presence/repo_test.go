package presence_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ergroom/internal/presence"
	"ergroom/internal/store"
)

type RepositorySuite struct {
	suite.Suite
	open func() (*store.DB, presence.Dialect)
	db   *store.DB
	repo *presence.Repository
	ctx  context.Context
	t0   time.Time
}

func TestRepositorySQLite(t *testing.T) {
	suite.Run(t, &RepositorySuite{open: func() (*store.DB, presence.Dialect) {
		db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "presence.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return db, presence.SQLite
	}})
}

func TestRepositoryPostgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	suite.Run(t, &RepositorySuite{open: func() (*store.DB, presence.Dialect) {
		db, err := store.NewDB(context.Background(), url)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		for _, table := range []string{"scan_log", "presence", "pending_tags", "members"} {
			if _, err := db.Client.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				t.Fatalf("reset %s: %v", table, err)
			}
		}
		return db, presence.Postgres
	}})
}

func (s *RepositorySuite) SetupTest() {
	s.ctx = context.Background()
	var d presence.Dialect
	s.db, d = s.open()
	s.repo = presence.NewRepository(s.db.Client, d)
	s.Require().NoError(s.repo.Migrate(s.ctx))
	s.t0 = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
}

func (s *RepositorySuite) TearDownTest() {
	_ = s.db.Close()
}

func (s *RepositorySuite) createMember(id, name string) presence.Member {
	m, err := s.repo.CreateMember(s.ctx, presence.Member{ID: id, Name: name, CreatedAt: s.t0})
	s.Require().NoError(err)
	return m
}

func (s *RepositorySuite) scanLogCount() int {
	var n int
	s.Require().NoError(s.db.Client.QueryRow(`SELECT COUNT(*) FROM scan_log`).Scan(&n))
	return n
}

func ptr[T any](v T) *T { return &v }

// Toggle

func (s *RepositorySuite) TestToggleIsATrueFlip() {
	s.createMember("m1", "Sam Allen")

	in, err := s.repo.Toggle(s.ctx, "m1", s.t0)
	s.Require().NoError(err)
	s.True(in.IsPresent)
	s.Equal(presence.ActionIn, in.Action)
	s.Equal("Sam Allen", in.Name)

	p, err := s.repo.GetPresence(s.ctx, "m1")
	s.Require().NoError(err)
	s.True(p.IsPresent)
	s.Require().NotNil(p.CheckedInAt)
	s.WithinDuration(s.t0, *p.CheckedInAt, time.Millisecond)
	s.WithinDuration(s.t0, *p.LastScan, time.Millisecond)

	out, err := s.repo.Toggle(s.ctx, "m1", s.t0.Add(90*time.Second))
	s.Require().NoError(err)
	s.False(out.IsPresent)
	s.Equal(presence.ActionOut, out.Action)
	s.Equal(int64(90), out.SessionSeconds)
	s.Equal(int64(90), out.TotalSeconds)

	p, err = s.repo.GetPresence(s.ctx, "m1")
	s.Require().NoError(err)
	s.False(p.IsPresent)
	s.Nil(p.CheckedInAt)

	m, err := s.repo.GetMember(s.ctx, "m1")
	s.Require().NoError(err)
	s.Equal(int64(90), m.TotalSeconds)

	logs, err := s.repo.RecentScans(s.ctx, "m1", 10)
	s.Require().NoError(err)
	s.Require().Len(logs, 2)
	s.Equal(presence.ActionOut, logs[0].Action)
	s.Equal(presence.ActionIn, logs[1].Action)
}

func (s *RepositorySuite) TestToggleAccumulatesAcrossSessions() {
	s.createMember("m1", "Owen")

	steps := []time.Duration{0, 10 * time.Minute, 20 * time.Minute, 50 * time.Minute}
	for _, offset := range steps {
		_, err := s.repo.Toggle(s.ctx, "m1", s.t0.Add(offset))
		s.Require().NoError(err)
	}

	m, err := s.repo.GetMember(s.ctx, "m1")
	s.Require().NoError(err)
	s.Equal(int64((10+30)*60), m.TotalSeconds)
}

func (s *RepositorySuite) TestToggleUnknownMemberDoesNotWrite() {
	_, err := s.repo.Toggle(s.ctx, "ghost", s.t0)
	s.ErrorIs(err, presence.ErrMemberNotFound)
	s.Equal(0, s.scanLogCount())
}

func (s *RepositorySuite) TestToggleRepairsMissingPresence() {
	s.createMember("m1", "Eli")
	_, err := s.db.Client.Exec(`DELETE FROM presence WHERE member_id = 'm1'`)
	s.Require().NoError(err)

	res, err := s.repo.Toggle(s.ctx, "m1", s.t0)
	s.Require().NoError(err)
	s.True(res.IsPresent)

	p, err := s.repo.GetPresence(s.ctx, "m1")
	s.Require().NoError(err)
	s.True(p.IsPresent)
}

func (s *RepositorySuite) TestToggleOutWithoutCheckInTimeCreditsNothing() {
	s.createMember("m1", "Jaime")
	_, err := s.db.Client.Exec(`UPDATE presence SET is_present = TRUE, checked_in_at = NULL WHERE member_id = 'm1'`)
	s.Require().NoError(err)

	res, err := s.repo.Toggle(s.ctx, "m1", s.t0)
	s.Require().NoError(err)
	s.False(res.IsPresent)
	s.Equal(int64(0), res.SessionSeconds)
	s.Equal(int64(0), res.TotalSeconds)
}

func (s *RepositorySuite) TestConcurrentTogglesSerialize() {
	s.createMember("m1", "Andrew")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.repo.Toggle(s.ctx, "m1", s.t0.Add(time.Duration(i)*time.Minute))
			s.NoError(err)
		}(i)
	}
	wg.Wait()

	// An even number of flips lands back on absent with a consistent record.
	p, err := s.repo.GetPresence(s.ctx, "m1")
	s.Require().NoError(err)
	s.False(p.IsPresent)
	s.Nil(p.CheckedInAt)
	s.Equal(6, s.scanLogCount())
}

// Auto-checkout

func (s *RepositorySuite) TestAutoCheckoutIsIdempotent() {
	s.createMember("m1", "Oscar")
	_, err := s.repo.Toggle(s.ctx, "m1", s.t0)
	s.Require().NoError(err)

	now := s.t0.Add(5*time.Hour + time.Minute)
	ids, err := s.repo.AutoCheckout(s.ctx, now.Add(-5*time.Hour), now)
	s.Require().NoError(err)
	s.Equal([]string{"m1"}, ids)

	p, err := s.repo.GetPresence(s.ctx, "m1")
	s.Require().NoError(err)
	s.False(p.IsPresent)
	s.Nil(p.CheckedInAt)

	m, err := s.repo.GetMember(s.ctx, "m1")
	s.Require().NoError(err)
	s.Equal(int64((5*60+1)*60), m.TotalSeconds)

	ids, err = s.repo.AutoCheckout(s.ctx, now.Add(-5*time.Hour), now)
	s.Require().NoError(err)
	s.Empty(ids)

	logs, err := s.repo.RecentScans(s.ctx, "m1", 10)
	s.Require().NoError(err)
	s.Require().Len(logs, 2)
	s.Equal(presence.ActionAutoOut, logs[0].Action)
}

func (s *RepositorySuite) TestAutoCheckoutSkipsFreshAndCheckedOut() {
	s.createMember("fresh", "Avril")
	s.createMember("left", "Mrin")

	_, err := s.repo.Toggle(s.ctx, "left", s.t0)
	s.Require().NoError(err)
	_, err = s.repo.Toggle(s.ctx, "fresh", s.t0.Add(4*time.Hour))
	s.Require().NoError(err)
	// The toggle wins the race: checked out before the sweep runs.
	_, err = s.repo.Toggle(s.ctx, "left", s.t0.Add(5*time.Hour))
	s.Require().NoError(err)

	now := s.t0.Add(6 * time.Hour)
	ids, err := s.repo.AutoCheckout(s.ctx, now.Add(-5*time.Hour), now)
	s.Require().NoError(err)
	s.Empty(ids)

	left, err := s.repo.GetMember(s.ctx, "left")
	s.Require().NoError(err)
	s.Equal(int64(5*3600), left.TotalSeconds)

	p, err := s.repo.GetPresence(s.ctx, "fresh")
	s.Require().NoError(err)
	s.True(p.IsPresent)
}

func (s *RepositorySuite) TestAutoCheckoutRacingToggleCreditsOnce() {
	now := s.t0.Add(6 * time.Hour)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		s.createMember(id, "Racer")
		_, err := s.repo.Toggle(s.ctx, id, s.t0)
		s.Require().NoError(err)

		var (
			wg      sync.WaitGroup
			swept   []string
			sweepEr error
			toggled presence.ToggleResult
			flipEr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			swept, sweepEr = s.repo.AutoCheckout(s.ctx, now.Add(-5*time.Hour), now)
		}()
		go func() {
			defer wg.Done()
			toggled, flipEr = s.repo.Toggle(s.ctx, id, now)
		}()
		wg.Wait()
		s.Require().NoError(sweepEr)
		s.Require().NoError(flipEr)

		m, err := s.repo.GetMember(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(int64(6*3600), m.TotalSeconds, id)

		p, err := s.repo.GetPresence(s.ctx, id)
		s.Require().NoError(err)
		logs, err := s.repo.RecentScans(s.ctx, id, 10)
		s.Require().NoError(err)
		if len(swept) == 1 {
			// Sweep first: the toggle starts a new session.
			s.Equal(presence.ActionIn, toggled.Action, id)
			s.True(p.IsPresent, id)
			s.Len(logs, 3, id)
		} else {
			s.Empty(swept, id)
			s.Equal(presence.ActionOut, toggled.Action, id)
			s.False(p.IsPresent, id)
			s.Len(logs, 2, id)
		}

		// Close the session so the next round's sweep sees only its member.
		if p.IsPresent {
			_, err = s.repo.Toggle(s.ctx, id, now)
			s.Require().NoError(err)
		}
	}
}

// Members and pending tags

func (s *RepositorySuite) TestCreateMemberClaimsPendingTag() {
	s.Require().NoError(s.repo.AddPendingTag(s.ctx, "a1b2c3", s.t0))
	pending, err := s.repo.IsPendingTag(s.ctx, "a1b2c3")
	s.Require().NoError(err)
	s.True(pending)

	s.createMember("a1b2c3", "Ross")

	pending, err = s.repo.IsPendingTag(s.ctx, "a1b2c3")
	s.Require().NoError(err)
	s.False(pending)

	p, err := s.repo.GetPresence(s.ctx, "a1b2c3")
	s.Require().NoError(err)
	s.False(p.IsPresent)
}

func (s *RepositorySuite) TestCreateMemberValidation() {
	s.createMember("m1", "Ravi")

	_, err := s.repo.CreateMember(s.ctx, presence.Member{ID: "m1", Name: "Other"})
	s.ErrorIs(err, presence.ErrMemberExists)

	_, err = s.repo.CreateMember(s.ctx, presence.Member{ID: "m2"})
	s.ErrorIs(err, presence.ErrInvalidMember)
}

func (s *RepositorySuite) TestPendingTagUniqueness() {
	s.createMember("m1", "Gonzalo")

	s.ErrorIs(s.repo.AddPendingTag(s.ctx, "m1", s.t0), presence.ErrTagExists)

	s.Require().NoError(s.repo.AddPendingTag(s.ctx, "p1", s.t0))
	s.ErrorIs(s.repo.AddPendingTag(s.ctx, "p1", s.t0), presence.ErrTagExists)

	s.Require().NoError(s.repo.AddPendingTag(s.ctx, "p2", s.t0.Add(time.Minute)))
	tags, err := s.repo.ListPendingTags(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(tags, 2)
	s.Equal("p2", tags[0].ID)

	s.Require().NoError(s.repo.RemovePendingTag(s.ctx, "p1"))
	s.ErrorIs(s.repo.RemovePendingTag(s.ctx, "p1"), presence.ErrTagNotFound)
}

func (s *RepositorySuite) TestFindMemberByPasskey() {
	s.createMember("m1", "James")
	s.Require().NoError(s.repo.UpdateMember(s.ctx, "m1", presence.MemberUpdate{
		Passkey: &sql.NullString{String: "qr-james", Valid: true},
	}))

	m, err := s.repo.FindMember(s.ctx, "qr-james")
	s.Require().NoError(err)
	s.Equal("m1", m.ID)

	m, err = s.repo.FindMember(s.ctx, "m1")
	s.Require().NoError(err)
	s.Equal("James", m.Name)

	_, err = s.repo.FindMember(s.ctx, "nobody")
	s.ErrorIs(err, presence.ErrMemberNotFound)
}

func (s *RepositorySuite) TestUpdateMember() {
	s.createMember("m1", "Sydney")

	s.Require().NoError(s.repo.UpdateMember(s.ctx, "m1", presence.MemberUpdate{
		Name:      ptr("Sydney England"),
		BoatClass: &sql.NullString{String: "1V", Valid: true},
	}))
	m, err := s.repo.GetMember(s.ctx, "m1")
	s.Require().NoError(err)
	s.Equal("Sydney England", m.Name)
	s.Require().NotNil(m.BoatClass)
	s.Equal("1V", *m.BoatClass)

	s.Require().NoError(s.repo.UpdateMember(s.ctx, "m1", presence.MemberUpdate{BoatClass: &sql.NullString{}}))
	m, err = s.repo.GetMember(s.ctx, "m1")
	s.Require().NoError(err)
	s.Nil(m.BoatClass)

	s.ErrorIs(s.repo.UpdateMember(s.ctx, "m1", presence.MemberUpdate{}), presence.ErrNothingToApply)
	s.ErrorIs(s.repo.UpdateMember(s.ctx, "nope", presence.MemberUpdate{Name: ptr("x")}), presence.ErrMemberNotFound)
}

func (s *RepositorySuite) TestRebindMemberMovesHistory() {
	s.createMember("old", "Patrick")
	s.Require().NoError(s.repo.UpdateMember(s.ctx, "old", presence.MemberUpdate{
		Passkey: &sql.NullString{String: "pk", Valid: true},
	}))
	_, err := s.repo.Toggle(s.ctx, "old", s.t0)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.AddPendingTag(s.ctx, "new", s.t0))

	s.Require().NoError(s.repo.RebindMember(s.ctx, "old", "new"))

	_, err = s.repo.GetMember(s.ctx, "old")
	s.ErrorIs(err, presence.ErrMemberNotFound)

	m, err := s.repo.FindMember(s.ctx, "pk")
	s.Require().NoError(err)
	s.Equal("new", m.ID)

	p, err := s.repo.GetPresence(s.ctx, "new")
	s.Require().NoError(err)
	s.True(p.IsPresent)

	logs, err := s.repo.RecentScans(s.ctx, "new", 10)
	s.Require().NoError(err)
	s.Len(logs, 1)

	pending, err := s.repo.IsPendingTag(s.ctx, "new")
	s.Require().NoError(err)
	s.False(pending)

	s.createMember("other", "Spencer")
	s.ErrorIs(s.repo.RebindMember(s.ctx, "new", "other"), presence.ErrMemberExists)
	s.ErrorIs(s.repo.RebindMember(s.ctx, "missing", "x"), presence.ErrMemberNotFound)
}

func (s *RepositorySuite) TestDeleteMemberCascades() {
	s.createMember("m1", "Owen")
	_, err := s.repo.Toggle(s.ctx, "m1", s.t0)
	s.Require().NoError(err)

	s.Require().NoError(s.repo.DeleteMember(s.ctx, "m1"))
	s.Equal(0, s.scanLogCount())
	_, err = s.repo.GetPresence(s.ctx, "m1")
	s.ErrorIs(err, presence.ErrMemberNotFound)
	s.ErrorIs(s.repo.DeleteMember(s.ctx, "m1"), presence.ErrMemberNotFound)
}

// Views

func (s *RepositorySuite) TestListPresentAndMembers() {
	s.createMember("a", "Alice")
	s.createMember("b", "Bob")
	s.createMember("c", "Carol")
	_, err := s.repo.Toggle(s.ctx, "a", s.t0)
	s.Require().NoError(err)
	_, err = s.repo.Toggle(s.ctx, "c", s.t0.Add(30*time.Minute))
	s.Require().NoError(err)

	present, err := s.repo.ListPresent(s.ctx, s.t0.Add(2*time.Hour+5*time.Minute))
	s.Require().NoError(err)
	s.Require().Len(present, 2)
	s.Equal("c", present[0].ID)
	s.Equal("1 hour, 35 minutes", present[0].Duration)
	s.Equal("2 hours, 5 minutes", present[1].Duration)

	all, err := s.repo.ListMembers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal("Alice", all[0].Name)
	s.True(all[0].IsPresent)
	s.False(all[1].IsPresent)
}

func (s *RepositorySuite) TestRepairPresence() {
	s.createMember("a", "Alice")
	s.createMember("b", "Bob")
	_, err := s.db.Client.Exec(`DELETE FROM presence`)
	s.Require().NoError(err)

	n, err := s.repo.RepairPresence(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.repo.RepairPresence(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)
}

func (s *RepositorySuite) TestLeaderboard() {
	s.createMember("a", "Alice")
	s.createMember("b", "Bob")
	s.createMember("c", "Carol")
	for _, id := range []string{"a", "b"} {
		s.Require().NoError(s.repo.UpdateMember(s.ctx, id, presence.MemberUpdate{
			BoatClass: &sql.NullString{String: "8+", Valid: true},
		}))
	}
	_, _ = s.repo.Toggle(s.ctx, "a", s.t0)
	_, _ = s.repo.Toggle(s.ctx, "a", s.t0.Add(time.Hour))
	_, _ = s.repo.Toggle(s.ctx, "c", s.t0)
	_, _ = s.repo.Toggle(s.ctx, "c", s.t0.Add(2*time.Hour))

	lb, err := s.repo.Leaderboard(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, lb.MemberCount)
	s.Equal(int64(3*3600), lb.TotalSeconds)
	s.Equal(presence.BoatStat{TotalSeconds: 3600, MemberCount: 2}, lb.BoatStats["8+"])
	s.Require().Len(lb.TopIndividuals, 2)
	s.Equal("c", lb.TopIndividuals[0].ID)
}
