package sync

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubroll/clubroll/internal/auth"
	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote/memstore"
)

type fakeClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeSessions struct {
	mu      gosync.Mutex
	session *auth.Session
	gate    chan struct{}
}

func (f *fakeSessions) GetSession(ctx context.Context) *auth.Session {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	s := *f.session
	return &s
}

func (f *fakeSessions) signOut() {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
}

// device is one installation: its own local store and engine, sharing the
// remote store and clock with other devices in a test.
type device struct {
	local    *localstore.Store
	sessions *fakeSessions
	engine   *Engine
	clock    *fakeClock
}

func newDevice(t *testing.T, rs *memstore.Store, clock *fakeClock, userID string) *device {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	local, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "clubroll.db"), &localstore.Options{
		Clock:  clock.Now,
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	sessions := &fakeSessions{}
	if userID != "" {
		sessions.session = &auth.Session{UserID: userID, Email: userID + "@example.com"}
	}

	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.Logger = logger
	engine, err := New(local, rs, sessions, cfg)
	require.NoError(t, err)

	return &device{local: local, sessions: sessions, engine: engine, clock: clock}
}

func newRemote(clock *fakeClock) *memstore.Store {
	return memstore.New(memstore.WithClock(clock.Now))
}

// sync moves past the debounce window and runs one cycle.
func (d *device) sync(t *testing.T) Status {
	t.Helper()
	d.clock.Advance(time.Minute)
	require.True(t, d.engine.SyncNow(context.Background()), "SyncNow() did not run")
	return d.engine.Status()
}

type chessClub struct {
	club         model.Club
	session      model.Session
	participants []model.Participant
}

func seedChessClub(t *testing.T, d *device, withRegulars bool) chessClub {
	t.Helper()
	ctx := context.Background()

	club, err := d.local.SaveClub(ctx, model.Club{ID: model.Local("1700000000-abc123"), Name: "Chess Club"})
	require.NoError(t, err)
	sess, err := d.local.SaveSession(ctx, model.Session{ClubID: club.ID, DayOfWeek: 2, StartTime: "18:00", EndTime: "20:00"})
	require.NoError(t, err)

	cc := chessClub{club: club, session: sess}
	for _, name := range []string{"Ada", "Brian"} {
		p, err := d.local.SaveParticipant(ctx, model.Participant{ClubID: club.ID, FirstName: name, LastName: "Lovelace"})
		require.NoError(t, err)
		cc.participants = append(cc.participants, p)
	}

	if withRegulars {
		ids := []model.ID{cc.participants[0].ID, cc.participants[1].ID}
		_, err = d.local.SetSessionParticipants(ctx, sess.ID, ids)
		require.NoError(t, err)
		_, err = d.local.SaveAttendanceBatch(ctx, []model.AttendanceRecord{
			{SessionID: sess.ID, ParticipantID: ids[0], Date: "2024-03-05", Status: model.StatusPresent},
			{SessionID: sess.ID, ParticipantID: ids[1], Date: "2024-03-05", Status: model.StatusAbsent},
		})
		require.NoError(t, err)
	}
	return cc
}

func snapshot(t *testing.T, d *device) *localstore.Snapshot {
	t.Helper()
	snap, err := d.local.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func TestSyncNow_NotSignedIn(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	d := newDevice(t, rs, clock, "")
	seedChessClub(t, d, false)

	var got []Status
	d.engine.OnSyncStatusChange(func(st Status) { got = append(got, st) })

	assert.False(t, d.engine.SyncNow(context.Background()))
	assert.Empty(t, got, "no status is published for an offline no-op")
	assert.Equal(t, StateIdle, d.engine.State())
	assert.Zero(t, rs.Calls(memstore.OpSelect, model.TableClubs))
	assert.Zero(t, rs.Calls(memstore.OpInsert, model.TableClubs))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.engine.metrics.cycles.WithLabelValues(resultUnauthenticated)))

	// Not signing in does not start the debounce window.
	d.sessions.mu.Lock()
	d.sessions.session = &auth.Session{UserID: "user-1"}
	d.sessions.mu.Unlock()
	assert.True(t, d.engine.SyncNow(context.Background()))
}

func TestSyncNow_PromotesChessClub(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	d := newDevice(t, rs, clock, "user-1")
	oldID := model.Local("1700000000-abc123")
	seedChessClub(t, d, false)

	st := d.sync(t)
	require.NoError(t, st.Err)

	clubs := rs.Rows(model.TableClubs)
	require.Len(t, clubs, 1)
	serverID := clubs[0].Str("id")
	assert.Equal(t, "user-1", clubs[0].Str("owner_id"))
	assert.Equal(t, "Chess Club", clubs[0].Str("name"))

	snap := snapshot(t, d)
	require.Len(t, snap.Clubs, 1)
	assert.Equal(t, model.Remote(serverID), snap.Clubs[0].ID)
	assert.False(t, snap.Clubs[0].ID.IsLocal())
	assert.Equal(t, "user-1", snap.Clubs[0].OwnerID)

	require.Len(t, snap.Participants, 2)
	for _, p := range snap.Participants {
		assert.Equal(t, serverID, p.ClubID.String())
		assert.False(t, p.ID.IsLocal())
	}
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, serverID, snap.Sessions[0].ClubID.String())
	assert.False(t, snap.References(oldID), "a record still references %s", oldID)

	for _, row := range rs.Rows(model.TableParticipants) {
		assert.Equal(t, serverID, row.Str("club_id"))
	}
	assert.Len(t, rs.Rows(model.TableSessions), 1)
	assert.Equal(t, 4, st.Stats.Uploaded)
	assert.Zero(t, st.Stats.Downloaded, "own uploads are not merged back")
}

func TestSyncNow_UploadsEnrollmentsAndAttendance(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	d := newDevice(t, rs, clock, "user-1")
	seedChessClub(t, d, true)

	st := d.sync(t)
	require.NoError(t, st.Err)
	assert.Zero(t, st.Stats.Failed)

	snap := snapshot(t, d)
	require.Len(t, snap.Enrollments, 2)
	require.Len(t, snap.Attendance, 2)
	for _, e := range snap.Enrollments {
		assert.False(t, e.ID.IsLocal())
		assert.False(t, e.ReferencesLocal())
	}
	for _, a := range snap.Attendance {
		assert.False(t, a.ID.IsLocal())
		assert.False(t, a.ReferencesLocal())
	}

	rows := rs.Rows(model.TableAttendance)
	require.Len(t, rows, 2)
	statuses := map[string]string{}
	for _, row := range rows {
		assert.Equal(t, snap.Sessions[0].ID.String(), row.Str("session_id"))
		statuses[row.Str("participant_id")] = row.Str("status")
	}
	for _, a := range snap.Attendance {
		assert.Equal(t, a.Status, statuses[a.ParticipantID.String()])
	}
	assert.Len(t, rs.Rows(model.TableParticipantSessions), 2)
}

func TestSyncNow_NoDuplicatePromotion(t *testing.T) {
	t.Run("two cycles", func(t *testing.T) {
		clock := newClock()
		rs := newRemote(clock)
		d := newDevice(t, rs, clock, "user-1")
		seedChessClub(t, d, true)

		d.sync(t)
		rs.ResetCalls()
		st := d.sync(t)
		require.NoError(t, st.Err)

		assert.Len(t, rs.Rows(model.TableClubs), 1)
		assert.Len(t, rs.Rows(model.TableSessions), 1)
		assert.Len(t, rs.Rows(model.TableParticipants), 2)
		assert.Len(t, rs.Rows(model.TableParticipantSessions), 2)
		assert.Len(t, rs.Rows(model.TableAttendance), 2)
		assert.Zero(t, rs.Calls(memstore.OpInsert, model.TableClubs))
		assert.Zero(t, rs.Calls(memstore.OpUpdate, model.TableSessions), "unchanged rows are not re-sent")
		assert.Zero(t, st.Stats.Uploaded)
	})

	t.Run("club already stored remotely", func(t *testing.T) {
		clock := newClock()
		rs := newRemote(clock)
		require.NoError(t, rs.Seed(model.TableClubs,
			map[string]any{"id": "club-1", "name": "Chess Club", "owner_id": "user-1"},
			map[string]any{"id": "club-2", "name": "Chess Club", "owner_id": "user-2"},
		))
		d := newDevice(t, rs, clock, "user-1")
		seedChessClub(t, d, false)

		st := d.sync(t)
		require.NoError(t, st.Err)

		assert.Zero(t, rs.Calls(memstore.OpInsert, model.TableClubs))
		assert.Len(t, rs.Rows(model.TableClubs), 2)
		snap := snapshot(t, d)
		require.Len(t, snap.Clubs, 1)
		assert.Equal(t, model.Remote("club-1"), snap.Clubs[0].ID)
		for _, p := range snap.Participants {
			assert.Equal(t, model.Remote("club-1"), p.ClubID)
		}
		assert.Len(t, rs.Rows(model.TableParticipants), 2)
	})

	t.Run("club already held locally", func(t *testing.T) {
		clock := newClock()
		rs := newRemote(clock)
		ctx := context.Background()

		phone := newDevice(t, rs, clock, "user-1")
		seedChessClub(t, phone, true)
		phone.sync(t)

		laptop := newDevice(t, rs, clock, "user-1")
		laptop.sync(t)
		held := snapshot(t, laptop)
		require.Len(t, held.Clubs, 1)
		require.Len(t, held.Sessions, 1)
		clubID := held.Clubs[0].ID

		// Dropped before the adopting cycle, so the laptop does not yet
		// know the club's full history.
		require.NoError(t, laptop.local.DeleteSession(ctx, held.Sessions[0].ID))

		offline, err := laptop.local.SaveClub(ctx, model.Club{Name: "Chess Club"})
		require.NoError(t, err)
		_, err = laptop.local.SaveSession(ctx, model.Session{ClubID: offline.ID, DayOfWeek: 5, StartTime: "17:00", EndTime: "18:00"})
		require.NoError(t, err)
		_, err = laptop.local.SaveParticipant(ctx, model.Participant{ClubID: offline.ID, FirstName: "Cleo", LastName: "Ng"})
		require.NoError(t, err)

		rs.ResetCalls()
		st := laptop.sync(t)
		require.NoError(t, st.Err)

		snap := snapshot(t, laptop)
		require.Len(t, snap.Clubs, 1, "adopted club is not stored twice")
		assert.Equal(t, clubID, snap.Clubs[0].ID)
		assert.False(t, snap.References(offline.ID))
		assert.Len(t, snap.Sessions, 2, "the dropped session comes back with the adopted club")
		for _, x := range snap.Sessions {
			assert.Equal(t, clubID, x.ClubID)
			assert.False(t, x.ID.IsLocal())
		}
		assert.Len(t, snap.Participants, 3)
		for _, p := range snap.Participants {
			assert.Equal(t, clubID, p.ClubID)
			assert.False(t, p.ID.IsLocal())
		}

		assert.Zero(t, rs.Calls(memstore.OpInsert, model.TableClubs))
		assert.Zero(t, rs.Calls(memstore.OpDelete, model.TableSessions), "no deletes for a club adopted this cycle")
		assert.Zero(t, rs.Calls(memstore.OpDelete, model.TableParticipants))
		assert.Len(t, rs.Rows(model.TableClubs), 1)
		assert.Len(t, rs.Rows(model.TableSessions), 2)
		assert.Len(t, rs.Rows(model.TableParticipants), 3)
		assert.Len(t, rs.Rows(model.TableAttendance), 2)
	})
}

func TestSyncNow_DownloadsOnlyChangedRows(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	ctx := context.Background()

	phone := newDevice(t, rs, clock, "user-1")
	seedChessClub(t, phone, true)
	phone.sync(t)
	laptop := newDevice(t, rs, clock, "user-1")
	laptop.sync(t)

	snap := snapshot(t, phone)
	brian := snap.Participants[1]
	if brian.FirstName != "Brian" {
		brian = snap.Participants[0]
	}
	brian.FirstName = "Bruno"
	_, err := phone.local.SaveParticipant(ctx, brian)
	require.NoError(t, err)
	_, err = phone.local.SaveAttendanceBatch(ctx, []model.AttendanceRecord{
		{SessionID: snap.Sessions[0].ID, ParticipantID: brian.ID, Date: "2024-03-12", Status: model.StatusPresent},
	})
	require.NoError(t, err)
	phone.sync(t)

	rs.ResetCalls()
	st := laptop.sync(t)
	require.NoError(t, st.Err)
	assert.Equal(t, 2, st.Stats.Downloaded)

	// Uploading lists the club's rows once to diff them; downloading adds
	// only what changed since the laptop's last sync.
	assert.Equal(t, 1, rs.Served(model.TableSessions))
	assert.Equal(t, 2+1, rs.Served(model.TableParticipants))
	assert.Equal(t, 3+1, rs.Served(model.TableAttendance))

	got := snapshot(t, laptop)
	names := make([]string, 0, len(got.Participants))
	for _, p := range got.Participants {
		names = append(names, p.FirstName)
	}
	assert.ElementsMatch(t, []string{"Ada", "Bruno"}, names)
	assert.Len(t, got.Attendance, 3)
}

func TestSyncNow_Guard(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	d := newDevice(t, rs, clock, "user-1")
	ctx := context.Background()

	assert.True(t, d.engine.SyncNow(ctx))
	assert.False(t, d.engine.SyncNow(ctx), "inside the minimum interval")
	clock.Advance(29 * time.Second)
	assert.False(t, d.engine.SyncNow(ctx))
	clock.Advance(time.Second)
	assert.True(t, d.engine.SyncNow(ctx))

	// A running cycle blocks a second one.
	clock.Advance(time.Minute)
	d.sessions.gate = make(chan struct{})
	done := make(chan bool)
	go func() { done <- d.engine.SyncNow(ctx) }()

	require.Eventually(t, func() bool { return d.engine.State() == StateAuthorizing },
		time.Second, time.Millisecond)
	assert.False(t, d.engine.SyncNow(ctx))

	close(d.sessions.gate)
	assert.True(t, <-done)
	assert.Equal(t, StateIdle, d.engine.State())
	assert.Equal(t, 3.0, testutil.ToFloat64(d.engine.metrics.cycles.WithLabelValues(resultDebounced)))
}

func TestSyncNow_ConflictPolicy(t *testing.T) {
	tests := []struct {
		name   string
		local  time.Duration
		remote time.Duration
		want   string
	}{
		{"local newer", 10 * time.Second, 5 * time.Second, "Local"},
		{"tie goes to remote", 10 * time.Second, 10 * time.Second, "Remote"},
		{"remote newer", 5 * time.Second, 10 * time.Second, "Remote"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			rs := newRemote(clock)
			d := newDevice(t, rs, clock, "user-1")
			ctx := context.Background()

			club, err := d.local.SaveClub(ctx, model.Club{Name: "Go Club"})
			require.NoError(t, err)
			_, err = d.local.SaveParticipant(ctx, model.Participant{ClubID: club.ID, FirstName: "Ada"})
			require.NoError(t, err)
			d.sync(t)

			base := clock.Now()
			p := snapshot(t, d).Participants[0]

			clock.Set(base.Add(time.Minute + tt.local))
			p.FirstName = "Local"
			_, err = d.local.SaveParticipant(ctx, p)
			require.NoError(t, err)

			clock.Set(base.Add(time.Minute + tt.remote))
			_, err = rs.Update(ctx, model.TableParticipants, p.ID.String(), map[string]any{"first_name": "Remote"})
			require.NoError(t, err)

			clock.Set(base.Add(time.Minute))
			st := d.sync(t)
			require.NoError(t, st.Err)

			snap := snapshot(t, d)
			require.Len(t, snap.Participants, 1)
			assert.Equal(t, tt.want, snap.Participants[0].FirstName, "local copy")

			rows := rs.Rows(model.TableParticipants)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.want, rows[0].Str("first_name"), "remote copy")
		})
	}
}

func TestSyncNow_OwnershipAuthority(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	ctx := context.Background()

	owner := newDevice(t, rs, clock, "user-1")
	cc := seedChessClub(t, owner, false)
	_, err := owner.local.SaveSession(ctx, model.Session{ClubID: cc.club.ID, DayOfWeek: 4, StartTime: "18:00", EndTime: "20:00"})
	require.NoError(t, err)
	owner.sync(t)
	require.Len(t, rs.Rows(model.TableSessions), 2)

	// The other device holds the club with only one of its sessions.
	other := newDevice(t, rs, clock, "user-2")
	ownerSnap := snapshot(t, owner)
	_, err = other.local.Merge(ctx, localstore.MergeBatch{
		Clubs:    ownerSnap.Clubs,
		Sessions: ownerSnap.Sessions[:1],
	})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	require.NoError(t, other.local.SetLastSync(ctx, clock.Now()))

	rs.ResetCalls()
	st := other.sync(t)
	require.NoError(t, st.Err)

	assert.Zero(t, rs.Calls(memstore.OpDelete, model.TableSessions))
	assert.Zero(t, rs.Calls(memstore.OpDelete, model.TableParticipants))
	assert.Len(t, rs.Rows(model.TableSessions), 2)
	assert.Len(t, rs.Rows(model.TableParticipants), 2)

	// The owner removing a session it knows about is propagated.
	require.NoError(t, owner.local.DeleteSession(ctx, ownerSnap.Sessions[1].ID))
	st = owner.sync(t)
	require.NoError(t, st.Err)
	assert.Len(t, rs.Rows(model.TableSessions), 1)
	assert.Equal(t, 1, st.Stats.Deleted)
}

func TestSyncNow_OwnerKeepsRowsAddedElsewhere(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	ctx := context.Background()

	d := newDevice(t, rs, clock, "user-1")
	seedChessClub(t, d, false)
	d.sync(t)
	clubID := snapshot(t, d).Clubs[0].ID

	// Another device of the same owner adds a participant after our sync.
	clock.Advance(10 * time.Second)
	_, err := rs.Insert(ctx, model.TableParticipants, map[string]any{
		"club_id":    clubID.String(),
		"first_name": "Cora",
		"last_name":  "Rivers",
	})
	require.NoError(t, err)

	st := d.sync(t)
	require.NoError(t, st.Err)

	assert.Zero(t, rs.Calls(memstore.OpDelete, model.TableParticipants))
	assert.Len(t, rs.Rows(model.TableParticipants), 3)
	assert.Equal(t, 1, st.Stats.Downloaded)

	names := map[string]bool{}
	for _, p := range snapshot(t, d).Participants {
		names[p.FirstName] = true
	}
	assert.True(t, names["Cora"], "participant added elsewhere was downloaded")
}

func TestSyncNow_PendingClubDelete(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	ctx := context.Background()

	t.Run("owner", func(t *testing.T) {
		d := newDevice(t, rs, clock, "user-1")
		seedChessClub(t, d, true)
		d.sync(t)
		clubID := snapshot(t, d).Clubs[0].ID

		require.NoError(t, d.local.DeleteClub(ctx, clubID))
		pending, err := d.local.PendingDeletes(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		st := d.sync(t)
		require.NoError(t, st.Err)

		for _, table := range []string{
			model.TableClubs, model.TableSessions, model.TableParticipants,
			model.TableParticipantSessions, model.TableAttendance,
		} {
			assert.Empty(t, rs.Rows(table), table)
		}
		pending, err = d.local.PendingDeletes(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
		assert.Empty(t, snapshot(t, d).Clubs, "deleted club is not downloaded again")
	})

	t.Run("not owner", func(t *testing.T) {
		require.NoError(t, rs.Seed(model.TableClubs,
			map[string]any{"id": "club-9", "name": "Book Club", "owner_id": "user-1"}))
		d := newDevice(t, rs, clock, "user-2")
		_, err := d.local.Merge(ctx, localstore.MergeBatch{Clubs: []model.Club{{
			ID: model.Remote("club-9"), Name: "Book Club", OwnerID: "user-1",
			Timestamps: model.Timestamps{CreatedAt: clock.Now(), UpdatedAt: clock.Now()},
		}}})
		require.NoError(t, err)
		require.NoError(t, d.local.DeleteClub(ctx, model.Remote("club-9")))

		rs.ResetCalls()
		st := d.sync(t)
		require.NoError(t, st.Err)

		assert.Zero(t, rs.Calls(memstore.OpDelete, model.TableClubs))
		assert.Len(t, rs.Rows(model.TableClubs), 1)
		pending, err := d.local.PendingDeletes(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending, "tombstone for a club owned by someone else is dropped")
	})

	t.Run("failure keeps tombstone", func(t *testing.T) {
		d := newDevice(t, rs, clock, "user-3")
		seedChessClub(t, d, false)
		d.sync(t)
		clubID := snapshot(t, d).Clubs[0].ID
		require.NoError(t, d.local.DeleteClub(ctx, clubID))

		rs.Fail(memstore.OpDelete, model.TableClubs, assert.AnError)
		defer rs.ClearFailures()
		st := d.sync(t)
		require.NoError(t, st.Err)
		assert.Equal(t, 1, st.Stats.Failed)

		pending, err := d.local.PendingDeletes(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestSyncNow_RecordFailureContinues(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	ctx := context.Background()
	d := newDevice(t, rs, clock, "user-1")
	seedChessClub(t, d, true)

	rs.FailWhen(memstore.OpInsert, model.TableParticipants, func(r memstore.Row) bool {
		return r.Str("first_name") == "Brian"
	}, assert.AnError)

	st := d.sync(t)
	require.NoError(t, st.Err)
	assert.Equal(t, 1, st.Stats.Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.engine.metrics.failures.WithLabelValues(model.TableParticipants, "insert")))

	snap := snapshot(t, d)
	for _, p := range snap.Participants {
		assert.Equal(t, p.FirstName == "Brian", p.ID.IsLocal(), p.FirstName)
	}
	assert.Len(t, rs.Rows(model.TableParticipants), 1)
	assert.Len(t, rs.Rows(model.TableAttendance), 1, "rows referencing Brian wait")

	last, err := d.local.LastSync(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero(), "upload failures do not hold back last sync")

	rs.ClearFailures()
	st = d.sync(t)
	require.NoError(t, st.Err)
	assert.Zero(t, st.Stats.Failed)
	assert.Len(t, rs.Rows(model.TableParticipants), 2)
	assert.Len(t, rs.Rows(model.TableParticipantSessions), 2)
	assert.Len(t, rs.Rows(model.TableAttendance), 2)
	for _, p := range snapshot(t, d).Participants {
		assert.False(t, p.ID.IsLocal())
	}
}

func TestSyncNow_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("club list aborts", func(t *testing.T) {
		clock := newClock()
		rs := newRemote(clock)
		d := newDevice(t, rs, clock, "user-1")
		seedChessClub(t, d, false)
		rs.Fail(memstore.OpSelect, model.TableClubs, assert.AnError)

		var got []Status
		d.engine.OnSyncStatusChange(func(st Status) { got = append(got, st) })

		st := d.sync(t)
		require.Error(t, st.Err)
		assert.ErrorIs(t, st.Err, assert.AnError)
		require.Len(t, got, 2)
		assert.True(t, got[0].IsSyncing)
		assert.False(t, got[1].IsSyncing)

		last, err := d.local.LastSync(ctx)
		require.NoError(t, err)
		assert.True(t, last.IsZero())
	})

	t.Run("download failure keeps last sync", func(t *testing.T) {
		clock := newClock()
		rs := newRemote(clock)
		d := newDevice(t, rs, clock, "user-1")
		seedChessClub(t, d, true)
		rs.Fail(memstore.OpSelect, model.TableAttendance, assert.AnError)

		st := d.sync(t)
		require.NoError(t, st.Err)
		assert.Positive(t, st.Stats.Failed)

		last, err := d.local.LastSync(ctx)
		require.NoError(t, err)
		assert.True(t, last.IsZero())

		rs.ClearFailures()
		st = d.sync(t)
		require.NoError(t, st.Err)
		last, err = d.local.LastSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, clock.Now(), last)
		assert.Equal(t, last, st.LastSync)
	})
}

func TestSyncNow_NewDeviceDownloadsEverything(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)

	first := newDevice(t, rs, clock, "user-1")
	seedChessClub(t, first, true)
	first.sync(t)

	second := newDevice(t, rs, clock, "user-1")
	st := second.sync(t)
	require.NoError(t, st.Err)
	assert.Equal(t, 8, st.Stats.Downloaded)

	want := snapshot(t, first)
	got := snapshot(t, second)
	assert.ElementsMatch(t, want.Clubs, got.Clubs)
	assert.ElementsMatch(t, want.Sessions, got.Sessions)
	assert.ElementsMatch(t, want.Participants, got.Participants)
	assert.ElementsMatch(t, want.Enrollments, got.Enrollments)
	assert.ElementsMatch(t, want.Attendance, got.Attendance)
}

func TestSyncNow_AttendanceSameKeyFromTwoDevices(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	ctx := context.Background()

	a := newDevice(t, rs, clock, "user-1")
	seedChessClub(t, a, true)
	a.sync(t)
	b := newDevice(t, rs, clock, "user-1")
	b.sync(t)

	snap := snapshot(t, a)
	sessionID, participantID := snap.Sessions[0].ID, snap.Participants[0].ID
	mark := func(d *device, status string) {
		clock.Advance(time.Second)
		_, err := d.local.SaveAttendanceBatch(ctx, []model.AttendanceRecord{
			{SessionID: sessionID, ParticipantID: participantID, Date: "2024-03-12", Status: status},
		})
		require.NoError(t, err)
	}

	mark(a, model.StatusPresent)
	a.sync(t)
	mark(b, model.StatusAbsent)
	b.sync(t)

	var rows []memstore.Row
	for _, row := range rs.Rows(model.TableAttendance) {
		if row.Str("date") == "2024-03-12" {
			rows = append(rows, row)
		}
	}
	require.Len(t, rows, 1, "one row per (participant, session, date)")
	assert.Equal(t, model.StatusAbsent, rows[0].Str("status"))

	a.sync(t)
	for _, d := range []*device{a, b} {
		recs, err := d.local.Attendance(ctx, sessionID, "2024-03-12")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, rows[0].Str("id"), recs[0].ID.String())
		assert.Equal(t, model.StatusAbsent, recs[0].Status)
	}
}

func TestOnSyncStatusChange(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	d := newDevice(t, rs, clock, "user-1")

	var got []Status
	unsubscribe := d.engine.OnSyncStatusChange(func(st Status) { got = append(got, st) })

	st := d.sync(t)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsSyncing)
	assert.False(t, got[1].IsSyncing)
	assert.Equal(t, clock.Now(), got[1].LastSync)
	assert.Equal(t, st, got[1])

	unsubscribe()
	unsubscribe()
	d.sync(t)
	assert.Len(t, got, 2)
}

func TestAutoSync(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	d := newDevice(t, rs, clock, "user-1")
	d.engine.config.Interval = 5 * time.Millisecond
	d.engine.config.MinInterval = 0

	d.engine.StartAutoSync(context.Background())
	d.engine.StartAutoSync(context.Background())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(d.engine.metrics.cycles.WithLabelValues(resultOK)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	d.engine.StopAutoSync()
	n := testutil.ToFloat64(d.engine.metrics.cycles.WithLabelValues(resultOK))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, testutil.ToFloat64(d.engine.metrics.cycles.WithLabelValues(resultOK)))

	// Signed out: the loop keeps running but cycles are no-ops.
	d.sessions.signOut()
	d.engine.StartAutoSync(context.Background())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(d.engine.metrics.cycles.WithLabelValues(resultUnauthenticated)) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	d.engine.StopAutoSync()
	assert.Equal(t, n, testutil.ToFloat64(d.engine.metrics.cycles.WithLabelValues(resultOK)))
}

func TestNew_RequiresDependencies(t *testing.T) {
	clock := newClock()
	rs := newRemote(clock)
	d := newDevice(t, rs, clock, "user-1")

	_, err := New(nil, rs, d.sessions, nil)
	assert.Error(t, err)
	_, err = New(d.local, nil, d.sessions, nil)
	assert.Error(t, err)
	_, err = New(d.local, rs, nil, nil)
	assert.Error(t, err)

	e, err := New(d.local, rs, d.sessions, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, e.config.MinInterval)
	assert.NotNil(t, e.Registry())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "uploading_owned", StateUploadingOwned.String())
	assert.Equal(t, "State(42)", State(42).String())
}
