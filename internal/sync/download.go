package sync

import (
	"fmt"
	"time"

	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote"
)

// download fetches what changed remotely since the last sync and merges it.
// Clubs the device has never held, or just adopted, are fetched in full.
// Rows uploaded in this cycle are left out so they are not merged back over
// themselves.
func (c *cycle) download(clubs []model.Club) error {
	e := c.engine

	snap, err := e.local.Snapshot(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to read local snapshot: %w", err)
	}
	held := make(map[model.ID]bool, len(snap.Clubs))
	for _, club := range snap.Clubs {
		held[club.ID] = true
	}

	var batch localstore.MergeBatch
	for _, rc := range clubs {
		since := c.since
		if !held[rc.ID] || c.adopted[rc.ID] {
			since = time.Time{}
		}
		c.fetchClub(&batch, snap, rc, since)
	}

	batch.Clubs = withoutSkipped(c, batch.Clubs)
	batch.Sessions = withoutSkipped(c, batch.Sessions)
	batch.Participants = withoutSkipped(c, batch.Participants)
	batch.Enrollments = withoutSkipped(c, batch.Enrollments)
	batch.Attendance = withoutSkipped(c, batch.Attendance)

	if batch.Len() == 0 {
		return nil
	}
	stats, err := e.local.Merge(c.ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to merge remote changes: %w", err)
	}
	c.stats.Downloaded += stats.Inserted + stats.Updated
	c.stats.Skipped += stats.Skipped
	e.metrics.downloaded.Add(float64(stats.Inserted + stats.Updated))
	return nil
}

// fetchClub adds one club's changes to batch. Only sessions and
// participants changed since since are listed; enrollment and attendance are
// then fetched for those sessions plus the confirmed sessions already held.
func (c *cycle) fetchClub(batch *localstore.MergeBatch, snap *localstore.Snapshot, rc model.Club, since time.Time) {
	if changedSince(rc, since) {
		batch.Clubs = append(batch.Clubs, rc)
	}

	byClub := remote.Query{}.Where("club_id", rc.ID.String()).Since(since)

	sessions, err := selectRows[model.Session](c, model.TableSessions, byClub)
	if err != nil {
		c.incomplete = true
		c.fail(model.TableSessions, rc.ID, "download", err)
		return
	}
	participants, err := selectRows[model.Participant](c, model.TableParticipants, byClub)
	if err != nil {
		c.incomplete = true
		c.fail(model.TableParticipants, rc.ID, "download", err)
		return
	}
	batch.Sessions = append(batch.Sessions, sessions...)
	batch.Participants = append(batch.Participants, participants...)

	ids := sessionIDs(snap, rc.ID, sessions, since)
	if len(ids) == 0 {
		return
	}
	q := remote.Query{}.In("session_id", ids...).Since(since)

	enrollments, err := selectRows[model.ParticipantSession](c, model.TableParticipantSessions, q)
	if err != nil {
		c.incomplete = true
		c.fail(model.TableParticipantSessions, rc.ID, "download", err)
	} else {
		batch.Enrollments = append(batch.Enrollments, enrollments...)
	}

	attendance, err := selectRows[model.AttendanceRecord](c, model.TableAttendance, q)
	if err != nil {
		c.incomplete = true
		c.fail(model.TableAttendance, rc.ID, "download", err)
	} else {
		batch.Attendance = append(batch.Attendance, attendance...)
	}
}

func changedSince(r model.Record, since time.Time) bool {
	return since.IsZero() || r.Stamp().After(since)
}

// sessionIDs lists the remote sessions of a club worth querying for
// enrollment and attendance: the changed ones plus, on a delta fetch, every
// confirmed session the device already holds.
func sessionIDs(snap *localstore.Snapshot, clubID model.ID, changed []model.Session, since time.Time) []string {
	seen := make(map[model.ID]bool, len(changed))
	var ids []string
	add := func(id model.ID) {
		if id.IsLocal() || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id.String())
	}
	for _, s := range changed {
		add(s.ID)
	}
	if !since.IsZero() {
		for _, s := range snap.ClubSessions(clubID) {
			add(s.ID)
		}
	}
	return ids
}

func withoutSkipped[T model.Record](c *cycle, rows []T) []T {
	out := rows[:0]
	for _, r := range rows {
		if !c.skip[r.RecordID().String()] {
			out = append(out, r)
		}
	}
	return out
}
