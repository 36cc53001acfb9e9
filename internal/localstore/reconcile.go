package localstore

import (
	"context"
	"time"

	"github.com/clubroll/clubroll/internal/localstore/kv"
	"github.com/clubroll/clubroll/internal/model"
)

// PromoteClub replaces a club's temporary id with the server-issued one in
// the same transaction that rewrites every session and participant pointing
// at it. Server timestamps and owner are adopted. If a club with the server
// id is already held, the temporary row is folded into it and dropped.
func (s *Store) PromoteClub(ctx context.Context, oldID model.ID, remote model.Club) error {
	return s.mutate(ctx, "promote club", func(st *state, _ *kv.Tx) error {
		i := indexOf(st.Clubs, oldID)
		if i < 0 {
			return notFound("club", oldID)
		}
		if indexOf(st.Clubs, remote.ID) >= 0 {
			st.Clubs = append(st.Clubs[:i], st.Clubs[i+1:]...)
		} else {
			c := &st.Clubs[i]
			c.ID = remote.ID
			if c.OwnerID == "" {
				c.OwnerID = remote.OwnerID
			}
			c.Timestamps = remote.Timestamps
		}

		for j := range st.Sessions {
			if st.Sessions[j].ClubID == oldID {
				st.Sessions[j].ClubID = remote.ID
			}
		}
		for j := range st.Participants {
			if st.Participants[j].ClubID == oldID {
				st.Participants[j].ClubID = remote.ID
			}
		}
		return nil
	})
}

// PromoteSession replaces a session's temporary id and rewrites the
// enrollments and attendance records referencing it.
func (s *Store) PromoteSession(ctx context.Context, oldID model.ID, remote model.Session) error {
	return s.mutate(ctx, "promote session", func(st *state, _ *kv.Tx) error {
		i := indexOf(st.Sessions, oldID)
		if i < 0 {
			return notFound("session", oldID)
		}
		st.Sessions[i].ID = remote.ID
		st.Sessions[i].Timestamps = remote.Timestamps

		for j := range st.Enrollments {
			if st.Enrollments[j].SessionID == oldID {
				st.Enrollments[j].SessionID = remote.ID
			}
		}
		for j := range st.Attendance {
			if st.Attendance[j].SessionID == oldID {
				st.Attendance[j].SessionID = remote.ID
			}
		}
		return nil
	})
}

// PromoteParticipant replaces a participant's temporary id and rewrites the
// enrollments and attendance records referencing it.
func (s *Store) PromoteParticipant(ctx context.Context, oldID model.ID, remote model.Participant) error {
	return s.mutate(ctx, "promote participant", func(st *state, _ *kv.Tx) error {
		i := indexOf(st.Participants, oldID)
		if i < 0 {
			return notFound("participant", oldID)
		}
		st.Participants[i].ID = remote.ID
		st.Participants[i].Timestamps = remote.Timestamps

		for j := range st.Enrollments {
			if st.Enrollments[j].ParticipantID == oldID {
				st.Enrollments[j].ParticipantID = remote.ID
			}
		}
		for j := range st.Attendance {
			if st.Attendance[j].ParticipantID == oldID {
				st.Attendance[j].ParticipantID = remote.ID
			}
		}
		return nil
	})
}

// PromoteEnrollment gives an enrollment its server id. If a row with that
// id is already present the temporary row is dropped instead.
func (s *Store) PromoteEnrollment(ctx context.Context, oldID model.ID, remote model.ParticipantSession) error {
	return s.mutate(ctx, "promote enrollment", func(st *state, _ *kv.Tx) error {
		i := indexOf(st.Enrollments, oldID)
		if i < 0 {
			return notFound("enrollment", oldID)
		}
		if indexOf(st.Enrollments, remote.ID) >= 0 {
			st.Enrollments = append(st.Enrollments[:i], st.Enrollments[i+1:]...)
			return nil
		}
		st.Enrollments[i].ID = remote.ID
		st.Enrollments[i].Timestamps = remote.Timestamps
		return nil
	})
}

// PromoteAttendance gives an attendance record its server id and adopts the
// server copy's status and timestamps. If a row with that id is already
// present the temporary row is dropped instead.
func (s *Store) PromoteAttendance(ctx context.Context, oldID model.ID, remote model.AttendanceRecord) error {
	return s.mutate(ctx, "promote attendance", func(st *state, _ *kv.Tx) error {
		i := indexOf(st.Attendance, oldID)
		if i < 0 {
			return notFound("attendance record", oldID)
		}
		if indexOf(st.Attendance, remote.ID) >= 0 {
			st.Attendance = append(st.Attendance[:i], st.Attendance[i+1:]...)
			return nil
		}
		st.Attendance[i].ID = remote.ID
		st.Attendance[i].Status = remote.Status
		st.Attendance[i].Timestamps = remote.Timestamps
		return nil
	})
}

// AdoptStamps stores the server timestamps returned by an update, but only
// if the local record has not been edited since sent was read.
func (s *Store) AdoptStamps(ctx context.Context, table string, id model.ID, sent time.Time, server model.Timestamps) error {
	return s.mutate(ctx, "adopt stamps", func(st *state, _ *kv.Tx) error {
		var ts *model.Timestamps
		switch table {
		case model.TableClubs:
			if i := indexOf(st.Clubs, id); i >= 0 {
				ts = &st.Clubs[i].Timestamps
			}
		case model.TableSessions:
			if i := indexOf(st.Sessions, id); i >= 0 {
				ts = &st.Sessions[i].Timestamps
			}
		case model.TableParticipants:
			if i := indexOf(st.Participants, id); i >= 0 {
				ts = &st.Participants[i].Timestamps
			}
		case model.TableParticipantSessions:
			if i := indexOf(st.Enrollments, id); i >= 0 {
				ts = &st.Enrollments[i].Timestamps
			}
		case model.TableAttendance:
			if i := indexOf(st.Attendance, id); i >= 0 {
				ts = &st.Attendance[i].Timestamps
			}
		}
		if ts == nil || !ts.Stamp().Equal(sent) {
			return nil
		}
		*ts = server
		return nil
	})
}

// MergeBatch is a set of records fetched from the remote store.
type MergeBatch struct {
	Clubs        []model.Club
	Sessions     []model.Session
	Participants []model.Participant
	Enrollments  []model.ParticipantSession
	Attendance   []model.AttendanceRecord
}

// Len returns the number of records in the batch.
func (b *MergeBatch) Len() int {
	return len(b.Clubs) + len(b.Sessions) + len(b.Participants) + len(b.Enrollments) + len(b.Attendance)
}

// MergeStats counts what a merge did.
type MergeStats struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Merge folds remote records into the store in one transaction.
//
// A record whose id is unknown locally is inserted; a known record is
// replaced only when model.RemoteWins says so. Enrollments and attendance
// are also matched by logical key, so a local row still holding a temporary
// id adopts the server row instead of duplicating it. Records whose parent
// is missing locally, or whose club has a pending delete, are skipped.
func (s *Store) Merge(ctx context.Context, batch MergeBatch) (MergeStats, error) {
	var stats MergeStats

	err := s.mutate(ctx, "merge", func(st *state, tx *kv.Tx) error {
		pending, err := pendingDeletes(ctx, tx)
		if err != nil {
			return err
		}
		deleted := make(map[string]bool, len(pending))
		for _, pd := range pending {
			deleted[pd.ID] = true
		}

		for _, c := range batch.Clubs {
			if deleted[c.ID.String()] {
				stats.Skipped++
				continue
			}
			st.Clubs = mergeRecord(st.Clubs, c, &stats)
		}
		for _, x := range batch.Sessions {
			if deleted[x.ClubID.String()] || indexOf(st.Clubs, x.ClubID) < 0 {
				stats.Skipped++
				continue
			}
			st.Sessions = mergeRecord(st.Sessions, x, &stats)
		}
		for _, x := range batch.Participants {
			if deleted[x.ClubID.String()] || indexOf(st.Clubs, x.ClubID) < 0 {
				stats.Skipped++
				continue
			}
			st.Participants = mergeRecord(st.Participants, x, &stats)
		}
		for _, x := range batch.Enrollments {
			if indexOf(st.Sessions, x.SessionID) < 0 || indexOf(st.Participants, x.ParticipantID) < 0 {
				stats.Skipped++
				continue
			}
			st.Enrollments = mergeKeyed(st.Enrollments, x, &stats, model.ParticipantSession.Key)
		}
		for _, x := range batch.Attendance {
			if indexOf(st.Sessions, x.SessionID) < 0 || indexOf(st.Participants, x.ParticipantID) < 0 {
				stats.Skipped++
				continue
			}
			st.Attendance = mergeKeyed(st.Attendance, x, &stats, model.AttendanceRecord.Key)
		}
		return nil
	})
	if err != nil {
		return MergeStats{}, err
	}
	return stats, nil
}

func mergeRecord[T model.Record](items []T, remote T, stats *MergeStats) []T {
	i := indexOf(items, remote.RecordID())
	if i < 0 {
		stats.Inserted++
		return append(items, remote)
	}
	if model.RemoteWins(items[i].Stamp(), remote.Stamp()) {
		items[i] = remote
		stats.Updated++
		return items
	}
	stats.Skipped++
	return items
}

func mergeKeyed[T model.Record, K comparable](items []T, remote T, stats *MergeStats, key func(T) K) []T {
	if indexOf(items, remote.RecordID()) >= 0 {
		return mergeRecord(items, remote, stats)
	}

	k := key(remote)
	for i, item := range items {
		if key(item) != k {
			continue
		}
		if item.RecordID().IsLocal() || model.RemoteWins(item.Stamp(), remote.Stamp()) {
			items[i] = remote
			stats.Updated++
		} else {
			stats.Skipped++
		}
		return items
	}

	stats.Inserted++
	return append(items, remote)
}

// LastSync returns the timestamp of the last successful cycle, or the zero
// time if the device never synced.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var raw string
	ok, err := s.readKey(ctx, KeyLastSync, &raw)
	if err != nil {
		return time.Time{}, wrap("read last sync", err)
	}
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, wrap("read last sync", err)
	}
	return t, nil
}

// SetLastSync persists the timestamp of a successful cycle.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return wrap("write last sync", s.db.Update(ctx, func(tx *kv.Tx) error {
		return putJSON(ctx, tx, KeyLastSync, t.UTC().Format(time.RFC3339Nano))
	}))
}
