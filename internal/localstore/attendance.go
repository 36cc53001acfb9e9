package localstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/clubroll/clubroll/internal/localstore/kv"
	"github.com/clubroll/clubroll/internal/model"
)

// Enrollments returns the participant/session pairs of a session. An empty
// sessionID returns every enrollment.
func (s *Store) Enrollments(ctx context.Context, sessionID model.ID) ([]model.ParticipantSession, error) {
	var all []model.ParticipantSession
	if _, err := s.readKey(ctx, KeyEnrollments, &all); err != nil {
		return nil, wrap("list enrollments", err)
	}
	if sessionID.IsZero() {
		return all, nil
	}
	return removeWhere(all, func(x model.ParticipantSession) bool { return x.SessionID != sessionID }), nil
}

// SetSessionParticipants makes participantIDs the exact set of regulars of
// a session. Pairs that already exist keep their id, new pairs get a
// temporary id and pairs not listed are removed.
func (s *Store) SetSessionParticipants(ctx context.Context, sessionID model.ID, participantIDs []model.ID) ([]model.ParticipantSession, error) {
	var result []model.ParticipantSession

	err := s.mutate(ctx, "set session participants", func(st *state, _ *kv.Tx) error {
		si := indexOf(st.Sessions, sessionID)
		if si < 0 {
			return notFound("session", sessionID)
		}
		clubID := st.Sessions[si].ClubID

		wanted := make(map[model.ID]bool, len(participantIDs))
		for _, pid := range participantIDs {
			pi := indexOf(st.Participants, pid)
			if pi < 0 {
				return notFound("participant", pid)
			}
			if st.Participants[pi].ClubID != clubID {
				return fmt.Errorf("%w: participant %s is not in club %s", ErrInvalid, pid, clubID)
			}
			wanted[pid] = true
		}

		existing := make(map[model.ID]bool)
		st.Enrollments = removeWhere(st.Enrollments, func(x model.ParticipantSession) bool {
			if x.SessionID != sessionID {
				return false
			}
			if !wanted[x.ParticipantID] || existing[x.ParticipantID] {
				return true
			}
			existing[x.ParticipantID] = true
			result = append(result, x)
			return false
		})

		now := s.now()
		for _, pid := range participantIDs {
			if existing[pid] {
				continue
			}
			existing[pid] = true
			row := model.ParticipantSession{
				ID:            model.NewLocalID(now),
				ParticipantID: pid,
				SessionID:     sessionID,
			}
			row.Touch(now)
			st.Enrollments = append(st.Enrollments, row)
			result = append(result, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Attendance returns the attendance records of a session, optionally limited
// to one date (YYYY-MM-DD). Records are ordered by date then participant.
func (s *Store) Attendance(ctx context.Context, sessionID model.ID, date string) ([]model.AttendanceRecord, error) {
	var all []model.AttendanceRecord
	if _, err := s.readKey(ctx, KeyAttendance, &all); err != nil {
		return nil, wrap("list attendance", err)
	}
	out := removeWhere(all, func(x model.AttendanceRecord) bool {
		return (!sessionID.IsZero() && x.SessionID != sessionID) || (date != "" && x.Date != date)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ParticipantID.String() < out[j].ParticipantID.String()
	})
	return out, nil
}

// SaveAttendanceBatch records one attendance sheet. Every record must share
// the same (session_id, date); all existing records for that pair are
// replaced by the batch, and records without an id get a fresh temporary
// one. Submitting the same sheet twice leaves the same set of records.
//
// When a participant appears more than once, the last entry wins.
func (s *Store) SaveAttendanceBatch(ctx context.Context, records []model.AttendanceRecord) ([]model.AttendanceRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	sessionID, date := records[0].SessionID, records[0].Date
	byParticipant := make(map[model.ID]int)
	var batch []model.AttendanceRecord
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, wrap("save attendance", invalid("attendance record", err))
		}
		if rec.SessionID != sessionID || rec.Date != date {
			return nil, wrap("save attendance", fmt.Errorf("%w: batch mixes (%s, %s) with (%s, %s)",
				ErrInvalid, sessionID, date, rec.SessionID, rec.Date))
		}
		if i, ok := byParticipant[rec.ParticipantID]; ok {
			batch[i] = rec
			continue
		}
		byParticipant[rec.ParticipantID] = len(batch)
		batch = append(batch, rec)
	}

	err := s.mutate(ctx, "save attendance", func(st *state, _ *kv.Tx) error {
		si := indexOf(st.Sessions, sessionID)
		if si < 0 {
			return notFound("session", sessionID)
		}
		for _, rec := range batch {
			pi := indexOf(st.Participants, rec.ParticipantID)
			if pi < 0 {
				return notFound("participant", rec.ParticipantID)
			}
			if st.Participants[pi].ClubID != st.Sessions[si].ClubID {
				return fmt.Errorf("%w: participant %s is not in the session's club", ErrInvalid, rec.ParticipantID)
			}
		}

		st.Attendance = removeWhere(st.Attendance, func(x model.AttendanceRecord) bool {
			return x.SessionID == sessionID && x.Date == date
		})

		now := s.now()
		for i := range batch {
			if batch[i].ID.IsZero() {
				batch[i].ID = model.NewLocalID(now)
			}
			batch[i].Touch(now)
		}
		st.Attendance = append(st.Attendance, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}
