package localstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/clubroll/clubroll/internal/localstore/kv"
	"github.com/clubroll/clubroll/internal/model"
)

// Clubs returns every club, ordered by name.
func (s *Store) Clubs(ctx context.Context) ([]model.Club, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	clubs := snap.Clubs
	sort.SliceStable(clubs, func(i, j int) bool {
		return strings.ToLower(clubs[i].Name) < strings.ToLower(clubs[j].Name)
	})
	return clubs, nil
}

// Club returns one club by id.
func (s *Store) Club(ctx context.Context, id model.ID) (model.Club, error) {
	var clubs []model.Club
	if _, err := s.readKey(ctx, KeyClubs, &clubs); err != nil {
		return model.Club{}, wrap("get club", err)
	}
	if i := indexOf(clubs, id); i >= 0 {
		return clubs[i], nil
	}
	return model.Club{}, wrap("get club", notFound("club", id))
}

// SaveClub replaces the club with the same id, or appends it under a new
// temporary id when it has none. The stored record is returned.
func (s *Store) SaveClub(ctx context.Context, club model.Club) (model.Club, error) {
	if err := club.Validate(); err != nil {
		return model.Club{}, wrap("save club", invalid("club", err))
	}

	err := s.mutate(ctx, "save club", func(st *state, _ *kv.Tx) error {
		st.Clubs, club = upsert(st.Clubs, club, s.now(), func(c *model.Club) *model.Timestamps { return &c.Timestamps },
			func(c *model.Club, id model.ID) { c.ID = id })
		return nil
	})
	if err != nil {
		return model.Club{}, err
	}
	return club, nil
}

// DeleteClub removes a club and everything hanging off it: its sessions and
// participants, their enrollments and every attendance record touching them.
// Deleting a confirmed club leaves a tombstone so the remote copy is removed
// on the next sync. Missing clubs are not an error.
func (s *Store) DeleteClub(ctx context.Context, id model.ID) error {
	return s.mutate(ctx, "delete club", func(st *state, tx *kv.Tx) error {
		i := indexOf(st.Clubs, id)
		if i < 0 {
			return nil
		}
		club := st.Clubs[i]
		st.Clubs = append(st.Clubs[:i], st.Clubs[i+1:]...)

		sessions := make(map[model.ID]bool)
		st.Sessions = removeWhere(st.Sessions, func(x model.Session) bool {
			if x.ClubID == id {
				sessions[x.ID] = true
				return true
			}
			return false
		})
		participants := make(map[model.ID]bool)
		st.Participants = removeWhere(st.Participants, func(x model.Participant) bool {
			if x.ClubID == id {
				participants[x.ID] = true
				return true
			}
			return false
		})
		st.cascade(sessions, participants)

		s.logger.WithField("club", id).Infof("Deleted club %q (%d sessions, %d participants)",
			club.Name, len(sessions), len(participants))

		if id.IsLocal() {
			return nil
		}
		return s.addPendingDelete(ctx, tx, PendingDelete{Table: model.TableClubs, ID: id.String(), OwnerID: club.OwnerID})
	})
}

// Sessions returns the sessions of a club ordered by weekday and start time.
// An empty clubID returns every session.
func (s *Store) Sessions(ctx context.Context, clubID model.ID) ([]model.Session, error) {
	var all []model.Session
	if _, err := s.readKey(ctx, KeySessions, &all); err != nil {
		return nil, wrap("list sessions", err)
	}
	out := all
	if !clubID.IsZero() {
		out = removeWhere(all, func(x model.Session) bool { return x.ClubID != clubID })
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

// SaveSession stores a session. Its club must exist.
func (s *Store) SaveSession(ctx context.Context, session model.Session) (model.Session, error) {
	if err := session.Validate(); err != nil {
		return model.Session{}, wrap("save session", invalid("session", err))
	}

	err := s.mutate(ctx, "save session", func(st *state, _ *kv.Tx) error {
		if indexOf(st.Clubs, session.ClubID) < 0 {
			return notFound("club", session.ClubID)
		}
		st.Sessions, session = upsert(st.Sessions, session, s.now(), func(x *model.Session) *model.Timestamps { return &x.Timestamps },
			func(x *model.Session, id model.ID) { x.ID = id })
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// DeleteSession removes a session with its enrollments and attendance.
func (s *Store) DeleteSession(ctx context.Context, id model.ID) error {
	return s.mutate(ctx, "delete session", func(st *state, _ *kv.Tx) error {
		i := indexOf(st.Sessions, id)
		if i < 0 {
			return nil
		}
		st.Sessions = append(st.Sessions[:i], st.Sessions[i+1:]...)
		st.cascade(map[model.ID]bool{id: true}, nil)
		return nil
	})
}

// Participants returns the participants of a club ordered by name. An empty
// clubID returns every participant.
func (s *Store) Participants(ctx context.Context, clubID model.ID) ([]model.Participant, error) {
	var all []model.Participant
	if _, err := s.readKey(ctx, KeyParticipants, &all); err != nil {
		return nil, wrap("list participants", err)
	}
	out := all
	if !clubID.IsZero() {
		out = removeWhere(all, func(x model.Participant) bool { return x.ClubID != clubID })
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].LastName+" "+out[i].FirstName), strings.ToLower(out[j].LastName+" "+out[j].FirstName)
		return a < b
	})
	return out, nil
}

// SaveParticipant stores a participant. Its club must exist.
func (s *Store) SaveParticipant(ctx context.Context, p model.Participant) (model.Participant, error) {
	if err := p.Validate(); err != nil {
		return model.Participant{}, wrap("save participant", invalid("participant", err))
	}

	err := s.mutate(ctx, "save participant", func(st *state, _ *kv.Tx) error {
		if indexOf(st.Clubs, p.ClubID) < 0 {
			return notFound("club", p.ClubID)
		}
		st.Participants, p = upsert(st.Participants, p, s.now(), func(x *model.Participant) *model.Timestamps { return &x.Timestamps },
			func(x *model.Participant, id model.ID) { x.ID = id })
		return nil
	})
	if err != nil {
		return model.Participant{}, err
	}
	return p, nil
}

// DeleteParticipant removes a participant with their enrollments and
// attendance.
func (s *Store) DeleteParticipant(ctx context.Context, id model.ID) error {
	return s.mutate(ctx, "delete participant", func(st *state, _ *kv.Tx) error {
		i := indexOf(st.Participants, id)
		if i < 0 {
			return nil
		}
		st.Participants = append(st.Participants[:i], st.Participants[i+1:]...)
		st.cascade(nil, map[model.ID]bool{id: true})
		return nil
	})
}

// cascade drops enrollments and attendance touching the given sessions or
// participants.
func (st *state) cascade(sessions, participants map[model.ID]bool) {
	st.Enrollments = removeWhere(st.Enrollments, func(x model.ParticipantSession) bool {
		return sessions[x.SessionID] || participants[x.ParticipantID]
	})
	st.Attendance = removeWhere(st.Attendance, func(x model.AttendanceRecord) bool {
		return sessions[x.SessionID] || participants[x.ParticipantID]
	})
}

// PendingDelete is a tombstone for a remote record deleted locally.
type PendingDelete struct {
	Table   string `json:"table"`
	ID      string `json:"id"`
	OwnerID string `json:"owner_id,omitempty"`
}

// PendingDeletes returns the tombstones awaiting remote deletion.
func (s *Store) PendingDeletes(ctx context.Context) ([]PendingDelete, error) {
	var out []PendingDelete
	if _, err := s.readKey(ctx, KeyPendingDeletes, &out); err != nil {
		return nil, wrap("list pending deletes", err)
	}
	return out, nil
}

// ClearPendingDelete removes a tombstone once the remote side is handled.
func (s *Store) ClearPendingDelete(ctx context.Context, pd PendingDelete) error {
	return wrap("clear pending delete", s.db.Update(ctx, func(tx *kv.Tx) error {
		list, err := pendingDeletes(ctx, tx)
		if err != nil {
			return err
		}
		list = removeWhere(list, func(x PendingDelete) bool { return x.Table == pd.Table && x.ID == pd.ID })
		return putJSON(ctx, tx, KeyPendingDeletes, list)
	}))
}

func (s *Store) addPendingDelete(ctx context.Context, tx *kv.Tx, pd PendingDelete) error {
	list, err := pendingDeletes(ctx, tx)
	if err != nil {
		return err
	}
	for _, x := range list {
		if x.Table == pd.Table && x.ID == pd.ID {
			return nil
		}
	}
	return putJSON(ctx, tx, KeyPendingDeletes, append(list, pd))
}

func pendingDeletes(ctx context.Context, tx *kv.Tx) ([]PendingDelete, error) {
	var list []PendingDelete
	data, ok, err := tx.Get(ctx, KeyPendingDeletes)
	if err != nil || !ok {
		return nil, err
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func putJSON(ctx context.Context, tx *kv.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(ctx, key, data)
}
