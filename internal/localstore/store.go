// Package localstore is the durable on-device record of every entity and
// the only thing the UI reads from.
//
// Each entity collection is one JSON array under its own key in the kv
// database. Every operation loads and writes the collections it needs inside
// one SQLite transaction, so a reader never observes a half-applied cascade,
// promotion or merge.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clubroll/clubroll/internal/localstore/kv"
	"github.com/clubroll/clubroll/internal/model"
)

// Storage keys.
const (
	KeyClubs          = model.TableClubs
	KeySessions       = model.TableSessions
	KeyParticipants   = model.TableParticipants
	KeyEnrollments    = model.TableParticipantSessions
	KeyAttendance     = model.TableAttendance
	KeyLastSync       = "last_sync"
	KeyAuthToken      = "auth_token"
	KeyPendingDeletes = "pending_deletes"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid record")
)

// StorageError is returned by every Store operation that fails.
type StorageError struct {
	Op  string
	Key string // set when the failure concerns one storage key
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Options configures a Store.
type Options struct {
	// Clock returns the current time (default time.Now).
	Clock func() time.Time
	// Logger for store activity (default: logrus standard logger).
	Logger logrus.FieldLogger
}

// Store is the local entity store.
type Store struct {
	db     *kv.DB
	now    func() time.Time
	logger logrus.FieldLogger
}

// Open opens (or creates) the store at path and migrates legacy keys.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, path string, opts *Options) (*Store, error) {
	db, err := kv.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	s := New(db, opts)
	if _, err := s.MigrateLegacyKeys(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database.
func New(db *kv.DB, opts *Options) *Store {
	if opts == nil {
		opts = &Options{}
	}
	s := &Store{db: db, now: opts.Clock, logger: opts.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.logger = s.logger.WithField("component", "localstore")
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Snapshot holds every collection as read in one transaction.
type Snapshot struct {
	Clubs        []model.Club
	Sessions     []model.Session
	Participants []model.Participant
	Enrollments  []model.ParticipantSession
	Attendance   []model.AttendanceRecord
}

// Snapshot reads all collections in a single storage call.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(ctx, func(tx *kv.Tx) error {
		st, err := load(ctx, tx)
		if err != nil {
			return err
		}
		snap = &st.Snapshot
		return nil
	})
	if err != nil {
		return nil, wrap("snapshot", err)
	}
	return snap, nil
}

// ClubSessions returns the sessions of one club.
func (snap *Snapshot) ClubSessions(clubID model.ID) []model.Session {
	var out []model.Session
	for _, sess := range snap.Sessions {
		if sess.ClubID == clubID {
			out = append(out, sess)
		}
	}
	return out
}

// ClubParticipants returns the participants of one club.
func (snap *Snapshot) ClubParticipants(clubID model.ID) []model.Participant {
	var out []model.Participant
	for _, p := range snap.Participants {
		if p.ClubID == clubID {
			out = append(out, p)
		}
	}
	return out
}

// SessionEnrollments returns the enrollments touching any of sessionIDs.
func (snap *Snapshot) SessionEnrollments(sessionIDs map[model.ID]bool) []model.ParticipantSession {
	var out []model.ParticipantSession
	for _, e := range snap.Enrollments {
		if sessionIDs[e.SessionID] {
			out = append(out, e)
		}
	}
	return out
}

// SessionAttendance returns the attendance records touching any of sessionIDs.
func (snap *Snapshot) SessionAttendance(sessionIDs map[model.ID]bool) []model.AttendanceRecord {
	var out []model.AttendanceRecord
	for _, a := range snap.Attendance {
		if sessionIDs[a.SessionID] {
			out = append(out, a)
		}
	}
	return out
}

// References reports whether any record still points at id.
func (snap *Snapshot) References(id model.ID) bool {
	for _, c := range snap.Clubs {
		if c.ID == id {
			return true
		}
	}
	for _, x := range snap.Sessions {
		if x.ID == id || x.ClubID == id {
			return true
		}
	}
	for _, x := range snap.Participants {
		if x.ID == id || x.ClubID == id {
			return true
		}
	}
	for _, x := range snap.Enrollments {
		if x.ID == id || x.ParticipantID == id || x.SessionID == id {
			return true
		}
	}
	for _, x := range snap.Attendance {
		if x.ID == id || x.ParticipantID == id || x.SessionID == id {
			return true
		}
	}
	return false
}

// state is a Snapshot plus the raw bytes it was decoded from, so that save
// only rewrites collections that changed.
type state struct {
	Snapshot
	raw map[string][]byte
}

func load(ctx context.Context, tx *kv.Tx) (*state, error) {
	st := &state{raw: make(map[string][]byte)}

	targets := []struct {
		key string
		dst any
	}{
		{KeyClubs, &st.Clubs},
		{KeySessions, &st.Sessions},
		{KeyParticipants, &st.Participants},
		{KeyEnrollments, &st.Enrollments},
		{KeyAttendance, &st.Attendance},
	}

	for _, t := range targets {
		data, ok, err := tx.Get(ctx, t.key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		st.raw[t.key] = data
		if err := json.Unmarshal(data, t.dst); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", t.key, err)
		}
	}

	return st, nil
}

func (st *state) save(ctx context.Context, tx *kv.Tx) error {
	sources := []struct {
		key string
		src any
		n   int
	}{
		{KeyClubs, st.Clubs, len(st.Clubs)},
		{KeySessions, st.Sessions, len(st.Sessions)},
		{KeyParticipants, st.Participants, len(st.Participants)},
		{KeyEnrollments, st.Enrollments, len(st.Enrollments)},
		{KeyAttendance, st.Attendance, len(st.Attendance)},
	}

	for _, src := range sources {
		prev, existed := st.raw[src.key]
		if src.n == 0 {
			if existed && string(prev) != "[]" {
				if err := tx.Put(ctx, src.key, []byte("[]")); err != nil {
					return err
				}
			}
			continue
		}

		data, err := json.Marshal(src.src)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", src.key, err)
		}
		if existed && string(prev) == string(data) {
			continue
		}
		if err := tx.Put(ctx, src.key, data); err != nil {
			return err
		}
	}
	return nil
}

// mutate runs fn against the current state inside one write transaction and
// persists the collections fn changed.
func (s *Store) mutate(ctx context.Context, op string, fn func(st *state, tx *kv.Tx) error) error {
	err := s.db.Update(ctx, func(tx *kv.Tx) error {
		st, err := load(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(st, tx); err != nil {
			return err
		}
		return st.save(ctx, tx)
	})
	return wrap(op, err)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func notFound(kind string, id model.ID) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func invalid(kind string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalid, kind, err)
}

// readKey decodes a JSON value stored under key into dst. ok is false when
// the key is absent.
func (s *Store) readKey(ctx context.Context, key string, dst any) (bool, error) {
	data, ok, err := s.db.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}
