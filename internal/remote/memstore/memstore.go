// Package memstore is an in-memory remote.Store.
//
// It behaves like the hosted service where the sync engine can observe it:
// ids are uuids, created_at/updated_at come from the store's clock, logical
// keys of join tables are unique, and Select filters with the same operators.
// Call counters and failure injection make it the engine's test double.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote"
)

// Row is one stored row.
type Row map[string]any

// Str returns a column as a string.
func (r Row) Str(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Operations, as used by Calls and Fail.
const (
	OpSelect = "select"
	OpInsert = "insert"
	OpUpdate = "update"
	OpUpsert = "upsert"
	OpDelete = "delete"
)

type failure struct {
	match func(Row) bool
	err   error
}

// Store is the in-memory store.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	tables   map[string][]Row
	unique   map[string][]string
	calls    map[string]int
	served   map[string]int
	failures map[string][]failure
}

var _ remote.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithUniqueKey declares a unique column set on table.
func WithUniqueKey(table string, columns ...string) Option {
	return func(s *Store) { s.unique[table] = columns }
}

// New creates an empty store. Join and attendance tables get their logical
// keys as unique constraints.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		tables:   make(map[string][]Row),
		calls:    make(map[string]int),
		served:   make(map[string]int),
		failures: make(map[string][]failure),
		unique: map[string][]string{
			model.TableParticipantSessions: {"participant_id", "session_id"},
			model.TableAttendance:          {"participant_id", "session_id", "date"},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func callKey(op, table string) string { return op + ":" + table }

// Calls returns how many times op ran against table.
func (s *Store) Calls(op, table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callKey(op, table)]
}

// Served returns how many rows Select has returned from table.
func (s *Store) Served(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served[table]
}

// ResetCalls zeroes all counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
	s.served = make(map[string]int)
}

// Fail makes every op on table return err.
func (s *Store) Fail(op, table string, err error) {
	s.FailWhen(op, table, nil, err)
}

// FailWhen makes op on table return err when match accepts the row being
// written (or, for select and delete, always when match is nil).
func (s *Store) FailWhen(op, table string, match func(Row) bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := callKey(op, table)
	s.failures[k] = append(s.failures[k], failure{match: match, err: err})
}

// ClearFailures removes all injected failures.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string][]failure)
}

// Seed stores rows as given, keeping their ids and timestamps. Missing ids
// and timestamps are filled in.
func (s *Store) Seed(table string, rows ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range rows {
		row, err := toRow(v)
		if err != nil {
			return err
		}
		now := s.stamp()
		if row.Str("id") == "" {
			row["id"] = uuid.NewString()
		}
		if row.Str("created_at") == "" {
			row["created_at"] = now
		}
		if row.Str("updated_at") == "" {
			row["updated_at"] = row["created_at"]
		}
		s.tables[table] = append(s.tables[table], row)
	}
	return nil
}

// Rows returns a copy of every row in table.
func (s *Store) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, clone(r))
	}
	return out
}

// Select implements remote.Store.
func (s *Store) Select(ctx context.Context, table string, q remote.Query) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, OpSelect, table, nil); err != nil {
		return nil, err
	}

	var out []json.RawMessage
	for _, r := range s.tables[table] {
		if !matches(r, q) {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return nil, &remote.Error{Op: OpSelect, Table: table, Err: err}
		}
		out = append(out, data)
	}
	s.served[table] += len(out)
	return out, nil
}

// Insert implements remote.Store.
func (s *Store) Insert(ctx context.Context, table string, v any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := toRow(v)
	if err != nil {
		return nil, &remote.Error{Op: OpInsert, Table: table, Err: err}
	}
	if err := s.enter(ctx, OpInsert, table, row); err != nil {
		return nil, err
	}
	return s.insert(table, row)
}

func (s *Store) insert(table string, row Row) (json.RawMessage, error) {
	if i := s.findUnique(table, row); i >= 0 {
		return nil, &remote.Error{Op: OpInsert, Table: table, Status: 409,
			Err: fmt.Errorf("%w: %s %v", remote.ErrConflict, table, s.unique[table])}
	}
	now := s.stamp()
	if row.Str("id") == "" {
		row["id"] = uuid.NewString()
	}
	row["created_at"] = now
	row["updated_at"] = now
	s.tables[table] = append(s.tables[table], row)
	return json.Marshal(row)
}

// Update implements remote.Store.
func (s *Store) Update(ctx context.Context, table, id string, v any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	patch, err := toRow(v)
	if err != nil {
		return nil, &remote.Error{Op: OpUpdate, Table: table, Err: err}
	}
	patch["id"] = id
	if err := s.enter(ctx, OpUpdate, table, patch); err != nil {
		return nil, err
	}

	for _, r := range s.tables[table] {
		if r.Str("id") == id {
			return s.patch(r, patch)
		}
	}
	return nil, &remote.Error{Op: OpUpdate, Table: table, Status: 404, Err: remote.ErrNotFound}
}

func (s *Store) patch(r, patch Row) (json.RawMessage, error) {
	for k, v := range patch {
		if k == "id" || k == "created_at" || k == "updated_at" {
			continue
		}
		r[k] = v
	}
	r["updated_at"] = s.stamp()
	return json.Marshal(r)
}

// Upsert implements remote.Store.
func (s *Store) Upsert(ctx context.Context, table string, v any, onConflict ...string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := toRow(v)
	if err != nil {
		return nil, &remote.Error{Op: OpUpsert, Table: table, Err: err}
	}
	if err := s.enter(ctx, OpUpsert, table, row); err != nil {
		return nil, err
	}

	cols := onConflict
	if len(cols) == 0 {
		cols = []string{"id"}
	}
	for _, r := range s.tables[table] {
		if sameKey(r, row, cols) {
			return s.patch(r, row)
		}
	}
	return s.insert(table, row)
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, table string, q remote.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, OpDelete, table, nil); err != nil {
		return err
	}
	if q.IsEmpty() {
		return &remote.Error{Op: OpDelete, Table: table, Err: fmt.Errorf("refusing to delete without a filter")}
	}

	kept := s.tables[table][:0]
	for _, r := range s.tables[table] {
		if !matches(r, q) {
			kept = append(kept, r)
		}
	}
	s.tables[table] = kept
	return nil
}

// enter counts the call and applies injected failures. Called with mu held.
func (s *Store) enter(ctx context.Context, op, table string, row Row) error {
	s.calls[callKey(op, table)]++
	if err := ctx.Err(); err != nil {
		return &remote.Error{Op: op, Table: table, Err: err}
	}
	for _, f := range s.failures[callKey(op, table)] {
		if f.match == nil || (row != nil && f.match(row)) {
			return &remote.Error{Op: op, Table: table, Err: f.err}
		}
	}
	return nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) findUnique(table string, row Row) int {
	cols, ok := s.unique[table]
	if !ok {
		cols = []string{"id"}
	}
	if row.Str("id") == "" && slices.Equal(cols, []string{"id"}) {
		return -1
	}
	for i, r := range s.tables[table] {
		if sameKey(r, row, cols) {
			return i
		}
	}
	return -1
}

func sameKey(a, b Row, cols []string) bool {
	for _, c := range cols {
		if a.Str(c) != b.Str(c) {
			return false
		}
	}
	return true
}

func matches(r Row, q remote.Query) bool {
	for _, f := range q.Filters {
		v := r.Str(f.Column)
		switch f.Op {
		case remote.OpEq:
			if len(f.Values) == 0 || v != f.Values[0] {
				return false
			}
		case remote.OpIn:
			if !slices.Contains(f.Values, v) {
				return false
			}
		case remote.OpGt:
			if len(f.Values) == 0 || !after(v, f.Values[0]) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// after compares RFC3339 timestamps, falling back to string order.
func after(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b) > 0
	}
	return ta.After(tb)
}

func toRow(v any) (Row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	if row == nil {
		row = Row{}
	}
	return row, nil
}

func clone(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
