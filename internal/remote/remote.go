// Package remote defines the table API of the shared remote store the sync
// engine reconciles against.
//
// Rows travel as JSON objects. Implementations assign ids to inserted rows
// and maintain created_at/updated_at themselves; callers never send those
// columns.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an update or lookup matches no row.
	ErrNotFound = errors.New("row not found")
	// ErrConflict is returned when a write violates a unique key.
	ErrConflict = errors.New("unique key conflict")
)

// Error describes a failed remote call.
type Error struct {
	Op     string
	Table  string
	Status int // HTTP status when known
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: %s %s: status %d: %v", e.Op, e.Table, e.Status, e.Err)
	}
	return fmt.Sprintf("remote: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store is a remote table store.
type Store interface {
	// Select returns the rows of table matching q.
	Select(ctx context.Context, table string, q Query) ([]json.RawMessage, error)
	// Insert creates a row and returns it as stored.
	Insert(ctx context.Context, table string, row any) (json.RawMessage, error)
	// Update patches the row with the given id and returns it as stored.
	Update(ctx context.Context, table, id string, row any) (json.RawMessage, error)
	// Upsert inserts row, or patches the row matching it on the onConflict
	// columns (default "id").
	Upsert(ctx context.Context, table string, row any, onConflict ...string) (json.RawMessage, error)
	// Delete removes every row matching q. An empty query is rejected.
	Delete(ctx context.Context, table string, q Query) error
}

// Filter operators.
const (
	OpEq = "eq"
	OpIn = "in"
	OpGt = "gt"
)

// UpdatedAt is the column Since filters on.
const UpdatedAt = "updated_at"

// Filter is one column condition.
type Filter struct {
	Column string
	Op     string
	Values []string
}

// Query is a conjunction of filters. The zero value matches every row.
type Query struct {
	Filters []Filter
}

// Where adds column = value.
func (q Query) Where(column, value string) Query {
	return q.with(Filter{Column: column, Op: OpEq, Values: []string{value}})
}

// In adds column IN values.
func (q Query) In(column string, values ...string) Query {
	return q.with(Filter{Column: column, Op: OpIn, Values: values})
}

// Since adds updated_at > t. A zero t adds nothing.
func (q Query) Since(t time.Time) Query {
	if t.IsZero() {
		return q
	}
	return q.with(Filter{Column: UpdatedAt, Op: OpGt, Values: []string{t.UTC().Format(time.RFC3339Nano)}})
}

// IsEmpty reports whether q has no filters.
func (q Query) IsEmpty() bool { return len(q.Filters) == 0 }

func (q Query) with(f Filter) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	return Query{Filters: append(filters, f)}
}

// ByID matches one row by id.
func ByID(id string) Query {
	return Query{}.Where("id", id)
}

// SelectAs selects rows and decodes them into T.
func SelectAs[T any](ctx context.Context, s Store, table string, q Query) ([]T, error) {
	rows, err := s.Select(ctx, table, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Op: "select", Table: table, Err: fmt.Errorf("failed to decode row: %w", err)}
		}
		out = append(out, v)
	}
	return out, nil
}

// InsertAs inserts row and decodes the stored row into T.
func InsertAs[T any](ctx context.Context, s Store, table string, row any) (T, error) {
	return decode[T]("insert", table)(s.Insert(ctx, table, row))
}

// UpdateAs patches a row and decodes the stored row into T.
func UpdateAs[T any](ctx context.Context, s Store, table, id string, row any) (T, error) {
	return decode[T]("update", table)(s.Update(ctx, table, id, row))
}

// UpsertAs upserts a row and decodes the stored row into T.
func UpsertAs[T any](ctx context.Context, s Store, table string, row any, onConflict ...string) (T, error) {
	return decode[T]("upsert", table)(s.Upsert(ctx, table, row, onConflict...))
}

func decode[T any](op, table string) func(json.RawMessage, error) (T, error) {
	return func(raw json.RawMessage, err error) (T, error) {
		var v T
		if err != nil {
			return v, err
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, &Error{Op: op, Table: table, Err: fmt.Errorf("failed to decode row: %w", err)}
		}
		return v, nil
	}
}

// serverColumns are maintained by the remote store.
var serverColumns = []string{"id", "created_at", "updated_at"}

// Payload converts a record into the column map sent on insert or update,
// dropping server-maintained columns and any extra columns named in omit.
func Payload(v any, omit ...string) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	for _, col := range serverColumns {
		delete(row, col)
	}
	for _, col := range omit {
		delete(row, col)
	}
	return row, nil
}
