package localstore

import (
	"time"

	"github.com/clubroll/clubroll/internal/model"
)

func indexOf[T model.Record](items []T, id model.ID) int {
	if id.IsZero() {
		return -1
	}
	for i, item := range items {
		if item.RecordID() == id {
			return i
		}
	}
	return -1
}

// removeWhere filters items in place, dropping those matching pred.
func removeWhere[T any](items []T, pred func(T) bool) []T {
	out := items[:0]
	for _, item := range items {
		if !pred(item) {
			out = append(out, item)
		}
	}
	return out
}

// upsert replaces the item with rec's id or appends rec, minting a
// temporary id when rec has none. Local edits always advance updated_at.
func upsert[T model.Record](
	items []T,
	rec T,
	now time.Time,
	stamps func(*T) *model.Timestamps,
	setID func(*T, model.ID),
) ([]T, T) {
	if rec.RecordID().IsZero() {
		setID(&rec, model.NewLocalID(now))
		stamps(&rec).Touch(now)
		return append(items, rec), rec
	}

	if i := indexOf(items, rec.RecordID()); i >= 0 {
		ts := stamps(&rec)
		if ts.CreatedAt.IsZero() {
			ts.CreatedAt = stamps(&items[i]).CreatedAt
		}
		ts.Touch(now)
		items[i] = rec
		return items, rec
	}

	stamps(&rec).Touch(now)
	return append(items, rec), rec
}
