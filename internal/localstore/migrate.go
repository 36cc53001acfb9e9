package localstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clubroll/clubroll/internal/localstore/kv"
)

// legacyKeys maps collection keys written by older releases to their
// current names.
var legacyKeys = []struct {
	from, to string
}{
	{"members", KeyParticipants},
	{"enrollments", KeyEnrollments},
	{"attendance", KeyAttendance},
}

func migratedFlag(legacy string) string {
	return "migrated:" + legacy
}

// MigrateLegacyKeys moves records stored under legacy keys into the current
// collections. Records whose id already exists in the target are dropped.
// Each legacy key is migrated in its own transaction that also deletes the
// old key and sets a completion flag, so running it again is a no-op.
//
// Returns the number of records moved.
func (s *Store) MigrateLegacyKeys(ctx context.Context) (int, error) {
	total := 0
	for _, lk := range legacyKeys {
		var moved int
		err := s.db.Update(ctx, func(tx *kv.Tx) error {
			var err error
			moved, err = migrateKey(ctx, tx, lk.from, lk.to)
			return err
		})
		if err != nil {
			return total, &StorageError{Op: "migrate", Key: lk.from, Err: err}
		}
		if moved > 0 {
			s.logger.WithField("key", lk.from).Infof("Migrated %d records from %s to %s", moved, lk.from, lk.to)
		}
		total += moved
	}
	return total, nil
}

func migrateKey(ctx context.Context, tx *kv.Tx, from, to string) (int, error) {
	if _, done, err := tx.Get(ctx, migratedFlag(from)); err != nil || done {
		return 0, err
	}

	legacy, ok, err := tx.Get(ctx, from)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, tx.Put(ctx, migratedFlag(from), []byte("true"))
	}

	var old []json.RawMessage
	if err := json.Unmarshal(legacy, &old); err != nil {
		return 0, fmt.Errorf("failed to decode legacy %s: %w", from, err)
	}

	var current []json.RawMessage
	data, ok, err := tx.Get(ctx, to)
	if err != nil {
		return 0, err
	}
	if ok {
		if err := json.Unmarshal(data, &current); err != nil {
			return 0, fmt.Errorf("failed to decode %s: %w", to, err)
		}
	}

	seen := make(map[string]bool, len(current))
	for _, raw := range current {
		seen[rawID(raw)] = true
	}

	moved := 0
	for _, raw := range old {
		id := rawID(raw)
		if id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		current = append(current, raw)
		moved++
	}

	if moved > 0 {
		if err := putJSON(ctx, tx, to, current); err != nil {
			return 0, err
		}
	}
	if err := tx.Delete(ctx, from); err != nil {
		return 0, err
	}
	if err := tx.Put(ctx, migratedFlag(from), []byte("true")); err != nil {
		return 0, err
	}
	return moved, nil
}

func rawID(raw json.RawMessage) string {
	var rec struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &rec)
	return rec.ID
}
