package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote"
)

// cycle holds the state of one run.
type cycle struct {
	engine *Engine
	ctx    context.Context
	logger logrus.FieldLogger
	userID string

	start time.Time
	// since is the start of the last successful cycle, zero on first sync.
	since time.Time

	// skip holds ids uploaded in this cycle; download discards them.
	skip  map[string]bool
	stats CycleStats

	// tried holds local ids whose insert was attempted in this cycle.
	tried map[model.ID]bool

	// adopted holds clubs this device just matched to an existing remote
	// club; their history is downloaded in full.
	adopted map[model.ID]bool

	// incomplete is set when part of the download failed.
	incomplete bool
}

// record is a synchronized entity with server-maintained timestamps.
type record interface {
	model.Record
	Created() time.Time
}

func (c *cycle) run() error {
	e := c.engine

	since, err := e.local.LastSync(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to read last sync: %w", err)
	}
	c.since = since

	e.setState(StateUploadingNew)
	snap, err := e.local.Snapshot(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to read local snapshot: %w", err)
	}
	c.uploadNewClubs(snap)
	c.processPendingDeletes()

	e.setState(StateUploadingOwned)
	if snap, err = e.local.Snapshot(c.ctx); err != nil {
		return fmt.Errorf("failed to read local snapshot: %w", err)
	}
	clubs, err := c.remoteClubs(snap)
	if err != nil {
		return fmt.Errorf("failed to list remote clubs: %w", err)
	}
	c.uploadOwned(snap, clubs)

	e.setState(StateDownloading)
	if err := c.download(clubs); err != nil {
		return err
	}

	if c.incomplete {
		return nil
	}
	if err := e.local.SetLastSync(c.ctx, c.start); err != nil {
		return fmt.Errorf("failed to save last sync: %w", err)
	}
	return nil
}

// remoteCtx bounds one remote call.
func (c *cycle) remoteCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.engine.config.RemoteTimeout)
}

func selectRows[T any](c *cycle, table string, q remote.Query) ([]T, error) {
	ctx, cancel := c.remoteCtx()
	defer cancel()
	return remote.SelectAs[T](ctx, c.engine.remote, table, q)
}

func deleteRows(c *cycle, table string, q remote.Query) error {
	ctx, cancel := c.remoteCtx()
	defer cancel()
	return c.engine.remote.Delete(ctx, table, q)
}

// fail records a per-record failure. The cycle carries on.
func (c *cycle) fail(table string, id model.ID, op string, err error) {
	c.stats.Failed++
	c.engine.metrics.failures.WithLabelValues(table, op).Inc()
	c.logger.WithFields(logrus.Fields{
		"table": table,
		"id":    id.String(),
		"op":    op,
	}).WithError(err).Warn("Warning: failed to sync record")
}

func (c *cycle) uploaded(table string, id model.ID) {
	c.skip[id.String()] = true
	c.stats.Uploaded++
	c.engine.metrics.uploaded.WithLabelValues(table).Inc()
}

// insert sends a record created on this device and promotes its local id
// to the one the server assigned.
func insert[T record](c *cycle, table string, rec T, promote func(context.Context, model.ID, T) error, extra map[string]any) (T, bool) {
	var stored T
	c.tried[rec.RecordID()] = true

	row, err := remote.Payload(rec)
	if err != nil {
		c.fail(table, rec.RecordID(), "encode", err)
		return stored, false
	}
	for k, v := range extra {
		row[k] = v
	}

	ctx, cancel := c.remoteCtx()
	stored, err = remote.InsertAs[T](ctx, c.engine.remote, table, row)
	cancel()
	if err != nil {
		c.fail(table, rec.RecordID(), "insert", err)
		return stored, false
	}

	if err := promote(c.ctx, rec.RecordID(), stored); err != nil {
		c.fail(table, rec.RecordID(), "promote", err)
		return stored, false
	}
	c.uploaded(table, stored.RecordID())
	c.logger.WithFields(logrus.Fields{
		"table": table,
		"from":  rec.RecordID().String(),
		"to":    stored.RecordID().String(),
	}).Debug("Promoted record")
	return stored, true
}

// update sends a local edit and stores the server timestamps it produced.
func update[T record](c *cycle, table string, rec T) bool {
	row, err := remote.Payload(rec)
	if err != nil {
		c.fail(table, rec.RecordID(), "encode", err)
		return false
	}

	ctx, cancel := c.remoteCtx()
	raw, err := c.engine.remote.Update(ctx, table, rec.RecordID().String(), row)
	cancel()
	if err != nil {
		c.fail(table, rec.RecordID(), "update", err)
		return false
	}

	var server model.Timestamps
	if err := json.Unmarshal(raw, &server); err != nil {
		c.fail(table, rec.RecordID(), "decode", err)
		return false
	}
	if err := c.engine.local.AdoptStamps(c.ctx, table, rec.RecordID(), rec.Stamp(), server); err != nil {
		c.fail(table, rec.RecordID(), "adopt", err)
		return false
	}
	c.uploaded(table, rec.RecordID())
	return true
}

// uploadNewClubs inserts clubs created on this device, together with their
// sessions and participants. A club already stored remotely under the same
// name and owner is adopted instead of duplicated.
func (c *cycle) uploadNewClubs(snap *localstore.Snapshot) {
	e := c.engine

	for _, club := range snap.Clubs {
		if !club.ID.IsLocal() {
			continue
		}
		owner := club.OwnerID
		if owner == "" {
			owner = c.userID
		}

		found, err := selectRows[model.Club](c, model.TableClubs,
			remote.Query{}.Where("name", club.Name).Where("owner_id", owner))
		if err != nil {
			c.fail(model.TableClubs, club.ID, "lookup", err)
			continue
		}

		var promoted model.Club
		if len(found) > 0 {
			promoted = found[0]
			if err := e.local.PromoteClub(c.ctx, club.ID, promoted); err != nil {
				c.fail(model.TableClubs, club.ID, "promote", err)
				continue
			}
			c.adopted[promoted.ID] = true
			c.logger.WithFields(logrus.Fields{
				"from": club.ID.String(),
				"to":   promoted.ID.String(),
			}).Info("Adopted existing remote club")
		} else {
			var ok bool
			promoted, ok = insert(c, model.TableClubs, club, e.local.PromoteClub,
				map[string]any{"owner_id": owner})
			if !ok {
				continue
			}
		}

		for _, s := range snap.ClubSessions(club.ID) {
			if !s.ID.IsLocal() {
				continue
			}
			s.ClubID = promoted.ID
			insert(c, model.TableSessions, s, e.local.PromoteSession, nil)
		}
		for _, p := range snap.ClubParticipants(club.ID) {
			if !p.ID.IsLocal() {
				continue
			}
			p.ClubID = promoted.ID
			insert(c, model.TableParticipants, p, e.local.PromoteParticipant, nil)
		}
	}
}

// processPendingDeletes deletes clubs removed on this device. Only the
// owner deletes; the tombstone is dropped once the club is gone or found
// to belong to someone else, and kept for the next cycle on failure.
func (c *cycle) processPendingDeletes() {
	e := c.engine

	pending, err := e.local.PendingDeletes(c.ctx)
	if err != nil {
		c.fail("pending_deletes", model.ID{}, "read", err)
		return
	}

	for _, pd := range pending {
		id := model.ParseID(pd.ID)
		if pd.Table != model.TableClubs || id.IsLocal() {
			c.clearPending(pd)
			continue
		}

		rows, err := selectRows[model.Club](c, model.TableClubs, remote.ByID(pd.ID))
		if err != nil {
			c.fail(model.TableClubs, id, "lookup", err)
			continue
		}
		switch {
		case len(rows) == 0:
			c.logger.WithField("id", pd.ID).Debug("Club already deleted remotely")
		case rows[0].OwnerID != c.userID:
			c.logger.WithField("id", pd.ID).Info("Not deleting club owned by another user")
		default:
			if err := c.deleteClubTree(id); err != nil {
				c.fail(model.TableClubs, id, "delete", err)
				continue
			}
			c.stats.Deleted++
			e.metrics.deleted.WithLabelValues(model.TableClubs).Inc()
		}
		c.clearPending(pd)
	}
}

func (c *cycle) clearPending(pd localstore.PendingDelete) {
	if err := c.engine.local.ClearPendingDelete(c.ctx, pd); err != nil {
		c.fail(pd.Table, model.ParseID(pd.ID), "clear", err)
	}
}

// deleteClubTree deletes a club and everything under it, children first.
func (c *cycle) deleteClubTree(id model.ID) error {
	sessions, err := selectRows[model.Session](c, model.TableSessions, remote.Query{}.Where("club_id", id.String()))
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		ids := make([]string, len(sessions))
		for i, s := range sessions {
			ids[i] = s.ID.String()
		}
		for _, table := range []string{model.TableAttendance, model.TableParticipantSessions} {
			if err := deleteRows(c, table, remote.Query{}.In("session_id", ids...)); err != nil {
				return err
			}
		}
	}
	for _, table := range []string{model.TableSessions, model.TableParticipants} {
		if err := deleteRows(c, table, remote.Query{}.Where("club_id", id.String())); err != nil {
			return err
		}
	}
	return deleteRows(c, model.TableClubs, remote.ByID(id.String()))
}

// remoteClubs lists the clubs this cycle works on: those the user owns and
// those the device holds.
func (c *cycle) remoteClubs(snap *localstore.Snapshot) ([]model.Club, error) {
	clubs, err := selectRows[model.Club](c, model.TableClubs, remote.Query{}.Where("owner_id", c.userID))
	if err != nil {
		return nil, err
	}

	seen := make(map[model.ID]bool, len(clubs))
	for _, club := range clubs {
		seen[club.ID] = true
	}
	var missing []string
	for _, club := range snap.Clubs {
		if !club.ID.IsLocal() && !seen[club.ID] {
			missing = append(missing, club.ID.String())
		}
	}
	if len(missing) == 0 {
		return clubs, nil
	}

	shared, err := selectRows[model.Club](c, model.TableClubs, remote.Query{}.In("id", missing...))
	if err != nil {
		return nil, err
	}
	return append(clubs, shared...), nil
}

// deletable reports whether a row present remotely but not locally was
// deleted on this device. Rows created after the last sync were never
// downloaded and are new from elsewhere.
func (c *cycle) deletable(created time.Time) bool {
	return !c.since.IsZero() && !created.IsZero() && !created.After(c.since)
}

func isNotFound(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}
