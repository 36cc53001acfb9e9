package sync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote"
)

// keyed is a row identified by a logical key as well as its id.
type keyed[K comparable] interface {
	record
	Key() K
	ReferencesLocal() bool
}

// uploadOwned pushes local edits for every club the device holds with a
// server id. Sessions and participants are diffed by id; enrollments and
// attendance by logical key. Remote-only rows are deleted only by the
// club's owner.
func (c *cycle) uploadOwned(snap *localstore.Snapshot, clubs []model.Club) {
	e := c.engine

	byID := make(map[model.ID]model.Club, len(clubs))
	for _, rc := range clubs {
		byID[rc.ID] = rc
	}

	var held []model.Club
	for _, club := range snap.Clubs {
		if club.ID.IsLocal() {
			continue
		}
		rc, ok := byID[club.ID]
		if !ok {
			c.stats.Skipped++
			c.logger.WithField("id", club.ID.String()).Debug("Club missing remotely, skipping upload")
			continue
		}
		held = append(held, rc)

		owner := c.owns(rc)
		if owner && !model.RemoteWins(club.Stamp(), rc.Stamp()) {
			update(c, model.TableClubs, club)
		}

		remoteSessions, err := selectRows[model.Session](c, model.TableSessions, remote.Query{}.Where("club_id", club.ID.String()))
		if err != nil {
			c.fail(model.TableSessions, club.ID, "select", err)
		} else {
			reconcileByID(c, model.TableSessions, snap.ClubSessions(club.ID), remoteSessions, owner,
				e.local.PromoteSession, "session_id")
		}

		remoteParticipants, err := selectRows[model.Participant](c, model.TableParticipants, remote.Query{}.Where("club_id", club.ID.String()))
		if err != nil {
			c.fail(model.TableParticipants, club.ID, "select", err)
		} else {
			reconcileByID(c, model.TableParticipants, snap.ClubParticipants(club.ID), remoteParticipants, owner,
				e.local.PromoteParticipant, "participant_id")
		}
	}

	if len(held) == 0 {
		return
	}

	// Promotions above rewrote enrollment and attendance references.
	snap, err := e.local.Snapshot(c.ctx)
	if err != nil {
		c.fail("snapshot", model.ID{}, "read", err)
		return
	}

	for _, rc := range held {
		owner := c.owns(rc)

		ids := make(map[model.ID]bool)
		var sessionIDs []string
		for _, s := range snap.ClubSessions(rc.ID) {
			if s.ID.IsLocal() {
				continue
			}
			ids[s.ID] = true
			sessionIDs = append(sessionIDs, s.ID.String())
		}
		if len(sessionIDs) == 0 {
			continue
		}
		bySession := remote.Query{}.In("session_id", sessionIDs...)

		enrollments, err := selectRows[model.ParticipantSession](c, model.TableParticipantSessions, bySession)
		if err != nil {
			c.fail(model.TableParticipantSessions, rc.ID, "select", err)
		} else {
			reconcileByKey[model.ParticipantSession, model.EnrollmentKey](c, model.TableParticipantSessions, snap.SessionEnrollments(ids), enrollments, owner,
				e.local.PromoteEnrollment, nil, "participant_id", "session_id")
		}

		attendance, err := selectRows[model.AttendanceRecord](c, model.TableAttendance, bySession)
		if err != nil {
			c.fail(model.TableAttendance, rc.ID, "select", err)
		} else {
			reconcileByKey[model.AttendanceRecord, model.AttendanceKey](c, model.TableAttendance, snap.SessionAttendance(ids), attendance, owner,
				e.local.PromoteAttendance, statusDiffers, "participant_id", "session_id", "date")
		}
	}
}

// owns reports whether this device may delete the club's rows remotely. A
// club adopted in this cycle has history the device never downloaded.
func (c *cycle) owns(club model.Club) bool {
	return club.OwnerID != "" && club.OwnerID == c.userID && !c.adopted[club.ID]
}

func statusDiffers(l, r model.AttendanceRecord) bool {
	return l.Status != r.Status
}

// reconcileByID diffs sessions or participants of one club. childColumn
// names the column enrollment and attendance rows reference the record by;
// those rows are deleted before the record itself.
func reconcileByID[T record](
	c *cycle,
	table string,
	locals, remotes []T,
	owner bool,
	promote func(context.Context, model.ID, T) error,
	childColumn string,
) {
	remoteByID := make(map[model.ID]T, len(remotes))
	for _, r := range remotes {
		remoteByID[r.RecordID()] = r
	}

	held := make(map[model.ID]bool, len(locals))
	for _, l := range locals {
		id := l.RecordID()
		held[id] = true

		if id.IsLocal() {
			if !c.tried[id] {
				insert(c, table, l, promote, nil)
			}
			continue
		}
		r, ok := remoteByID[id]
		if !ok {
			c.stats.Skipped++
			continue
		}
		if model.RemoteWins(l.Stamp(), r.Stamp()) {
			continue
		}
		update(c, table, l)
	}

	if !owner {
		return
	}
	for _, r := range remotes {
		id := r.RecordID()
		if held[id] || !c.deletable(r.Created()) {
			continue
		}
		c.deleteRemote(table, id, func() error {
			q := remote.Query{}.Where(childColumn, id.String())
			for _, child := range []string{model.TableAttendance, model.TableParticipantSessions} {
				if err := deleteRows(c, child, q); err != nil {
					return err
				}
			}
			return deleteRows(c, table, remote.ByID(id.String()))
		})
	}
}

// reconcileByKey diffs enrollment or attendance rows on their logical key.
// A local row holding a temporary id is upserted on the key columns, so a
// concurrent row for the same key is adopted instead of duplicated. Rows
// that still reference an unpromoted session or participant wait for a
// later cycle. differs reports whether a local row carries content the
// remote row lacks; nil means rows sharing a key are identical.
func reconcileByKey[T keyed[K], K comparable](
	c *cycle,
	table string,
	locals, remotes []T,
	owner bool,
	promote func(context.Context, model.ID, T) error,
	differs func(l, r T) bool,
	keyColumns ...string,
) {
	remoteByKey := make(map[K]T, len(remotes))
	for _, r := range remotes {
		remoteByKey[r.Key()] = r
	}

	held := make(map[K]bool, len(locals))
	for _, l := range locals {
		if l.ReferencesLocal() {
			c.stats.Skipped++
			continue
		}
		key := l.Key()
		held[key] = true
		id := l.RecordID()

		r, ok := remoteByKey[key]
		switch {
		case !ok && id.IsLocal():
			upsert(c, table, l, promote, keyColumns)
		case !ok:
			c.stats.Skipped++
		case r.RecordID() != id:
			if differs != nil && differs(l, r) && !model.RemoteWins(l.Stamp(), r.Stamp()) {
				upsert(c, table, l, promote, keyColumns)
				continue
			}
			if err := promote(c.ctx, id, r); err != nil {
				c.fail(table, id, "promote", err)
			}
		case !model.RemoteWins(l.Stamp(), r.Stamp()):
			update(c, table, l)
		}
	}

	if !owner {
		return
	}
	for _, r := range remotes {
		if held[r.Key()] || !c.deletable(r.Created()) {
			continue
		}
		id := r.RecordID()
		c.deleteRemote(table, id, func() error {
			return deleteRows(c, table, remote.ByID(id.String()))
		})
	}
}

// upsert writes a row on its key columns and promotes the local row to the
// stored one.
func upsert[T record](c *cycle, table string, rec T, promote func(context.Context, model.ID, T) error, keyColumns []string) {
	row, err := remote.Payload(rec)
	if err != nil {
		c.fail(table, rec.RecordID(), "encode", err)
		return
	}

	ctx, cancel := c.remoteCtx()
	stored, err := remote.UpsertAs[T](ctx, c.engine.remote, table, row, keyColumns...)
	cancel()
	if err != nil {
		c.fail(table, rec.RecordID(), "upsert", err)
		return
	}
	if stored.RecordID() != rec.RecordID() {
		if err := promote(c.ctx, rec.RecordID(), stored); err != nil {
			c.fail(table, rec.RecordID(), "promote", err)
			return
		}
	}
	c.uploaded(table, stored.RecordID())
}

func (c *cycle) deleteRemote(table string, id model.ID, del func() error) {
	if id.IsLocal() {
		return
	}
	if err := del(); err != nil {
		if isNotFound(err) {
			return
		}
		c.fail(table, id, "delete", err)
		return
	}
	c.stats.Deleted++
	c.engine.metrics.deleted.WithLabelValues(table).Inc()
	c.logger.WithFields(logrus.Fields{"table": table, "id": id.String()}).Debug("Deleted remote record")
}
