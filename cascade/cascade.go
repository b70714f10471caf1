// Package cascade implements multi-document deletion: profile deletion with
// roster reaping across all events, and organizer deletion which also
// removes the organizer's events and their rosters.
package cascade

import (
	"context"

	"goa.design/clue/log"

	"github.com/eventlot/eventlot/event"
	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
)

// Manager runs cascade deletions over a store.
type Manager struct {
	db    store.Store
	retry store.RetryConfig
}

// New returns a Manager backed by db.
func New(db store.Store) *Manager {
	return &Manager{db: db, retry: store.DefaultRetryConfig()}
}

// Result reports what one cascade removed.
type Result struct {
	// RosterMemberships counts removed membership records per roster kind.
	RosterMemberships map[roster.Kind]int
	// Events counts removed event documents (organizer cascade only).
	Events int
	// ProfileDeleted reports whether the profile document itself was removed.
	ProfileDeleted bool
}

// DeleteProfile removes the user's profile and every roster membership the
// user holds across all events. Memberships are found by collection-group
// query per roster kind and deleted in batches of at most MaxBatchOps; the
// profile document goes last, in its own batch, so an interrupted cascade
// leaves the profile present and the operation safely re-runnable.
func (m *Manager) DeleteProfile(ctx context.Context, userID string) (Result, error) {
	res := Result{RosterMemberships: make(map[roster.Kind]int)}
	if userID == "" {
		return res, store.Errorf(store.KindPreconditionFailed, "user id is required")
	}

	var ops []target
	for _, kind := range roster.Kinds() {
		snaps, err := m.db.CollectionGroup(ctx, string(kind), store.Query{
			Filters: []store.Filter{store.Where("user_id", "==", userID)},
		})
		if err != nil {
			return res, err
		}
		for _, s := range snaps {
			ops = append(ops, target{coll: s.Collection, id: s.ID})
		}
		res.RosterMemberships[kind] = len(snaps)
	}

	if err := m.deleteInChunks(ctx, ops); err != nil {
		return res, err
	}

	if err := store.WithRetry(ctx, m.retry, func() error {
		return m.db.Delete(ctx, event.ProfilesCollection, userID)
	}); err != nil {
		return res, err
	}
	res.ProfileDeleted = true
	log.Printf(ctx, "profile cascade complete",
		log.KV{K: "user_id", V: userID},
		log.KV{K: "memberships", V: len(ops)})
	return res, nil
}

// DeleteOrganizer removes the organizer's events with all their rosters,
// then cascades the organizer's own profile. Per event the order is rosters
// first, then the event document, so a partial failure never leaves an event
// document pointing at reaped rosters with no record of the event.
func (m *Manager) DeleteOrganizer(ctx context.Context, organizerID string) (Result, error) {
	res := Result{RosterMemberships: make(map[roster.Kind]int)}
	if organizerID == "" {
		return res, store.Errorf(store.KindPreconditionFailed, "organizer id is required")
	}

	snaps, err := m.db.Query(ctx, event.EventsCollection, store.Query{
		Filters: []store.Filter{store.Where("organizer_id", "==", organizerID)},
	})
	if err != nil {
		return res, err
	}
	for _, s := range snaps {
		if err := m.reapEvent(ctx, s.ID); err != nil {
			return res, err
		}
		res.Events++
	}

	pres, err := m.DeleteProfile(ctx, organizerID)
	if err != nil {
		return res, err
	}
	res.RosterMemberships = pres.RosterMemberships
	res.ProfileDeleted = pres.ProfileDeleted
	log.Printf(ctx, "organizer cascade complete",
		log.KV{K: "organizer_id", V: organizerID},
		log.KV{K: "events", V: res.Events})
	return res, nil
}

// ReapEventRosters deletes every membership record of every roster of the
// event. Used both by the organizer cascade and after a standalone event
// deletion.
func (m *Manager) ReapEventRosters(ctx context.Context, eventID string) (int, error) {
	var ops []target
	for _, kind := range roster.Kinds() {
		snaps, err := m.db.Query(ctx, kind.Path(eventID), store.Query{})
		if err != nil {
			return 0, err
		}
		for _, s := range snaps {
			ops = append(ops, target{coll: s.Collection, id: s.ID})
		}
	}
	if err := m.deleteInChunks(ctx, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

func (m *Manager) reapEvent(ctx context.Context, eventID string) error {
	if _, err := m.ReapEventRosters(ctx, eventID); err != nil {
		return err
	}
	return store.WithRetry(ctx, m.retry, func() error {
		return m.db.Delete(ctx, event.EventsCollection, eventID)
	})
}

// target addresses one document to delete.
type target struct {
	coll string
	id   string
}

// deleteInChunks commits delete operations in MaxBatchOps-sized batches,
// checking for cancellation between commits.
func (m *Manager) deleteInChunks(ctx context.Context, ops []target) error {
	for start := 0; start < len(ops); start += store.MaxBatchOps {
		if err := ctx.Err(); err != nil {
			return store.E(store.KindAborted, "cascade.delete", err)
		}
		end := start + store.MaxBatchOps
		if end > len(ops) {
			end = len(ops)
		}
		b := store.NewBatch()
		for _, op := range ops[start:end] {
			b.Delete(op.coll, op.id)
		}
		if err := store.WithRetry(ctx, m.retry, func() error { return m.db.Commit(ctx, b) }); err != nil {
			return err
		}
	}
	return nil
}
