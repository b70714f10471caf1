package registry

import (
	"context"

	"goa.design/clue/log"

	"github.com/eventlot/eventlot/event"
	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
)

// JoinWaitingList admits the user to the event's waiting list.
//
// Admission checks: the event exists, its status is OPEN, the registration
// window contains now, and capacity is non-zero. When the waiting-list cap
// is set, the size check and the membership write run inside a store
// transaction so the cap is hard under concurrent admission; the unlimited
// case takes the plain write path. Duplicate joins are a no-op (the record
// is keyed by user ID).
func (r *Registry) JoinWaitingList(ctx context.Context, eventID, userID string, geo *roster.Geo) error {
	if userID == "" {
		return store.Errorf(store.KindPreconditionFailed, "user id is required")
	}
	now := r.now().UTC()
	coll := roster.Waiting.Path(eventID)
	member := roster.Member{
		UserID:    userID,
		EventID:   eventID,
		EnteredAt: now,
		Status:    roster.StatusWaiting,
		Geo:       geo,
	}

	ev, err := r.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if err := admissible(&ev, r); err != nil {
		return err
	}
	if ev.GeolocationRequired && geo == nil {
		return store.Errorf(store.KindPreconditionFailed, "event %s requires geolocation to join", eventID)
	}

	if ev.WaitingListCap == event.UnlimitedCap {
		// No cap to defend; the keyed write keeps duplicates idempotent.
		if _, err := r.db.Get(ctx, coll, userID); err == nil {
			return nil
		} else if !store.IsNotFound(err) {
			return err
		}
		if err := r.db.Set(ctx, coll, userID, member.Doc()); err != nil {
			return err
		}
		log.Printf(ctx, "joined waiting list", log.KV{K: "event_id", V: eventID}, log.KV{K: "user_id", V: userID})
		return nil
	}

	err = r.db.RunTransaction(ctx, func(tx store.Tx) error {
		evDoc, err := tx.Get(event.EventsCollection, eventID)
		if err != nil {
			return err
		}
		ev := event.EventFromDoc(eventID, evDoc)
		if err := admissible(&ev, r); err != nil {
			return err
		}
		if _, err := tx.Get(coll, userID); err == nil {
			return nil // already waiting
		} else if !store.IsNotFound(err) {
			return err
		}
		size, err := tx.Count(coll, store.Query{})
		if err != nil {
			return err
		}
		if size >= ev.WaitingListCap {
			return store.Errorf(store.KindPreconditionFailed, "waiting list of event %s is full (%d/%d)", eventID, size, ev.WaitingListCap)
		}
		tx.Set(coll, userID, member.Doc())
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf(ctx, "joined waiting list", log.KV{K: "event_id", V: eventID}, log.KV{K: "user_id", V: userID})
	return nil
}

// LeaveWaitingList removes the user's waiting membership. Idempotent.
func (r *Registry) LeaveWaitingList(ctx context.Context, eventID, userID string) error {
	return r.db.Delete(ctx, roster.Waiting.Path(eventID), userID)
}

func admissible(ev *event.Event, r *Registry) error {
	if ev.Status != event.StatusOpen {
		return store.Errorf(store.KindPreconditionFailed, "event %s is not open for registration (status %s)", ev.ID, ev.Status)
	}
	if !ev.RegistrationOpenAt(r.now()) {
		return store.Errorf(store.KindPreconditionFailed, "registration window of event %s is closed", ev.ID)
	}
	if ev.Capacity < 1 {
		return store.Errorf(store.KindPreconditionFailed, "event %s has no capacity", ev.ID)
	}
	return nil
}
