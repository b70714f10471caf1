// Package registry implements the event registry: event document CRUD,
// organizer and entrant listings, waiting-list admission, roster reads, and
// per-user collection-group lookups.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/eventlot/eventlot/event"
	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
)

// Registry exposes event registry operations over a store.
type Registry struct {
	db  store.Store
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry backed by db.
func New(db store.Store, opts ...Option) *Registry {
	r := &Registry{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateEvent validates and persists the event, assigning an ID when none is
// supplied. A zero status defaults to DRAFT; OPEN publishes immediately.
func (r *Registry) CreateEvent(ctx context.Context, ev event.Event) (event.Event, error) {
	if ev.Status == "" {
		ev.Status = event.StatusDraft
	}
	if ev.Status != event.StatusDraft && ev.Status != event.StatusOpen {
		return event.Event{}, store.Errorf(store.KindPreconditionFailed, "new event status must be DRAFT or OPEN, got %s", ev.Status)
	}
	if ev.WaitingListCap == 0 {
		ev.WaitingListCap = event.UnlimitedCap
	}
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.QRPayloadID == "" {
		ev.QRPayloadID = event.QRPayload(ev.ID)
	}
	now := r.now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	if err := r.db.Set(ctx, event.EventsCollection, ev.ID, ev.Doc()); err != nil {
		return event.Event{}, err
	}
	log.Printf(ctx, "event created", log.KV{K: "event_id", V: ev.ID}, log.KV{K: "status", V: string(ev.Status)})
	return ev, nil
}

// Publish transitions a draft event to OPEN.
func (r *Registry) Publish(ctx context.Context, eventID string) (event.Event, error) {
	return r.transition(ctx, eventID, event.StatusOpen)
}

// Cancel moves the event to CANCELLED from any non-terminal state.
func (r *Registry) Cancel(ctx context.Context, eventID string) (event.Event, error) {
	return r.transition(ctx, eventID, event.StatusCancelled)
}

func (r *Registry) transition(ctx context.Context, eventID string, next event.Status) (event.Event, error) {
	ev, err := r.GetEvent(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}
	if !ev.Status.CanTransition(next) {
		return event.Event{}, store.Errorf(store.KindPreconditionFailed, "cannot transition event %s from %s to %s", eventID, ev.Status, next)
	}
	ev.Status = next
	ev.UpdatedAt = r.now().UTC()
	if err := r.db.Update(ctx, event.EventsCollection, eventID, store.Doc{
		"status":     string(next),
		"updated_at": ev.UpdatedAt,
	}); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// EventUpdate is a field-level event update; nil fields are left unchanged.
// Organizer ID is immutable, and capacity is frozen once a draw has occurred.
type EventUpdate struct {
	Name                *string
	Description         *string
	Dates               *[]time.Time
	Location            *string
	RegistrationStart   *time.Time
	RegistrationEnd     *time.Time
	Capacity            *int
	WaitingListCap      *int
	GeolocationRequired *bool
	PosterRef           *string
	EventType           *string
}

// UpdateEvent applies the non-nil fields of upd.
func (r *Registry) UpdateEvent(ctx context.Context, eventID string, upd EventUpdate) (event.Event, error) {
	ev, err := r.GetEvent(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}
	if upd.Capacity != nil && !ev.LastDrawAt.IsZero() {
		return event.Event{}, store.Errorf(store.KindPreconditionFailed, "capacity of event %s is frozen after a draw", eventID)
	}
	if upd.Name != nil {
		ev.Name = *upd.Name
	}
	if upd.Description != nil {
		ev.Description = *upd.Description
	}
	if upd.Dates != nil {
		ev.Dates = *upd.Dates
	}
	if upd.Location != nil {
		ev.Location = *upd.Location
	}
	if upd.RegistrationStart != nil {
		ev.RegistrationStart = *upd.RegistrationStart
	}
	if upd.RegistrationEnd != nil {
		ev.RegistrationEnd = *upd.RegistrationEnd
	}
	if upd.Capacity != nil {
		ev.Capacity = *upd.Capacity
	}
	if upd.WaitingListCap != nil {
		ev.WaitingListCap = *upd.WaitingListCap
	}
	if upd.GeolocationRequired != nil {
		ev.GeolocationRequired = *upd.GeolocationRequired
	}
	if upd.PosterRef != nil {
		ev.PosterRef = *upd.PosterRef
	}
	if upd.EventType != nil {
		ev.EventType = *upd.EventType
	}
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}
	ev.UpdatedAt = r.now().UTC()
	if err := r.db.Set(ctx, event.EventsCollection, eventID, ev.Doc()); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// DeleteEvent removes the event document only. Roster subcollection reaping
// is the cascade manager's job.
func (r *Registry) DeleteEvent(ctx context.Context, eventID string) error {
	return r.db.Delete(ctx, event.EventsCollection, eventID)
}

// GetEvent loads one event.
func (r *Registry) GetEvent(ctx context.Context, eventID string) (event.Event, error) {
	doc, err := r.db.Get(ctx, event.EventsCollection, eventID)
	if err != nil {
		return event.Event{}, err
	}
	return event.EventFromDoc(eventID, doc), nil
}

// ListByOrganizer returns the organizer's events.
func (r *Registry) ListByOrganizer(ctx context.Context, organizerID string) ([]event.Event, error) {
	snaps, err := r.db.Query(ctx, event.EventsCollection, store.Query{
		Filters: []store.Filter{store.Where("organizer_id", "==", organizerID)},
		OrderBy: "created_at",
	})
	if err != nil {
		return nil, err
	}
	return decodeEvents(snaps), nil
}

// ListAll returns every event.
func (r *Registry) ListAll(ctx context.Context) ([]event.Event, error) {
	snaps, err := r.db.Query(ctx, event.EventsCollection, store.Query{OrderBy: "created_at"})
	if err != nil {
		return nil, err
	}
	return decodeEvents(snaps), nil
}

// ListOpenForEntrant returns every OPEN event whose registration window
// contains now. The store query filters on status only; the window predicate
// is evaluated here so no composite index is required.
func (r *Registry) ListOpenForEntrant(ctx context.Context) ([]event.Event, error) {
	snaps, err := r.db.Query(ctx, event.EventsCollection, store.Query{
		Filters: []store.Filter{store.Where("status", "==", string(event.StatusOpen))},
	})
	if err != nil {
		return nil, err
	}
	now := r.now()
	var out []event.Event
	for _, s := range snaps {
		ev := event.EventFromDoc(s.ID, s.Data)
		if ev.RegistrationOpenAt(now) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Roster loads one roster of the event.
func (r *Registry) Roster(ctx context.Context, eventID string, kind roster.Kind) (*roster.Roster, error) {
	snaps, err := r.db.Query(ctx, kind.Path(eventID), store.Query{})
	if err != nil {
		return nil, err
	}
	return roster.FromSnapshots(kind, eventID, snaps), nil
}

// UserMembership pairs an event with the user's membership record in one of
// its rosters.
type UserMembership struct {
	EventID string
	Event   *event.Event // nil when the event document is missing
	Member  roster.Member
}

// UserMemberships returns every (event, membership) pair where the user
// appears in the given roster kind, via a collection-group query. Used to
// populate the entrant dashboard without a per-event scan.
func (r *Registry) UserMemberships(ctx context.Context, userID string, kind roster.Kind) ([]UserMembership, error) {
	snaps, err := r.db.CollectionGroup(ctx, string(kind), store.Query{
		Filters: []store.Filter{store.Where("user_id", "==", userID)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]UserMembership, 0, len(snaps))
	for _, s := range snaps {
		m := roster.MemberFromDoc(s.ID, s.Data)
		eventID := m.EventID
		if eventID == "" {
			eventID = store.ParentID(s.Collection)
		}
		um := UserMembership{EventID: eventID, Member: m}
		if doc, err := r.db.Get(ctx, event.EventsCollection, eventID); err == nil {
			ev := event.EventFromDoc(eventID, doc)
			um.Event = &ev
		} else if !store.IsNotFound(err) {
			return nil, err
		}
		out = append(out, um)
	}
	return out, nil
}

// CheckIn flags the user's in-event membership as checked in.
func (r *Registry) CheckIn(ctx context.Context, eventID, userID string) error {
	coll := roster.InEvent.Path(eventID)
	if _, err := r.db.Get(ctx, coll, userID); err != nil {
		if store.IsNotFound(err) {
			return store.Errorf(store.KindPreconditionFailed, "user %s is not enrolled in event %s", userID, eventID)
		}
		return err
	}
	return r.db.Update(ctx, coll, userID, store.Doc{"checked_in": true})
}

// SaveProfile upserts the profile document.
func (r *Registry) SaveProfile(ctx context.Context, p event.Profile) error {
	if p.UserID == "" {
		return store.Errorf(store.KindPreconditionFailed, "user id is required")
	}
	if p.Role == "" {
		p.Role = event.RoleEntrant
	}
	return r.db.Set(ctx, event.ProfilesCollection, p.UserID, p.Doc())
}

// GetProfile loads one profile.
func (r *Registry) GetProfile(ctx context.Context, userID string) (event.Profile, error) {
	doc, err := r.db.Get(ctx, event.ProfilesCollection, userID)
	if err != nil {
		return event.Profile{}, err
	}
	return event.ProfileFromDoc(userID, doc), nil
}

// ListNotificationLogs returns the audit log records of an event, newest
// first.
func (r *Registry) ListNotificationLogs(ctx context.Context, eventID string) ([]event.NotificationLog, error) {
	snaps, err := r.db.Query(ctx, event.LogsCollection, store.Query{
		Filters: []store.Filter{store.Where("event_id", "==", eventID)},
		OrderBy: "sent_at",
		Desc:    true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]event.NotificationLog, len(snaps))
	for i, s := range snaps {
		out[i] = event.NotificationLogFromDoc(s.ID, s.Data)
	}
	return out, nil
}

func decodeEvents(snaps []store.Snapshot) []event.Event {
	out := make([]event.Event, len(snaps))
	for i, s := range snaps {
		out[i] = event.EventFromDoc(s.ID, s.Data)
	}
	return out
}
