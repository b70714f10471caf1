// Package event defines the domain value types of the registration core:
// events, profiles, notification logs, and their wire encodings.
//
// Status strings are preserved on the wire for backend compatibility; typed
// enums are exposed here and conversion is confined to the codecs.
package event

import (
	"time"

	"github.com/eventlot/eventlot/store"
)

// Status is the lifecycle state of an event.
type Status string

const (
	// StatusDraft is the initial, unpublished state.
	StatusDraft Status = "DRAFT"
	// StatusOpen accepts waiting-list registrations inside the window.
	StatusOpen Status = "OPEN"
	// StatusClosed means registration ended or a draw occurred.
	StatusClosed Status = "CLOSED"
	// StatusCompleted is terminal: the event date has passed.
	StatusCompleted Status = "COMPLETED"
	// StatusCancelled is terminal and reachable from any non-terminal state.
	StatusCancelled Status = "CANCELLED"
)

// CanTransition reports whether the status machine permits moving to next.
// Transitions are one-directional except CANCELLED, which is reachable from
// any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	switch next {
	case StatusCancelled:
		return s != StatusCompleted && s != StatusCancelled
	case StatusOpen:
		return s == StatusDraft
	case StatusClosed:
		return s == StatusOpen
	case StatusCompleted:
		return s == StatusClosed
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// UnlimitedCap is the waiting-list cap sentinel meaning "no cap".
const UnlimitedCap = -1

// Event is the event document.
type Event struct {
	ID                  string
	Name                string
	Description         string
	OrganizerID         string
	Dates               []time.Time
	Location            string
	RegistrationStart   time.Time
	RegistrationEnd     time.Time
	Capacity            int
	WaitingListCap      int // UnlimitedCap or >= 1
	GeolocationRequired bool
	PosterRef           string
	QRPayloadID         string
	EventType           string
	Status              Status

	// LastDrawAt records the most recent lottery selection; used to detect
	// overlapping draws.
	LastDrawAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the creation invariants.
func (e *Event) Validate() error {
	if e.Name == "" {
		return store.Errorf(store.KindPreconditionFailed, "event name is required")
	}
	if e.OrganizerID == "" {
		return store.Errorf(store.KindPreconditionFailed, "organizer id is required")
	}
	if e.RegistrationStart.After(e.RegistrationEnd) {
		return store.Errorf(store.KindPreconditionFailed, "registration start %v after end %v", e.RegistrationStart, e.RegistrationEnd)
	}
	if e.Capacity < 1 {
		return store.Errorf(store.KindPreconditionFailed, "capacity must be at least 1, got %d", e.Capacity)
	}
	if e.WaitingListCap != UnlimitedCap && e.WaitingListCap < 1 {
		return store.Errorf(store.KindPreconditionFailed, "waiting list cap must be UNLIMITED or at least 1, got %d", e.WaitingListCap)
	}
	return nil
}

// RegistrationOpenAt reports whether t falls inside the registration window.
func (e *Event) RegistrationOpenAt(t time.Time) bool {
	return !t.Before(e.RegistrationStart) && !t.After(e.RegistrationEnd)
}

// LastOccurrence returns the latest occurrence timestamp, zero when none.
func (e *Event) LastOccurrence() time.Time {
	var last time.Time
	for _, d := range e.Dates {
		if d.After(last) {
			last = d
		}
	}
	return last
}

// EventsCollection is the top-level events collection name.
const EventsCollection = "events"

// Doc encodes the event for the store.
func (e *Event) Doc() store.Doc {
	dates := make([]any, len(e.Dates))
	for i, d := range e.Dates {
		dates[i] = d.UTC()
	}
	return store.Doc{
		"name":                 e.Name,
		"description":          e.Description,
		"organizer_id":         e.OrganizerID,
		"dates":                dates,
		"location":             e.Location,
		"registration_start":   e.RegistrationStart.UTC(),
		"registration_end":     e.RegistrationEnd.UTC(),
		"capacity":             int64(e.Capacity),
		"waiting_list_cap":     int64(e.WaitingListCap),
		"geolocation_required": e.GeolocationRequired,
		"poster_ref":           e.PosterRef,
		"qr_payload_id":        e.QRPayloadID,
		"event_type":           e.EventType,
		"status":               string(e.Status),
		"last_draw_at":         e.LastDrawAt.UTC(),
		"created_at":           e.CreatedAt.UTC(),
		"updated_at":           e.UpdatedAt.UTC(),
	}
}

// EventFromDoc decodes an event document.
func EventFromDoc(id string, d store.Doc) Event {
	ev := Event{
		ID:                  id,
		Name:                docString(d, "name"),
		Description:         docString(d, "description"),
		OrganizerID:         docString(d, "organizer_id"),
		Location:            docString(d, "location"),
		RegistrationStart:   docTime(d, "registration_start"),
		RegistrationEnd:     docTime(d, "registration_end"),
		Capacity:            int(docInt(d, "capacity")),
		WaitingListCap:      int(docInt(d, "waiting_list_cap")),
		GeolocationRequired: docBool(d, "geolocation_required"),
		PosterRef:           docString(d, "poster_ref"),
		QRPayloadID:         docString(d, "qr_payload_id"),
		EventType:           docString(d, "event_type"),
		Status:              Status(docString(d, "status")),
		LastDrawAt:          docTime(d, "last_draw_at"),
		CreatedAt:           docTime(d, "created_at"),
		UpdatedAt:           docTime(d, "updated_at"),
	}
	if raw, ok := d["dates"].([]any); ok {
		for _, v := range raw {
			if t, ok := v.(time.Time); ok {
				ev.Dates = append(ev.Dates, t)
			}
		}
	}
	return ev
}

func docString(d store.Doc, key string) string {
	s, _ := d[key].(string)
	return s
}

func docBool(d store.Doc, key string) bool {
	b, _ := d[key].(bool)
	return b
}

func docInt(d store.Doc, key string) int64 {
	switch v := d[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func docTime(d store.Doc, key string) time.Time {
	t, _ := d[key].(time.Time)
	return t
}
