// Package roster provides the pure, in-memory model of the four per-event
// roster sets. The model is stateless with respect to the store: it is the
// transfer object components load from subcollections and use to build
// batches. The disjointness invariant (a user holds membership in at most
// one roster per event) is enforced by the engines that move members, by
// pairing every roster-add with the matching roster-delete in one batch.
package roster

import (
	"sort"
	"time"

	"github.com/eventlot/eventlot/store"
)

// Kind names a roster subcollection. The strings are the backend-visible
// subcollection names.
type Kind string

const (
	// Waiting holds entrants who joined but have not been selected.
	Waiting Kind = "waiting"
	// ResponsePending holds draw winners awaiting accept/decline.
	ResponsePending Kind = "responsePending"
	// InEvent holds confirmed participants.
	InEvent Kind = "inEvent"
	// Cancelled holds declined, expired, or organizer-removed entrants.
	Cancelled Kind = "cancelled"
)

// Kinds lists all roster kinds in lifecycle order.
func Kinds() []Kind {
	return []Kind{Waiting, ResponsePending, InEvent, Cancelled}
}

// Path returns the subcollection path of this roster for an event.
func (k Kind) Path(eventID string) string {
	return store.SubPath("events", eventID, string(k))
}

// Per-roster status tags carried by membership records.
const (
	// StatusWaiting tags waiting records.
	StatusWaiting = "WAITING"
	// StatusAwaiting tags response-pending records.
	StatusAwaiting = "AWAITING"
	// StatusEnrolled tags in-event records.
	StatusEnrolled = "ENROLLED"
	// StatusCancelled tags cancelled records.
	StatusCancelled = "CANCELLED"
)

// CancelReason explains a cancelled membership.
type CancelReason string

const (
	// ReasonDeclined marks a winner who declined the invitation.
	ReasonDeclined CancelReason = "DECLINED"
	// ReasonExpired marks a winner whose response deadline passed.
	ReasonExpired CancelReason = "EXPIRED"
	// ReasonCancelledByOrganizer marks an organizer removal from the event.
	ReasonCancelledByOrganizer CancelReason = "CANCELLED_BY_ORGANIZER"
)

// Geo is a captured latitude/longitude pair with its capture time.
type Geo struct {
	Lat        float64
	Lng        float64
	CapturedAt time.Time
}

// Member is one roster membership record. UserID doubles as the document ID
// and is duplicated inside the document for collection-group queries.
type Member struct {
	UserID    string
	EventID   string
	EnteredAt time.Time
	Status    string
	Geo       *Geo

	// Deadline is set on responsePending members.
	Deadline time.Time
	// CheckedIn is meaningful on inEvent members.
	CheckedIn bool
	// Reason is set on cancelled members.
	Reason CancelReason
}

// Roster is a loaded roster set.
type Roster struct {
	kind    Kind
	eventID string
	members map[string]Member
}

// New returns an empty roster of the given kind for an event.
func New(kind Kind, eventID string) *Roster {
	return &Roster{kind: kind, eventID: eventID, members: make(map[string]Member)}
}

// Kind returns the roster kind.
func (r *Roster) Kind() Kind { return r.kind }

// EventID returns the owning event ID.
func (r *Roster) EventID() string { return r.eventID }

// Add inserts the member; duplicates are rejected.
func (r *Roster) Add(m Member) bool {
	if _, ok := r.members[m.UserID]; ok {
		return false
	}
	if m.EventID == "" {
		m.EventID = r.eventID
	}
	r.members[m.UserID] = m
	return true
}

// Remove deletes the member; removing an absent member is a no-op.
func (r *Roster) Remove(userID string) {
	delete(r.members, userID)
}

// Contains reports membership.
func (r *Roster) Contains(userID string) bool {
	_, ok := r.members[userID]
	return ok
}

// Get returns the member record.
func (r *Roster) Get(userID string) (Member, bool) {
	m, ok := r.members[userID]
	return m, ok
}

// Len returns the roster size.
func (r *Roster) Len() int { return len(r.members) }

// AvailableSlots returns how many members fit under the given capacity or
// cap. A negative cap (UNLIMITED) yields -1.
func (r *Roster) AvailableSlots(capacityOrCap int) int {
	if capacityOrCap < 0 {
		return -1
	}
	free := capacityOrCap - len(r.members)
	if free < 0 {
		return 0
	}
	return free
}

// Members enumerates records ordered by entry timestamp, then user ID.
func (r *Roster) Members() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].EnteredAt.Before(out[j].EnteredAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// UserIDs enumerates member IDs in the Members order.
func (r *Roster) UserIDs() []string {
	members := r.Members()
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.UserID
	}
	return out
}

// DeadlinePassed reports whether the member's stored response deadline is
// behind now. Absent members and rosters other than responsePending report
// false.
func (r *Roster) DeadlinePassed(userID string, now time.Time) bool {
	m, ok := r.members[userID]
	if !ok || m.Deadline.IsZero() {
		return false
	}
	return now.After(m.Deadline)
}

// CheckIn flags the member as checked in. Returns false when the member is
// absent.
func (r *Roster) CheckIn(userID string) bool {
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	m.CheckedIn = true
	r.members[userID] = m
	return true
}

// CheckedInCount counts checked-in members.
func (r *Roster) CheckedInCount() int {
	n := 0
	for _, m := range r.members {
		if m.CheckedIn {
			n++
		}
	}
	return n
}

// Doc encodes the member for the store.
func (m Member) Doc() store.Doc {
	d := store.Doc{
		"user_id":    m.UserID,
		"event_id":   m.EventID,
		"entered_at": m.EnteredAt.UTC(),
		"status":     m.Status,
	}
	if m.Geo != nil {
		d["lat"] = m.Geo.Lat
		d["lng"] = m.Geo.Lng
		d["geo_captured_at"] = m.Geo.CapturedAt.UTC()
	}
	if !m.Deadline.IsZero() {
		d["deadline"] = m.Deadline.UTC()
	}
	if m.Status == StatusEnrolled {
		d["checked_in"] = m.CheckedIn
	}
	if m.Reason != "" {
		d["reason"] = string(m.Reason)
	}
	return d
}

// MemberFromDoc decodes a membership document.
func MemberFromDoc(userID string, d store.Doc) Member {
	m := Member{
		UserID:    stringField(d, "user_id"),
		EventID:   stringField(d, "event_id"),
		EnteredAt: timeField(d, "entered_at"),
		Status:    stringField(d, "status"),
		Deadline:  timeField(d, "deadline"),
		Reason:    CancelReason(stringField(d, "reason")),
	}
	if m.UserID == "" {
		m.UserID = userID
	}
	if b, ok := d["checked_in"].(bool); ok {
		m.CheckedIn = b
	}
	if lat, ok := floatField(d, "lat"); ok {
		lng, _ := floatField(d, "lng")
		m.Geo = &Geo{Lat: lat, Lng: lng, CapturedAt: timeField(d, "geo_captured_at")}
	}
	return m
}

// FromSnapshots builds a roster from query results.
func FromSnapshots(kind Kind, eventID string, snaps []store.Snapshot) *Roster {
	r := New(kind, eventID)
	for _, s := range snaps {
		r.Add(MemberFromDoc(s.ID, s.Data))
	}
	return r
}

func stringField(d store.Doc, key string) string {
	s, _ := d[key].(string)
	return s
}

func timeField(d store.Doc, key string) time.Time {
	t, _ := d[key].(time.Time)
	return t
}

func floatField(d store.Doc, key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}
