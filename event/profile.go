package event

import (
	"time"

	"github.com/eventlot/eventlot/store"
)

// Role gates organizer- and admin-only entry points.
type Role string

const (
	// RoleEntrant is the default role.
	RoleEntrant Role = "ENTRANT"
	// RoleOrganizer may create events, draw lotteries and broadcast.
	RoleOrganizer Role = "ORGANIZER"
	// RoleAdmin may additionally browse all events and logs and delete
	// profiles.
	RoleAdmin Role = "ADMIN"
)

// Participation tags a profile history entry.
type Participation string

const (
	// ParticipationSelected records a lottery win.
	ParticipationSelected Participation = "SELECTED"
	// ParticipationNotSelected records a lottery loss.
	ParticipationNotSelected Participation = "NOT_SELECTED"
	// ParticipationReplacementSelected records a replacement-draw win.
	ParticipationReplacementSelected Participation = "REPLACEMENT_SELECTED"
	// ParticipationEnrolled records acceptance into the event.
	ParticipationEnrolled Participation = "ENROLLED"
	// ParticipationCancelled records a decline, expiry or organizer removal.
	ParticipationCancelled Participation = "CANCELLED"
)

// HistoryEntry is one record of the append-only participation history.
type HistoryEntry struct {
	EventID   string
	EventName string
	JoinedAt  time.Time
	Status    Participation
}

// Profile is the profile document, keyed by the device-bound opaque user ID.
// The ID is duplicated inside the document so broadcasts can batch-load
// recipients with one in-query.
type Profile struct {
	UserID               string
	Name                 string
	Email                string
	Phone                string
	ImageRef             string
	NotificationsEnabled bool
	Role                 Role
	PushToken            string
	History              []HistoryEntry
}

// RequireRole returns PermissionDenied unless the profile holds one of the
// given roles.
func RequireRole(p *Profile, roles ...Role) error {
	if p == nil {
		return store.Errorf(store.KindPermissionDenied, "no profile")
	}
	for _, r := range roles {
		if p.Role == r {
			return nil
		}
	}
	return store.Errorf(store.KindPermissionDenied, "user %s has role %s", p.UserID, p.Role)
}

// ProfilesCollection is the top-level profiles collection name.
const ProfilesCollection = "profiles"

// HistoryField is the profile document field holding the history array.
const HistoryField = "history"

// Doc encodes the profile for the store.
func (p *Profile) Doc() store.Doc {
	history := make([]any, len(p.History))
	for i, h := range p.History {
		history[i] = h.Doc()
	}
	return store.Doc{
		"user_id":               p.UserID,
		"name":                  p.Name,
		"email":                 p.Email,
		"phone":                 p.Phone,
		"image_ref":             p.ImageRef,
		"notifications_enabled": p.NotificationsEnabled,
		"role":                  string(p.Role),
		"push_token":            p.PushToken,
		HistoryField:            history,
	}
}

// Doc encodes the history entry for the store.
func (h HistoryEntry) Doc() store.Doc {
	return store.Doc{
		"event_id":   h.EventID,
		"event_name": h.EventName,
		"joined_at":  h.JoinedAt.UTC(),
		"status":     string(h.Status),
	}
}

// ProfileFromDoc decodes a profile document.
func ProfileFromDoc(userID string, d store.Doc) Profile {
	p := Profile{
		UserID:               docString(d, "user_id"),
		Name:                 docString(d, "name"),
		Email:                docString(d, "email"),
		Phone:                docString(d, "phone"),
		ImageRef:             docString(d, "image_ref"),
		NotificationsEnabled: docBool(d, "notifications_enabled"),
		Role:                 Role(docString(d, "role")),
		PushToken:            docString(d, "push_token"),
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	if raw, ok := d[HistoryField].([]any); ok {
		for _, v := range raw {
			hd, ok := v.(store.Doc)
			if !ok {
				if m, isMap := v.(map[string]any); isMap {
					hd = store.Doc(m)
				} else {
					continue
				}
			}
			p.History = append(p.History, HistoryEntry{
				EventID:   docString(hd, "event_id"),
				EventName: docString(hd, "event_name"),
				JoinedAt:  docTime(hd, "joined_at"),
				Status:    Participation(docString(hd, "status")),
			})
		}
	}
	return p
}
