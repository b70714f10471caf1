package event

import (
	"time"

	"github.com/eventlot/eventlot/store"
)

// NotificationType categorizes a broadcast.
type NotificationType string

const (
	// NotifyLotteryWin is sent to draw winners; carries the response deadline.
	NotifyLotteryWin NotificationType = "LOTTERY_WIN"
	// NotifyLotteryLoss is sent to entrants not selected.
	NotifyLotteryLoss NotificationType = "LOTTERY_LOSS"
	// NotifyReplacementDraw is sent to replacement-draw winners.
	NotifyReplacementDraw NotificationType = "REPLACEMENT_DRAW"
	// NotifyOrganizerMessage is a free-form organizer broadcast.
	NotifyOrganizerMessage NotificationType = "ORGANIZER_MESSAGE"
	// NotifyCancellation is mandatory-delivery: preference opt-out is ignored.
	NotifyCancellation NotificationType = "CANCELLATION"
)

// SystemSender is the sender ID used for system-originated notifications.
const SystemSender = "SYSTEM"

// NotificationLog is the immutable audit record persisted before delivery.
// The recipient list reflects intent, pre-exclusion.
type NotificationLog struct {
	LogID      string
	SentAt     time.Time
	SenderID   string
	EventID    string
	Recipients []string
	Message    string
	Type       NotificationType
}

// LogsCollection is the top-level notification log collection name.
const LogsCollection = "notification_logs"

// Doc encodes the log record for the store.
func (l *NotificationLog) Doc() store.Doc {
	recipients := make([]string, len(l.Recipients))
	copy(recipients, l.Recipients)
	return store.Doc{
		"sent_at":    l.SentAt.UTC(),
		"sender_id":  l.SenderID,
		"event_id":   l.EventID,
		"recipients": recipients,
		"message":    l.Message,
		"type":       string(l.Type),
	}
}

// NotificationLogFromDoc decodes a log document.
func NotificationLogFromDoc(id string, d store.Doc) NotificationLog {
	l := NotificationLog{
		LogID:    id,
		SentAt:   docTime(d, "sent_at"),
		SenderID: docString(d, "sender_id"),
		EventID:  docString(d, "event_id"),
		Message:  docString(d, "message"),
		Type:     NotificationType(docString(d, "type")),
	}
	switch v := d["recipients"].(type) {
	case []string:
		l.Recipients = append(l.Recipients, v...)
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				l.Recipients = append(l.Recipients, s)
			}
		}
	}
	return l
}
