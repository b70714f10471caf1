// Package notify implements the notification broadcaster: audit-log-first
// persistence, recipient preference filtering, payload construction, and
// rate-limited handoff to a delivery channel.
package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/eventlot/eventlot/event"
	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
)

// Message is one push payload addressed to a device token. All data values
// are strings on the wire.
type Message struct {
	Token string
	Data  map[string]string
}

// DeliveryResult reports the channel outcome for one message.
type DeliveryResult struct {
	Token string
	Err   error
}

// Channel delivers a batch of messages to devices. Deliver returns one
// result per message, in message order.
type Channel interface {
	Deliver(ctx context.Context, msgs []Message) ([]DeliveryResult, error)
}

// SendRequest describes one broadcast. Recipients lists the intended user
// IDs before any preference exclusion; this is the list the audit record
// keeps. Deadline is included in the payload when non-zero.
type SendRequest struct {
	SenderID   string
	EventID    string
	EventName  string
	Type       event.NotificationType
	Message    string
	Recipients []string
	Deadline   time.Time
}

// Outcome summarizes one broadcast. Errors maps user ID to the delivery
// failure, if any.
type Outcome struct {
	LogID    string
	Sent     int
	Failed   int
	Excluded int
	Errors   map[string]string
}

// DefaultSendRate caps channel handoffs per second.
const DefaultSendRate = 50

// Broadcaster fans notifications out to recipients, writing the audit record
// first. A failed audit write aborts the broadcast; a failed delivery does
// not fail the call.
type Broadcaster struct {
	db      store.Store
	channel Channel
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// WithRateLimit caps deliveries per second.
func WithRateLimit(perSecond int) Option {
	return func(b *Broadcaster) {
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
}

// New returns a Broadcaster delivering through channel.
func New(db store.Store, channel Channel, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		db:      db,
		channel: channel,
		limiter: rate.NewLimiter(DefaultSendRate, DefaultSendRate),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send broadcasts one notification. The audit record is written before any
// delivery and reflects the full intended recipient list. Recipients who
// disabled notifications are excluded, except for CANCELLATION which always
// goes out; recipients with no push token are excluded and logged.
func (b *Broadcaster) Send(ctx context.Context, req SendRequest) (Outcome, error) {
	if len(req.Recipients) == 0 {
		return Outcome{}, nil
	}
	sender := req.SenderID
	if sender == "" {
		sender = event.SystemSender
	}

	logID := uuid.NewString()
	rec := event.NotificationLog{
		LogID:      logID,
		SentAt:     b.now().UTC(),
		SenderID:   sender,
		EventID:    req.EventID,
		Recipients: req.Recipients,
		Message:    req.Message,
		Type:       req.Type,
	}
	if err := b.db.Set(ctx, event.LogsCollection, logID, rec.Doc()); err != nil {
		return Outcome{}, store.E(store.KindInternal, "notify.log", err)
	}

	profiles, err := b.loadProfiles(ctx, req.Recipients)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{LogID: logID, Errors: make(map[string]string)}
	data := b.payload(req)
	var msgs []Message
	var msgUsers []string // user behind msgs[i]; tokens may be shared
	for _, userID := range req.Recipients {
		p, ok := profiles[userID]
		if !ok || p.PushToken == "" {
			out.Excluded++
			log.Printf(ctx, "recipient has no push token",
				log.KV{K: "user_id", V: userID},
				log.KV{K: "log_id", V: logID})
			continue
		}
		if !p.NotificationsEnabled && req.Type != event.NotifyCancellation {
			out.Excluded++
			continue
		}
		msgs = append(msgs, Message{Token: p.PushToken, Data: data})
		msgUsers = append(msgUsers, userID)
	}
	if len(msgs) == 0 {
		return out, nil
	}

	if err := b.limiter.WaitN(ctx, len(msgs)); err != nil {
		return out, store.E(store.KindAborted, "notify.send", err)
	}
	results, err := b.channel.Deliver(ctx, msgs)
	if err != nil {
		// Channel-level failure: every message counts as failed.
		out.Failed = len(msgs)
		for _, userID := range msgUsers {
			out.Errors[userID] = err.Error()
		}
		log.Errorf(ctx, err, "notification delivery failed",
			log.KV{K: "log_id", V: logID},
			log.KV{K: "recipients", V: len(msgs)})
		return out, nil
	}
	for i, r := range results {
		if r.Err != nil {
			out.Failed++
			out.Errors[msgUsers[i]] = r.Err.Error()
		} else {
			out.Sent++
		}
	}
	log.Printf(ctx, "notification broadcast",
		log.KV{K: "log_id", V: logID},
		log.KV{K: "type", V: string(req.Type)},
		log.KV{K: "sent", V: out.Sent},
		log.KV{K: "failed", V: out.Failed},
		log.KV{K: "excluded", V: out.Excluded})
	return out, nil
}

// BroadcastToRoster sends a free-form organizer message to the current
// members of one roster of the event. The roster and the event name are
// loaded from the store.
func (b *Broadcaster) BroadcastToRoster(ctx context.Context, senderID, eventID string, kind roster.Kind, message string) (Outcome, error) {
	doc, err := b.db.Get(ctx, event.EventsCollection, eventID)
	if err != nil {
		return Outcome{}, err
	}
	ev := event.EventFromDoc(eventID, doc)
	snaps, err := b.db.Query(ctx, kind.Path(eventID), store.Query{})
	if err != nil {
		return Outcome{}, err
	}
	return b.Send(ctx, SendRequest{
		SenderID:   senderID,
		EventID:    eventID,
		EventName:  ev.Name,
		Type:       event.NotifyOrganizerMessage,
		Message:    message,
		Recipients: roster.FromSnapshots(kind, eventID, snaps).UserIDs(),
	})
}

func (b *Broadcaster) payload(req SendRequest) map[string]string {
	data := map[string]string{
		"type":      string(req.Type),
		"eventId":   req.EventID,
		"eventName": req.EventName,
		"message":   req.Message,
	}
	if !req.Deadline.IsZero() {
		data["invitationDeadline"] = strconv.FormatInt(req.Deadline.UnixMilli(), 10)
	}
	return data
}

// loadProfiles fetches recipient profiles with one in-query on user_id.
// Missing profiles are simply absent from the map; the caller treats them as
// token-less recipients.
func (b *Broadcaster) loadProfiles(ctx context.Context, userIDs []string) (map[string]event.Profile, error) {
	snaps, err := b.db.Query(ctx, event.ProfilesCollection, store.Query{
		Filters: []store.Filter{store.Where("user_id", "in", userIDs)},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]event.Profile, len(snaps))
	for _, s := range snaps {
		out[s.ID] = event.ProfileFromDoc(s.ID, s.Data)
	}
	return out, nil
}
