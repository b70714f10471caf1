package lottery

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/eventlot/eventlot/event"
	"github.com/eventlot/eventlot/notify"
	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
)

// ResponseWindow is the interval from selection to the acceptance deadline.
// TODO(config): surface as a per-event setting once the product decides
// whether organizers may shorten it.
const ResponseWindow = 7 * 24 * time.Hour

// Notifier hands state-transition notifications to the broadcaster.
type Notifier interface {
	Send(ctx context.Context, req notify.SendRequest) (notify.Outcome, error)
}

// Engine owns all transitions between the four rosters of an event.
type Engine struct {
	db       store.Store
	locks    Locker
	notifier Notifier
	now      func() time.Time
	window   time.Duration
	retry    store.RetryConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocker sets the draw lock implementation.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locks = l }
}

// WithNotifier sets the broadcaster handoff.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithResponseWindow overrides ResponseWindow.
func WithResponseWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// New returns an Engine backed by db. Without WithLocker a process-local
// lock is used.
func New(db store.Store, opts ...Option) *Engine {
	e := &Engine{
		db:     db,
		locks:  NewLocalLocker(),
		now:    time.Now,
		window: ResponseWindow,
		retry:  store.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DrawResult reports the outcome of a draw.
type DrawResult struct {
	Winners  []string
	Losers   []string
	Deadline time.Time
}

type drawOpts struct {
	seeded bool
	seed   int64
}

// DrawOption configures a single draw invocation.
type DrawOption func(*drawOpts)

// WithSeed makes the selection reproducible (tests only).
func WithSeed(seed int64) DrawOption {
	return func(o *drawOpts) {
		o.seeded = true
		o.seed = seed
	}
}

func (e *Engine) sampler(opts drawOpts) *Sampler {
	if opts.seeded {
		return NewSeededSampler(opts.seed)
	}
	return NewSampler()
}

// ExecuteDraw runs the initial lottery draw: winners move from waiting to
// responsePending with a response deadline, losers leave the waiting list
// with a NOT_SELECTED history entry, and the event closes. A draw with
// numberOfWinners <= 0 changes nothing and emits nothing.
func (e *Engine) ExecuteDraw(ctx context.Context, eventID string, numberOfWinners int, opts ...DrawOption) (DrawResult, error) {
	if numberOfWinners <= 0 {
		return DrawResult{}, nil
	}
	var o drawOpts
	for _, opt := range opts {
		opt(&o)
	}

	release, err := e.locks.Acquire(ctx, eventID)
	if err != nil {
		return DrawResult{}, err
	}
	defer release()

	ev, err := e.loadEvent(ctx, eventID)
	if err != nil {
		return DrawResult{}, err
	}
	switch ev.Status {
	case event.StatusOpen:
	case event.StatusClosed:
		if !ev.LastDrawAt.IsZero() {
			return DrawResult{}, store.Errorf(store.KindConflict, "event %s already drew at %v; use a replacement draw", eventID, ev.LastDrawAt)
		}
	default:
		return DrawResult{}, store.Errorf(store.KindPreconditionFailed, "cannot draw for event %s in status %s", eventID, ev.Status)
	}

	waiting, err := e.loadRoster(ctx, eventID, roster.Waiting)
	if err != nil {
		return DrawResult{}, err
	}
	now := e.now().UTC()
	deadline := now.Add(e.window)
	winners := e.sampler(o).Sample(waiting.UserIDs(), numberOfWinners)
	won := make(map[string]bool, len(winners))
	for _, id := range winners {
		won[id] = true
	}
	var losers []string
	for _, id := range waiting.UserIDs() {
		if !won[id] {
			losers = append(losers, id)
		}
	}

	b := store.NewBatch()
	for _, id := range winners {
		m, _ := waiting.Get(id)
		b.Delete(roster.Waiting.Path(eventID), id)
		b.Set(roster.ResponsePending.Path(eventID), id, pendingMember(eventID, id, now, deadline, m.Geo).Doc())
		b.Append(event.ProfilesCollection, id, event.HistoryField,
			historyDoc(&ev, now, event.ParticipationSelected))
	}
	for _, id := range losers {
		b.Delete(roster.Waiting.Path(eventID), id)
		b.Append(event.ProfilesCollection, id, event.HistoryField,
			historyDoc(&ev, now, event.ParticipationNotSelected))
	}
	b.Update(event.EventsCollection, eventID, store.Doc{
		"status":       string(event.StatusClosed),
		"last_draw_at": now,
		"updated_at":   now,
	})

	if err := store.WithRetry(ctx, e.retry, func() error { return e.db.Commit(ctx, b) }); err != nil {
		return DrawResult{}, err
	}
	log.Printf(ctx, "lottery draw committed",
		log.KV{K: "event_id", V: eventID},
		log.KV{K: "winners", V: len(winners)},
		log.KV{K: "losers", V: len(losers)})

	res := DrawResult{Winners: winners, Losers: losers, Deadline: deadline}
	e.notifyDraw(ctx, &ev, res, false)
	return res, nil
}

// ExecuteReplacementDraw draws replacements from waiting entrants plus
// declined/expired cancellations. Anyone in responsePending, inEvent, or
// cancelled by the organizer is excluded. Non-selected eligibles keep their
// current roster; the event stays CLOSED.
func (e *Engine) ExecuteReplacementDraw(ctx context.Context, eventID string, numberOfReplacements int, opts ...DrawOption) (DrawResult, error) {
	if numberOfReplacements <= 0 {
		return DrawResult{}, nil
	}
	var o drawOpts
	for _, opt := range opts {
		opt(&o)
	}

	release, err := e.locks.Acquire(ctx, eventID)
	if err != nil {
		return DrawResult{}, err
	}
	defer release()

	ev, err := e.loadEvent(ctx, eventID)
	if err != nil {
		return DrawResult{}, err
	}
	if ev.Status != event.StatusOpen && ev.Status != event.StatusClosed {
		return DrawResult{}, store.Errorf(store.KindPreconditionFailed, "cannot draw for event %s in status %s", eventID, ev.Status)
	}

	waiting, err := e.loadRoster(ctx, eventID, roster.Waiting)
	if err != nil {
		return DrawResult{}, err
	}
	cancelled, err := e.loadRoster(ctx, eventID, roster.Cancelled)
	if err != nil {
		return DrawResult{}, err
	}

	var eligible []string
	for _, id := range waiting.UserIDs() {
		eligible = append(eligible, id)
	}
	for _, m := range cancelled.Members() {
		if m.Reason == roster.ReasonDeclined || m.Reason == roster.ReasonExpired {
			eligible = append(eligible, m.UserID)
		}
	}

	now := e.now().UTC()
	deadline := now.Add(e.window)
	selected := e.sampler(o).Sample(eligible, numberOfReplacements)

	b := store.NewBatch()
	for _, id := range selected {
		var geo *roster.Geo
		if m, ok := waiting.Get(id); ok {
			geo = m.Geo
			b.Delete(roster.Waiting.Path(eventID), id)
		} else if m, ok := cancelled.Get(id); ok {
			geo = m.Geo
			b.Delete(roster.Cancelled.Path(eventID), id)
		}
		b.Set(roster.ResponsePending.Path(eventID), id, pendingMember(eventID, id, now, deadline, geo).Doc())
		b.Append(event.ProfilesCollection, id, event.HistoryField,
			historyDoc(&ev, now, event.ParticipationReplacementSelected))
	}
	b.Update(event.EventsCollection, eventID, store.Doc{
		"last_draw_at": now,
		"updated_at":   now,
	})

	if err := store.WithRetry(ctx, e.retry, func() error { return e.db.Commit(ctx, b) }); err != nil {
		return DrawResult{}, err
	}
	log.Printf(ctx, "replacement draw committed",
		log.KV{K: "event_id", V: eventID},
		log.KV{K: "selected", V: len(selected)})

	res := DrawResult{Winners: selected, Deadline: deadline}
	e.notifyDraw(ctx, &ev, res, true)
	return res, nil
}

// CandidatesAvailableForReplacement returns the user IDs eligible for a
// replacement draw.
func (e *Engine) CandidatesAvailableForReplacement(ctx context.Context, eventID string) ([]string, error) {
	waiting, err := e.loadRoster(ctx, eventID, roster.Waiting)
	if err != nil {
		return nil, err
	}
	cancelled, err := e.loadRoster(ctx, eventID, roster.Cancelled)
	if err != nil {
		return nil, err
	}
	out := waiting.UserIDs()
	for _, m := range cancelled.Members() {
		if m.Reason == roster.ReasonDeclined || m.Reason == roster.ReasonExpired {
			out = append(out, m.UserID)
		}
	}
	return out, nil
}

// Accept moves a draw winner from responsePending to inEvent. Preconditions:
// a live responsePending record, an unexpired deadline, and free capacity.
// Accepting an already-enrolled user is a no-op.
func (e *Engine) Accept(ctx context.Context, eventID, userID string) error {
	return e.db.RunTransaction(ctx, func(tx store.Tx) error {
		evDoc, err := tx.Get(event.EventsCollection, eventID)
		if err != nil {
			return err
		}
		ev := event.EventFromDoc(eventID, evDoc)

		pendingColl := roster.ResponsePending.Path(eventID)
		inColl := roster.InEvent.Path(eventID)

		doc, err := tx.Get(pendingColl, userID)
		if err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			if _, inErr := tx.Get(inColl, userID); inErr == nil {
				return nil // already enrolled
			}
			return store.Errorf(store.KindPreconditionFailed, "user %s has no pending invitation for event %s", userID, eventID)
		}
		m := roster.MemberFromDoc(userID, doc)
		now := e.now().UTC()
		if now.After(m.Deadline) {
			return store.Errorf(store.KindPreconditionFailed, "response deadline for user %s on event %s passed at %v", userID, eventID, m.Deadline)
		}
		enrolled, err := tx.Count(inColl, store.Query{})
		if err != nil {
			return err
		}
		if enrolled >= ev.Capacity {
			return store.Errorf(store.KindPreconditionFailed, "event %s is full (%d/%d)", eventID, enrolled, ev.Capacity)
		}

		tx.Delete(pendingColl, userID)
		tx.Set(inColl, userID, roster.Member{
			UserID:    userID,
			EventID:   eventID,
			EnteredAt: now,
			Status:    roster.StatusEnrolled,
			Geo:       m.Geo,
			CheckedIn: false,
		}.Doc())
		tx.Append(event.ProfilesCollection, userID, event.HistoryField,
			historyDoc(&ev, now, event.ParticipationEnrolled))

		// Completion only once the event is both full and past its last
		// occurrence; otherwise it stays CLOSED.
		if enrolled+1 == ev.Capacity && ev.Status == event.StatusClosed {
			if last := ev.LastOccurrence(); !last.IsZero() && last.Before(now) {
				tx.Update(event.EventsCollection, eventID, store.Doc{
					"status":     string(event.StatusCompleted),
					"updated_at": now,
				})
			}
		}
		return nil
	})
}

// Decline moves a draw winner from responsePending to cancelled(DECLINED).
// Replacement draws are organizer policy; none is triggered here. Declining
// twice is a no-op.
func (e *Engine) Decline(ctx context.Context, eventID, userID string) error {
	ev, err := e.loadEvent(ctx, eventID)
	if err != nil {
		return err
	}
	pendingColl := roster.ResponsePending.Path(eventID)
	doc, err := e.db.Get(ctx, pendingColl, userID)
	if err != nil {
		if !store.IsNotFound(err) {
			return err
		}
		if cdoc, cerr := e.db.Get(ctx, roster.Cancelled.Path(eventID), userID); cerr == nil {
			if roster.MemberFromDoc(userID, cdoc).Reason == roster.ReasonDeclined {
				return nil // already declined
			}
		}
		return store.Errorf(store.KindPreconditionFailed, "user %s has no pending invitation for event %s", userID, eventID)
	}
	m := roster.MemberFromDoc(userID, doc)
	now := e.now().UTC()

	b := store.NewBatch()
	b.Delete(pendingColl, userID)
	b.Set(roster.Cancelled.Path(eventID), userID, roster.Member{
		UserID:    userID,
		EventID:   eventID,
		EnteredAt: now,
		Status:    roster.StatusCancelled,
		Geo:       m.Geo,
		Reason:    roster.ReasonDeclined,
	}.Doc())
	b.Append(event.ProfilesCollection, userID, event.HistoryField,
		historyDoc(&ev, now, event.ParticipationCancelled))
	return store.WithRetry(ctx, e.retry, func() error { return e.db.Commit(ctx, b) })
}

// CancelEntrant removes a confirmed participant: inEvent moves to
// cancelled(CANCELLED_BY_ORGANIZER), geolocation preserved, and a mandatory
// CANCELLATION notification goes out.
func (e *Engine) CancelEntrant(ctx context.Context, eventID, userID, reason string) error {
	ev, err := e.loadEvent(ctx, eventID)
	if err != nil {
		return err
	}
	inColl := roster.InEvent.Path(eventID)
	doc, err := e.db.Get(ctx, inColl, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Errorf(store.KindPreconditionFailed, "user %s is not enrolled in event %s", userID, eventID)
		}
		return err
	}
	m := roster.MemberFromDoc(userID, doc)
	now := e.now().UTC()

	b := store.NewBatch()
	b.Delete(inColl, userID)
	b.Set(roster.Cancelled.Path(eventID), userID, roster.Member{
		UserID:    userID,
		EventID:   eventID,
		EnteredAt: now,
		Status:    roster.StatusCancelled,
		Geo:       m.Geo,
		Reason:    roster.ReasonCancelledByOrganizer,
	}.Doc())
	b.Append(event.ProfilesCollection, userID, event.HistoryField,
		historyDoc(&ev, now, event.ParticipationCancelled))
	if err := store.WithRetry(ctx, e.retry, func() error { return e.db.Commit(ctx, b) }); err != nil {
		return err
	}

	if e.notifier != nil {
		msg := fmt.Sprintf("Your spot in %s was cancelled by the organizer.", ev.Name)
		if reason != "" {
			msg += " Reason: " + reason
		}
		if _, err := e.notifier.Send(ctx, notify.SendRequest{
			SenderID:   ev.OrganizerID,
			EventID:    eventID,
			EventName:  ev.Name,
			Type:       event.NotifyCancellation,
			Message:    msg,
			Recipients: []string{userID},
		}); err != nil {
			log.Errorf(ctx, err, "cancellation notification failed")
		}
	}
	return nil
}

func (e *Engine) notifyDraw(ctx context.Context, ev *event.Event, res DrawResult, replacement bool) {
	if e.notifier == nil {
		return
	}
	if len(res.Winners) > 0 {
		typ := event.NotifyLotteryWin
		msg := fmt.Sprintf("You won the lottery for %s! Respond by %s.", ev.Name, res.Deadline.Format(time.RFC1123))
		if replacement {
			typ = event.NotifyReplacementDraw
			msg = fmt.Sprintf("A spot opened up for %s and you were selected! Respond by %s.", ev.Name, res.Deadline.Format(time.RFC1123))
		}
		if _, err := e.notifier.Send(ctx, notify.SendRequest{
			SenderID:   ev.OrganizerID,
			EventID:    ev.ID,
			EventName:  ev.Name,
			Type:       typ,
			Message:    msg,
			Recipients: res.Winners,
			Deadline:   res.Deadline,
		}); err != nil {
			log.Errorf(ctx, err, "winner notification failed")
		}
	}
	if len(res.Losers) > 0 {
		if _, err := e.notifier.Send(ctx, notify.SendRequest{
			SenderID:   ev.OrganizerID,
			EventID:    ev.ID,
			EventName:  ev.Name,
			Type:       event.NotifyLotteryLoss,
			Message:    fmt.Sprintf("You were not selected for %s this time.", ev.Name),
			Recipients: res.Losers,
		}); err != nil {
			log.Errorf(ctx, err, "loser notification failed")
		}
	}
}

func (e *Engine) loadEvent(ctx context.Context, eventID string) (event.Event, error) {
	doc, err := e.db.Get(ctx, event.EventsCollection, eventID)
	if err != nil {
		return event.Event{}, err
	}
	return event.EventFromDoc(eventID, doc), nil
}

func (e *Engine) loadRoster(ctx context.Context, eventID string, kind roster.Kind) (*roster.Roster, error) {
	snaps, err := e.db.Query(ctx, kind.Path(eventID), store.Query{})
	if err != nil {
		return nil, err
	}
	return roster.FromSnapshots(kind, eventID, snaps), nil
}

func pendingMember(eventID, userID string, now, deadline time.Time, geo *roster.Geo) roster.Member {
	return roster.Member{
		UserID:    userID,
		EventID:   eventID,
		EnteredAt: now,
		Status:    roster.StatusAwaiting,
		Geo:       geo,
		Deadline:  deadline,
	}
}

func historyDoc(ev *event.Event, at time.Time, status event.Participation) store.Doc {
	return event.HistoryEntry{
		EventID:   ev.ID,
		EventName: ev.Name,
		JoinedAt:  at,
		Status:    status,
	}.Doc()
}
