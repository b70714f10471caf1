package lottery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventlot/eventlot/event"
	"github.com/eventlot/eventlot/notify"
	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
	"github.com/eventlot/eventlot/store/inmem"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu   sync.Mutex
	reqs []notify.SendRequest
}

func (f *fakeNotifier) Send(ctx context.Context, req notify.SendRequest) (notify.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return notify.Outcome{Sent: len(req.Recipients)}, nil
}

func (f *fakeNotifier) byType(typ event.NotificationType) []notify.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.SendRequest
	for _, r := range f.reqs {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func newTestEngine() (*Engine, *inmem.Store, *fakeNotifier) {
	db := inmem.New()
	n := &fakeNotifier{}
	e := New(db,
		WithClock(func() time.Time { return testNow }),
		WithNotifier(n),
	)
	return e, db, n
}

func seedEvent(t *testing.T, db *inmem.Store, ev event.Event) event.Event {
	t.Helper()
	if ev.ID == "" {
		ev.ID = "e1"
	}
	if ev.Name == "" {
		ev.Name = "Summer Run"
	}
	if ev.OrganizerID == "" {
		ev.OrganizerID = "org-1"
	}
	if ev.Capacity == 0 {
		ev.Capacity = 2
	}
	if ev.Status == "" {
		ev.Status = event.StatusOpen
	}
	require.NoError(t, db.Set(context.Background(), event.EventsCollection, ev.ID, ev.Doc()))
	return ev
}

func seedRoster(t *testing.T, db *inmem.Store, kind roster.Kind, eventID string, members ...roster.Member) {
	t.Helper()
	for _, m := range members {
		m.EventID = eventID
		require.NoError(t, db.Set(context.Background(), kind.Path(eventID), m.UserID, m.Doc()))
	}
}

func waitingMember(userID string) roster.Member {
	return roster.Member{UserID: userID, EnteredAt: testNow.Add(-time.Hour), Status: roster.StatusWaiting}
}

func loadRoster(t *testing.T, db *inmem.Store, kind roster.Kind, eventID string) *roster.Roster {
	t.Helper()
	snaps, err := db.Query(context.Background(), kind.Path(eventID), store.Query{})
	require.NoError(t, err)
	return roster.FromSnapshots(kind, eventID, snaps)
}

func historyStatuses(t *testing.T, db *inmem.Store, userID string) []string {
	t.Helper()
	doc, err := db.Get(context.Background(), event.ProfilesCollection, userID)
	require.NoError(t, err)
	raw, _ := doc[event.HistoryField].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		entry, ok := v.(store.Doc)
		require.True(t, ok)
		s, _ := entry["status"].(string)
		out = append(out, s)
	}
	return out
}

func TestExecuteDraw(t *testing.T) {
	ctx := context.Background()
	e, db, n := newTestEngine()
	ev := seedEvent(t, db, event.Event{Capacity: 2})
	seedRoster(t, db, roster.Waiting, ev.ID,
		waitingMember("u1"), waitingMember("u2"), waitingMember("u3"), waitingMember("u4"))

	res, err := e.ExecuteDraw(ctx, ev.ID, 2, WithSeed(7))
	require.NoError(t, err)
	require.Len(t, res.Winners, 2)
	require.Len(t, res.Losers, 2)
	require.Equal(t, testNow.Add(ResponseWindow), res.Deadline)

	waiting := loadRoster(t, db, roster.Waiting, ev.ID)
	require.Equal(t, 0, waiting.Len(), "waiting list drained")

	pending := loadRoster(t, db, roster.ResponsePending, ev.ID)
	require.Equal(t, 2, pending.Len())
	for _, id := range res.Winners {
		m, ok := pending.Get(id)
		require.True(t, ok)
		require.Equal(t, roster.StatusAwaiting, m.Status)
		require.Equal(t, res.Deadline, m.Deadline)
		require.Equal(t, []string{string(event.ParticipationSelected)}, historyStatuses(t, db, id))
	}
	for _, id := range res.Losers {
		require.Equal(t, []string{string(event.ParticipationNotSelected)}, historyStatuses(t, db, id))
	}

	evDoc, err := db.Get(ctx, event.EventsCollection, ev.ID)
	require.NoError(t, err)
	got := event.EventFromDoc(ev.ID, evDoc)
	require.Equal(t, event.StatusClosed, got.Status)
	require.Equal(t, testNow, got.LastDrawAt)

	wins := n.byType(event.NotifyLotteryWin)
	require.Len(t, wins, 1)
	require.ElementsMatch(t, res.Winners, wins[0].Recipients)
	require.Equal(t, res.Deadline, wins[0].Deadline)
	losses := n.byType(event.NotifyLotteryLoss)
	require.Len(t, losses, 1)
	require.ElementsMatch(t, res.Losers, losses[0].Recipients)
}

func TestExecuteDrawZeroWinners(t *testing.T) {
	ctx := context.Background()
	e, db, n := newTestEngine()
	ev := seedEvent(t, db, event.Event{})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"))

	res, err := e.ExecuteDraw(ctx, ev.ID, 0)
	require.NoError(t, err)
	require.Empty(t, res.Winners)

	require.Equal(t, 1, loadRoster(t, db, roster.Waiting, ev.ID).Len())
	require.Empty(t, n.reqs)
}

func TestExecuteDrawMoreWinnersThanWaiting(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{Capacity: 10})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"), waitingMember("u2"))

	res, err := e.ExecuteDraw(ctx, ev.ID, 5, WithSeed(1))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2"}, res.Winners)
	require.Empty(t, res.Losers)
}

func TestExecuteDrawStatusGuards(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()

	for _, status := range []event.Status{event.StatusDraft, event.StatusCancelled, event.StatusCompleted} {
		ev := seedEvent(t, db, event.Event{ID: "e-" + string(status), Status: status})
		_, err := e.ExecuteDraw(ctx, ev.ID, 1)
		require.True(t, store.IsPreconditionFailed(err), "status %s", status)
	}

	_, err := e.ExecuteDraw(ctx, "missing", 1)
	require.True(t, store.IsNotFound(err))
}

func TestSecondInitialDrawConflicts(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"), waitingMember("u2"))

	_, err := e.ExecuteDraw(ctx, ev.ID, 1, WithSeed(1))
	require.NoError(t, err)

	_, err = e.ExecuteDraw(ctx, ev.ID, 1, WithSeed(1))
	require.True(t, store.IsConflict(err), "replacement draw is the correct operation after the initial draw")
}

func TestDrawLockHeldConflicts(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"))

	release, err := e.locks.Acquire(ctx, ev.ID)
	require.NoError(t, err)
	defer release()

	_, err = e.ExecuteDraw(ctx, ev.ID, 1)
	require.True(t, store.IsConflict(err))
}

func TestExecuteDrawRetriesAbortedCommit(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"), waitingMember("u2"))
	db.FailNextCommits(1, store.KindAborted)

	res, err := e.ExecuteDraw(ctx, ev.ID, 1, WithSeed(3))
	require.NoError(t, err)
	require.Len(t, res.Winners, 1)
	require.Equal(t, 1, loadRoster(t, db, roster.ResponsePending, ev.ID).Len())
}

func drawOne(t *testing.T, e *Engine, eventID string) string {
	t.Helper()
	res, err := e.ExecuteDraw(context.Background(), eventID, 1, WithSeed(11))
	require.NoError(t, err)
	require.Len(t, res.Winners, 1)
	return res.Winners[0]
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{Capacity: 2})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"), waitingMember("u2"))
	winner := drawOne(t, e, ev.ID)

	require.NoError(t, e.Accept(ctx, ev.ID, winner))

	require.Equal(t, 0, loadRoster(t, db, roster.ResponsePending, ev.ID).Len())
	inEvent := loadRoster(t, db, roster.InEvent, ev.ID)
	m, ok := inEvent.Get(winner)
	require.True(t, ok)
	require.Equal(t, roster.StatusEnrolled, m.Status)
	require.False(t, m.CheckedIn)
	require.Equal(t,
		[]string{string(event.ParticipationSelected), string(event.ParticipationEnrolled)},
		historyStatuses(t, db, winner))

	require.NoError(t, e.Accept(ctx, ev.ID, winner), "accepting twice is a no-op")
	require.Equal(t, 1, loadRoster(t, db, roster.InEvent, ev.ID).Len())
}

func TestAcceptWithoutInvitation(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{})

	err := e.Accept(ctx, ev.ID, "stranger")
	require.True(t, store.IsPreconditionFailed(err))
}

func TestAcceptAfterDeadline(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	now := testNow
	e := New(db, WithClock(func() time.Time { return now }), WithNotifier(&fakeNotifier{}))
	ev := seedEvent(t, db, event.Event{})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"))
	winner := drawOne(t, e, ev.ID)

	now = testNow.Add(ResponseWindow + time.Hour)
	err := e.Accept(ctx, ev.ID, winner)
	require.True(t, store.IsPreconditionFailed(err))
}

func TestAcceptAtCapacity(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{Capacity: 1})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"), waitingMember("u2"))

	res, err := e.ExecuteDraw(ctx, ev.ID, 2, WithSeed(5))
	require.NoError(t, err)
	require.Len(t, res.Winners, 2)

	require.NoError(t, e.Accept(ctx, ev.ID, res.Winners[0]))
	err = e.Accept(ctx, ev.ID, res.Winners[1])
	require.True(t, store.IsPreconditionFailed(err), "capacity is enforced at accept time")
}

func TestAcceptCompletesFullPastEvent(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{
		Capacity: 1,
		Dates:    []time.Time{testNow.Add(-24 * time.Hour)},
	})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"))
	winner := drawOne(t, e, ev.ID)

	require.NoError(t, e.Accept(ctx, ev.ID, winner))

	evDoc, err := db.Get(ctx, event.EventsCollection, ev.ID)
	require.NoError(t, err)
	require.Equal(t, string(event.StatusCompleted), evDoc["status"])
}

func TestDecline(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"), waitingMember("u2"))
	winner := drawOne(t, e, ev.ID)

	require.NoError(t, e.Decline(ctx, ev.ID, winner))

	require.Equal(t, 0, loadRoster(t, db, roster.ResponsePending, ev.ID).Len())
	cancelled := loadRoster(t, db, roster.Cancelled, ev.ID)
	m, ok := cancelled.Get(winner)
	require.True(t, ok)
	require.Equal(t, roster.ReasonDeclined, m.Reason)
	require.Equal(t,
		[]string{string(event.ParticipationSelected), string(event.ParticipationCancelled)},
		historyStatuses(t, db, winner))

	require.NoError(t, e.Decline(ctx, ev.ID, winner), "declining twice is a no-op")
	require.Equal(t, 1, cancelled.Len())

	err := e.Decline(ctx, ev.ID, "stranger")
	require.True(t, store.IsPreconditionFailed(err))
}

func TestReplacementDraw(t *testing.T) {
	ctx := context.Background()
	e, db, n := newTestEngine()
	ev := seedEvent(t, db, event.Event{Status: event.StatusClosed, LastDrawAt: testNow.Add(-time.Hour)})
	seedRoster(t, db, roster.Cancelled, ev.ID,
		roster.Member{UserID: "u3", Status: roster.StatusCancelled, Reason: roster.ReasonDeclined},
		roster.Member{UserID: "u4", Status: roster.StatusCancelled, Reason: roster.ReasonCancelledByOrganizer},
	)

	candidates, err := e.CandidatesAvailableForReplacement(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"u3"}, candidates, "organizer removals are not eligible")

	res, err := e.ExecuteReplacementDraw(ctx, ev.ID, 1, WithSeed(9))
	require.NoError(t, err)
	require.Equal(t, []string{"u3"}, res.Winners)

	pending := loadRoster(t, db, roster.ResponsePending, ev.ID)
	m, ok := pending.Get("u3")
	require.True(t, ok)
	require.Equal(t, roster.StatusAwaiting, m.Status)
	require.Equal(t, testNow.Add(ResponseWindow), m.Deadline)

	cancelled := loadRoster(t, db, roster.Cancelled, ev.ID)
	require.False(t, cancelled.Contains("u3"))
	require.True(t, cancelled.Contains("u4"))

	require.Equal(t,
		[]string{string(event.ParticipationReplacementSelected)},
		historyStatuses(t, db, "u3"))

	evDoc, err := db.Get(ctx, event.EventsCollection, ev.ID)
	require.NoError(t, err)
	require.Equal(t, string(event.StatusClosed), evDoc["status"], "replacement draw leaves the event CLOSED")

	reqs := n.byType(event.NotifyReplacementDraw)
	require.Len(t, reqs, 1)
	require.Equal(t, []string{"u3"}, reqs[0].Recipients)
	require.Empty(t, n.byType(event.NotifyLotteryLoss), "no loss notifications on replacement draws")
}

func TestReplacementDrawPrefersWaitingPool(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{Status: event.StatusClosed, LastDrawAt: testNow.Add(-time.Hour)})
	seedRoster(t, db, roster.Waiting, ev.ID, waitingMember("u1"))

	res, err := e.ExecuteReplacementDraw(ctx, ev.ID, 1, WithSeed(2))
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, res.Winners)
	require.Equal(t, 0, loadRoster(t, db, roster.Waiting, ev.ID).Len())
}

func TestCancelEntrant(t *testing.T) {
	ctx := context.Background()
	e, db, n := newTestEngine()
	ev := seedEvent(t, db, event.Event{})
	geo := &roster.Geo{Lat: 63.43, Lng: 10.39, CapturedAt: testNow.Add(-time.Hour)}
	seedRoster(t, db, roster.InEvent, ev.ID,
		roster.Member{UserID: "u1", Status: roster.StatusEnrolled, Geo: geo})

	require.NoError(t, e.CancelEntrant(ctx, ev.ID, "u1", "venue change"))

	require.Equal(t, 0, loadRoster(t, db, roster.InEvent, ev.ID).Len())
	cancelled := loadRoster(t, db, roster.Cancelled, ev.ID)
	m, ok := cancelled.Get("u1")
	require.True(t, ok)
	require.Equal(t, roster.ReasonCancelledByOrganizer, m.Reason)
	require.Equal(t, testNow, m.EnteredAt, "cancellation timestamp recorded")
	require.NotNil(t, m.Geo, "geolocation preserved across the move")
	require.Equal(t, 63.43, m.Geo.Lat)

	reqs := n.byType(event.NotifyCancellation)
	require.Len(t, reqs, 1)
	require.Equal(t, []string{"u1"}, reqs[0].Recipients)
	require.Contains(t, reqs[0].Message, "venue change")

	err := e.CancelEntrant(ctx, ev.ID, "u2", "")
	require.True(t, store.IsPreconditionFailed(err))
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	e, db, _ := newTestEngine()
	ev1 := seedEvent(t, db, event.Event{ID: "e1", Status: event.StatusClosed})
	ev2 := seedEvent(t, db, event.Event{ID: "e2", Status: event.StatusClosed})

	expired := roster.Member{UserID: "u1", Status: roster.StatusAwaiting, Deadline: testNow.Add(-time.Minute)}
	live := roster.Member{UserID: "u2", Status: roster.StatusAwaiting, Deadline: testNow.Add(time.Hour)}
	seedRoster(t, db, roster.ResponsePending, ev1.ID, expired, live)
	seedRoster(t, db, roster.ResponsePending, ev2.ID,
		roster.Member{UserID: "u3", Status: roster.StatusAwaiting, Deadline: testNow.Add(-time.Hour)})

	res, err := e.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Expired)
	require.Equal(t, 1, res.Batches)

	pending1 := loadRoster(t, db, roster.ResponsePending, ev1.ID)
	require.False(t, pending1.Contains("u1"))
	require.True(t, pending1.Contains("u2"), "unexpired invitations are untouched")

	cancelled1 := loadRoster(t, db, roster.Cancelled, ev1.ID)
	m, ok := cancelled1.Get("u1")
	require.True(t, ok)
	require.Equal(t, roster.ReasonExpired, m.Reason)

	cancelled2 := loadRoster(t, db, roster.Cancelled, ev2.ID)
	require.True(t, cancelled2.Contains("u3"))

	res, err = e.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Expired, "sweep is idempotent")
}

func TestSweepExpiredHonorsCancellation(t *testing.T) {
	e, db, _ := newTestEngine()
	ev := seedEvent(t, db, event.Event{Status: event.StatusClosed})
	seedRoster(t, db, roster.ResponsePending, ev.ID,
		roster.Member{UserID: "u1", Status: roster.StatusAwaiting, Deadline: testNow.Add(-time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.SweepExpired(ctx)
	require.Error(t, err)
}
