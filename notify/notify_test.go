package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventlot/eventlot/event"
	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
	"github.com/eventlot/eventlot/store/inmem"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeChannel struct {
	delivered [][]Message
	failAll   error
	failToken string
}

func (c *fakeChannel) Deliver(ctx context.Context, msgs []Message) ([]DeliveryResult, error) {
	if c.failAll != nil {
		return nil, c.failAll
	}
	c.delivered = append(c.delivered, msgs)
	out := make([]DeliveryResult, len(msgs))
	for i, m := range msgs {
		out[i] = DeliveryResult{Token: m.Token}
		if m.Token == c.failToken {
			out[i].Err = errors.New("unregistered token")
		}
	}
	return out, nil
}

func seedProfile(t *testing.T, db *inmem.Store, userID, token string, enabled bool) {
	t.Helper()
	p := event.Profile{UserID: userID, NotificationsEnabled: enabled, PushToken: token}
	require.NoError(t, db.Set(context.Background(), event.ProfilesCollection, userID, p.Doc()))
}

func seedMember(t *testing.T, db *inmem.Store, kind roster.Kind, eventID, userID string) {
	t.Helper()
	m := roster.Member{UserID: userID, EventID: eventID, EnteredAt: testNow}
	require.NoError(t, db.Set(context.Background(), kind.Path(eventID), userID, m.Doc()))
}

func newTestBroadcaster(ch Channel) (*Broadcaster, *inmem.Store) {
	db := inmem.New()
	b := New(db, ch, WithClock(func() time.Time { return testNow }))
	return b, db
}

func TestSendFiltersAndLogs(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	b, db := newTestBroadcaster(ch)

	seedProfile(t, db, "u1", "tok-1", true)
	seedProfile(t, db, "u2", "tok-2", false) // opted out
	seedProfile(t, db, "u3", "", true)       // no token

	out, err := b.Send(ctx, SendRequest{
		SenderID:   "org-1",
		EventID:    "e1",
		EventName:  "Summer Run",
		Type:       event.NotifyLotteryWin,
		Message:    "You won!",
		Recipients: []string{"u1", "u2", "u3"},
		Deadline:   testNow.Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Sent)
	require.Equal(t, 2, out.Excluded)
	require.Equal(t, 0, out.Failed)

	require.Len(t, ch.delivered, 1)
	require.Len(t, ch.delivered[0], 1)
	msg := ch.delivered[0][0]
	require.Equal(t, "tok-1", msg.Token)
	require.Equal(t, "LOTTERY_WIN", msg.Data["type"])
	require.Equal(t, "e1", msg.Data["eventId"])
	require.Equal(t, "Summer Run", msg.Data["eventName"])
	require.NotEmpty(t, msg.Data["invitationDeadline"])

	// The audit record lists every intended recipient, pre-exclusion.
	logDoc, err := db.Get(ctx, event.LogsCollection, out.LogID)
	require.NoError(t, err)
	rec := event.NotificationLogFromDoc(out.LogID, logDoc)
	require.ElementsMatch(t, []string{"u1", "u2", "u3"}, rec.Recipients)
	require.Equal(t, "org-1", rec.SenderID)
	require.Equal(t, event.NotifyLotteryWin, rec.Type)
	require.Equal(t, testNow, rec.SentAt)
}

func TestCancellationIgnoresOptOut(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	b, db := newTestBroadcaster(ch)
	seedProfile(t, db, "u1", "tok-1", false)

	out, err := b.Send(ctx, SendRequest{
		EventID:    "e1",
		EventName:  "Summer Run",
		Type:       event.NotifyCancellation,
		Message:    "Your spot was cancelled.",
		Recipients: []string{"u1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Sent)
	require.Equal(t, 0, out.Excluded)

	logDoc, err := db.Get(ctx, event.LogsCollection, out.LogID)
	require.NoError(t, err)
	rec := event.NotificationLogFromDoc(out.LogID, logDoc)
	require.Equal(t, event.SystemSender, rec.SenderID, "sender defaults to SYSTEM")
}

func TestMissingProfileIsExcluded(t *testing.T) {
	ch := &fakeChannel{}
	b, _ := newTestBroadcaster(ch)

	out, err := b.Send(context.Background(), SendRequest{
		EventID:    "e1",
		Type:       event.NotifyLotteryLoss,
		Recipients: []string{"ghost"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, out.Sent)
	require.Equal(t, 1, out.Excluded)
	require.Empty(t, ch.delivered)
}

func TestChannelFailureDoesNotFailTheCall(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{failAll: errors.New("push provider down")}
	b, db := newTestBroadcaster(ch)
	seedProfile(t, db, "u1", "tok-1", true)

	out, err := b.Send(ctx, SendRequest{
		EventID:    "e1",
		Type:       event.NotifyLotteryWin,
		Recipients: []string{"u1"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, out.Sent)
	require.Equal(t, 1, out.Failed)
	require.Contains(t, out.Errors["u1"], "push provider down")

	_, err = db.Get(ctx, event.LogsCollection, out.LogID)
	require.NoError(t, err, "audit record written before delivery")
}

func TestPerTokenFailure(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{failToken: "tok-2"}
	b, db := newTestBroadcaster(ch)
	seedProfile(t, db, "u1", "tok-1", true)
	seedProfile(t, db, "u2", "tok-2", true)

	out, err := b.Send(ctx, SendRequest{
		EventID:    "e1",
		Type:       event.NotifyOrganizerMessage,
		Recipients: []string{"u1", "u2"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Sent)
	require.Equal(t, 1, out.Failed)
	require.Contains(t, out.Errors["u2"], "unregistered token")
}

func TestSharedTokenFailuresKeyedPerUser(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{failToken: "tok-shared"}
	b, db := newTestBroadcaster(ch)
	seedProfile(t, db, "u1", "tok-shared", true)
	seedProfile(t, db, "u2", "tok-shared", true)

	out, err := b.Send(ctx, SendRequest{
		EventID:    "e1",
		Type:       event.NotifyOrganizerMessage,
		Recipients: []string{"u1", "u2"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, out.Failed)
	require.Contains(t, out.Errors, "u1")
	require.Contains(t, out.Errors, "u2")
}

func TestProfilesLoadedInOneQuery(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	gs := &getCountingStore{Store: db}
	b := New(gs, &fakeChannel{}, WithClock(func() time.Time { return testNow }))
	seedProfile(t, db, "u1", "tok-1", true)
	seedProfile(t, db, "u2", "tok-2", true)

	out, err := b.Send(ctx, SendRequest{
		EventID:    "e1",
		Type:       event.NotifyLotteryWin,
		Recipients: []string{"u1", "u2", "ghost"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, out.Sent)
	require.Equal(t, 1, out.Excluded)
	require.Equal(t, 0, gs.gets, "recipients resolved with an in-query, not point reads")
}

func TestAuditLogFailureAborts(t *testing.T) {
	db := inmem.New()
	// A store whose writes fail wholesale.
	b := New(failingStore{db}, &fakeChannel{})

	_, err := b.Send(context.Background(), SendRequest{
		EventID:    "e1",
		Type:       event.NotifyLotteryWin,
		Recipients: []string{"u1"},
	})
	require.Error(t, err)
	require.Equal(t, store.KindInternal, store.KindOf(err))
}

func TestBroadcastToRoster(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	b, db := newTestBroadcaster(ch)
	seedProfile(t, db, "u1", "tok-1", true)
	seedProfile(t, db, "u2", "tok-2", true)
	seedProfile(t, db, "u3", "tok-3", true)

	ev := event.Event{ID: "e1", Name: "Summer Run"}
	require.NoError(t, db.Set(ctx, event.EventsCollection, ev.ID, ev.Doc()))
	seedMember(t, db, roster.InEvent, "e1", "u1")
	seedMember(t, db, roster.InEvent, "e1", "u2")
	seedMember(t, db, roster.Waiting, "e1", "u3") // other roster, not addressed

	out, err := b.BroadcastToRoster(ctx, "org-1", "e1", roster.InEvent, "Bring rain gear")
	require.NoError(t, err)
	require.Equal(t, 2, out.Sent)

	logDoc, err := db.Get(ctx, event.LogsCollection, out.LogID)
	require.NoError(t, err)
	rec := event.NotificationLogFromDoc(out.LogID, logDoc)
	require.Equal(t, event.NotifyOrganizerMessage, rec.Type)
	require.Equal(t, "Bring rain gear", rec.Message)
	require.ElementsMatch(t, []string{"u1", "u2"}, rec.Recipients, "recipients come from the roster")
	require.Equal(t, "Summer Run", ch.delivered[0][0].Data["eventName"])
}

func TestBroadcastToRosterMissingEvent(t *testing.T) {
	b, _ := newTestBroadcaster(&fakeChannel{})
	_, err := b.BroadcastToRoster(context.Background(), "org-1", "ghost", roster.InEvent, "hello")
	require.True(t, store.IsNotFound(err))
}

func TestEmptyRecipientsIsNoOp(t *testing.T) {
	ch := &fakeChannel{}
	b, db := newTestBroadcaster(ch)

	out, err := b.Send(context.Background(), SendRequest{EventID: "e1", Type: event.NotifyLotteryWin})
	require.NoError(t, err)
	require.Empty(t, out.LogID)

	snaps, err := db.Query(context.Background(), event.LogsCollection, store.Query{})
	require.NoError(t, err)
	require.Empty(t, snaps, "no audit record for empty broadcasts")
}

// getCountingStore counts point reads.
type getCountingStore struct {
	store.Store
	gets int
}

func (g *getCountingStore) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	g.gets++
	return g.Store.Get(ctx, collection, id)
}

// failingStore rejects every Set.
type failingStore struct {
	store.Store
}

func (f failingStore) Set(ctx context.Context, collection, id string, data store.Doc) error {
	return store.Errorf(store.KindUnavailable, "backend down")
}
