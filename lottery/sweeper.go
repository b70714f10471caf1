package lottery

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/eventlot/eventlot/roster"
	"github.com/eventlot/eventlot/store"
)

// DefaultSweepInterval is how often the background sweeper scans for expired
// invitations.
const DefaultSweepInterval = time.Hour

// SweepResult reports one sweep pass.
type SweepResult struct {
	Expired int
	Batches int
}

// SweepExpired scans every responsePending roster for members whose response
// deadline has passed and moves each to cancelled with reason EXPIRED. Moves
// are committed in batches of at most MaxBatchOps operations; a cancelled
// context between batches stops the sweep and returns the partial result.
func (e *Engine) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := e.now().UTC()
	snaps, err := e.db.CollectionGroup(ctx, string(roster.ResponsePending), store.Query{
		Filters: []store.Filter{store.Where("deadline", "<=", now)},
	})
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	// Two writes per expiry, so half a batch of members per commit.
	const chunk = store.MaxBatchOps / 2
	for start := 0; start < len(snaps); start += chunk {
		if err := ctx.Err(); err != nil {
			return res, store.E(store.KindAborted, "lottery.sweep", err)
		}
		end := start + chunk
		if end > len(snaps) {
			end = len(snaps)
		}
		b := store.NewBatch()
		for _, s := range snaps[start:end] {
			m := roster.MemberFromDoc(s.ID, s.Data)
			eventID := m.EventID
			if eventID == "" {
				eventID = store.ParentID(s.Collection)
			}
			b.Delete(s.Collection, s.ID)
			b.Set(roster.Cancelled.Path(eventID), s.ID, roster.Member{
				UserID:    m.UserID,
				EventID:   eventID,
				EnteredAt: now,
				Status:    roster.StatusCancelled,
				Geo:       m.Geo,
				Reason:    roster.ReasonExpired,
			}.Doc())
		}
		if err := store.WithRetry(ctx, e.retry, func() error { return e.db.Commit(ctx, b) }); err != nil {
			return res, err
		}
		res.Expired += end - start
		res.Batches++
	}
	if res.Expired > 0 {
		log.Printf(ctx, "expired invitations swept",
			log.KV{K: "expired", V: res.Expired},
			log.KV{K: "batches", V: res.Batches})
	}
	return res, nil
}

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper returns a Sweeper (DefaultSweepInterval when interval <= 0).
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{engine: e, interval: interval}
}

// Run sweeps until ctx is cancelled. Sweep failures are logged, not fatal.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.SweepExpired(ctx); err != nil {
				log.Errorf(ctx, err, "deadline sweep failed")
			}
		}
	}
}
