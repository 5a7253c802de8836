// Package matchmaking pairs a waiting player with either an existing open
// session or another queued player, exactly once. Claim races are expected:
// the loser falls back to a ticket instead of retrying.
package matchmaking

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/store"
)

// backdateTolerance absorbs clock skew between the ticket write and the
// pairing write when deciding whether an observed session answers this
// search.
const backdateTolerance = 2 * time.Second

// Coordinator implements quick-match over the shared store.
type Coordinator struct {
	store store.Store
	log   *logrus.Logger
	now   func() time.Time
}

// New builds a coordinator over the shared store.
func New(st store.Store, logger *logrus.Logger) *Coordinator {
	return &Coordinator{store: st, log: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// QuickMatch is the outcome of a search. Either SessionID is set (an open
// session was claimed immediately) or TicketID is set and Paired delivers
// the session id once a pairing lands.
type QuickMatch struct {
	SessionID string
	TicketID  string
	Paired    <-chan string
	cancel    func()
}

// RequestQuickMatch claims the oldest compatible open session, or queues a
// ticket and observes for the session a pairing run will create. A lost
// claim race is invisible to the caller: it falls through to the ticket
// path.
func (c *Coordinator) RequestQuickMatch(ctx context.Context, identity string, timeControl int) (*QuickMatch, error) {
	if identity == "" {
		return nil, apperr.Validationf("quick match needs an identity")
	}

	sid, err := c.claimOpenSession(ctx, identity, timeControl)
	if err != nil && !apperr.IsConflict(err) {
		return nil, err
	}
	if sid != "" {
		c.log.WithFields(logrus.Fields{"identity": identity, "session": sid}).Info("claimed open session")
		return &QuickMatch{SessionID: sid}, nil
	}

	ticket := models.Ticket{
		ID:          uuid.NewString(),
		Requester:   identity,
		TimeControl: timeControl,
		CreatedAt:   c.now(),
	}
	if _, err := c.store.CreateIfAbsent(ctx, models.TicketKey(ticket.ID), ticket); err != nil {
		return nil, err
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	events, stop := c.store.Subscribe(watchCtx, models.SessionPrefix)
	paired := make(chan string, 1)
	go c.watchForPairing(watchCtx, events, identity, ticket.CreatedAt, paired)

	// Reactive pairing trigger: try to consume the ticket we just wrote. It
	// runs on the watch context, not the request's, which the caller may
	// cancel as soon as we return. A dedicated pairing worker (RunPairing)
	// covers deployments with no requester-side trigger at all.
	go func() {
		if _, err := c.PairTicket(watchCtx, ticket); err != nil && !apperr.IsConflict(err) {
			c.log.WithError(err).Warn("inline pairing attempt failed")
		}
	}()

	return &QuickMatch{
		TicketID: ticket.ID,
		Paired:   paired,
		cancel: func() {
			cancelWatch()
			stop()
		},
	}, nil
}

// Cancel deletes the search's own ticket (a no-op if a pairing already
// consumed it) and stops the observation. In-flight notifications may still
// arrive on Paired and can be ignored.
func (c *Coordinator) Cancel(ctx context.Context, qm *QuickMatch) error {
	if qm == nil {
		return nil
	}
	if qm.cancel != nil {
		qm.cancel()
	}
	if qm.TicketID == "" {
		return nil
	}
	return c.store.Delete(ctx, models.TicketKey(qm.TicketID))
}

// RunPairing is the independent pairing process: it reacts to ticket
// creation and pairs greedily until ctx is done.
func (c *Coordinator) RunPairing(ctx context.Context) {
	events, stop := c.store.Subscribe(ctx, models.TicketPrefix)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Deleted {
				continue
			}
			var t models.Ticket
			if err := ev.Doc.Decode(&t); err != nil {
				c.log.WithError(err).Warn("malformed ticket event")
				continue
			}
			if _, err := c.PairTicket(ctx, t); err != nil && !apperr.IsConflict(err) {
				c.log.WithError(err).Warn("pairing run failed")
			}
		}
	}
}

// PairTicket scans for the oldest other ticket with the same time control
// and, if found, atomically creates an active session with randomized slot
// assignment and deletes both tickets. An abort because either ticket
// vanished (a concurrent run got there first) has no partial effect.
func (c *Coordinator) PairTicket(ctx context.Context, t models.Ticket) (string, error) {
	partner, ok, err := c.oldestOtherTicket(ctx, t)
	if err != nil || !ok {
		return "", err
	}

	first, second := t.Requester, partner.Requester
	if rand.Intn(2) == 0 {
		first, second = second, first
	}
	now := c.now()
	s := &models.Session{
		ID:           uuid.NewString(),
		Mode:         models.ModeNetworked,
		PlayerA:      first,
		PlayerB:      second,
		Clock:        models.NewClock(t.TimeControl),
		LastActionAt: now,
		Status:       models.SessionActive,
		CreatedAt:    now,
	}

	err = c.store.Update(ctx, func(tx store.Tx) error {
		for _, id := range []string{t.ID, partner.ID} {
			if _, err := tx.Get(models.TicketKey(id)); err != nil {
				if store.NotFound(err) {
					return apperr.Conflictf("ticket %s already consumed", id)
				}
				return err
			}
		}
		if err := tx.Create(models.SessionKey(s.ID), s); err != nil {
			return err
		}
		tx.Delete(models.TicketKey(t.ID))
		tx.Delete(models.TicketKey(partner.ID))
		return nil
	})
	if err != nil {
		return "", err
	}
	c.log.WithFields(logrus.Fields{
		"session": s.ID,
		"playerA": s.PlayerA,
		"playerB": s.PlayerB,
	}).Info("tickets paired")
	return s.ID, nil
}

// claimOpenSession finds the oldest matching open session and attempts the
// claim transaction. Returns "" with no error when there is nothing to
// claim, and ErrConflict when the claim lost its race.
func (c *Coordinator) claimOpenSession(ctx context.Context, identity string, timeControl int) (string, error) {
	docs, err := c.store.List(ctx, models.SessionPrefix)
	if err != nil {
		return "", err
	}
	var candidates []models.Session
	for _, doc := range docs {
		var s models.Session
		if err := doc.Decode(&s); err != nil {
			continue
		}
		if s.Status == models.SessionOpen && s.PlayerB == "" &&
			s.Clock.BaseSeconds == timeControl && s.PlayerA != identity {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	target := candidates[0]

	err = c.store.Update(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(models.SessionKey(target.ID))
		if err != nil {
			if store.NotFound(err) {
				return apperr.Conflictf("session %s vanished", target.ID)
			}
			return err
		}
		var s models.Session
		if err := doc.Decode(&s); err != nil {
			return err
		}
		if s.Status != models.SessionOpen || s.PlayerB != "" {
			return apperr.Conflictf("session %s already claimed", target.ID)
		}
		if s.PlayerA == identity {
			return apperr.Conflictf("session %s is the requester's own", target.ID)
		}
		s.PlayerB = identity
		s.Status = models.SessionActive
		s.LastActionAt = c.now()
		return tx.Put(models.SessionKey(s.ID), &s)
	})
	if err != nil {
		return "", err
	}
	return target.ID, nil
}

// oldestOtherTicket returns the oldest compatible ticket not owned by t's
// requester.
func (c *Coordinator) oldestOtherTicket(ctx context.Context, t models.Ticket) (models.Ticket, bool, error) {
	docs, err := c.store.List(ctx, models.TicketPrefix)
	if err != nil {
		return models.Ticket{}, false, err
	}
	var best models.Ticket
	found := false
	for _, doc := range docs {
		var other models.Ticket
		if err := doc.Decode(&other); err != nil {
			continue
		}
		if other.ID == t.ID || other.Requester == t.Requester || other.TimeControl != t.TimeControl {
			continue
		}
		if !found || other.CreatedAt.Before(best.CreatedAt) {
			best, found = other, true
		}
	}
	return best, found, nil
}

// watchForPairing delivers at most one session id: the first active session
// containing identity created at or after the ticket (minus a small
// backdating tolerance).
func (c *Coordinator) watchForPairing(ctx context.Context, events <-chan store.Event, identity string, since time.Time, paired chan<- string) {
	defer close(paired)
	cutoff := since.Add(-backdateTolerance)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Deleted {
				continue
			}
			var s models.Session
			if err := ev.Doc.Decode(&s); err != nil {
				continue
			}
			if s.Status != models.SessionActive || s.CreatedAt.Before(cutoff) {
				continue
			}
			if _, seated := s.SeatOf(identity); !seated {
				continue
			}
			paired <- s.ID
			return
		}
	}
}
