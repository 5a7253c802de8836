package matchmaking

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/store"
)

func newTestCoordinator() (*Coordinator, *store.Memory) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	st := store.NewMemory()
	return New(st, logger), st
}

func putOpenSession(t *testing.T, st store.Store, id, playerA string, timeControl int, createdAt time.Time) {
	t.Helper()
	s := &models.Session{
		ID:           id,
		Mode:         models.ModeNetworked,
		PlayerA:      playerA,
		Clock:        models.NewClock(timeControl),
		Status:       models.SessionOpen,
		LastActionAt: createdAt,
		CreatedAt:    createdAt,
	}
	require.NoError(t, st.Put(context.Background(), models.SessionKey(id), s))
}

func getSession(t *testing.T, st store.Store, id string) *models.Session {
	t.Helper()
	doc, err := st.Get(context.Background(), models.SessionKey(id))
	require.NoError(t, err)
	s := &models.Session{}
	require.NoError(t, doc.Decode(s))
	return s
}

func waitPaired(t *testing.T, qm *QuickMatch) string {
	t.Helper()
	select {
	case sid, ok := <-qm.Paired:
		require.True(t, ok, "paired channel closed without a session")
		return sid
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pairing")
		return ""
	}
}

func TestClaimsOldestOpenSession(t *testing.T) {
	c, st := newTestCoordinator()
	base := time.Unix(5000, 0)
	putOpenSession(t, st, "newer", "alice", 300, base.Add(time.Minute))
	putOpenSession(t, st, "older", "carol", 300, base)

	qm, err := c.RequestQuickMatch(context.Background(), "bob", 300)
	require.NoError(t, err)
	assert.Equal(t, "older", qm.SessionID)

	s := getSession(t, st, "older")
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Equal(t, "bob", s.PlayerB)
}

func TestClaimSkipsIncompatibleSessions(t *testing.T) {
	c, st := newTestCoordinator()
	now := time.Unix(5000, 0)
	putOpenSession(t, st, "wrong-tc", "alice", 60, now)
	putOpenSession(t, st, "own", "bob", 300, now)

	qm, err := c.RequestQuickMatch(context.Background(), "bob", 300)
	require.NoError(t, err)

	// Nothing claimable: the search fell through to a ticket.
	assert.Empty(t, qm.SessionID)
	assert.NotEmpty(t, qm.TicketID)
	require.NoError(t, c.Cancel(context.Background(), qm))
}

func TestLostClaimFallsBackToTicket(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()
	putOpenSession(t, st, "only", "alice", 300, time.Unix(5000, 0))

	first, err := c.RequestQuickMatch(ctx, "bob", 300)
	require.NoError(t, err)
	require.Equal(t, "only", first.SessionID)

	// Carol raced bob for the same seat and lost. Her request still
	// succeeds, falling through to a ticket.
	second, err := c.RequestQuickMatch(ctx, "carol", 300)
	require.NoError(t, err)
	assert.Empty(t, second.SessionID)
	assert.NotEmpty(t, second.TicketID)
	require.NoError(t, c.Cancel(ctx, second))

	s := getSession(t, st, "only")
	assert.Equal(t, "bob", s.PlayerB, "exactly one claimant wins the seat")
}

func TestTwoTicketsPairIntoOneSession(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()

	first, err := c.RequestQuickMatch(ctx, "alice", 300)
	require.NoError(t, err)
	require.NotEmpty(t, first.TicketID)

	second, err := c.RequestQuickMatch(ctx, "bob", 300)
	require.NoError(t, err)

	// Bob may have claimed nothing (no open sessions), so his search also
	// queued a ticket; the inline pairing then consumes both.
	sidA := waitPaired(t, first)
	var sidB string
	if second.SessionID != "" {
		sidB = second.SessionID
	} else {
		sidB = waitPaired(t, second)
	}
	assert.Equal(t, sidA, sidB)

	s := getSession(t, st, sidA)
	assert.Equal(t, models.SessionActive, s.Status)
	seatedAlice, okA := s.SeatOf("alice")
	seatedBob, okB := s.SeatOf("bob")
	require.True(t, okA)
	require.True(t, okB)
	assert.NotEqual(t, seatedAlice, seatedBob)

	// Both tickets were consumed atomically with the session creation.
	docs, err := st.List(ctx, models.TicketPrefix)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPairTicketRequiresMatchingTimeControl(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()

	blitz := models.Ticket{ID: "t1", Requester: "alice", TimeControl: 180, CreatedAt: time.Unix(5000, 0)}
	rapid := models.Ticket{ID: "t2", Requester: "bob", TimeControl: 600, CreatedAt: time.Unix(5000, 0)}
	_, err := st.CreateIfAbsent(ctx, models.TicketKey(blitz.ID), blitz)
	require.NoError(t, err)
	_, err = st.CreateIfAbsent(ctx, models.TicketKey(rapid.ID), rapid)
	require.NoError(t, err)

	sid, err := c.PairTicket(ctx, blitz)
	require.NoError(t, err)
	assert.Empty(t, sid, "incompatible time controls must not pair")
}

func TestPairTicketAbortsWhenTicketConsumed(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()

	a := models.Ticket{ID: "t1", Requester: "alice", TimeControl: 300, CreatedAt: time.Unix(5000, 0)}
	b := models.Ticket{ID: "t2", Requester: "bob", TimeControl: 300, CreatedAt: time.Unix(5001, 0)}
	_, err := st.CreateIfAbsent(ctx, models.TicketKey(a.ID), a)
	require.NoError(t, err)
	_, err = st.CreateIfAbsent(ctx, models.TicketKey(b.ID), b)
	require.NoError(t, err)

	// A concurrent run already consumed bob's ticket.
	require.NoError(t, st.Delete(ctx, models.TicketKey(b.ID)))

	_, err = c.PairTicket(ctx, a)
	assert.True(t, apperr.IsConflict(err))

	// Alice's ticket survived the aborted transaction.
	_, err = st.Get(ctx, models.TicketKey(a.ID))
	require.NoError(t, err)
	docs, err := st.List(ctx, models.SessionPrefix)
	require.NoError(t, err)
	assert.Empty(t, docs, "no session may be created by an aborted pairing")
}

func TestCancelDeletesTicket(t *testing.T) {
	c, st := newTestCoordinator()
	ctx := context.Background()

	qm, err := c.RequestQuickMatch(ctx, "alice", 300)
	require.NoError(t, err)
	require.NotEmpty(t, qm.TicketID)

	require.NoError(t, c.Cancel(ctx, qm))
	_, err = st.Get(ctx, models.TicketKey(qm.TicketID))
	assert.True(t, store.NotFound(err))

	// Cancel after the ticket is gone is a no-op.
	require.NoError(t, c.Cancel(ctx, qm))
	require.NoError(t, c.Cancel(ctx, nil))
}

// cancelAwareStore fails transactions whose context is already done, the way
// a networked store would. The in-memory store ignores contexts, which hides
// lifetime bugs in callers.
type cancelAwareStore struct {
	store.Store
}

func (s cancelAwareStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Update(ctx, fn)
}

func TestInlinePairingOutlivesRequestContext(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	c := New(cancelAwareStore{store.NewMemory()}, logger)

	first, err := c.RequestQuickMatch(context.Background(), "alice", 300)
	require.NoError(t, err)
	require.NotEmpty(t, first.TicketID)

	// Let alice's own partnerless trigger run to completion first; the
	// pairing below must come from bob's trigger.
	time.Sleep(50 * time.Millisecond)

	// Bob's request context is gone by the time his inline pairing trigger
	// runs, as happens whenever the HTTP handler returns first. The trigger
	// must not be tied to it.
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	second, err := c.RequestQuickMatch(reqCtx, "bob", 300)
	require.NoError(t, err)
	require.NotEmpty(t, second.TicketID)

	sidA := waitPaired(t, first)
	assert.NotEmpty(t, sidA)
}

func TestRunPairingConsumesTickets(t *testing.T) {
	c, st := newTestCoordinator()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go c.RunPairing(ctx)

	a := models.Ticket{ID: "t1", Requester: "alice", TimeControl: 300, CreatedAt: time.Unix(5000, 0)}
	b := models.Ticket{ID: "t2", Requester: "bob", TimeControl: 300, CreatedAt: time.Unix(5001, 0)}
	_, err := st.CreateIfAbsent(ctx, models.TicketKey(a.ID), a)
	require.NoError(t, err)
	_, err = st.CreateIfAbsent(ctx, models.TicketKey(b.ID), b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		docs, err := st.List(context.Background(), models.TicketPrefix)
		return err == nil && len(docs) == 0
	}, 2*time.Second, 10*time.Millisecond, "pairing worker should consume both tickets")

	docs, err := st.List(context.Background(), models.SessionPrefix)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}
