package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/rules"
	"github.com/skovert/arbiter/internal/store"
)

// fakeEngine applies moves by appending the notation to the position, so
// tests can see exactly what the engine was fed. Terminal state and
// rejections are scripted per test.
type fakeEngine struct {
	mu       sync.Mutex
	reject   error
	terminal rules.Terminal
	dests    []string
}

func (f *fakeEngine) ApplyMove(ctx context.Context, position string, mv rules.Move) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return "", f.reject
	}
	return position + "/" + mv.Notation, nil
}

func (f *fakeEngine) IsTerminal(ctx context.Context, position string) (rules.Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal == "" {
		return rules.TerminalNone, nil
	}
	return f.terminal, nil
}

func (f *fakeEngine) LegalDestinations(ctx context.Context, position, square string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dests, nil
}

func (f *fakeEngine) script(terminal rules.Terminal, reject error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = terminal
	f.reject = reject
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *fakeEngine, *testClock) {
	t.Helper()
	engine := &fakeEngine{}
	clock := &testClock{now: time.Unix(10_000, 0)}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := NewManager(store.NewMemory(), engine, logger)
	m.SetClock(clock.Now)
	return m, engine, clock
}

func createActive(t *testing.T, m *Manager, timeControl int) *models.Session {
	t.Helper()
	s, err := m.Create(context.Background(), CreateParams{
		Mode:        models.ModeNetworked,
		PlayerA:     "alice",
		PlayerB:     "bob",
		TimeControl: timeControl,
		Position:    "start",
	})
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, s.Status)
	return s
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateParams{Mode: models.ModeNetworked})
	assert.True(t, apperr.IsValidation(err))

	_, err = m.Create(ctx, CreateParams{Mode: models.ModeVsComputer, PlayerA: "alice"})
	assert.True(t, apperr.IsValidation(err), "single-seat creation only makes sense for networked mode")

	_, err = m.Create(ctx, CreateParams{Mode: models.ModeNetworked, PlayerA: "alice", PlayerB: "alice"})
	assert.True(t, apperr.IsValidation(err))
}

func TestCreateNetworkedWithoutOpponentStartsOpen(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := m.Create(context.Background(), CreateParams{Mode: models.ModeNetworked, PlayerA: "alice"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, s.Status)

	// An open session accepts no moves.
	_, err = m.ApplyMove(context.Background(), s.ID, "alice", rules.Move{Notation: "e4"})
	assert.True(t, apperr.IsValidation(err))
}

func TestLocalModeStaysOutOfSharedStore(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := m.Create(context.Background(), CreateParams{
		Mode:    models.ModeLocal,
		PlayerA: "alice",
		PlayerB: "bob",
	})
	require.NoError(t, err)

	_, err = m.SharedStore().Get(context.Background(), models.SessionKey(s.ID))
	assert.True(t, store.NotFound(err))

	// The manager still finds it.
	got, err := m.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestApplyMoveAlternatesTurnsAndNumbersMoves(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 300)

	// Bob may not move first.
	_, err := m.ApplyMove(ctx, s.ID, "bob", rules.Move{Notation: "e5"})
	assert.True(t, apperr.IsValidation(err))

	// A stranger may not move at all.
	_, err = m.ApplyMove(ctx, s.ID, "mallory", rules.Move{Notation: "e4"})
	assert.True(t, apperr.IsValidation(err))

	got, err := m.ApplyMove(ctx, s.ID, "alice", rules.Move{Notation: "e4"})
	require.NoError(t, err)
	assert.Equal(t, "start/e4", got.Position)
	require.Len(t, got.Moves, 1)
	assert.Equal(t, 1, got.Moves[0].Seq)

	got, err = m.ApplyMove(ctx, s.ID, "bob", rules.Move{Notation: "e5"})
	require.NoError(t, err)
	require.Len(t, got.Moves, 2)
	assert.Equal(t, 2, got.Moves[1].Seq)
	assert.Equal(t, models.SlotA, got.Turn())
}

func TestRejectedMoveLeavesSessionUntouched(t *testing.T) {
	m, engine, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 300)

	engine.script("", errors.New("king in check"))
	_, err := m.ApplyMove(ctx, s.ID, "alice", rules.Move{Notation: "Kd2"})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, err.Error(), "king in check")

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "start", got.Position)
	assert.Empty(t, got.Moves)
	assert.Equal(t, models.SlotA, got.Turn())
}

func TestApplyMoveChargesMoverClock(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 300)

	clock.Advance(12 * time.Second)
	got, err := m.ApplyMove(ctx, s.ID, "alice", rules.Move{Notation: "e4"})
	require.NoError(t, err)
	assert.InDelta(t, 288, got.Clock.Remaining[models.SlotA], 0.001)
	assert.InDelta(t, 300, got.Clock.Remaining[models.SlotB], 0.001)
	assert.InDelta(t, 12, got.Moves[0].ElapsedSeconds, 0.001)
}

func TestCheckmateFinishesInSameTransaction(t *testing.T) {
	m, engine, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 300)

	var finished []*models.Session
	m.OnFinished(func(ctx context.Context, s *models.Session) {
		finished = append(finished, s)
	})

	engine.script(rules.TerminalCheckmate, nil)
	got, err := m.ApplyMove(ctx, s.ID, "alice", rules.Move{Notation: "Qh7#"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, got.Status)
	require.NotNil(t, got.Result)
	require.NotNil(t, got.Result.Winner)
	assert.Equal(t, models.SlotA, *got.Result.Winner)
	assert.Equal(t, models.ReasonCheckmate, got.Result.Reason)
	require.Len(t, finished, 1)

	// No further moves on a finished session.
	_, err = m.ApplyMove(ctx, s.ID, "bob", rules.Move{Notation: "e5"})
	assert.True(t, apperr.IsValidation(err))
}

func TestDrawOfferLifecycle(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 0)

	// No offer yet: accept and decline both fail.
	_, err := m.AcceptDraw(ctx, s.ID, "bob")
	assert.True(t, apperr.IsValidation(err))
	_, err = m.DeclineDraw(ctx, s.ID, "bob")
	assert.True(t, apperr.IsValidation(err))

	got, err := m.OfferDraw(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.Offers.DrawBy)

	// The offerer cannot accept their own offer.
	_, err = m.AcceptDraw(ctx, s.ID, "alice")
	assert.True(t, apperr.IsValidation(err))

	got, err = m.DeclineDraw(ctx, s.ID, "bob")
	require.NoError(t, err)
	assert.Nil(t, got.Offers.DrawBy)
	assert.Equal(t, models.SessionActive, got.Status)

	// Offer again; acceptance ends the game as an agreed draw.
	_, err = m.OfferDraw(ctx, s.ID, "alice")
	require.NoError(t, err)
	got, err = m.AcceptDraw(ctx, s.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, got.Status)
	require.NotNil(t, got.Result)
	assert.Nil(t, got.Result.Winner)
	assert.Equal(t, models.ReasonAgreedDraw, got.Result.Reason)
}

func TestMoveClearsPendingDrawOffer(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 0)

	_, err := m.OfferDraw(ctx, s.ID, "bob")
	require.NoError(t, err)

	got, err := m.ApplyMove(ctx, s.ID, "alice", rules.Move{Notation: "e4"})
	require.NoError(t, err)
	assert.Nil(t, got.Offers.DrawBy)

	// The offer is gone; bob's old offer cannot be accepted later.
	_, err = m.AcceptDraw(ctx, s.ID, "alice")
	assert.True(t, apperr.IsValidation(err))
}

func TestResignCreditsOpponent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 0)

	got, err := m.Resign(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, got.Status)
	require.NotNil(t, got.Result.Winner)
	assert.Equal(t, models.SlotB, *got.Result.Winner)
	assert.Equal(t, models.ReasonResignation, got.Result.Reason)
}

func TestReportTimeout(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 30)

	var hookCount int
	m.OnFinished(func(context.Context, *models.Session) { hookCount++ })

	// A report against a live clock is refused.
	_, err := m.ReportTimeout(ctx, s.ID, models.SlotA)
	assert.True(t, apperr.IsValidation(err))

	clock.Advance(31 * time.Second)
	got, err := m.ReportTimeout(ctx, s.ID, models.SlotA)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, got.Status)
	assert.Equal(t, models.SlotB, *got.Result.Winner)
	assert.Equal(t, models.ReasonTimeout, got.Result.Reason)

	// Both clients race to report; the second is a silent no-op and the
	// result stands unchanged.
	again, err := m.ReportTimeout(ctx, s.ID, models.SlotA)
	require.NoError(t, err)
	assert.Equal(t, models.SlotB, *again.Result.Winner)
	assert.Equal(t, 1, hookCount)
}

func TestFinishAdminIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 0)

	winner := models.SlotA
	got, err := m.FinishAdmin(ctx, s.ID, &winner)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonAdmin, got.Result.Reason)

	// A second admin decision does not overwrite the first.
	other := models.SlotB
	again, err := m.FinishAdmin(ctx, s.ID, &other)
	require.NoError(t, err)
	assert.Equal(t, models.SlotA, *again.Result.Winner)
}

func TestRematchSwapsSeatsAndResetsState(t *testing.T) {
	m, engine, clock := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 60)

	// A rematch offer on a live session is refused.
	_, err := m.OfferRematch(ctx, s.ID, "alice")
	assert.True(t, apperr.IsValidation(err))

	// Play a move, then resign, so the original has history to shed.
	engine.script("", nil)
	clock.Advance(5 * time.Second)
	_, err = m.ApplyMove(ctx, s.ID, "alice", rules.Move{Notation: "e4"})
	require.NoError(t, err)
	_, err = m.Resign(ctx, s.ID, "bob")
	require.NoError(t, err)

	_, err = m.OfferRematch(ctx, s.ID, "alice")
	require.NoError(t, err)

	// The offerer cannot accept their own offer.
	_, err = m.AcceptRematch(ctx, s.ID, "alice")
	assert.True(t, apperr.IsValidation(err))

	rematch, err := m.AcceptRematch(ctx, s.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", rematch.PlayerA)
	assert.Equal(t, "alice", rematch.PlayerB)
	assert.Equal(t, "start", rematch.Position)
	assert.Empty(t, rematch.Moves)
	assert.Equal(t, models.SessionActive, rematch.Status)
	assert.InDelta(t, 60, rematch.Clock.Remaining[models.SlotA], 0.001)

	// The original carries the stamp, and a duplicate accept lands on the
	// same rematch session.
	orig, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, rematch.ID, orig.Offers.RematchSessionID)

	dup, err := m.AcceptRematch(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, rematch.ID, dup.ID)
}

func TestTournamentSessionsDoNotRematch(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, CreateParams{
		Mode:       models.ModeNetworked,
		PlayerA:    "alice",
		PlayerB:    "bob",
		Position:   "start",
		Tournament: &models.TournamentRef{TournamentID: "t1", Round: 1},
	})
	require.NoError(t, err)
	_, err = m.Resign(ctx, s.ID, "alice")
	require.NoError(t, err)

	_, err = m.OfferRematch(ctx, s.ID, "bob")
	assert.True(t, apperr.IsValidation(err))
}

func TestSubscribeStreamsSnapshots(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := createActive(t, m, 0)

	events, cancel, err := m.Subscribe(ctx, s.ID)
	require.NoError(t, err)
	defer cancel()

	// Seeded with the current state.
	ev := <-events
	seeded := &models.Session{}
	require.NoError(t, ev.Doc.Decode(seeded))
	assert.Equal(t, s.ID, seeded.ID)

	_, err = m.ApplyMove(ctx, s.ID, "alice", rules.Move{Notation: "e4"})
	require.NoError(t, err)

	ev = <-events
	moved := &models.Session{}
	require.NoError(t, ev.Doc.Decode(moved))
	assert.Len(t, moved.Moves, 1)
}

func TestLegalDestinations(t *testing.T) {
	m, engine, _ := newTestManager(t)
	engine.dests = []string{"e3", "e4"}
	s := createActive(t, m, 0)

	dests, err := m.LegalDestinations(context.Background(), s.ID, "e2")
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e4"}, dests)
}
