package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/store"
)

// fakeAgent scripts the peer-connection half of the relay.
type fakeAgent struct {
	offer  string
	answer string
	local  chan string

	mu       sync.Mutex
	gotOffer string
	accepted []string
	remote   []string
}

func newFakeAgent(offer, answer string) *fakeAgent {
	return &fakeAgent{offer: offer, answer: answer, local: make(chan string, 8)}
}

func (f *fakeAgent) CreateOffer(ctx context.Context) (string, error) { return f.offer, nil }

func (f *fakeAgent) CreateAnswer(ctx context.Context, offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotOffer = offer
	return f.answer, nil
}

func (f *fakeAgent) AcceptAnswer(ctx context.Context, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, answer)
	return nil
}

func (f *fakeAgent) AddRemoteCandidate(ctx context.Context, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, payload)
	return nil
}

func (f *fakeAgent) LocalCandidates() <-chan string { return f.local }

func (f *fakeAgent) remoteCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.remote...)
}

func (f *fakeAgent) acceptedAnswers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

func (f *fakeAgent) observedOffer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotOffer
}

func testSession() *models.Session {
	return &models.Session{
		ID:      "sid",
		Mode:    models.ModeNetworked,
		PlayerA: "alice",
		PlayerB: "bob",
		Status:  models.SessionActive,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func getSignalDoc(t *testing.T, st store.Store, sid string, slot models.Slot) models.SignalDoc {
	t.Helper()
	doc, err := st.Get(context.Background(), models.SignalKey(sid, slot))
	require.NoError(t, err)
	var d models.SignalDoc
	require.NoError(t, doc.Decode(&d))
	return d
}

func TestOpenRefusesObservers(t *testing.T) {
	st := store.NewMemory()
	_, err := Open(context.Background(), st, testSession(), "mallory", newFakeAgent("o", "a"), quietLogger())
	assert.True(t, apperr.IsValidation(err))
}

func TestOpenRefusesLocalModes(t *testing.T) {
	st := store.NewMemory()
	s := testSession()
	s.Mode = models.ModeLocal
	_, err := Open(context.Background(), st, s, "alice", newFakeAgent("o", "a"), quietLogger())
	assert.True(t, apperr.IsValidation(err))
}

func TestInitiatorPublishesOfferOnce(t *testing.T) {
	st := store.NewMemory()
	s := testSession()

	r, err := Open(context.Background(), st, s, "alice", newFakeAgent("offer-1", ""), quietLogger())
	require.NoError(t, err)
	r.Close()

	d := getSignalDoc(t, st, s.ID, models.SlotA)
	assert.Equal(t, "offer-1", d.Offer)

	// Rejoining with a different scripted offer keeps the original: the
	// offer is published exactly once per session.
	r, err = Open(context.Background(), st, s, "alice", newFakeAgent("offer-2", ""), quietLogger())
	require.NoError(t, err)
	r.Close()

	d = getSignalDoc(t, st, s.ID, models.SlotA)
	assert.Equal(t, "offer-1", d.Offer)
}

func TestHandshake(t *testing.T) {
	st := store.NewMemory()
	s := testSession()
	ctx := context.Background()

	agentA := newFakeAgent("the-offer", "")
	agentB := newFakeAgent("", "the-answer")

	relayA, err := Open(ctx, st, s, "alice", agentA, quietLogger())
	require.NoError(t, err)
	defer relayA.Close()

	relayB, err := Open(ctx, st, s, "bob", agentB, quietLogger())
	require.NoError(t, err)
	defer relayB.Close()

	// B answers A's offer, and the answer makes it back to A.
	require.Eventually(t, func() bool {
		return agentB.observedOffer() == "the-offer"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		d := getSignalDoc(t, st, s.ID, models.SlotB)
		return d.Answer == "the-answer"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got := agentA.acceptedAnswers()
		return len(got) == 1 && got[0] == "the-answer"
	}, 2*time.Second, 10*time.Millisecond)

	// Candidates flow both ways.
	agentA.local <- "cand-a1"
	agentB.local <- "cand-b1"
	require.Eventually(t, func() bool {
		return len(agentB.remoteCandidates()) == 1 && len(agentA.remoteCandidates()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"cand-a1"}, agentB.remoteCandidates())
	assert.Equal(t, []string{"cand-b1"}, agentA.remoteCandidates())
}

func TestDuplicateCandidatesAppliedOnce(t *testing.T) {
	st := store.NewMemory()
	s := testSession()
	ctx := context.Background()

	agentA := newFakeAgent("the-offer", "")
	agentB := newFakeAgent("", "the-answer")

	relayA, err := Open(ctx, st, s, "alice", agentA, quietLogger())
	require.NoError(t, err)
	defer relayA.Close()

	relayB, err := Open(ctx, st, s, "bob", agentB, quietLogger())
	require.NoError(t, err)
	defer relayB.Close()

	agentA.local <- "cand-x"
	agentA.local <- "cand-x"
	agentA.local <- "cand-y"

	require.Eventually(t, func() bool {
		return len(agentB.remoteCandidates()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Give any stray duplicate a moment to land, then confirm it did not.
	time.Sleep(50 * time.Millisecond)
	assert.ElementsMatch(t, []string{"cand-x", "cand-y"}, agentB.remoteCandidates())
}

func TestAnswerPublishedOnce(t *testing.T) {
	st := store.NewMemory()
	s := testSession()
	ctx := context.Background()

	relayA, err := Open(ctx, st, s, "alice", newFakeAgent("the-offer", ""), quietLogger())
	require.NoError(t, err)
	relayA.Close()

	agentB := newFakeAgent("", "answer-1")
	relayB, err := Open(ctx, st, s, "bob", agentB, quietLogger())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return getSignalDoc(t, st, s.ID, models.SlotB).Answer == "answer-1"
	}, 2*time.Second, 10*time.Millisecond)
	relayB.Close()

	// A responder rejoin scripts a different answer, but the recorded one
	// stands.
	agentB2 := newFakeAgent("", "answer-2")
	relayB2, err := Open(ctx, st, s, "bob", agentB2, quietLogger())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	relayB2.Close()

	assert.Equal(t, "answer-1", getSignalDoc(t, st, s.ID, models.SlotB).Answer)
}

// The answer and candidate publications run on separate goroutines but write
// the same document. Whatever order they land in, the persisted snapshot
// must end up carrying both: a candidate-only snapshot overwriting the
// answer would stall the handshake for good.
func TestConcurrentOwnWritesKeepAnswer(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		st := store.NewMemory()
		r := &Relay{
			store:     st,
			log:       quietLogger(),
			sessionID: "sid",
			slot:      models.SlotB,
			own:       models.SignalDoc{SessionID: "sid", Slot: models.SlotB},
			applied:   map[string]struct{}{},
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.updateOwn(ctx, func(d *models.SignalDoc) {
				d.Answer = "the-answer"
			}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, r.updateOwn(ctx, func(d *models.SignalDoc) {
				d.Candidates = append(d.Candidates, models.Candidate{Slot: models.SlotB, Payload: "cand"})
			}))
		}()
		wg.Wait()

		d := getSignalDoc(t, st, "sid", models.SlotB)
		require.Equal(t, "the-answer", d.Answer, "iteration %d lost the answer", i)
		require.Len(t, d.Candidates, 1)
	}
}
