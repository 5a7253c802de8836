// Package signaling relays peer-connection handshake data (offer, answer,
// candidates) between the two participants of a session. Each slot writes
// only its own signaling document and observes the other slot's, so every
// write is a plain single-writer put; no transactions are needed here.
package signaling

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/store"
)

// PeerAgent is the local half of the peer connection: it mints offers and
// answers, surfaces locally-discovered candidates, and absorbs the remote
// side's candidates. Connection success is inferred elsewhere; the relay
// only moves handshake data.
type PeerAgent interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, offer string) (string, error)
	AcceptAnswer(ctx context.Context, answer string) error
	AddRemoteCandidate(ctx context.Context, payload string) error
	LocalCandidates() <-chan string
}

// Relay binds one participant to the session's signaling documents. Slot A
// initiates (publishes the offer once); slot B responds (publishes the
// answer once, on first observing an offer). Both sides stream candidates
// continuously, deduplicated by payload equality.
type Relay struct {
	store     store.Store
	log       *logrus.Logger
	sessionID string
	slot      models.Slot
	agent     PeerAgent

	cancel context.CancelFunc
	done   sync.WaitGroup

	mu       sync.Mutex
	own      models.SignalDoc
	answered bool
	accepted bool
	applied  map[string]struct{}
}

// Open attaches identity to the session's signaling exchange. Anyone not
// seated in the session is refused.
func Open(ctx context.Context, st store.Store, s *models.Session, identity string, agent PeerAgent, logger *logrus.Logger) (*Relay, error) {
	slot, seated := s.SeatOf(identity)
	if !seated {
		return nil, apperr.Validationf("%s is not a participant; observers are refused", identity)
	}
	if !s.Mode.Shared() {
		return nil, apperr.Validationf("session %s has no peers to signal", s.ID)
	}

	r := &Relay{
		store:     st,
		log:       logger,
		sessionID: s.ID,
		slot:      slot,
		agent:     agent,
		applied:   map[string]struct{}{},
	}

	// Recover our own document if this is a rejoin, otherwise create it.
	ownKey := models.SignalKey(s.ID, slot)
	doc, err := st.Get(ctx, ownKey)
	switch {
	case err == nil:
		if err := doc.Decode(&r.own); err != nil {
			return nil, err
		}
	case store.NotFound(err):
		r.own = models.SignalDoc{SessionID: s.ID, Slot: slot}
		if _, err := st.CreateIfAbsent(ctx, ownKey, r.own); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	r.answered = r.own.Answer != ""

	// The initiator publishes its offer exactly once.
	if slot == models.SlotA && r.own.Offer == "" {
		offer, err := agent.CreateOffer(ctx)
		if err != nil {
			return nil, apperr.Enginef("create offer: %v", err)
		}
		if err := r.updateOwn(ctx, func(d *models.SignalDoc) { d.Offer = offer }); err != nil {
			return nil, err
		}
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	events, stop := st.Subscribe(relayCtx, models.SignalKey(s.ID, slot.Other()))

	r.done.Add(2)
	go func() {
		defer r.done.Done()
		defer stop()
		r.observeRemote(relayCtx, events)
	}()
	go func() {
		defer r.done.Done()
		r.publishLocalCandidates(relayCtx)
	}()

	return r, nil
}

// Close stops observing and releases local resources. Persisted signaling
// state is left in place.
func (r *Relay) Close() {
	r.cancel()
	r.done.Wait()
}

// observeRemote applies the other slot's document snapshots: the responder
// answers the first observed offer, and both sides absorb unseen candidates.
// Candidate application order does not matter.
func (r *Relay) observeRemote(ctx context.Context, events <-chan store.Event) {
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
			var remote models.SignalDoc
			if err := ev.Doc.Decode(&remote); err != nil {
				r.log.WithError(err).Warn("malformed signaling doc")
				continue
			}
			r.handleRemote(ctx, remote)
		}
	}
}

func (r *Relay) handleRemote(ctx context.Context, remote models.SignalDoc) {
	if r.slot == models.SlotB && remote.Offer != "" {
		r.mu.Lock()
		pending := !r.answered
		r.answered = true // guard before the async work so duplicates are suppressed
		r.mu.Unlock()
		if pending {
			answer, err := r.agent.CreateAnswer(ctx, remote.Offer)
			if err != nil {
				r.log.WithError(err).Error("create answer failed")
				r.mu.Lock()
				r.answered = false
				r.mu.Unlock()
			} else if err := r.updateOwn(ctx, func(d *models.SignalDoc) { d.Answer = answer }); err != nil {
				r.log.WithError(err).Error("publish answer failed")
			}
		}
	}

	if r.slot == models.SlotA && remote.Answer != "" {
		r.mu.Lock()
		pending := !r.accepted
		r.accepted = true
		r.mu.Unlock()
		if pending {
			if err := r.agent.AcceptAnswer(ctx, remote.Answer); err != nil {
				r.log.WithError(err).Error("accept answer failed")
				r.mu.Lock()
				r.accepted = false
				r.mu.Unlock()
			}
		}
	}

	for _, c := range remote.Candidates {
		if c.Slot == r.slot {
			continue
		}
		r.mu.Lock()
		_, seen := r.applied[c.Payload]
		if !seen {
			r.applied[c.Payload] = struct{}{}
		}
		r.mu.Unlock()
		if seen {
			continue
		}
		if err := r.agent.AddRemoteCandidate(ctx, c.Payload); err != nil {
			r.log.WithError(err).Warn("failed to apply remote candidate")
		}
	}
}

// publishLocalCandidates appends each locally-discovered candidate to our
// own document, tagged with our slot.
func (r *Relay) publishLocalCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-r.agent.LocalCandidates():
			if !ok {
				return
			}
			err := r.updateOwn(ctx, func(d *models.SignalDoc) {
				d.Candidates = append(d.Candidates, models.Candidate{Slot: r.slot, Payload: payload})
			})
			if err != nil {
				r.log.WithError(err).Warn("failed to publish candidate")
			}
		}
	}
}

// updateOwn mutates the cached copy of our document and puts it while still
// holding the lock. We are the only writer across processes, but the answer
// and candidate paths run on separate goroutines, so mutate and put must
// commit as one step: unlocking in between lets an older snapshot land
// after a newer one and erase its fields.
func (r *Relay) updateOwn(ctx context.Context, mutate func(d *models.SignalDoc)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(&r.own)
	return r.store.Put(ctx, models.SignalKey(r.sessionID, r.slot), r.own)
}
