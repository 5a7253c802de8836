// Package session owns one game's state machine: move application, clocks,
// draw/resign/timeout/rematch. The lifecycle is monotonic (open -> active ->
// finished) and every cross-client mutation is one store transaction.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/rules"
	"github.com/skovert/arbiter/internal/store"
)

// FinishedHook observes sessions that just reached finished state, after the
// finishing transaction committed. Used to notify the tournament engine and
// the archive queue.
type FinishedHook func(ctx context.Context, s *models.Session)

// Manager drives session lifecycles. Networked and device-linked sessions
// live in the shared store; local modes get an identical state machine over
// an in-memory store that never leaves the process.
type Manager struct {
	shared store.Store
	local  store.Store
	engine rules.Engine
	log    *logrus.Logger

	now   func() time.Time
	hooks []FinishedHook
}

// NewManager wires a manager over the shared store and rules engine.
func NewManager(shared store.Store, engine rules.Engine, logger *logrus.Logger) *Manager {
	return &Manager{
		shared: shared,
		local:  store.NewMemory(),
		engine: engine,
		log:    logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source; tests use this to steer the clocks.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// OnFinished registers a hook invoked after a session finishes.
func (m *Manager) OnFinished(hook FinishedHook) {
	m.hooks = append(m.hooks, hook)
}

// CreateParams describes a new session. PlayerB may be empty only for
// networked mode, which then starts open with a claimable second slot.
type CreateParams struct {
	Mode        models.Mode
	PlayerA     string
	PlayerB     string
	TimeControl int
	Position    string
	Tournament  *models.TournamentRef
}

// Create builds and persists a new session. Mode dispatch happens here,
// once: the session's mode picks its backing store and starting status, and
// no later code path branches on it again.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Session, error) {
	if p.PlayerA == "" {
		return nil, apperr.Validationf("session needs a first player")
	}
	if p.PlayerB == "" && p.Mode != models.ModeNetworked {
		return nil, apperr.Validationf("mode %s requires both seats filled", p.Mode)
	}
	if p.PlayerA == p.PlayerB {
		return nil, apperr.Validationf("a player cannot occupy both seats")
	}

	now := m.now()
	s := &models.Session{
		ID:           uuid.NewString(),
		Mode:         p.Mode,
		PlayerA:      p.PlayerA,
		PlayerB:      p.PlayerB,
		Position:     p.Position,
		InitialPos:   p.Position,
		Clock:        models.NewClock(p.TimeControl),
		LastActionAt: now,
		Status:       models.SessionActive,
		Tournament:   p.Tournament,
		CreatedAt:    now,
	}
	if p.PlayerB == "" {
		s.Status = models.SessionOpen
	}

	created, err := m.storeFor(s.Mode).CreateIfAbsent(ctx, models.SessionKey(s.ID), s)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, apperr.Conflictf("session id %s already taken", s.ID)
	}
	m.log.WithFields(logrus.Fields{"session": s.ID, "mode": s.Mode}).Info("session created")
	return s, nil
}

// Get loads a session from whichever store holds it.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	_, s, err := m.load(ctx, id)
	return s, err
}

// Subscribe streams full snapshots of one session.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan store.Event, func(), error) {
	st, _, err := m.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := st.Subscribe(ctx, models.SessionKey(id))
	return ch, cancel, nil
}

// ApplyMove validates and applies one move for actor. On acceptance the
// position is overwritten wholesale, the move log is appended with the time
// charged to the mover's clock, and any pending draw offer is cleared. A
// terminal position finishes the session in the same transaction.
func (m *Manager) ApplyMove(ctx context.Context, id, actor string, mv rules.Move) (*models.Session, error) {
	updated, finished, err := m.transact(ctx, id, func(s *models.Session) error {
		if s.Status != models.SessionActive {
			return apperr.Validationf("session %s is not active", id)
		}
		slot, ok := s.SeatOf(actor)
		if !ok {
			return apperr.Validationf("%s is not seated in session %s", actor, id)
		}
		if s.Turn() != slot {
			return apperr.Validationf("it is not %s's turn", actor)
		}

		newPos, err := m.engine.ApplyMove(ctx, s.Position, mv)
		if err != nil {
			return apperr.Enginef("move rejected: %v", err)
		}

		now := m.now()
		elapsed := now.Sub(s.LastActionAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		if !s.Clock.Unlimited() {
			rem := s.Clock.Remaining[slot] - elapsed
			if rem < 0 {
				rem = 0
			}
			s.Clock.Remaining[slot] = rem
		}

		s.Position = newPos
		s.Moves = append(s.Moves, models.MoveRecord{
			Notation:       mv.Notation,
			From:           mv.From,
			To:             mv.To,
			ElapsedSeconds: elapsed,
			Seq:            len(s.Moves) + 1,
		})
		s.Offers.DrawBy = nil
		s.LastActionAt = now

		term, err := m.engine.IsTerminal(ctx, newPos)
		if err != nil {
			return apperr.Enginef("terminal check failed: %v", err)
		}
		switch term {
		case rules.TerminalCheckmate:
			winner := slot
			finish(s, &winner, models.ReasonCheckmate)
		case rules.TerminalDraw:
			finish(s, nil, models.ReasonDraw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if finished {
		m.fireFinished(ctx, updated)
	}
	return updated, nil
}

// OfferDraw records a pending draw offer from actor's slot.
func (m *Manager) OfferDraw(ctx context.Context, id, actor string) (*models.Session, error) {
	return m.activeOp(ctx, id, actor, func(s *models.Session, slot models.Slot) error {
		if s.Offers.DrawBy != nil && *s.Offers.DrawBy == slot {
			return nil // repeated offer, nothing to change
		}
		s.Offers.DrawBy = &slot
		return nil
	})
}

// AcceptDraw finishes the session as an agreed draw. Requires a pending
// offer from the opposing slot.
func (m *Manager) AcceptDraw(ctx context.Context, id, actor string) (*models.Session, error) {
	return m.activeOp(ctx, id, actor, func(s *models.Session, slot models.Slot) error {
		if s.Offers.DrawBy == nil || *s.Offers.DrawBy != slot.Other() {
			return apperr.Validationf("no draw offer from the other side")
		}
		finish(s, nil, models.ReasonAgreedDraw)
		return nil
	})
}

// DeclineDraw clears a pending draw offer from the opposing slot; the
// session stays active.
func (m *Manager) DeclineDraw(ctx context.Context, id, actor string) (*models.Session, error) {
	return m.activeOp(ctx, id, actor, func(s *models.Session, slot models.Slot) error {
		if s.Offers.DrawBy == nil || *s.Offers.DrawBy != slot.Other() {
			return apperr.Validationf("no draw offer from the other side")
		}
		s.Offers.DrawBy = nil
		return nil
	})
}

// Resign immediately finishes the session crediting the other slot.
func (m *Manager) Resign(ctx context.Context, id, actor string) (*models.Session, error) {
	return m.activeOp(ctx, id, actor, func(s *models.Session, slot models.Slot) error {
		winner := slot.Other()
		finish(s, &winner, models.ReasonResignation)
		return nil
	})
}

// ReportTimeout finishes the session crediting the non-expired slot. It is
// idempotent: a second report against an already-finished session is a
// silent no-op, so two clients racing to report the same expiry both
// succeed. The derived clock is re-verified inside the transaction; a
// report against a live clock is a validation failure.
func (m *Manager) ReportTimeout(ctx context.Context, id string, expired models.Slot) (*models.Session, error) {
	updated, finished, err := m.transact(ctx, id, func(s *models.Session) error {
		if s.Status == models.SessionFinished {
			return errNoop
		}
		if s.Status != models.SessionActive {
			return apperr.Validationf("session %s is not active", id)
		}
		if !Expired(s, expired, m.now()) {
			return apperr.Validationf("slot %s has time remaining", expired)
		}
		winner := expired.Other()
		finish(s, &winner, models.ReasonTimeout)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if finished {
		m.fireFinished(ctx, updated)
	}
	return updated, nil
}

// FinishAdmin force-finishes a session with an admin-decision result. Used
// by tournament overrides. Idempotent on already-finished sessions.
func (m *Manager) FinishAdmin(ctx context.Context, id string, winner *models.Slot) (*models.Session, error) {
	updated, finished, err := m.transact(ctx, id, func(s *models.Session) error {
		if s.Status == models.SessionFinished {
			return errNoop
		}
		finish(s, winner, models.ReasonAdmin)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if finished {
		m.fireFinished(ctx, updated)
	}
	return updated, nil
}

// OfferRematch records a rematch offer on a finished session. Tournament
// sessions never accept rematches; their schedule is the bracket's.
func (m *Manager) OfferRematch(ctx context.Context, id, actor string) (*models.Session, error) {
	updated, _, err := m.transact(ctx, id, func(s *models.Session) error {
		slot, ok := s.SeatOf(actor)
		if !ok {
			return apperr.Validationf("%s is not seated in session %s", actor, id)
		}
		if s.Tournament != nil {
			return apperr.Validationf("tournament sessions do not rematch")
		}
		if s.Status != models.SessionFinished {
			return apperr.Validationf("session %s has not finished", id)
		}
		if s.Offers.RematchSessionID != "" {
			return apperr.Validationf("rematch already created")
		}
		s.Offers.RematchBy = &slot
		return nil
	})
	return updated, err
}

// AcceptRematch creates a brand-new session with the seats swapped and a
// fresh clock allotment, then stamps the original session so both clients
// can navigate to it. One transaction covers both documents; a duplicate
// accept observes the stamp and returns the existing rematch.
func (m *Manager) AcceptRematch(ctx context.Context, id, actor string) (*models.Session, error) {
	st, _, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	var rematch *models.Session
	err = st.Update(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(models.SessionKey(id))
		if err != nil {
			return err
		}
		s := &models.Session{}
		if err := doc.Decode(s); err != nil {
			return err
		}
		slot, ok := s.SeatOf(actor)
		if !ok {
			return apperr.Validationf("%s is not seated in session %s", actor, id)
		}
		if s.Tournament != nil {
			return apperr.Validationf("tournament sessions do not rematch")
		}
		if s.Offers.RematchSessionID != "" {
			rematch = nil // already created by the other side's accept
			return nil
		}
		if s.Offers.RematchBy == nil || *s.Offers.RematchBy != slot.Other() {
			return apperr.Validationf("no rematch offer from the other side")
		}

		now := m.now()
		rematch = &models.Session{
			ID:           uuid.NewString(),
			Mode:         s.Mode,
			PlayerA:      s.PlayerB,
			PlayerB:      s.PlayerA,
			Position:     s.InitialPos,
			InitialPos:   s.InitialPos,
			Clock:        models.NewClock(s.Clock.BaseSeconds),
			LastActionAt: now,
			Status:       models.SessionActive,
			CreatedAt:    now,
		}
		if err := tx.Create(models.SessionKey(rematch.ID), rematch); err != nil {
			return err
		}
		s.Offers.RematchBy = nil
		s.Offers.RematchSessionID = rematch.ID
		return tx.Put(models.SessionKey(id), s)
	})
	if err != nil {
		return nil, err
	}
	if rematch == nil {
		// Stamp already present; hand back the session it points to.
		_, existing, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		return m.Get(ctx, existing.Offers.RematchSessionID)
	}
	m.log.WithFields(logrus.Fields{"session": id, "rematch": rematch.ID}).Info("rematch created")
	return rematch, nil
}

// LegalDestinations asks the rules engine where the piece on square may
// move. Read-only convenience for the presentation layer.
func (m *Manager) LegalDestinations(ctx context.Context, id, square string) ([]string, error) {
	_, s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	dests, err := m.engine.LegalDestinations(ctx, s.Position, square)
	if err != nil {
		return nil, apperr.Enginef("legal destinations: %v", err)
	}
	return dests, nil
}

// SharedStore exposes the shared store for collaborators keyed off the same
// documents (matchmaking, tournaments, signaling).
func (m *Manager) SharedStore() store.Store { return m.shared }

func (m *Manager) storeFor(mode models.Mode) store.Store {
	if mode.Shared() {
		return m.shared
	}
	return m.local
}

// load finds the session in the shared store first, then the local one.
func (m *Manager) load(ctx context.Context, id string) (store.Store, *models.Session, error) {
	key := models.SessionKey(id)
	for _, st := range []store.Store{m.shared, m.local} {
		doc, err := st.Get(ctx, key)
		if err == nil {
			s := &models.Session{}
			if err := doc.Decode(s); err != nil {
				return nil, nil, err
			}
			return st, s, nil
		}
		if !store.NotFound(err) {
			return nil, nil, err
		}
	}
	return nil, nil, apperr.NotFoundf("session %s", id)
}

// activeOp runs a mutation that requires an active session and a seated
// actor. Finished hooks fire if the mutation finished the session.
func (m *Manager) activeOp(ctx context.Context, id, actor string, fn func(s *models.Session, slot models.Slot) error) (*models.Session, error) {
	updated, finished, err := m.transact(ctx, id, func(s *models.Session) error {
		if s.Status != models.SessionActive {
			return apperr.Validationf("session %s is not active", id)
		}
		slot, ok := s.SeatOf(actor)
		if !ok {
			return apperr.Validationf("%s is not seated in session %s", actor, id)
		}
		return fn(s, slot)
	})
	if err != nil {
		return nil, err
	}
	if finished {
		m.fireFinished(ctx, updated)
	}
	return updated, nil
}

// errNoop signals that the mutation decided nothing needs to change; the
// transaction commits no write and the caller sees success.
var errNoop = errors.New("no-op")

// transact runs fn against the decoded session inside one store transaction
// and writes the result back. The returned flag reports whether this call
// transitioned the session into finished state.
func (m *Manager) transact(ctx context.Context, id string, fn func(s *models.Session) error) (*models.Session, bool, error) {
	st, _, err := m.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	var updated *models.Session
	var transitioned bool
	err = st.Update(ctx, func(tx store.Tx) error {
		updated, transitioned = nil, false
		doc, err := tx.Get(models.SessionKey(id))
		if err != nil {
			return err
		}
		s := &models.Session{}
		if err := doc.Decode(s); err != nil {
			return err
		}
		wasFinished := s.Status == models.SessionFinished
		if err := fn(s); err != nil {
			if errors.Is(err, errNoop) {
				updated = s
				return nil
			}
			return err
		}
		updated = s
		transitioned = !wasFinished && s.Status == models.SessionFinished
		return tx.Put(models.SessionKey(id), s)
	})
	if err != nil {
		return nil, false, err
	}
	return updated, transitioned, nil
}

// fireFinished invokes the finished hooks. Only the call whose transaction
// performed the transition fires them, so hooks see each result once.
func (m *Manager) fireFinished(ctx context.Context, s *models.Session) {
	for _, hook := range m.hooks {
		hook(ctx, s)
	}
}

// finish stamps the terminal state. Transitions are monotonic; callers
// verify the session was not already finished.
func finish(s *models.Session, winner *models.Slot, reason models.Reason) {
	s.Status = models.SessionFinished
	s.Result = &models.Result{Winner: winner, Reason: reason}
	s.Offers.DrawBy = nil
}
