// Package tournament runs elimination-free Swiss-style brackets: seeding,
// byes, additive scoring, and two-phase round advancement. Advancing the
// round index is exactly-once (transactional); creating the next round's
// sessions and matches is a separate, safely retryable pass.
package tournament

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/store"
)

// Options tune engine policy.
type Options struct {
	// MaxRounds overrides the derived round count when positive. The default
	// formula, ceil(log2(N)) plus one extra round above four players, is a
	// policy heuristic, not a Swiss termination rule.
	MaxRounds int

	// InitialPosition is the opaque starting position stamped onto every
	// session the engine creates.
	InitialPosition string
}

// Engine coordinates tournaments over the shared store.
type Engine struct {
	store store.Store
	log   *logrus.Logger
	opts  Options
	now   func() time.Time
}

// New builds an engine over the shared store.
func New(st store.Store, logger *logrus.Logger, opts Options) *Engine {
	return &Engine{store: st, log: logger, opts: opts, now: time.Now}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Create opens a forming tournament with the host as its first player.
func (e *Engine) Create(ctx context.Context, host string, timeControl int) (*models.Tournament, error) {
	if host == "" {
		return nil, apperr.Validationf("tournament needs a host")
	}
	t := &models.Tournament{
		ID:          uuid.NewString(),
		Host:        host,
		Players:     []string{host},
		Scores:      map[string]float64{},
		Status:      models.TournamentForming,
		TimeControl: timeControl,
		CreatedAt:   e.now(),
	}
	created, err := e.store.CreateIfAbsent(ctx, models.TournamentKey(t.ID), t)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, apperr.Conflictf("tournament id %s already taken", t.ID)
	}
	e.log.WithFields(logrus.Fields{"tournament": t.ID, "host": host}).Info("tournament created")
	return t, nil
}

// Join registers a player while the tournament is still forming. Joining
// twice is a no-op.
func (e *Engine) Join(ctx context.Context, tournamentID, identity string) (*models.Tournament, error) {
	if identity == "" {
		return nil, apperr.Validationf("join needs an identity")
	}
	var out *models.Tournament
	err := e.store.Update(ctx, func(tx store.Tx) error {
		t, err := getTournament(tx, tournamentID)
		if err != nil {
			return err
		}
		if t.Status != models.TournamentForming {
			return apperr.Validationf("tournament %s is no longer forming", tournamentID)
		}
		for _, p := range t.Players {
			if p == identity {
				out = t
				return nil
			}
		}
		t.Players = append(t.Players, identity)
		out = t
		return tx.Put(models.TournamentKey(tournamentID), t)
	})
	return out, err
}

// Get loads a tournament.
func (e *Engine) Get(ctx context.Context, tournamentID string) (*models.Tournament, error) {
	doc, err := e.store.Get(ctx, models.TournamentKey(tournamentID))
	if err != nil {
		return nil, err
	}
	t := &models.Tournament{}
	if err := doc.Decode(t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetRound loads one round.
func (e *Engine) GetRound(ctx context.Context, tournamentID string, index int) (*models.Round, error) {
	doc, err := e.store.Get(ctx, models.RoundKey(tournamentID, index))
	if err != nil {
		return nil, err
	}
	r := &models.Round{}
	if err := doc.Decode(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Subscribe streams snapshots of the tournament document.
func (e *Engine) Subscribe(ctx context.Context, tournamentID string) (<-chan store.Event, func()) {
	return e.store.Subscribe(ctx, models.TournamentKey(tournamentID))
}

// Start seeds round one: players are randomly permuted and paired
// consecutively; an unpaired trailing player receives a bye worth one point,
// completed immediately with no session. The whole seeding commits in one
// transaction.
func (e *Engine) Start(ctx context.Context, tournamentID string) (*models.Tournament, error) {
	var out *models.Tournament
	err := e.store.Update(ctx, func(tx store.Tx) error {
		t, err := getTournament(tx, tournamentID)
		if err != nil {
			return err
		}
		if t.Status != models.TournamentForming {
			return apperr.Validationf("tournament %s already started", tournamentID)
		}
		if len(t.Players) < 2 {
			return apperr.Validationf("tournament %s needs at least two players", tournamentID)
		}

		t.Scores = make(map[string]float64, len(t.Players))
		for _, p := range t.Players {
			t.Scores[p] = 0
		}
		t.Status = models.TournamentRunning
		t.CurrentRound = 1
		t.MaxRounds = e.maxRounds(len(t.Players))

		order := append([]string(nil), t.Players...)
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		if err := e.stageRound(tx, t, 1, order); err != nil {
			return err
		}
		out = t
		return tx.Put(models.TournamentKey(tournamentID), t)
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"tournament": tournamentID,
		"players":    len(out.Players),
		"maxRounds":  out.MaxRounds,
	}).Info("tournament started")
	return out, nil
}

// errAlreadyCredited aborts the credit transaction without writes when the
// match already completed; the round-completion check still runs.
var errAlreadyCredited = errors.New("match already credited")

// OnMatchResult records one match outcome. It is idempotent: a match
// already completed skips straight to the round-completion check instead of
// double-crediting its score. A nil winner credits half a point to each
// side.
func (e *Engine) OnMatchResult(ctx context.Context, tournamentID string, roundIndex int, sessionID string, winner *string) error {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		t, err := getTournament(tx, tournamentID)
		if err != nil {
			return err
		}
		r, err := getRound(tx, tournamentID, roundIndex)
		if err != nil {
			return err
		}
		idx := -1
		for i := range r.Matches {
			if r.Matches[i].SessionID == sessionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperr.NotFoundf("no match for session %s in round %d", sessionID, roundIndex)
		}
		m := &r.Matches[idx]
		if m.Status == models.MatchCompleted {
			return errAlreadyCredited
		}
		m.Status = models.MatchCompleted
		if winner != nil {
			m.Winner = *winner
			t.Scores[*winner]++
		} else {
			t.Scores[m.PlayerA] += 0.5
			t.Scores[m.PlayerB] += 0.5
		}
		if err := tx.Put(models.RoundKey(tournamentID, roundIndex), r); err != nil {
			return err
		}
		return tx.Put(models.TournamentKey(tournamentID), t)
	})
	if err != nil && !errors.Is(err, errAlreadyCredited) {
		return err
	}
	return e.checkRoundCompletion(ctx, tournamentID, roundIndex)
}

// ForceResult is the admin override: it records the outcome directly,
// funneling through the same idempotent credit path. The linked session is
// finished separately by the caller with an admin-decision result.
func (e *Engine) ForceResult(ctx context.Context, tournamentID string, roundIndex int, sessionID string, winner *string) error {
	return e.OnMatchResult(ctx, tournamentID, roundIndex, sessionID, winner)
}

// HandleSessionFinished is the session manager's finished-hook: terminal
// tournament sessions report their winner identity back into the bracket.
func (e *Engine) HandleSessionFinished(ctx context.Context, s *models.Session) {
	if s.Tournament == nil || s.Result == nil {
		return
	}
	var winner *string
	if s.Result.Winner != nil {
		w := s.Player(*s.Result.Winner)
		winner = &w
	}
	if err := e.OnMatchResult(ctx, s.Tournament.TournamentID, s.Tournament.Round, s.ID, winner); err != nil {
		if apperr.IsConflict(err) {
			return // another reporter got there first
		}
		e.log.WithError(err).WithFields(logrus.Fields{
			"tournament": s.Tournament.TournamentID,
			"session":    s.ID,
		}).Error("failed to record match result")
	}
}

// Standing is one row of the scoreboard.
type Standing struct {
	Identity string  `json:"identity"`
	Score    float64 `json:"score"`
}

// Standings sorts players by score descending. Ties break on the
// lexicographically smallest identity; this is an explicit, documented
// tie-break, not an ordering accident.
func Standings(t *models.Tournament) []Standing {
	out := make([]Standing, 0, len(t.Players))
	for _, p := range t.Players {
		out = append(out, Standing{Identity: p, Score: t.Scores[p]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// checkRoundCompletion advances the bracket once every match of the round
// has completed. The index advance re-verifies the current round inside the
// transaction, so two concurrent result reports cannot double-advance; the
// next round's documents are created afterwards, outside the transaction,
// where retries are safe.
func (e *Engine) checkRoundCompletion(ctx context.Context, tournamentID string, roundIndex int) error {
	r, err := e.GetRound(ctx, tournamentID, roundIndex)
	if err != nil {
		return err
	}
	for _, m := range r.Matches {
		if m.Status != models.MatchCompleted {
			return nil
		}
	}

	advanced := false
	err = e.store.Update(ctx, func(tx store.Tx) error {
		advanced = false
		t, err := getTournament(tx, tournamentID)
		if err != nil {
			return err
		}
		if t.Status != models.TournamentRunning || t.CurrentRound != roundIndex {
			return nil // someone else already advanced (or finished) this round
		}
		r, err := getRound(tx, tournamentID, roundIndex)
		if err != nil {
			return err
		}
		r.Status = models.RoundCompleted
		if err := tx.Put(models.RoundKey(tournamentID, roundIndex), r); err != nil {
			return err
		}

		if roundIndex >= t.MaxRounds {
			t.Status = models.TournamentCompleted
			standings := Standings(t)
			t.Winner = standings[0].Identity
		} else {
			t.CurrentRound = roundIndex + 1
			advanced = true
		}
		return tx.Put(models.TournamentKey(tournamentID), t)
	})
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	return e.CreateRound(ctx, tournamentID, roundIndex+1)
}

// CreateRound materializes the sessions and matches for round index, pairing
// players by current standings (1v2, 3v4, ...) and ignoring prior-opponent
// history. It is idempotent: it verifies the tournament is on this round and
// creates the round document atomically, so a retry after a partial failure
// is safe.
func (e *Engine) CreateRound(ctx context.Context, tournamentID string, index int) error {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		t, err := getTournament(tx, tournamentID)
		if err != nil {
			return err
		}
		if t.Status != models.TournamentRunning || t.CurrentRound != index {
			return nil // stale retry, round moved on
		}
		if _, err := tx.Get(models.RoundKey(tournamentID, index)); err == nil {
			return nil // already created
		} else if !store.NotFound(err) {
			return err
		}

		order := make([]string, 0, len(t.Players))
		for _, s := range Standings(t) {
			order = append(order, s.Identity)
		}
		if err := e.stageRound(tx, t, index, order); err != nil {
			return err
		}
		return tx.Put(models.TournamentKey(tournamentID), t)
	})
	return err
}

// stageRound stages the round document and its sessions onto the
// transaction, crediting any bye immediately. Order determines the pairing:
// consecutive entries meet, a trailing odd player sits out with the bye.
func (e *Engine) stageRound(tx store.Tx, t *models.Tournament, index int, order []string) error {
	now := e.now()
	r := models.Round{
		TournamentID: t.ID,
		Index:        index,
		Status:       models.RoundRunning,
	}
	for i := 0; i+1 < len(order); i += 2 {
		s := &models.Session{
			ID:           uuid.NewString(),
			Mode:         models.ModeNetworked,
			PlayerA:      order[i],
			PlayerB:      order[i+1],
			Position:     e.opts.InitialPosition,
			InitialPos:   e.opts.InitialPosition,
			Clock:        models.NewClock(t.TimeControl),
			LastActionAt: now,
			Status:       models.SessionActive,
			Tournament:   &models.TournamentRef{TournamentID: t.ID, Round: index},
			CreatedAt:    now,
		}
		if err := tx.Create(models.SessionKey(s.ID), s); err != nil {
			return err
		}
		r.Matches = append(r.Matches, models.Match{
			ID:        uuid.NewString(),
			PlayerA:   s.PlayerA,
			PlayerB:   s.PlayerB,
			SessionID: s.ID,
			Status:    models.MatchRunning,
		})
	}
	if len(order)%2 == 1 {
		lucky := order[len(order)-1]
		t.Scores[lucky]++
		r.Matches = append(r.Matches, models.Match{
			ID:      uuid.NewString(),
			PlayerA: lucky,
			Status:  models.MatchCompleted,
			Winner:  lucky,
			IsBye:   true,
		})
	}
	return tx.Create(models.RoundKey(t.ID, index), &r)
}

// maxRounds derives the round budget for n players.
func (e *Engine) maxRounds(n int) int {
	if e.opts.MaxRounds > 0 {
		return e.opts.MaxRounds
	}
	rounds := int(math.Ceil(math.Log2(float64(n))))
	if n > 4 {
		rounds++
	}
	return rounds
}

func getTournament(tx store.Tx, id string) (*models.Tournament, error) {
	doc, err := tx.Get(models.TournamentKey(id))
	if err != nil {
		return nil, err
	}
	t := &models.Tournament{}
	if err := doc.Decode(t); err != nil {
		return nil, err
	}
	return t, nil
}

func getRound(tx store.Tx, tournamentID string, index int) (*models.Round, error) {
	doc, err := tx.Get(models.RoundKey(tournamentID, index))
	if err != nil {
		return nil, err
	}
	r := &models.Round{}
	if err := doc.Decode(r); err != nil {
		return nil, err
	}
	return r, nil
}
