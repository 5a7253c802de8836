package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/tournament"
)

func (s *Server) handleCreateTournament(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		TimeControl int `json:"timeControl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	t, err := s.Tournaments.Create(r.Context(), identity, req.TimeControl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, t)
}

func (s *Server) handleJoinTournament(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	t, err := s.Tournaments.Join(r.Context(), pathID(r, "/tournament/join/"), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, t)
}

func (s *Server) handleStartTournament(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := pathID(r, "/tournament/start/")
	t, err := s.Tournaments.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if t.Host != identity {
		http.Error(w, "only the host starts a tournament", http.StatusForbidden)
		return
	}
	started, err := s.Tournaments.Start(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, started)
}

func (s *Server) handleGetTournament(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	id := pathID(r, "/tournament/get/")
	t, err := s.Tournaments.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var rounds []*models.Round
	for i := 1; i <= t.CurrentRound; i++ {
		round, err := s.Tournaments.GetRound(r.Context(), id, i)
		if err != nil {
			break // rounds beyond what exists yet
		}
		rounds = append(rounds, round)
	}
	s.writeJSON(w, map[string]interface{}{"tournament": t, "rounds": rounds})
}

func (s *Server) handleStandings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	t, err := s.Tournaments.Get(r.Context(), pathID(r, "/tournament/standings/"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, tournament.Standings(t))
}

// handleForceResult is the host's admin override: the linked session is
// finished with an admin-decision result, and the outcome funnels into the
// normal idempotent credit path. Failures report the underlying reason.
func (s *Server) handleForceResult(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := pathID(r, "/tournament/force-result/")
	var req struct {
		Round     int     `json:"round"`
		SessionID string  `json:"sessionId"`
		Winner    *string `json:"winner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	t, err := s.Tournaments.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if t.Host != identity {
		http.Error(w, "only the host may force results", http.StatusForbidden)
		return
	}

	sess, err := s.Sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var winnerSlot *models.Slot
	if req.Winner != nil {
		slot, seated := sess.SeatOf(*req.Winner)
		if !seated {
			http.Error(w, "winner is not seated in that session", http.StatusBadRequest)
			return
		}
		winnerSlot = &slot
	}
	if _, err := s.Sessions.FinishAdmin(r.Context(), req.SessionID, winnerSlot); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Tournaments.ForceResult(r.Context(), id, req.Round, req.SessionID, req.Winner); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}
