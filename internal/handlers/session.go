package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/rules"
	"github.com/skovert/arbiter/internal/session"
)

// pathID extracts the trailing identifier from a route like /session/get/{id}.
func pathID(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// sessionView augments the stored session with locally derived clock values,
// the way any observer would recompute them.
type sessionView struct {
	*models.Session
	RemainingA float64 `json:"remainingA"`
	RemainingB float64 `json:"remainingB"`
}

func viewOf(s *models.Session) sessionView {
	now := time.Now()
	return sessionView{
		Session:    s,
		RemainingA: session.Remaining(s, models.SlotA, now),
		RemainingB: session.Remaining(s, models.SlotB, now),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Mode        models.Mode `json:"mode"`
		Opponent    string      `json:"opponent"`
		TimeControl int         `json:"timeControl"`
		Position    string      `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	created, err := s.Sessions.Create(r.Context(), session.CreateParams{
		Mode:        req.Mode,
		PlayerA:     identity,
		PlayerB:     req.Opponent,
		TimeControl: req.TimeControl,
		Position:    req.Position,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, viewOf(created))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	sess, err := s.Sessions.Get(r.Context(), pathID(r, "/session/get/"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, viewOf(sess))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	var mv rules.Move
	if err := json.NewDecoder(r.Body).Decode(&mv); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	sess, err := s.Sessions.ApplyMove(r.Context(), pathID(r, "/session/move/"), identity, mv)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, viewOf(sess))
}

// sessionOp adapts the identity-plus-id manager operations (draw offers,
// resign, rematch) into handlers.
func (s *Server) sessionOp(op func(ctx context.Context, id, actor string) (*models.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := s.identity(w, r)
		if !ok {
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		id := parts[len(parts)-1]
		sess, err := op(r.Context(), id, identity)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, viewOf(sess))
	}
}

func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		ExpiredSlot models.Slot `json:"expiredSlot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	id := pathID(r, "/session/timeout/")
	sess, err := s.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The manager re-verifies the clock, but only participants get to ask.
	if _, seated := sess.SeatOf(identity); !seated {
		http.Error(w, "only participants may report timeouts", http.StatusForbidden)
		return
	}
	sess, err = s.Sessions.ReportTimeout(r.Context(), id, req.ExpiredSlot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, viewOf(sess))
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	square := r.URL.Query().Get("square")
	dests, err := s.Sessions.LegalDestinations(r.Context(), pathID(r, "/session/destinations/"), square)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"destinations": dests})
}
