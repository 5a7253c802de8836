// Package handlers is the HTTP/WebSocket presentation layer. Every
// coordination operation is exposed as an asynchronous call returning
// success or a typed failure, plus read-only snapshot subscriptions for
// rendering.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/apperr"
	"github.com/skovert/arbiter/internal/auth"
	"github.com/skovert/arbiter/internal/matchmaking"
	"github.com/skovert/arbiter/internal/middleware"
	"github.com/skovert/arbiter/internal/session"
	"github.com/skovert/arbiter/internal/store"
	"github.com/skovert/arbiter/internal/tournament"
)

// Server bundles the coordination components behind the HTTP API.
type Server struct {
	Log         *logrus.Logger
	Sessions    *session.Manager
	Matchmaking *matchmaking.Coordinator
	Tournaments *tournament.Engine
	Store       store.Store

	mu       sync.Mutex
	searches map[string]*matchmaking.QuickMatch // active quick-match search per identity
}

// NewServer wires the components together.
func NewServer(logger *logrus.Logger, sessions *session.Manager, mm *matchmaking.Coordinator, te *tournament.Engine, st store.Store) *Server {
	return &Server{
		Log:         logger,
		Sessions:    sessions,
		Matchmaking: mm,
		Tournaments: te,
		Store:       st,
		searches:    make(map[string]*matchmaking.QuickMatch),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	mux.HandleFunc("/auth/guest", s.handleGuestToken)

	mux.HandleFunc("/session/create", s.handleCreateSession)
	mux.HandleFunc("/session/get/", s.handleGetSession)
	mux.HandleFunc("/session/move/", s.handleMove)
	mux.HandleFunc("/session/draw/offer/", s.sessionOp(s.Sessions.OfferDraw))
	mux.HandleFunc("/session/draw/accept/", s.sessionOp(s.Sessions.AcceptDraw))
	mux.HandleFunc("/session/draw/decline/", s.sessionOp(s.Sessions.DeclineDraw))
	mux.HandleFunc("/session/resign/", s.sessionOp(s.Sessions.Resign))
	mux.HandleFunc("/session/timeout/", s.handleTimeout)
	mux.HandleFunc("/session/rematch/offer/", s.sessionOp(s.Sessions.OfferRematch))
	mux.HandleFunc("/session/rematch/accept/", s.sessionOp(s.Sessions.AcceptRematch))
	mux.HandleFunc("/session/destinations/", s.handleDestinations)
	mux.HandleFunc("/session/ws/", s.handleSessionWS)
	mux.HandleFunc("/session/signal/", s.handleSignalWS)

	mux.HandleFunc("/matchmaking/quick", s.handleQuickMatch)
	mux.HandleFunc("/matchmaking/cancel", s.handleCancelSearch)

	mux.HandleFunc("/tournament/create", s.handleCreateTournament)
	mux.HandleFunc("/tournament/join/", s.handleJoinTournament)
	mux.HandleFunc("/tournament/start/", s.handleStartTournament)
	mux.HandleFunc("/tournament/get/", s.handleGetTournament)
	mux.HandleFunc("/tournament/standings/", s.handleStandings)
	mux.HandleFunc("/tournament/force-result/", s.handleForceResult)
	mux.HandleFunc("/tournament/ws/", s.handleTournamentWS)

	return middleware.Logging(s.Log)(mux)
}

// identity resolves the acting identity or writes a 401.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, err := auth.IdentityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return identity, true
}

// writeJSON writes a 200 JSON body.
func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.WithError(err).Error("failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Conflicts reach
// here only for operations where the caller must know it lost (admin
// overrides); component-internal conflicts never bubble this far.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case apperr.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case apperr.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case apperr.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.Log.WithError(err).Error("internal error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleGuestToken mints an identity token for the supplied display name.
func (s *Server) handleGuestToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	token, err := auth.MintToken(req.Identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"token": token})
}
