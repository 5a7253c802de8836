package handlers

import (
	"encoding/json"
	"net/http"
)

// handleQuickMatch starts (or resolves) a quick-match search. An immediate
// claim returns the session id directly; otherwise the response carries the
// ticket id and the client follows up on the session websocket (or polls)
// for the pairing.
func (s *Server) handleQuickMatch(w http.ResponseWriter, r *http.Request) {
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

	// One live search per identity; a repeated request supersedes the old
	// one.
	s.mu.Lock()
	if prev, ok := s.searches[identity]; ok {
		delete(s.searches, identity)
		s.mu.Unlock()
		if err := s.Matchmaking.Cancel(r.Context(), prev); err != nil {
			s.Log.WithError(err).Warn("failed to cancel superseded search")
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	qm, err := s.Matchmaking.RequestQuickMatch(r.Context(), identity, req.TimeControl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if qm.SessionID != "" {
		s.writeJSON(w, map[string]string{"sessionId": qm.SessionID})
		return
	}

	s.mu.Lock()
	s.searches[identity] = qm
	s.mu.Unlock()

	// Reap the search entry once the pairing lands so Cancel afterwards is a
	// clean no-op.
	go func() {
		if _, ok := <-qm.Paired; ok {
			s.mu.Lock()
			if s.searches[identity] == qm {
				delete(s.searches, identity)
			}
			s.mu.Unlock()
		}
	}()

	s.writeJSON(w, map[string]string{"ticketId": qm.TicketID})
}

// handleCancelSearch cancels the caller's active search, if any.
func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	qm := s.searches[identity]
	delete(s.searches, identity)
	s.mu.Unlock()

	if qm != nil {
		if err := s.Matchmaking.Cancel(r.Context(), qm); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, map[string]bool{"cancelled": qm != nil})
}
