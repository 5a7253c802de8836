package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/store"
)

// handleSessionWS streams full session snapshots to the client. Every frame
// is the complete document; the client re-renders from scratch and derives
// clock display locally.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := pathID(r, "/session/ws/")
	if _, err := s.Sessions.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"arbiter"},
		OriginPatterns: []string{"*"}, // tighten for production deployments
	})
	if err != nil {
		s.Log.WithError(err).Warn("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	s.Log.WithFields(logrus.Fields{
		"session":  id,
		"identity": identity,
		"remote":   r.RemoteAddr,
	}).Info("session stream opened")

	events, cancel, err := s.Sessions.Subscribe(r.Context(), id)
	if err != nil {
		c.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	s.pumpEvents(r.Context(), c, events, func(ev store.Event) (interface{}, bool) {
		if ev.Deleted {
			return nil, false
		}
		sess := &models.Session{}
		if err := ev.Doc.Decode(sess); err != nil {
			return nil, false
		}
		return viewOf(sess), true
	})
	c.Close(websocket.StatusNormalClosure, "stream ended")
}

// handleTournamentWS streams tournament document snapshots.
func (s *Server) handleTournamentWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	id := pathID(r, "/tournament/ws/")
	if _, err := s.Tournaments.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"arbiter"},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.Log.WithError(err).Warn("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	events, cancel := s.Tournaments.Subscribe(r.Context(), id)
	defer cancel()

	s.pumpEvents(r.Context(), c, events, func(ev store.Event) (interface{}, bool) {
		if ev.Deleted {
			return nil, false
		}
		t := &models.Tournament{}
		if err := ev.Doc.Decode(t); err != nil {
			return nil, false
		}
		return t, true
	})
	c.Close(websocket.StatusNormalClosure, "stream ended")
}

// pumpEvents forwards mapped events until the subscription or connection
// ends.
func (s *Server) pumpEvents(ctx context.Context, c *websocket.Conn, events <-chan store.Event, mapFn func(store.Event) (interface{}, bool)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, ok := mapFn(ev)
			if !ok {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				s.Log.WithError(err).Error("failed to marshal snapshot")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
