package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/signaling"
)

// signalFrame is the wire shape for handshake traffic in both directions.
// Inbound types: "offer" (initiator's description), "answer" (responder's
// description), "candidate". Outbound types mirror them.
type signalFrame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// wsPeerAgent adapts a websocket client into the relay's peer-agent seam:
// the browser owns the actual peer connection, so offers and answers are
// round-trips to the client rather than local computation.
type wsPeerAgent struct {
	c *websocket.Conn

	offers     chan string
	answers    chan string
	candidates chan string
}

func newWSPeerAgent(c *websocket.Conn) *wsPeerAgent {
	return &wsPeerAgent{
		c:          c,
		offers:     make(chan string, 1),
		answers:    make(chan string, 1),
		candidates: make(chan string, 16),
	}
}

// readPump consumes client frames until the connection drops. It returns
// nil on a clean close.
func (a *wsPeerAgent) readPump(ctx context.Context) error {
	defer close(a.candidates)
	for {
		_, data, err := a.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		var frame signalFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "offer":
			select {
			case a.offers <- frame.Payload:
			default: // duplicate offer, drop
			}
		case "answer":
			select {
			case a.answers <- frame.Payload:
			default:
			}
		case "candidate":
			select {
			case a.candidates <- frame.Payload:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (a *wsPeerAgent) send(ctx context.Context, frame signalFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.c.Write(writeCtx, websocket.MessageText, data)
}

// CreateOffer waits for the initiating client to produce its offer.
func (a *wsPeerAgent) CreateOffer(ctx context.Context) (string, error) {
	select {
	case offer := <-a.offers:
		return offer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CreateAnswer forwards the remote offer to the client and waits for its
// answer.
func (a *wsPeerAgent) CreateAnswer(ctx context.Context, offer string) (string, error) {
	if err := a.send(ctx, signalFrame{Type: "offer", Payload: offer}); err != nil {
		return "", err
	}
	select {
	case answer := <-a.answers:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AcceptAnswer delivers the responder's answer to the initiating client.
func (a *wsPeerAgent) AcceptAnswer(ctx context.Context, answer string) error {
	return a.send(ctx, signalFrame{Type: "answer", Payload: answer})
}

func (a *wsPeerAgent) AddRemoteCandidate(ctx context.Context, payload string) error {
	return a.send(ctx, signalFrame{Type: "candidate", Payload: payload})
}

func (a *wsPeerAgent) LocalCandidates() <-chan string {
	return a.candidates
}

// handleSignalWS attaches a participant's client to the session's signaling
// exchange. Non-participants are refused before any state is touched.
func (s *Server) handleSignalWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := pathID(r, "/session/signal/")
	sess, err := s.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, seated := sess.SeatOf(identity); !seated {
		http.Error(w, "only participants may signal", http.StatusForbidden)
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

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The pump must be running before the relay opens: the initiator's
	// offer arrives over this same connection.
	agent := newWSPeerAgent(c)
	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- agent.readPump(ctx)
		cancel()
	}()

	relay, err := signaling.Open(ctx, s.Store, sess, identity, agent, s.Log)
	if err != nil {
		// The connection is already hijacked; the close reason carries
		// the refusal.
		s.Log.WithError(err).Warn("signaling refused")
		c.Close(websocket.StatusPolicyViolation, "signaling refused")
		return
	}
	defer relay.Close()

	s.Log.WithFields(logrus.Fields{
		"session":  id,
		"identity": identity,
	}).Info("signaling stream opened")

	<-ctx.Done()
	if err := <-pumpErr; err != nil && ctx.Err() == nil {
		s.Log.WithError(err).Debug("signaling read loop ended")
	}
	c.Close(websocket.StatusNormalClosure, "signaling ended")
}
