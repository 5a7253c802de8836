package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skovert/arbiter/internal/auth"
	"github.com/skovert/arbiter/internal/matchmaking"
	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/rules"
	"github.com/skovert/arbiter/internal/session"
	"github.com/skovert/arbiter/internal/store"
	"github.com/skovert/arbiter/internal/tournament"
)

// passEngine accepts every move and never ends the game. The routes under
// test here never reach it.
type passEngine struct{}

func (passEngine) ApplyMove(ctx context.Context, position string, move rules.Move) (string, error) {
	return position, nil
}

func (passEngine) IsTerminal(ctx context.Context, position string) (rules.Terminal, error) {
	return rules.TerminalNone, nil
}

func (passEngine) LegalDestinations(ctx context.Context, position string, square string) ([]string, error) {
	return nil, nil
}

func TestTimeoutReportRequiresSeat(t *testing.T) {
	require.NoError(t, auth.Init())
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	st := store.NewMemory()
	mgr := session.NewManager(st, passEngine{}, logger)

	var mu sync.Mutex
	now := time.Unix(9000, 0)
	mgr.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	srv := NewServer(logger, mgr, matchmaking.New(st, logger), tournament.New(st, logger, tournament.Options{}), st)
	routes := srv.Routes()

	sess, err := mgr.Create(context.Background(), session.CreateParams{
		Mode:        models.ModeNetworked,
		PlayerA:     "alice",
		PlayerB:     "bob",
		TimeControl: 30,
		Position:    "start",
	})
	require.NoError(t, err)

	report := func(identity string) *httptest.ResponseRecorder {
		token, err := auth.MintToken(identity)
		require.NoError(t, err)
		body, err := json.Marshal(struct {
			ExpiredSlot models.Slot `json:"expiredSlot"`
		}{models.SlotA})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/session/timeout/"+sess.ID, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		return rec
	}

	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()

	// An outsider is refused even though the clock really has expired, and
	// the session is left untouched.
	rec := report("mallory")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	got, err := mgr.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)

	// A participant's report lands.
	rec = report("bob")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = mgr.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, got.Status)
}
