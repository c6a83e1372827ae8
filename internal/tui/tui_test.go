package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miniwf/wordfinder/internal/api"
	"github.com/miniwf/wordfinder/internal/bus"
	"github.com/miniwf/wordfinder/internal/credits"
	"github.com/miniwf/wordfinder/internal/httpx"
	"github.com/miniwf/wordfinder/internal/lifecycle"
	"github.com/miniwf/wordfinder/internal/session"
	"github.com/miniwf/wordfinder/internal/store"
	"github.com/miniwf/wordfinder/internal/swr"
)

func newTestModel(t *testing.T) model {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/puzzle" {
			json.NewEncoder(w).Encode(map[string]any{
				"puzzleId": "p1",
				"grid":     [][]string{{"C", "A"}, {"T", "S"}},
				"words":    []string{"CAT"},
			})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	log := zap.NewNop()
	st, err := store.New(t.TempDir(), log)
	require.NoError(t, err)
	evbus := bus.New(log)
	t.Cleanup(evbus.Close)
	life := lifecycle.New(context.Background(), log)
	t.Cleanup(life.Destroy)

	client := api.New(httpx.New(srv.URL, log), log)
	wallet := credits.New(client, swr.New(log), st, evbus, log)
	mgr := session.New(session.Config{Mode: "medium"}, session.Deps{
		API: client, Store: st, Wallet: wallet, Bus: evbus, Life: life, Log: log,
	})
	t.Cleanup(mgr.Shutdown)
	_, err = mgr.Load(context.Background())
	require.NoError(t, err)
	return NewModel(mgr, wallet, life)
}

func TestCellAtMatchesGridGeometry(t *testing.T) {
	m := newTestModel(t)

	c, ok := m.cellAt(gridLeft, gridTop)
	require.True(t, ok)
	assert.Equal(t, api.Cell{Row: 0, Col: 0}, c)

	c, ok = m.cellAt(gridLeft+cellWidth, gridTop+1)
	require.True(t, ok)
	assert.Equal(t, api.Cell{Row: 1, Col: 1}, c)

	_, ok = m.cellAt(gridLeft-1, gridTop)
	assert.False(t, ok, "left of the grid")
	_, ok = m.cellAt(gridLeft, gridTop-1)
	assert.False(t, ok, "above the grid")
	_, ok = m.cellAt(gridLeft+2*cellWidth, gridTop)
	assert.False(t, ok, "right of the grid")
	_, ok = m.cellAt(gridLeft, gridTop+2)
	assert.False(t, ok, "below the grid")
}

func TestPaidActionMessagesAreDistinct(t *testing.T) {
	msgs := map[string]string{
		"insufficient": paidActionMessage(session.ErrInsufficient),
		"unauthed":     paidActionMessage(api.ErrNotAuthed),
		"found":        paidActionMessage(session.ErrAlreadyFound),
		"unknown":      paidActionMessage(session.ErrUnknownWord),
		"limit":        paidActionMessage(session.ErrHintLimit),
		"cooldown":     paidActionMessage(&api.Error{Code: "cooldown"}),
	}
	seen := map[string]bool{}
	for name, msg := range msgs {
		assert.NotEmpty(t, msg, name)
		assert.False(t, seen[msg], "message for %s duplicates another", name)
		seen[msg] = true
	}

	generic := paidActionMessage(&api.Error{Code: "something_else"})
	assert.NotEqual(t, generic, paidActionMessage(&api.Error{Code: "already_found"}),
		"server-sent already_found must not read as a generic failure")
	assert.NotEqual(t, generic, paidActionMessage(&api.Error{Code: "not_in_puzzle"}),
		"server-sent not_in_puzzle must not read as a generic failure")
	assert.Equal(t, paidActionMessage(session.ErrAlreadyFound),
		paidActionMessage(&api.Error{Code: "already_found"}))

	assert.Contains(t, hintMessage(&api.Error{Code: "not_in_puzzle_refunded"}), "refunded")
	assert.NotContains(t, hintMessage(&api.Error{Code: "not_in_puzzle"}), "refunded")
	assert.Contains(t, hintMessage(&api.Error{Code: "not_in_puzzle"}), "not in this puzzle")
	assert.Contains(t, hintMessage(&api.Error{Code: "expired"}), "expired")
}
