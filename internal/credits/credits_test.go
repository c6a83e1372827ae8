package credits

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miniwf/wordfinder/internal/api"
	"github.com/miniwf/wordfinder/internal/bus"
	"github.com/miniwf/wordfinder/internal/httpx"
	"github.com/miniwf/wordfinder/internal/store"
	"github.com/miniwf/wordfinder/internal/swr"
)

func newTestWallet(t *testing.T, handler http.HandlerFunc) (*Wallet, *bus.Bus) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	b := bus.New(zap.NewNop())
	t.Cleanup(b.Close)

	hc := httpx.New(srv.URL, zap.NewNop(), httpx.WithRetryDelay(time.Millisecond))
	a := api.New(hc, zap.NewNop())
	return New(a, swr.New(zap.NewNop()), st, b, zap.NewNop()), b
}

func TestBalanceStartsUnknown(t *testing.T) {
	w, _ := newTestWallet(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.Equal(t, -1, w.Balance())
	assert.True(t, w.CanAfford(999), "unknown balance is optimistically affordable")
}

func TestReconcileAndSpendOptimistic(t *testing.T) {
	w, b := newTestWallet(t, func(w http.ResponseWriter, r *http.Request) {})

	var events []BalanceChange
	b.On(EventBalance, func(payload any, _ bus.Meta) {
		events = append(events, payload.(BalanceChange))
	})

	w.Reconcile(10)
	assert.Equal(t, 10, w.Balance())
	assert.True(t, w.CanAfford(10))
	assert.False(t, w.CanAfford(11))

	w.SpendOptimistic(4)
	assert.Equal(t, 6, w.Balance())

	w.Reconcile(7)
	assert.Equal(t, 7, w.Balance())

	require.Len(t, events, 3)
	assert.Equal(t, BalanceChange{Balance: 10}, events[0])
	assert.Equal(t, BalanceChange{Balance: 6, Optimistic: true}, events[1])
	assert.Equal(t, BalanceChange{Balance: 7}, events[2])
}

func TestSpendOptimisticClampsAtZero(t *testing.T) {
	w, _ := newTestWallet(t, func(w http.ResponseWriter, r *http.Request) {})
	w.Reconcile(3)
	w.SpendOptimistic(10)
	assert.Equal(t, 0, w.Balance())
}

func TestSpendOptimisticNoopWhenUnknown(t *testing.T) {
	w, _ := newTestWallet(t, func(w http.ResponseWriter, r *http.Request) {})
	w.SpendOptimistic(5)
	assert.Equal(t, -1, w.Balance())
}

func TestReconcileIgnoresNegative(t *testing.T) {
	w, _ := newTestWallet(t, func(w http.ResponseWriter, r *http.Request) {})
	w.Reconcile(5)
	w.Reconcile(-1)
	assert.Equal(t, 5, w.Balance())
}

func TestIdentityCachedAndReconciles(t *testing.T) {
	var hits atomic.Int32
	w, _ := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/__diag/whoami", r.URL.Path)
		hits.Add(1)
		json.NewEncoder(rw).Encode(map[string]any{
			"authenticated": true, "user_id": 7, "balance": 12,
		})
	})

	ctx := context.Background()
	id, err := w.Identity(ctx)
	require.NoError(t, err)
	assert.True(t, id.Authenticated)
	assert.Equal(t, 12, w.Balance())

	_, err = w.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second read must hit the cache")

	assert.True(t, w.Authenticated(ctx))
}

func TestAuthenticatedFalseOn401(t *testing.T) {
	w, _ := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusUnauthorized)
	})
	assert.False(t, w.Authenticated(context.Background()))
	assert.Equal(t, -1, w.Balance(), "anonymous identity must not reconcile")
}

func TestCostsCached(t *testing.T) {
	var hits atomic.Int32
	w, _ := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/game/costs", r.URL.Path)
		hits.Add(1)
		json.NewEncoder(rw).Encode(map[string]any{
			"ok": true,
			"costs": map[string]any{
				"game_start": 5, "word_reveal": 5, "free_games_limit": 5,
			},
			"user": map[string]any{
				"balance": 42, "free_games_used": 1,
				"free_games_remaining": 4, "next_game_cost": 0,
			},
		})
	})

	ctx := context.Background()
	c, err := w.Costs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, c.RevealCost)
	require.NotNil(t, c.User)
	assert.Equal(t, 4, c.User.FreeGamesRemaining)
	assert.Equal(t, 42, w.Balance(), "user block reconciles the mirror")

	_, err = w.Costs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSyncUsageMergesWithServer(t *testing.T) {
	w, _ := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/game/status":
			json.NewEncoder(rw).Encode(map[string]any{
				"balance": 20, "free_games_remaining": 2, "paid": false,
			})
		case "/api/game/costs":
			json.NewEncoder(rw).Encode(map[string]any{
				"ok": true,
				"costs": map[string]any{
					"game_start": 5, "word_reveal": 5, "free_games_limit": 5,
				},
				"user": map[string]any{
					"balance": 20, "free_games_used": 3,
					"free_games_remaining": 2, "next_game_cost": 0,
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	// Local says 4 plays used; server says 3. Larger wins.
	require.NoError(t, w.store.WriteUsage("wordfinder", store.Usage{Used: 4, Max: 5}))

	u, err := w.SyncUsage(context.Background(), "wordfinder")
	require.NoError(t, err)
	assert.Equal(t, store.Usage{Used: 4, Max: 5}, u)
	assert.Equal(t, 20, w.Balance())
}

func TestConsumeFreePlay(t *testing.T) {
	w, _ := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {})

	require.NoError(t, w.store.WriteUsage("wordfinder", store.Usage{Used: 4, Max: 5}))
	assert.True(t, w.ConsumeFreePlay("wordfinder"), "one free play left")
	assert.False(t, w.ConsumeFreePlay("wordfinder"), "limit reached")
	assert.Equal(t, store.Usage{Used: 6, Max: 5}, w.store.ReadUsage("wordfinder"))
}

func TestFreePlays(t *testing.T) {
	w, _ := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {})

	left, limit := w.FreePlays("wordfinder")
	assert.Zero(t, limit, "no cap recorded yet")

	require.NoError(t, w.store.WriteUsage("wordfinder", store.Usage{Used: 2, Max: 5}))
	left, limit = w.FreePlays("wordfinder")
	assert.Equal(t, 3, left)
	assert.Equal(t, 5, limit)

	require.NoError(t, w.store.WriteUsage("wordfinder", store.Usage{Used: 9, Max: 5}))
	left, _ = w.FreePlays("wordfinder")
	assert.Zero(t, left, "overrun clamps to zero")
}
