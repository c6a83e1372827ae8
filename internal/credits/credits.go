// Package credits tracks the player's balance, the server price list, and
// daily free-play usage. The server is always authoritative; local values
// are optimistic hints for the UI.
package credits

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miniwf/wordfinder/internal/api"
	"github.com/miniwf/wordfinder/internal/bus"
	"github.com/miniwf/wordfinder/internal/store"
	"github.com/miniwf/wordfinder/internal/swr"
)

// Bus event emitted whenever the balance changes. Payload is BalanceChange.
const EventBalance = "credits:balance"

// BalanceChange describes a balance update.
type BalanceChange struct {
	Balance    int
	Optimistic bool
}

// Wallet mediates all credit reads and spends.
type Wallet struct {
	api   *api.Client
	cache *swr.Cache
	store *store.Store
	bus   *bus.Bus
	log   *zap.Logger

	mu      sync.Mutex
	balance int
	known   bool
}

// New creates a Wallet. bus may be nil when no one listens.
func New(a *api.Client, cache *swr.Cache, st *store.Store, b *bus.Bus, log *zap.Logger) *Wallet {
	if log == nil {
		log = zap.NewNop()
	}
	return &Wallet{api: a, cache: cache, store: st, bus: b, log: log, balance: -1}
}

// Balance returns the last known balance, or -1 when none has been seen.
func (w *Wallet) Balance() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.known {
		return -1
	}
	return w.balance
}

// CanAfford reports whether the last known balance covers cost. An unknown
// balance is optimistically affordable; the server rejects if not.
func (w *Wallet) CanAfford(cost int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.known || w.balance >= cost
}

// Reconcile replaces the local balance with a server-reported one.
func (w *Wallet) Reconcile(balance int) {
	if balance < 0 {
		return
	}
	w.set(balance, false)
}

// SpendOptimistic lowers the local balance ahead of server confirmation so
// the UI reacts immediately. A later Reconcile corrects any drift.
func (w *Wallet) SpendOptimistic(cost int) {
	w.mu.Lock()
	if !w.known {
		w.mu.Unlock()
		return
	}
	next := w.balance - cost
	if next < 0 {
		next = 0
	}
	w.mu.Unlock()
	w.set(next, true)
}

func (w *Wallet) set(balance int, optimistic bool) {
	w.mu.Lock()
	changed := !w.known || w.balance != balance
	w.balance = balance
	w.known = true
	w.mu.Unlock()
	if changed && w.bus != nil {
		w.bus.Emit(EventBalance, BalanceChange{Balance: balance, Optimistic: optimistic})
	}
}

const (
	whoamiKey = "whoami"
	costsKey  = "costs"

	whoamiTTL = 60 * time.Second
	costsTTL  = 5 * time.Minute
)

// Identity returns the cached session identity, refreshing stale entries in
// the background. A confirmed balance reconciles the wallet.
func (w *Wallet) Identity(ctx context.Context) (*api.Identity, error) {
	v, err := w.cache.Get(ctx, whoamiKey, func(ctx context.Context) (any, error) {
		id, err := w.api.WhoAmI(ctx)
		if err != nil {
			return nil, err
		}
		return id, nil
	}, swr.Options{TTL: whoamiTTL})
	if err != nil {
		return nil, err
	}
	id := v.(*api.Identity)
	if id.Authenticated {
		w.Reconcile(id.Balance)
	}
	return id, nil
}

// Authenticated reports whether the player has a session.
func (w *Wallet) Authenticated(ctx context.Context) bool {
	id, err := w.Identity(ctx)
	return err == nil && id.Authenticated
}

// Costs returns the server price list, cached. The payload's user{} block
// carries an authoritative balance for signed-in sessions, so a fresh load
// reconciles the mirror as a side effect.
func (w *Wallet) Costs(ctx context.Context) (*api.Costs, error) {
	v, err := w.cache.Get(ctx, costsKey, func(ctx context.Context) (any, error) {
		costs, err := w.api.GameCosts(ctx)
		if err == nil && costs.User != nil {
			w.Reconcile(costs.User.Balance)
		}
		return costs, err
	}, swr.Options{TTL: costsTTL})
	if err != nil {
		return nil, err
	}
	return v.(*api.Costs), nil
}

// InvalidateIdentity drops the cached identity, e.g. after a 401.
func (w *Wallet) InvalidateIdentity() {
	w.cache.Invalidate(whoamiKey)
}

// SyncUsage reconciles the local daily play counter with the server's
// status. The larger used count wins.
func (w *Wallet) SyncUsage(ctx context.Context, game string) (store.Usage, error) {
	gs, err := w.api.GameStatus(ctx)
	if err != nil {
		return w.store.ReadUsage(game), err
	}
	w.Reconcile(gs.Balance)

	costs, cerr := w.Costs(ctx)
	maxPlays := 0
	if cerr == nil {
		maxPlays = costs.FreeGamesLimit
	}
	serverUsed := 0
	if cerr == nil && costs.User != nil {
		serverUsed = costs.User.FreeGamesUsed
	} else if maxPlays > 0 {
		serverUsed = maxPlays - gs.FreeGames
		if serverUsed < 0 {
			serverUsed = 0
		}
	}
	return w.store.MergeUsage(game, store.Usage{Used: serverUsed, Max: maxPlays})
}

// FreePlays reports how many free plays remain today for game, and the
// daily cap. A zero cap means the server imposes no free-play limit.
func (w *Wallet) FreePlays(game string) (remaining, max int) {
	u := w.store.ReadUsage(game)
	if u.Max == 0 {
		return 0, 0
	}
	remaining = u.Max - u.Used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, u.Max
}

// ConsumeFreePlay bumps the local daily counter after a game start. It
// reports whether a free play remained before the bump.
func (w *Wallet) ConsumeFreePlay(game string) bool {
	u := w.store.ReadUsage(game)
	free := u.Max == 0 || u.Used < u.Max
	u.Used++
	if err := w.store.WriteUsage(game, u); err != nil {
		w.log.Warn("persist usage counter", zap.Error(err))
	}
	return free
}
