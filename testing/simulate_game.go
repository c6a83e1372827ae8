package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/miniwf/wordfinder/internal/api"
	"github.com/miniwf/wordfinder/internal/bus"
	"github.com/miniwf/wordfinder/internal/credits"
	"github.com/miniwf/wordfinder/internal/guard"
	"github.com/miniwf/wordfinder/internal/httpx"
	"github.com/miniwf/wordfinder/internal/lifecycle"
	"github.com/miniwf/wordfinder/internal/session"
	"github.com/miniwf/wordfinder/internal/store"
	"github.com/miniwf/wordfinder/internal/swr"
)

// Headless playthrough: boots the full client stack against a local stub
// backend, solves the puzzle by brute-force scanning, and exercises the
// reveal and finalize flows along the way.

var (
	grid = [][]string{
		{"C", "A", "T", "S"},
		{"O", "X", "E", "U"},
		{"D", "O", "G", "N"},
		{"E", "K", "L", "M"},
	}
	words = []string{"CAT", "DOG", "COD", "SUN"}
)

func main() {
	srv := httptest.NewServer(http.HandlerFunc(stubBackend))
	defer srv.Close()

	dir, err := os.MkdirTemp("", "wordfinder-sim-*")
	if err != nil {
		log.Fatalf("Failed to create save dir: %v", err)
	}
	defer os.RemoveAll(dir)

	logger := zap.NewNop()
	st, err := store.New(dir, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	evbus := bus.New(logger)
	defer evbus.Close()
	life := lifecycle.New(context.Background(), logger)
	defer life.Destroy()

	hc := httpx.New(srv.URL, logger)
	client := api.New(hc, logger)
	wallet := credits.New(client, swr.New(logger), st, evbus, logger)

	evbus.On(session.EventWordFound, func(payload any, _ bus.Meta) {
		wf := payload.(session.WordFound)
		how := "matched"
		if wf.Revealed {
			how = "revealed"
		}
		fmt.Printf("Event: %s %s via %v\n", how, wf.Word, wf.Cells)
	})

	done := make(chan session.Results, 1)
	evbus.On(session.EventFinalized, func(payload any, _ bus.Meta) {
		done <- payload.(session.Results)
	}, bus.Once())

	mgr := session.New(session.Config{
		Mode:             "medium",
		CelebrationDelay: 100 * time.Millisecond,
	}, session.Deps{
		API:    client,
		Store:  st,
		Wallet: wallet,
		Bus:    evbus,
		Guard:  guard.New(logger),
		Life:   life,
		Log:    logger,
	})

	ctx := life.Context()

	fmt.Println("--- Step 1: Loading puzzle ---")
	kind, err := mgr.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load puzzle: %v", err)
	}
	fmt.Printf("Loaded (%v): %d words, %dx%d grid\n\n", kind, len(mgr.Words()), len(mgr.Grid()), len(mgr.Grid()))

	fmt.Println("--- Step 2: Solving ---")
	var g errgroup.Group
	g.SetLimit(1)
	for i, w := range mgr.Words() {
		word := w
		last := i == len(mgr.Words())-1
		g.Go(func() error {
			if last {
				// Spend credits on the final word to exercise the paid path.
				return mgr.Reveal(ctx, word)
			}
			path := findWord(mgr.Grid(), word)
			if path == nil {
				return fmt.Errorf("cannot place %q", word)
			}
			mgr.BeginSelection(path[0])
			for _, c := range path[1:] {
				mgr.ExtendSelection(c)
			}
			if got, ok := mgr.ReleaseSelection(); !ok || got != word {
				return fmt.Errorf("expected to match %q, got %q", word, got)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Playthrough failed: %v", err)
	}

	fmt.Println("\n--- Step 3: Finalizing ---")
	select {
	case res := <-done:
		fmt.Printf("Completed: %v, found %d/%d, hints %d, balance %d\n",
			res.Completed, res.FoundCount, res.TotalWords, res.HintsUsed, wallet.Balance())
	case <-time.After(10 * time.Second):
		log.Fatal("Timed out waiting for finalize")
	}
}

// findWord scans every straight line in the grid for word, forward only;
// the stub places all words left-to-right or top-to-bottom.
func findWord(grid [][]string, word string) []api.Cell {
	dirs := [][2]int{{0, 1}, {1, 0}, {1, 1}, {0, -1}, {-1, 0}, {-1, -1}, {1, -1}, {-1, 1}}
	n := len(grid)
	for r := 0; r < n; r++ {
		for c := 0; c < len(grid[r]); c++ {
			for _, d := range dirs {
				path := make([]api.Cell, 0, len(word))
				var b strings.Builder
				rr, cc := r, c
				for i := 0; i < len(word); i++ {
					if rr < 0 || rr >= n || cc < 0 || cc >= len(grid[rr]) {
						break
					}
					b.WriteString(grid[rr][cc])
					path = append(path, api.Cell{Row: rr, Col: cc})
					rr += d[0]
					cc += d[1]
				}
				if b.String() == word {
					return path
				}
			}
		}
	}
	return nil
}

var balance = 50

func stubBackend(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/puzzle":
		json.NewEncoder(w).Encode(map[string]any{
			"puzzleId": "sim-1", "grid": grid, "words": words, "timeLimit": 0, "seed": 1,
		})
	case "/__diag/whoami":
		json.NewEncoder(w).Encode(map[string]any{"authenticated": true, "balance": balance})
	case "/api/game/costs":
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"costs": map[string]any{
				"game_start": 5, "word_reveal": 5, "free_games_limit": 5,
			},
			"user": map[string]any{
				"balance": balance, "free_games_used": 0,
				"free_games_remaining": 5, "next_game_cost": 0,
			},
		})
	case "/api/game/reveal":
		var body struct {
			WordID string `json:"wordId"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		path := findWord(grid, body.WordID)
		if path == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "not_in_puzzle"})
			return
		}
		balance -= 5
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "balance": balance, "path": path})
	case "/api/score":
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	default:
		http.NotFound(w, r)
	}
}
