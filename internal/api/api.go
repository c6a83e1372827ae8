// Package api is the typed client for the word game backend. It maps the
// JSON endpoints onto Go types and turns error envelopes into *Error values
// callers can branch on.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/miniwf/wordfinder/internal/httpx"
)

// Error codes the backend emits inside {"ok": false, "error": "..."}
// envelopes. Matching is case-insensitive.
const (
	CodeInsufficient        = "insufficient"
	CodeInsufficientCredits = "insufficient_credits"
	CodeMaxHints            = "max_hints"
	CodeCooldown            = "cooldown"
	CodeNotInPuzzle         = "not_in_puzzle"
	CodeExpired             = "expired"
	CodeAlreadyFound        = "already_found"
	CodeServerError         = "server_error"
)

// ErrNotAuthed is returned when the backend answers 401.
var ErrNotAuthed = errors.New("not authenticated")

// Error is a domain error the backend reported deliberately, as opposed to a
// transport failure.
type Error struct {
	Code    string
	Message string
	// Balance is the authoritative balance when the server included one,
	// else -1.
	Balance int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Is lets errors.Is match on code, case-insensitively.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return strings.EqualFold(e.Code, t.Code)
}

// CodeIs reports whether err is an *Error carrying code.
func CodeIs(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && strings.EqualFold(ae.Code, code)
}

// Insufficient reports whether err is the backend's no-funds error, under
// either spelling it uses.
func Insufficient(err error) bool {
	return CodeIs(err, CodeInsufficient) || CodeIs(err, CodeInsufficientCredits)
}

// Refunded reports whether err is an *Error whose code carries the
// "_refunded" suffix the hint endpoint uses when it returns the spend.
func Refunded(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && strings.HasSuffix(strings.ToLower(ae.Code), "_refunded")
}

// ID is a puzzle or entity identifier that the backend serialises sometimes
// as a JSON number and sometimes as a string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Puzzle is the payload of GET /api/puzzle.
type Puzzle struct {
	PuzzleID  ID         `json:"puzzleId"`
	Grid      [][]string `json:"grid"`
	Words     []string   `json:"words"`
	TimeLimit int        `json:"timeLimit"`
	Seed      int64      `json:"seed"`
	Category  string     `json:"category,omitempty"`
}

// ScoreReport is the body of POST /api/score.
type ScoreReport struct {
	Mode        string `json:"mode"`
	IsDaily     bool   `json:"isDaily"`
	TotalWords  int    `json:"totalWords"`
	FoundCount  int    `json:"foundCount"`
	DurationSec int    `json:"durationSec"`
	Completed   bool   `json:"completed"`
	Seed        int64  `json:"seed"`
	Category    string `json:"category,omitempty"`
	HintsUsed   int    `json:"hintsUsed"`
	PuzzleID    ID     `json:"puzzleId"`
}

// Leaderboard is the optional ranking block in a score response.
type Leaderboard struct {
	Rank     int `json:"rank"`
	SeasonID ID  `json:"seasonId"`
}

// ScoreResult is the payload of POST /api/score.
type ScoreResult struct {
	Leaderboard *Leaderboard `json:"redisLeaderboard,omitempty"`
}

// HintToken is the payload of POST /api/hint/unlock.
type HintToken struct {
	Token   string `json:"token"`
	Balance int    `json:"balance"`
}

// Guidance is the payload of POST /api/hint/ask.
type Guidance struct {
	Word      string `json:"word"`
	Start     Cell   `json:"start"`
	Direction string `json:"direction"`
	Length    int    `json:"length"`
}

// Cell is a grid coordinate.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Lesson is the teaching card returned alongside a reveal.
type Lesson struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
	Example    string `json:"example"`
	Phonics    string `json:"phonics"`
	Difficulty string `json:"difficulty"`
	Category   string `json:"category"`
}

// Reveal is the payload of POST /api/game/reveal.
type Reveal struct {
	Balance int     `json:"balance"`
	Path    Path    `json:"path"`
	Lesson  *Lesson `json:"lesson,omitempty"`
}

// Path is the grid cells a word occupies. The backend usually sends it as a
// cell array; older responses send {start, direction, length} instead, which
// is expanded on decode.
type Path []Cell

func (p *Path) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*p = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var cells []Cell
		if err := json.Unmarshal(data, &cells); err != nil {
			return err
		}
		*p = cells
		return nil
	}
	var compact struct {
		StartRow  int    `json:"start_row"`
		StartCol  int    `json:"start_col"`
		Direction string `json:"direction"`
		Length    int    `json:"length"`
	}
	if err := json.Unmarshal(data, &compact); err != nil {
		return err
	}
	cells, err := expandPath(compact.StartRow, compact.StartCol, compact.Direction, compact.Length)
	if err != nil {
		return err
	}
	*p = cells
	return nil
}

// directionDeltas maps both compass names and word names onto row and column
// steps.
var directionDeltas = map[string][2]int{
	"e": {0, 1}, "right": {0, 1},
	"w": {0, -1}, "left": {0, -1},
	"s": {1, 0}, "down": {1, 0},
	"n": {-1, 0}, "up": {-1, 0},
	"se": {1, 1}, "down-right": {1, 1},
	"sw": {1, -1}, "down-left": {1, -1},
	"ne": {-1, 1}, "up-right": {-1, 1},
	"nw": {-1, -1}, "up-left": {-1, -1},
}

func expandPath(row, col int, direction string, length int) ([]Cell, error) {
	delta, ok := directionDeltas[strings.ToLower(strings.TrimSpace(direction))]
	if !ok {
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
	if length <= 0 {
		return nil, fmt.Errorf("invalid path length %d", length)
	}
	cells := make([]Cell, length)
	for i := 0; i < length; i++ {
		cells[i] = Cell{Row: row + i*delta[0], Col: col + i*delta[1]}
	}
	return cells, nil
}

// Cells expands a guidance hint into the grid cells it points at.
func (g Guidance) Cells() ([]Cell, error) {
	return expandPath(g.Start.Row, g.Start.Col, g.Direction, g.Length)
}

// Costs is the payload of GET /api/game/costs. The backend nests prices
// under costs{} and adds a user{} block for signed-in sessions.
type Costs struct {
	GameCost       int
	RevealCost     int
	FreeGamesLimit int
	User           *CostsUser
}

// CostsUser is the per-user block of the costs payload.
type CostsUser struct {
	Balance            int `json:"balance"`
	FreeGamesUsed      int `json:"free_games_used"`
	FreeGamesRemaining int `json:"free_games_remaining"`
	NextGameCost       int `json:"next_game_cost"`
}

func (c *Costs) UnmarshalJSON(data []byte) error {
	var wire struct {
		Costs struct {
			GameStart      int `json:"game_start"`
			WordReveal     int `json:"word_reveal"`
			FreeGamesLimit int `json:"free_games_limit"`
		} `json:"costs"`
		User *CostsUser `json:"user"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.GameCost = wire.Costs.GameStart
	c.RevealCost = wire.Costs.WordReveal
	c.FreeGamesLimit = wire.Costs.FreeGamesLimit
	c.User = wire.User
	return nil
}

// GameStatus is the payload of GET /api/game/status.
type GameStatus struct {
	Balance   int  `json:"balance"`
	FreeGames int  `json:"free_games_remaining"`
	Paid      bool `json:"paid"`
}

// Identity is the payload of GET /__diag/whoami.
type Identity struct {
	Authenticated bool   `json:"authenticated"`
	UserID        ID     `json:"user_id"`
	Email         string `json:"email,omitempty"`
	Balance       int    `json:"balance"`
}

// Client calls the backend.
type Client struct {
	http *httpx.Client
	log  *zap.Logger
}

// New wraps an httpx.Client.
func New(hc *httpx.Client, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{http: hc, log: log}
}

// envelope is the common wrapper the backend puts around every response.
// Balance lives on the payload types, not here, so embedding the envelope
// next to a payload never shadows a field.
type envelope struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// domainError turns an envelope plus transport error into the error callers
// see. A 401 always maps to ErrNotAuthed.
func domainError(env envelope, err error) error {
	var se *httpx.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthed
	}
	if env.Error != "" {
		ae := &Error{Code: strings.ToLower(env.Error), Message: env.Message, Balance: -1}
		if se != nil {
			var b struct {
				Balance *int `json:"balance"`
			}
			if json.Unmarshal(se.Body, &b) == nil && b.Balance != nil {
				ae.Balance = *b.Balance
			}
		}
		return ae
	}
	return err
}

// FetchPuzzle loads the current puzzle for mode. daily selects the daily
// puzzle, category is optional.
func (c *Client) FetchPuzzle(ctx context.Context, mode string, daily bool, category string) (*Puzzle, error) {
	q := url.Values{"mode": {mode}}
	if daily {
		q.Set("daily", "1")
	}
	if category != "" {
		q.Set("category", category)
	}
	var p Puzzle
	err := c.http.GetJSON(ctx, "/api/puzzle?"+q.Encode(), &p, func(status int, body []byte) error {
		var probe struct {
			Grid [][]string `json:"grid"`
		}
		if json.Unmarshal(body, &probe) == nil && len(probe.Grid) == 0 {
			return errors.New("puzzle payload missing grid")
		}
		return nil
	})
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			return nil, ErrNotAuthed
		}
		return nil, err
	}
	return &p, nil
}

// SubmitScore posts the final score. One attempt only.
func (c *Client) SubmitScore(ctx context.Context, report ScoreReport) (*ScoreResult, error) {
	var resp struct {
		envelope
		ScoreResult
	}
	if err := c.http.PostJSON(ctx, "/api/score", report, &resp); err != nil {
		return nil, domainError(resp.envelope, err)
	}
	return &resp.ScoreResult, nil
}

// UnlockHint spends credits for a single-use hint token. used is the count
// of hints already consumed this session.
func (c *Client) UnlockHint(ctx context.Context, used int) (*HintToken, error) {
	var resp struct {
		envelope
		HintToken
	}
	if err := c.http.PostJSON(ctx, "/api/hint/unlock", map[string]int{"used": used}, &resp); err != nil {
		return nil, domainError(resp.envelope, err)
	}
	return &resp.HintToken, nil
}

// HintQuery identifies the puzzle a hint guess belongs to.
type HintQuery struct {
	Token    string `json:"token"`
	Term     string `json:"term"`
	Mode     string `json:"mode"`
	Category string `json:"category,omitempty"`
	Seed     int64  `json:"seed"`
	PuzzleID ID     `json:"puzzleId"`
}

// AskHint exchanges a token and a guessed term for guidance.
func (c *Client) AskHint(ctx context.Context, q HintQuery) (*Guidance, error) {
	var resp struct {
		envelope
		Guidance *Guidance `json:"guidance"`
	}
	if err := c.http.PostJSON(ctx, "/api/hint/ask", q, &resp); err != nil {
		return nil, domainError(resp.envelope, err)
	}
	if resp.Guidance == nil {
		return nil, errors.New("hint response missing guidance")
	}
	return resp.Guidance, nil
}

// RevealWord spends credits to reveal the location of wordID.
func (c *Client) RevealWord(ctx context.Context, puzzleID ID, wordID string) (*Reveal, error) {
	body := map[string]any{"puzzleId": puzzleID, "wordId": wordID}
	var resp struct {
		envelope
		Reveal
	}
	if err := c.http.PostJSON(ctx, "/api/game/reveal", body, &resp); err != nil {
		return nil, domainError(resp.envelope, err)
	}
	return &resp.Reveal, nil
}

// GameCosts fetches the server-authoritative price list.
func (c *Client) GameCosts(ctx context.Context) (*Costs, error) {
	var costs Costs
	if err := c.http.GetJSON(ctx, "/api/game/costs", &costs, nil); err != nil {
		return nil, err
	}
	return &costs, nil
}

// StartGame charges for a new game, or consumes a free play server-side.
func (c *Client) StartGame(ctx context.Context, game string) (*GameStatus, error) {
	var resp struct {
		envelope
		GameStatus
	}
	if err := c.http.PostJSON(ctx, "/api/game/start", map[string]string{"game": game}, &resp); err != nil {
		return nil, domainError(resp.envelope, err)
	}
	return &resp.GameStatus, nil
}

// ReportResult posts a game outcome for free-play bookkeeping.
func (c *Client) ReportResult(ctx context.Context, game string, won bool) error {
	var env envelope
	body := map[string]any{"game": game, "won": won}
	if err := c.http.PostJSON(ctx, "/api/game/result", body, &env); err != nil {
		return domainError(env, err)
	}
	return nil
}

// GameStatus fetches balance and free-play standing.
func (c *Client) GameStatus(ctx context.Context) (*GameStatus, error) {
	var gs GameStatus
	if err := c.http.GetJSON(ctx, "/api/game/status", &gs, nil); err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			return nil, ErrNotAuthed
		}
		return nil, err
	}
	return &gs, nil
}

// WhoAmI fetches the session identity. An anonymous session is not an
// error.
func (c *Client) WhoAmI(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.http.GetJSON(ctx, "/__diag/whoami", &id, nil); err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			return &Identity{Authenticated: false}, nil
		}
		return nil, err
	}
	return &id, nil
}
