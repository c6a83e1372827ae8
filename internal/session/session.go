// Package session owns a single word-search game: the grid, the word list,
// selection and match state, the timer, local persistence, and the paid
// reveal/hint protocol against the backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miniwf/wordfinder/internal/api"
	"github.com/miniwf/wordfinder/internal/bus"
	"github.com/miniwf/wordfinder/internal/credits"
	"github.com/miniwf/wordfinder/internal/guard"
	"github.com/miniwf/wordfinder/internal/lifecycle"
	"github.com/miniwf/wordfinder/internal/sched"
	"github.com/miniwf/wordfinder/internal/store"
)

// Bus events the session emits.
const (
	EventWordFound  = "word:found"
	EventCompleting = "session:completing"
	EventFinalized  = "session:finalized"
	EventTimerTick  = "timer:tick"
	EventExpired    = "timer:expired"
	EventLesson     = "lesson:show"
)

// State is the session machine's current phase.
type State int

const (
	StateLoading State = iota
	StateInProgress
	StateAlreadyCompleted
	StateCompleting
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateInProgress:
		return "in_progress"
	case StateAlreadyCompleted:
		return "already_completed"
	case StateCompleting:
		return "completing"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// LoadKind says how Load arrived at a playable (or terminal) session.
type LoadKind int

const (
	LoadFresh LoadKind = iota
	LoadRestored
	LoadAlreadyCompleted
)

func (k LoadKind) String() string {
	switch k {
	case LoadRestored:
		return "restored"
	case LoadAlreadyCompleted:
		return "already_completed"
	default:
		return "fresh"
	}
}

// WordFound is the payload of EventWordFound.
type WordFound struct {
	Word     string
	Cells    []api.Cell
	Revealed bool
}

// Results summarises a finalized session.
type Results struct {
	Completed   bool
	FoundCount  int
	TotalWords  int
	DurationSec int
	HintsUsed   int
	Rank        int // 0 when the server reported none
}

// Errors surfaced by paid actions.
var (
	ErrAlreadyFound  = errors.New("word already found")
	ErrUnknownWord   = errors.New("word not in this puzzle")
	ErrInsufficient  = errors.New("not enough credits")
	ErrHintLimit     = errors.New("hint limit reached")
	ErrNoHintToken   = errors.New("no hint unlocked")
	ErrHintUnlocked  = errors.New("a hint is already unlocked")
	ErrNotInProgress = errors.New("session is not in progress")
)

const (
	defaultCelebrationDelay = 3 * time.Second
	defaultPersistDebounce  = 200 * time.Millisecond
	timerResolution         = 250 * time.Millisecond
	scoreTimeout            = 10 * time.Second
)

// Config selects the puzzle slot and tunes timing.
type Config struct {
	Game     string // counter key, e.g. "wordfinder"
	Mode     string
	Daily    bool
	Category string
	HintsMax int

	// ChargeStart runs the /api/game/start spend before fetching a fresh
	// puzzle.
	ChargeStart bool

	CelebrationDelay time.Duration
	PersistDebounce  time.Duration
}

func (c *Config) fillDefaults() {
	if c.Game == "" {
		c.Game = "wordfinder"
	}
	if c.CelebrationDelay == 0 {
		c.CelebrationDelay = defaultCelebrationDelay
	}
	if c.PersistDebounce == 0 {
		c.PersistDebounce = defaultPersistDebounce
	}
	if c.HintsMax == 0 {
		c.HintsMax = 3
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	API    *api.Client
	Store  *store.Store
	Wallet *credits.Wallet
	Bus    *bus.Bus
	Guard  *guard.Guard
	Life   *lifecycle.Lifecycle
	// Tasks, when set, runs snapshot writes on its low tier so disk work
	// never competes with interactive updates. Nil writes inline.
	Tasks *sched.Scheduler
	Log   *zap.Logger
}

// Manager runs one puzzle session at a time.
type Manager struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu    sync.Mutex
	state State

	puzzleID   string
	grid       [][]string
	words      []string
	found      map[string]bool
	foundOrder []string
	foundCells map[api.Cell]bool
	hintsUsed  int
	seed       int64

	timeLimit int // seconds, 0 means untimed
	startedAt time.Time
	expired   bool

	selection  []api.Cell
	dRow, dCol int
	lastFlash  []api.Cell

	hintToken string

	results   Results
	finalized bool

	timerStop   chan struct{}
	celebration *time.Timer
	persistSoon func()
	persistStop func()
	lessonShown *api.Lesson

	// now is swappable in tests.
	now func() time.Time
}

// New wires a Manager. Call Load before anything else.
func New(cfg Config, deps Deps) *Manager {
	cfg.fillDefaults()
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	m := &Manager{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Log.Named("session"),
		state:      StateLoading,
		found:      make(map[string]bool),
		foundCells: make(map[api.Cell]bool),
		now:        time.Now,
	}
	snapshot := func() {
		if err := m.Flush(); err != nil {
			m.log.Warn("debounced persist failed", zap.Error(err))
		}
	}
	if deps.Tasks != nil {
		inner := snapshot
		snapshot = func() { deps.Tasks.Schedule(sched.Low, inner) }
	}
	m.persistSoon, m.persistStop = sched.Debounce(snapshot, cfg.PersistDebounce)
	if deps.Life != nil {
		deps.Life.OnDestroy(func() {
			m.Shutdown()
		})
	}
	return m
}

// Shutdown stops timers and writes a final snapshot.
func (m *Manager) Shutdown() {
	m.stopTimer()
	m.mu.Lock()
	if m.celebration != nil {
		m.celebration.Stop()
	}
	live := m.state == StateInProgress || m.state == StateCompleting
	m.mu.Unlock()
	m.persistStop()
	if live {
		if err := m.Flush(); err != nil {
			m.log.Warn("final persist failed", zap.Error(err))
		}
	}
}

// Load restores a saved session or fetches a fresh puzzle, in that order.
// A fresh puzzle whose id matches the slot's completed marker lands in
// AlreadyCompleted instead of offering the grid again.
func (m *Manager) Load(ctx context.Context) (LoadKind, error) {
	m.mu.Lock()
	m.state = StateLoading
	m.mu.Unlock()

	if rec, err := m.deps.Store.LoadSession(m.cfg.Mode, m.cfg.Daily); err == nil && rec != nil {
		if err := m.hydrate(rec); err == nil {
			m.log.Info("restored saved session",
				zap.String("puzzle_id", m.puzzleID),
				zap.Int("found", len(m.foundOrder)))
			m.begin()
			return LoadRestored, nil
		}
		m.deps.Store.ClearSession(m.cfg.Mode, m.cfg.Daily)
	}

	if m.cfg.ChargeStart {
		gs, err := m.deps.API.StartGame(ctx, m.cfg.Game)
		if err != nil {
			if api.Insufficient(err) {
				return LoadFresh, ErrInsufficient
			}
			return LoadFresh, err
		}
		m.deps.Wallet.Reconcile(gs.Balance)
		m.deps.Wallet.ConsumeFreePlay(m.cfg.Game)
	}

	p, err := m.deps.API.FetchPuzzle(ctx, m.cfg.Mode, m.cfg.Daily, m.cfg.Category)
	if err != nil {
		return LoadFresh, err
	}

	id := p.PuzzleID.String()
	if id == "" {
		id = uuid.NewString()
	}
	if done := m.deps.Store.CompletedPuzzle(m.cfg.Mode, m.cfg.Daily); done != "" && done == id {
		m.mu.Lock()
		m.puzzleID = id
		m.state = StateAlreadyCompleted
		m.mu.Unlock()
		m.log.Info("puzzle already completed", zap.String("puzzle_id", id))
		return LoadAlreadyCompleted, nil
	}

	m.mu.Lock()
	m.puzzleID = id
	m.grid = p.Grid
	m.words = append([]string(nil), p.Words...)
	m.found = make(map[string]bool)
	m.foundOrder = nil
	m.foundCells = make(map[api.Cell]bool)
	m.hintsUsed = 0
	m.seed = p.Seed
	m.timeLimit = p.TimeLimit
	m.startedAt = m.now()
	m.expired = false
	m.finalized = false
	m.mu.Unlock()

	if err := m.Flush(); err != nil {
		m.log.Warn("initial persist failed", zap.Error(err))
	}
	m.begin()
	return LoadFresh, nil
}

// hydrate rebuilds live state from a saved record.
func (m *Manager) hydrate(rec *store.SessionRecord) error {
	if len(rec.Grid) == 0 || len(rec.Words) == 0 || rec.PuzzleID == "" {
		return errors.New("record incomplete")
	}
	grid := make([][]string, len(rec.Grid))
	for i, row := range rec.Grid {
		cells := strings.Split(row, "")
		if len(cells) != len(rec.Grid) {
			return errors.New("record grid not square")
		}
		grid[i] = cells
	}
	found := make(map[string]bool, len(rec.Found))
	order := make([]string, 0, len(rec.Found))
	for _, w := range rec.Found {
		if !found[w] {
			found[w] = true
			order = append(order, w)
		}
	}
	cells := make(map[api.Cell]bool, len(rec.FoundCells))
	for _, enc := range rec.FoundCells {
		var c api.Cell
		if _, err := fmt.Sscanf(enc, "%d,%d", &c.Row, &c.Col); err != nil {
			return fmt.Errorf("bad cell %q: %w", enc, err)
		}
		cells[c] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puzzleID = rec.PuzzleID
	m.grid = grid
	m.words = append([]string(nil), rec.Words...)
	m.found = found
	m.foundOrder = order
	m.foundCells = cells
	m.hintsUsed = rec.HintsUsed
	m.timeLimit = rec.TimeLimitSec
	m.startedAt = time.UnixMilli(rec.StartedAtMs)
	m.expired = false
	m.finalized = false
	return nil
}

// begin moves to InProgress and arms the timer.
func (m *Manager) begin() {
	m.mu.Lock()
	m.state = StateInProgress
	timed := m.timeLimit > 0
	m.mu.Unlock()
	if timed {
		m.startTimer()
	}
}

// snapshot builds the persisted form of the current state. Caller holds no
// lock.
func (m *Manager) snapshot() *store.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]string, len(m.grid))
	for i, row := range m.grid {
		rows[i] = strings.Join(row, "")
	}
	cells := make([]string, 0, len(m.foundCells))
	for c := range m.foundCells {
		cells = append(cells, fmt.Sprintf("%d,%d", c.Row, c.Col))
	}
	return &store.SessionRecord{
		Mode:         m.cfg.Mode,
		IsDaily:      m.cfg.Daily,
		Category:     m.cfg.Category,
		PuzzleID:     m.puzzleID,
		Grid:         rows,
		Words:        append([]string(nil), m.words...),
		Found:        append([]string(nil), m.foundOrder...),
		FoundCells:   cells,
		HintsUsed:    m.hintsUsed,
		TimeLimitSec: m.timeLimit,
		StartedAtMs:  m.startedAt.UnixMilli(),
	}
}

// Flush writes the current state synchronously. Used on quit and as the
// debounce target.
func (m *Manager) Flush() error {
	m.mu.Lock()
	writable := m.state == StateInProgress || m.state == StateCompleting || m.state == StateLoading
	hasPuzzle := m.puzzleID != ""
	m.mu.Unlock()
	if !writable || !hasPuzzle {
		return nil
	}
	return m.deps.Store.SaveSession(m.snapshot())
}

// --- accessors ---

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Game() string {
	return m.cfg.Game
}

func (m *Manager) PuzzleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puzzleID
}

func (m *Manager) Grid() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grid
}

func (m *Manager) Words() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.words...)
}

func (m *Manager) Found() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.foundOrder...)
}

func (m *Manager) IsFound(word string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.found[canon(word)]
}

func (m *Manager) IsFoundCell(c api.Cell) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foundCells[c]
}

func (m *Manager) HintsUsed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hintsUsed
}

func (m *Manager) HintsMax() int { return m.cfg.HintsMax }

func (m *Manager) HintUnlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hintToken != ""
}

func (m *Manager) Selection() []api.Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.Cell(nil), m.selection...)
}

// LastReveal returns the most recently revealed path, for transient
// highlighting.
func (m *Manager) LastReveal() []api.Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.Cell(nil), m.lastFlash...)
}

// Lesson returns the teaching card from the latest reveal, if any.
func (m *Manager) Lesson() *api.Lesson {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lessonShown
}

func (m *Manager) Results() Results {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results
}

// --- selection ---

func (m *Manager) inGrid(c api.Cell) bool {
	return c.Row >= 0 && c.Row < len(m.grid) && len(m.grid) > 0 &&
		c.Col >= 0 && c.Col < len(m.grid[c.Row])
}

// BeginSelection starts a new path at cell. It reports whether a selection
// is now active.
func (m *Manager) BeginSelection(c api.Cell) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInProgress || !m.inGrid(c) {
		return false
	}
	m.selection = []api.Cell{c}
	m.dRow, m.dCol = 0, 0
	return true
}

// ExtendSelection appends cell if it continues the path's straight line.
// The direction locks after the second cell; bends and repeats are ignored.
func (m *Manager) ExtendSelection(c api.Cell) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInProgress || len(m.selection) == 0 || !m.inGrid(c) {
		return false
	}
	last := m.selection[len(m.selection)-1]
	dr, dc := c.Row-last.Row, c.Col-last.Col
	if dr == 0 && dc == 0 {
		return false
	}
	if dr < -1 || dr > 1 || dc < -1 || dc > 1 {
		return false
	}
	for _, prev := range m.selection {
		if prev == c {
			return false
		}
	}
	if len(m.selection) == 1 {
		m.dRow, m.dCol = dr, dc
	} else if dr != m.dRow || dc != m.dCol {
		return false
	}
	m.selection = append(m.selection, c)
	return true
}

// ReleaseSelection evaluates the current path. On a match it returns the
// word; either way the transient selection is cleared. Found cells are
// never cleared.
func (m *Manager) ReleaseSelection() (string, bool) {
	m.mu.Lock()
	if m.state != StateInProgress || len(m.selection) < 2 {
		m.selection = nil
		m.mu.Unlock()
		return "", false
	}
	path := m.selection
	m.selection = nil

	var b strings.Builder
	for _, c := range path {
		b.WriteString(m.grid[c.Row][c.Col])
	}
	forward := canon(b.String())
	reversed := reverse(forward)

	match := ""
	for _, w := range m.words {
		cw := canon(w)
		if m.found[cw] {
			continue
		}
		if cw == forward || cw == reversed {
			match = w
			break
		}
	}
	if match == "" {
		m.mu.Unlock()
		return "", false
	}
	m.mu.Unlock()

	m.applyFound(match, path, false)
	return match, true
}

// applyFound records word as found with its cells, persists, emits, and
// starts the completion sequence when it was the last word.
func (m *Manager) applyFound(word string, cells []api.Cell, revealed bool) {
	cw := canon(word)
	m.mu.Lock()
	if m.found[cw] {
		m.mu.Unlock()
		return
	}
	m.found[cw] = true
	m.foundOrder = append(m.foundOrder, word)
	for _, c := range cells {
		m.foundCells[c] = true
	}
	if revealed {
		m.lastFlash = append([]api.Cell(nil), cells...)
	}
	complete := len(m.foundOrder) == len(m.words)
	m.mu.Unlock()

	m.log.Info("word found",
		zap.String("word", word), zap.Bool("revealed", revealed))
	m.persistSoon()
	if m.deps.Bus != nil {
		m.deps.Bus.Emit(EventWordFound, WordFound{Word: word, Cells: cells, Revealed: revealed})
	}
	if complete {
		m.enterCompleting()
	}
}

// enterCompleting holds the celebratory state for a fixed delay, then
// finalizes exactly once.
func (m *Manager) enterCompleting() {
	m.mu.Lock()
	if m.state != StateInProgress {
		m.mu.Unlock()
		return
	}
	m.state = StateCompleting
	delay := m.cfg.CelebrationDelay
	m.mu.Unlock()

	m.stopTimer()
	if m.deps.Bus != nil {
		m.deps.Bus.Emit(EventCompleting, nil)
	}
	m.mu.Lock()
	m.celebration = time.AfterFunc(delay, func() {
		m.Finalize(true)
	})
	m.mu.Unlock()
}

// --- timer ---

func (m *Manager) startTimer() {
	m.mu.Lock()
	if m.timerStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.timerStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(timerResolution)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if m.tick() {
					return
				}
			}
		}
	}()
}

func (m *Manager) stopTimer() {
	m.mu.Lock()
	if m.timerStop != nil {
		close(m.timerStop)
		m.timerStop = nil
	}
	m.mu.Unlock()
}

// tick recomputes remaining time from the wall clock and fires expiry once.
// It reports whether the timer should stop.
func (m *Manager) tick() bool {
	m.mu.Lock()
	if m.state != StateInProgress || m.timeLimit <= 0 {
		m.mu.Unlock()
		return true
	}
	remaining := m.remainingLocked()
	due := remaining <= 0 && !m.expired
	if due {
		m.expired = true
	}
	m.mu.Unlock()

	if m.deps.Bus != nil {
		m.deps.Bus.Emit(EventTimerTick, remaining)
	}
	if due {
		m.stopTimer()
		if m.deps.Bus != nil {
			m.deps.Bus.Emit(EventExpired, nil)
		}
		m.Finalize(false)
		return true
	}
	return false
}

// remainingLocked computes remaining whole seconds. Caller holds m.mu.
func (m *Manager) remainingLocked() int {
	elapsed := int(m.now().Sub(m.startedAt) / time.Second)
	r := m.timeLimit - elapsed
	if r < 0 {
		return 0
	}
	return r
}

// Remaining returns remaining whole seconds, or -1 when untimed.
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeLimit <= 0 {
		return -1
	}
	return m.remainingLocked()
}

// TimerText renders remaining time as M:SS, or "" when untimed.
func (m *Manager) TimerText() string {
	r := m.Remaining()
	if r < 0 {
		return ""
	}
	return fmt.Sprintf("%d:%02d", r/60, r%60)
}

// --- finalize ---

// Finalize ends the session exactly once. Score submission is best-effort:
// a network failure is logged, never blocks the results view.
func (m *Manager) Finalize(completed bool) {
	m.mu.Lock()
	if m.finalized {
		m.mu.Unlock()
		return
	}
	m.finalized = true
	if m.celebration != nil {
		m.celebration.Stop()
		m.celebration = nil
	}
	durationSec := int(m.now().Sub(m.startedAt) / time.Second)
	if m.timeLimit > 0 {
		durationSec = m.timeLimit - m.remainingLocked()
	}
	report := api.ScoreReport{
		Mode:        m.cfg.Mode,
		IsDaily:     m.cfg.Daily,
		TotalWords:  len(m.words),
		FoundCount:  len(m.foundOrder),
		DurationSec: durationSec,
		Completed:   completed,
		Seed:        m.seed,
		Category:    m.cfg.Category,
		HintsUsed:   m.hintsUsed,
		PuzzleID:    api.ID(m.puzzleID),
	}
	m.results = Results{
		Completed:   completed,
		FoundCount:  len(m.foundOrder),
		TotalWords:  len(m.words),
		DurationSec: durationSec,
		HintsUsed:   m.hintsUsed,
	}
	m.mu.Unlock()

	m.stopTimer()

	ctx := context.Background()
	if m.deps.Life != nil {
		ctx = m.deps.Life.Context()
	}
	ctx, cancel := context.WithTimeout(ctx, scoreTimeout)
	defer cancel()
	if res, err := m.deps.API.SubmitScore(ctx, report); err != nil {
		m.log.Warn("score submission failed", zap.Error(err))
	} else {
		if completed {
			if err := m.deps.Store.MarkCompleted(m.cfg.Mode, m.cfg.Daily, m.puzzleID); err != nil {
				m.log.Warn("completed marker write failed", zap.Error(err))
			}
		}
		if res.Leaderboard != nil {
			m.mu.Lock()
			m.results.Rank = res.Leaderboard.Rank
			m.mu.Unlock()
		}
	}

	m.deps.Store.ClearSession(m.cfg.Mode, m.cfg.Daily)

	m.mu.Lock()
	m.state = StateFinalized
	results := m.results
	m.mu.Unlock()

	m.log.Info("session finalized",
		zap.Bool("completed", completed),
		zap.Int("found", results.FoundCount),
		zap.Int("total", results.TotalWords))
	if m.deps.Bus != nil {
		m.deps.Bus.Emit(EventFinalized, results)
	}
}

// --- reveal ---

// RevealCost returns the server price for a reveal.
func (m *Manager) RevealCost(ctx context.Context) (int, error) {
	costs, err := m.deps.Wallet.Costs(ctx)
	if err != nil {
		return 0, err
	}
	return costs.RevealCost, nil
}

// Reveal spends credits to uncover word. The caller confirms the spend
// before invoking this. Once a word is found, revealing it again is refused
// locally without contacting the server.
func (m *Manager) Reveal(ctx context.Context, word string) error {
	m.mu.Lock()
	if m.state != StateInProgress {
		m.mu.Unlock()
		return ErrNotInProgress
	}
	if !m.hasWordLocked(word) {
		m.mu.Unlock()
		return ErrUnknownWord
	}
	if m.found[canon(word)] {
		m.mu.Unlock()
		return ErrAlreadyFound
	}
	puzzleID := m.puzzleID
	m.mu.Unlock()

	if !m.deps.Wallet.Authenticated(ctx) {
		return api.ErrNotAuthed
	}
	spend := 0
	if cost, err := m.RevealCost(ctx); err == nil {
		if !m.deps.Wallet.CanAfford(cost) {
			return ErrInsufficient
		}
		spend = cost
	}

	run := func() error {
		m.deps.Wallet.SpendOptimistic(spend)
		rv, err := m.deps.API.RevealWord(ctx, api.ID(puzzleID), word)
		if err != nil {
			if api.Insufficient(err) {
				var ae *api.Error
				if errors.As(err, &ae) && ae.Balance >= 0 {
					m.deps.Wallet.Reconcile(ae.Balance)
				}
				return ErrInsufficient
			}
			return err
		}
		m.deps.Wallet.Reconcile(rv.Balance)
		m.mu.Lock()
		m.lessonShown = rv.Lesson
		m.mu.Unlock()
		m.applyFound(word, rv.Path, true)
		if rv.Lesson != nil && m.deps.Bus != nil {
			m.deps.Bus.Emit(EventLesson, rv.Lesson)
		}
		return nil
	}
	if m.deps.Guard != nil {
		ran, err := m.deps.Guard.Do("reveal:"+canon(word), run)
		if !ran {
			return nil
		}
		return err
	}
	return run()
}

func (m *Manager) hasWordLocked(word string) bool {
	cw := canon(word)
	for _, w := range m.words {
		if canon(w) == cw {
			return true
		}
	}
	return false
}

// --- hints ---

// UnlockHint spends credits for a single-use guess token.
func (m *Manager) UnlockHint(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInProgress {
		m.mu.Unlock()
		return ErrNotInProgress
	}
	if m.hintToken != "" {
		m.mu.Unlock()
		return ErrHintUnlocked
	}
	if m.hintsUsed >= m.cfg.HintsMax {
		m.mu.Unlock()
		return ErrHintLimit
	}
	used := m.hintsUsed
	m.mu.Unlock()

	if !m.deps.Wallet.Authenticated(ctx) {
		return api.ErrNotAuthed
	}

	run := func() error {
		tok, err := m.deps.API.UnlockHint(ctx, used)
		if err != nil {
			if api.Insufficient(err) {
				return ErrInsufficient
			}
			return err
		}
		m.deps.Wallet.Reconcile(tok.Balance)
		m.mu.Lock()
		m.hintToken = tok.Token
		m.mu.Unlock()
		return nil
	}
	if m.deps.Guard != nil {
		ran, err := m.deps.Guard.Do("hint:unlock", run)
		if !ran {
			return nil
		}
		return err
	}
	return run()
}

// AskHint consumes the unlocked token with a guessed term. The token is
// spent whether or not the guess was in the puzzle; refunded errors relock
// the input and reconcile the balance.
func (m *Manager) AskHint(ctx context.Context, term string) (*api.Guidance, error) {
	m.mu.Lock()
	if m.state != StateInProgress {
		m.mu.Unlock()
		return nil, ErrNotInProgress
	}
	token := m.hintToken
	if token == "" {
		m.mu.Unlock()
		return nil, ErrNoHintToken
	}
	q := api.HintQuery{
		Token:    token,
		Term:     canon(term),
		Mode:     m.cfg.Mode,
		Category: m.cfg.Category,
		Seed:     m.seed,
		PuzzleID: api.ID(m.puzzleID),
	}
	m.mu.Unlock()

	g, err := m.deps.API.AskHint(ctx, q)

	// The server consumes the token on success and on every domain error;
	// a transport failure leaves it live for a retry.
	var ae *api.Error
	consumed := err == nil || errors.As(err, &ae)

	m.mu.Lock()
	if consumed {
		m.hintToken = ""
	}
	if err == nil {
		m.hintsUsed++
	}
	m.mu.Unlock()

	if err != nil {
		if api.Refunded(err) {
			var ae *api.Error
			if errors.As(err, &ae) && ae.Balance >= 0 {
				m.deps.Wallet.Reconcile(ae.Balance)
			}
		}
		return nil, err
	}
	m.persistSoon()
	return g, nil
}

// --- slot transitions ---

// PlayAgain discards the current session and loads a new puzzle.
func (m *Manager) PlayAgain(ctx context.Context) (LoadKind, error) {
	m.stopTimer()
	m.deps.Store.ClearSession(m.cfg.Mode, m.cfg.Daily)
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	return m.Load(ctx)
}

// ContinueNext leaves AlreadyCompleted by dropping the completion marker
// and loading the next puzzle.
func (m *Manager) ContinueNext(ctx context.Context) (LoadKind, error) {
	m.deps.Store.ClearCompleted(m.cfg.Mode, m.cfg.Daily)
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	return m.Load(ctx)
}

// resetLocked clears puzzle state ahead of a reload. Caller holds m.mu.
func (m *Manager) resetLocked() {
	m.state = StateLoading
	m.puzzleID = ""
	m.grid = nil
	m.words = nil
	m.found = make(map[string]bool)
	m.foundOrder = nil
	m.foundCells = make(map[api.Cell]bool)
	m.hintsUsed = 0
	m.hintToken = ""
	m.selection = nil
	m.lastFlash = nil
	m.lessonShown = nil
	m.expired = false
	m.finalized = false
	m.results = Results{}
	if m.celebration != nil {
		m.celebration.Stop()
		m.celebration = nil
	}
}

func canon(w string) string {
	return strings.ToUpper(strings.TrimSpace(w))
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
