package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/miniwf/wordfinder/internal/api"
	"github.com/miniwf/wordfinder/internal/credits"
	"github.com/miniwf/wordfinder/internal/lifecycle"
	"github.com/miniwf/wordfinder/internal/session"
)

type viewState int

const (
	stateLoading viewState = iota
	statePlaying
	stateHintInput
	stateRevealInput
	stateRevealConfirm
	stateCelebrating
	stateLesson
	stateResults
	stateAlreadyDone
	stateError
)

// Grid geometry in screen cells. View() lays the grid out at this offset;
// mouse hit-testing depends on it.
const (
	gridTop   = 4
	gridLeft  = 2
	cellWidth = 3
)

const (
	refreshInterval = 250 * time.Millisecond
	flashDuration   = 1500 * time.Millisecond
)

type model struct {
	state  viewState
	mgr    *session.Manager
	wallet *credits.Wallet
	life   *lifecycle.Lifecycle
	input  textinput.Model
	width  int
	height int
	err    error
	status string

	cursor    api.Cell
	selecting bool

	guidance      *api.Guidance
	guideCells    []api.Cell
	flashCells    []api.Cell
	flashDeadline time.Time

	pendingReveal string
	revealCost    int

	lesson  *api.Lesson
	results session.Results
}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true)

	letterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CCCCCC"))

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFA500")).
			Bold(true)

	selectStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#5F87FF"))

	foundStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#5FAF5F")).
			Bold(true)

	flashStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF87")).
			Bold(true)

	foundWordStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5FAF5F")).
			Strikethrough(true)

	wordStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EEEEEE"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FFA500")).
			Padding(1, 2)
)

func NewModel(mgr *session.Manager, wallet *credits.Wallet, life *lifecycle.Lifecycle) model {
	ti := textinput.New()
	ti.CharLimit = 24
	ti.Width = 24

	return model{
		state:  stateLoading,
		mgr:    mgr,
		wallet: wallet,
		life:   life,
		input:  ti,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), tick())
}

type tickMsg time.Time

type loadedMsg struct {
	kind session.LoadKind
	err  error
}

type revealDoneMsg struct {
	word string
	err  error
}

type hintUnlockedMsg struct {
	err error
}

type hintAskedMsg struct {
	guidance *api.Guidance
	err      error
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m.onTick()

	case loadedMsg:
		return m.onLoaded(msg)

	case revealDoneMsg:
		return m.onRevealDone(msg)

	case hintUnlockedMsg:
		if msg.err != nil {
			m.status = errorStyle.Render(paidActionMessage(msg.err))
			m.state = statePlaying
			return m, nil
		}
		m.state = stateHintInput
		m.input.Placeholder = "Which word are you looking for?"
		m.input.Reset()
		m.input.Focus()
		return m, textinput.Blink

	case hintAskedMsg:
		return m.onHintAsked(msg)

	case tea.MouseMsg:
		return m.onMouse(msg)

	case tea.KeyMsg:
		return m.onKey(msg)
	}

	if m.state == stateHintInput || m.state == stateRevealInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// onTick re-renders the timer and follows state changes the manager makes
// on its own (timer expiry, celebration finishing).
func (m model) onTick() (tea.Model, tea.Cmd) {
	if !m.flashDeadline.IsZero() && time.Now().After(m.flashDeadline) {
		m.flashCells = nil
		m.guideCells = nil
		m.flashDeadline = time.Time{}
	}

	switch m.mgr.State() {
	case session.StateCompleting:
		if m.state == statePlaying || m.state == stateHintInput ||
			m.state == stateRevealInput || m.state == stateRevealConfirm {
			m.state = stateCelebrating
		}
	case session.StateFinalized:
		if m.state != stateResults && m.state != stateLesson && m.state != stateError {
			m.results = m.mgr.Results()
			m.state = stateResults
		}
	}
	return m, tick()
}

func (m model) onLoaded(msg loadedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.err = msg.err
		m.state = stateError
		return m, nil
	}
	switch msg.kind {
	case session.LoadAlreadyCompleted:
		m.state = stateAlreadyDone
	case session.LoadRestored:
		m.state = statePlaying
		m.status = statusStyle.Render("Welcome back - progress restored.")
	default:
		m.state = statePlaying
		m.status = ""
	}
	m.cursor = api.Cell{}
	m.selecting = false
	m.guidance = nil
	m.guideCells = nil
	m.flashCells = nil
	m.lesson = nil
	return m, nil
}

func (m model) onRevealDone(msg revealDoneMsg) (tea.Model, tea.Cmd) {
	m.state = statePlaying
	if msg.err != nil {
		m.status = errorStyle.Render(paidActionMessage(msg.err))
		return m, nil
	}
	m.flashCells = m.mgr.LastReveal()
	m.flashDeadline = time.Now().Add(flashDuration)
	m.status = statusStyle.Render(fmt.Sprintf("Revealed %s.", msg.word))
	if lesson := m.mgr.Lesson(); lesson != nil {
		m.lesson = lesson
		m.state = stateLesson
	}
	return m, nil
}

func (m model) onHintAsked(msg hintAskedMsg) (tea.Model, tea.Cmd) {
	m.state = statePlaying
	if msg.err != nil {
		m.status = errorStyle.Render(hintMessage(msg.err))
		return m, nil
	}
	m.guidance = msg.guidance
	if cells, err := msg.guidance.Cells(); err == nil {
		m.guideCells = cells
		m.flashDeadline = time.Now().Add(flashDuration)
	}
	m.status = statusStyle.Render(fmt.Sprintf(
		"%s starts at row %d, column %d, heading %s.",
		msg.guidance.Word, msg.guidance.Start.Row+1, msg.guidance.Start.Col+1,
		msg.guidance.Direction))
	return m, nil
}

func (m model) onKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}

	switch m.state {
	case stateHintInput, stateRevealInput:
		switch msg.Type {
		case tea.KeyEsc:
			m.state = statePlaying
			m.input.Blur()
			return m, nil
		case tea.KeyEnter:
			value := strings.TrimSpace(m.input.Value())
			m.input.Blur()
			if value == "" {
				m.state = statePlaying
				return m, nil
			}
			if m.state == stateHintInput {
				return m, m.askHintCmd(value)
			}
			return m.confirmReveal(value)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case stateRevealConfirm:
		switch msg.String() {
		case "y", "Y", "enter":
			word := m.pendingReveal
			m.pendingReveal = ""
			return m, m.revealCmd(word)
		default:
			m.state = statePlaying
			m.pendingReveal = ""
			return m, nil
		}

	case stateLesson:
		m.lesson = nil
		if m.mgr.State() == session.StateFinalized {
			m.results = m.mgr.Results()
			m.state = stateResults
		} else {
			m.state = statePlaying
		}
		return m, nil

	case stateResults:
		switch msg.String() {
		case "p":
			m.state = stateLoading
			return m, m.playAgainCmd()
		case "q", "esc":
			return m, tea.Quit
		}
		return m, nil

	case stateAlreadyDone:
		switch msg.String() {
		case "c", "enter":
			m.state = stateLoading
			return m, m.continueCmd()
		case "q", "esc":
			return m, tea.Quit
		}
		return m, nil

	case stateError:
		if msg.String() == "q" || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		return m, nil

	case statePlaying:
		return m.onPlayKey(msg)
	}
	return m, nil
}

func (m model) onPlayKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	grid := m.mgr.Grid()
	if len(grid) == 0 {
		return m, nil
	}
	n := len(grid)

	move := func(dr, dc int) {
		next := api.Cell{Row: m.cursor.Row + dr, Col: m.cursor.Col + dc}
		if next.Row < 0 || next.Row >= n || next.Col < 0 || next.Col >= len(grid[next.Row]) {
			return
		}
		m.cursor = next
		if m.selecting {
			m.mgr.ExtendSelection(next)
		}
	}

	switch msg.String() {
	case "q", "esc":
		if m.selecting {
			m.selecting = false
			m.mgr.ReleaseSelection()
			return m, nil
		}
		return m, tea.Quit
	case "up":
		move(-1, 0)
	case "down":
		move(1, 0)
	case "left":
		move(0, -1)
	case "right":
		move(0, 1)
	case " ":
		if !m.selecting {
			m.selecting = m.mgr.BeginSelection(m.cursor)
		}
	case "enter":
		if m.selecting {
			m.selecting = false
			if word, ok := m.mgr.ReleaseSelection(); ok {
				m.status = statusStyle.Render(fmt.Sprintf("Found %s!", word))
			} else {
				m.status = ""
			}
		}
	case "h":
		if m.mgr.HintUnlocked() {
			m.state = stateHintInput
			m.input.Placeholder = "Which word are you looking for?"
			m.input.Reset()
			m.input.Focus()
			return m, textinput.Blink
		}
		return m, m.unlockHintCmd()
	case "r":
		m.state = stateRevealInput
		m.input.Placeholder = "Reveal which word?"
		m.input.Reset()
		m.input.Focus()
		return m, textinput.Blink
	}
	return m, nil
}

func (m model) onMouse(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	if m.state != statePlaying {
		return m, nil
	}
	cell, ok := m.cellAt(msg.X, msg.Y)

	switch msg.Action {
	case tea.MouseActionPress:
		if msg.Button == tea.MouseButtonLeft && ok {
			m.cursor = cell
			m.selecting = m.mgr.BeginSelection(cell)
		}
	case tea.MouseActionMotion:
		if m.selecting && ok {
			m.cursor = cell
			m.mgr.ExtendSelection(cell)
		}
	case tea.MouseActionRelease:
		if m.selecting {
			m.selecting = false
			if word, matched := m.mgr.ReleaseSelection(); matched {
				m.status = statusStyle.Render(fmt.Sprintf("Found %s!", word))
			}
		}
	}
	return m, nil
}

// cellAt maps screen coordinates onto a grid cell.
func (m model) cellAt(x, y int) (api.Cell, bool) {
	grid := m.mgr.Grid()
	row := y - gridTop
	col := (x - gridLeft) / cellWidth
	if row < 0 || row >= len(grid) || x < gridLeft || col < 0 || col >= len(grid[row]) {
		return api.Cell{}, false
	}
	return api.Cell{Row: row, Col: col}, true
}

// confirmReveal validates the typed word and asks for spend confirmation.
func (m model) confirmReveal(word string) (tea.Model, tea.Cmd) {
	if m.mgr.IsFound(word) {
		m.state = statePlaying
		m.status = statusStyle.Render("That word is already found.")
		return m, nil
	}
	cost, err := m.mgr.RevealCost(m.life.Context())
	if err != nil {
		cost = 0
	}
	m.pendingReveal = word
	m.revealCost = cost
	m.state = stateRevealConfirm
	return m, nil
}

// --- commands ---

func (m model) loadCmd() tea.Cmd {
	return func() tea.Msg {
		kind, err := m.mgr.Load(m.life.Context())
		return loadedMsg{kind: kind, err: err}
	}
}

func (m model) playAgainCmd() tea.Cmd {
	return func() tea.Msg {
		kind, err := m.mgr.PlayAgain(m.life.Context())
		return loadedMsg{kind: kind, err: err}
	}
}

func (m model) continueCmd() tea.Cmd {
	return func() tea.Msg {
		kind, err := m.mgr.ContinueNext(m.life.Context())
		return loadedMsg{kind: kind, err: err}
	}
}

func (m model) revealCmd(word string) tea.Cmd {
	return func() tea.Msg {
		err := m.mgr.Reveal(m.life.Context(), word)
		return revealDoneMsg{word: strings.ToUpper(word), err: err}
	}
}

func (m model) unlockHintCmd() tea.Cmd {
	return func() tea.Msg {
		return hintUnlockedMsg{err: m.mgr.UnlockHint(m.life.Context())}
	}
}

func (m model) askHintCmd(term string) tea.Cmd {
	return func() tea.Msg {
		g, err := m.mgr.AskHint(m.life.Context(), term)
		return hintAskedMsg{guidance: g, err: err}
	}
}

// --- view ---

func (m model) View() string {
	var s string
	switch m.state {
	case stateLoading:
		s = "\n  Loading puzzle...\n"
	case stateError:
		s = errorStyle.Render(fmt.Sprintf("\n  Error: %v\n", m.err)) +
			"\n" + helpStyle.Render("  Press q to quit.")
	case stateAlreadyDone:
		s = m.renderAlreadyDone()
	case stateCelebrating:
		s = m.renderBoard() + "\n" +
			titleStyle.Render("  All words found! Well done!")
	case stateResults:
		s = m.renderResults()
	case stateLesson:
		s = m.renderBoard() + "\n" + m.renderLesson()
	case stateRevealConfirm:
		s = m.renderBoard() + "\n" + m.renderConfirm()
	default:
		s = m.renderBoard()
	}
	return "\n" + s + "\n"
}

// renderBoard produces rows 1..3 (title, status, blank) and the grid at
// gridTop, keeping cellAt's geometry honest.
func (m model) renderBoard() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(" Word Finder"))
	b.WriteString("\n")
	b.WriteString(" " + m.headerLine())
	b.WriteString("\n\n")

	grid := m.renderGrid()
	words := m.renderWords()
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, grid, "    ", words))
	b.WriteString("\n")

	if m.state == stateHintInput || m.state == stateRevealInput {
		b.WriteString("\n " + m.input.View() + "\n")
	}
	if m.status != "" {
		b.WriteString("\n " + m.status)
	}
	b.WriteString("\n " + helpStyle.Render(
		"arrows move - space select - enter match - h hint - r reveal - q quit"))
	return b.String()
}

func (m model) headerLine() string {
	parts := []string{}
	if t := m.mgr.TimerText(); t != "" {
		parts = append(parts, "Time "+t)
	}
	if bal := m.wallet.Balance(); bal >= 0 {
		parts = append(parts, fmt.Sprintf("Credits %d", bal))
	}
	parts = append(parts, fmt.Sprintf("Hints %d/%d", m.mgr.HintsUsed(), m.mgr.HintsMax()))
	return statusStyle.Render(strings.Join(parts, "  |  "))
}

func (m model) renderGrid() string {
	grid := m.mgr.Grid()
	selected := make(map[api.Cell]bool)
	for _, c := range m.mgr.Selection() {
		selected[c] = true
	}
	flashed := make(map[api.Cell]bool)
	for _, c := range m.flashCells {
		flashed[c] = true
	}
	for _, c := range m.guideCells {
		flashed[c] = true
	}

	var rows []string
	for r, row := range grid {
		var line strings.Builder
		line.WriteString(strings.Repeat(" ", gridLeft))
		for c, letter := range row {
			cell := api.Cell{Row: r, Col: c}
			text := " " + letter + " "
			switch {
			case cell == m.cursor && m.state == statePlaying:
				line.WriteString(cursorStyle.Render(text))
			case selected[cell]:
				line.WriteString(selectStyle.Render(text))
			case flashed[cell]:
				line.WriteString(flashStyle.Render(text))
			case m.mgr.IsFoundCell(cell):
				line.WriteString(foundStyle.Render(text))
			default:
				line.WriteString(letterStyle.Render(text))
			}
		}
		rows = append(rows, line.String())
	}
	return strings.Join(rows, "\n")
}

func (m model) renderWords() string {
	var lines []string
	lines = append(lines, titleStyle.Render("WORDS"))
	for _, w := range m.mgr.Words() {
		if m.mgr.IsFound(w) {
			lines = append(lines, foundWordStyle.Render(w))
		} else {
			lines = append(lines, wordStyle.Render(w))
		}
	}
	return strings.Join(lines, "\n")
}

func (m model) renderConfirm() string {
	cost := "some credits"
	if m.revealCost > 0 {
		cost = fmt.Sprintf("%d credits", m.revealCost)
	}
	return panelStyle.Render(fmt.Sprintf(
		"Reveal %s for %s?\n\ny to confirm, any other key to cancel",
		strings.ToUpper(m.pendingReveal), cost))
}

func (m model) renderLesson() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.lesson.Word) + "\n\n")
	if m.lesson.Definition != "" {
		b.WriteString(m.lesson.Definition + "\n")
	}
	if m.lesson.Example != "" {
		b.WriteString("\"" + m.lesson.Example + "\"\n")
	}
	if m.lesson.Phonics != "" {
		b.WriteString("Phonics: " + m.lesson.Phonics + "\n")
	}
	b.WriteString("\n" + helpStyle.Render("press any key to continue"))
	return panelStyle.Render(b.String())
}

func (m model) renderResults() string {
	r := m.results
	var b strings.Builder
	if r.Completed {
		b.WriteString(titleStyle.Render("Puzzle complete!") + "\n\n")
	} else {
		b.WriteString(titleStyle.Render("Time's up!") + "\n\n")
	}
	b.WriteString(fmt.Sprintf("Words found: %d/%d\n", r.FoundCount, r.TotalWords))
	b.WriteString(fmt.Sprintf("Time: %d:%02d\n", r.DurationSec/60, r.DurationSec%60))
	b.WriteString(fmt.Sprintf("Hints used: %d\n", r.HintsUsed))
	if r.Rank > 0 {
		b.WriteString(fmt.Sprintf("Leaderboard rank: #%d\n", r.Rank))
	}
	if left, limit := m.wallet.FreePlays(m.mgr.Game()); limit > 0 {
		b.WriteString(fmt.Sprintf("Free games left today: %d/%d\n", left, limit))
	}
	b.WriteString("\n" + helpStyle.Render("p play again - q quit"))
	return panelStyle.Render(b.String())
}

func (m model) renderAlreadyDone() string {
	return panelStyle.Render(
		"You already completed this puzzle.\n\n" +
			helpStyle.Render("c continue to the next - q quit"))
}

// paidActionMessage maps reveal/unlock failures to distinct user text.
func paidActionMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrInsufficient):
		return "Not enough credits."
	case errors.Is(err, api.ErrNotAuthed):
		return "Sign in to use paid actions."
	case errors.Is(err, session.ErrAlreadyFound), api.CodeIs(err, api.CodeAlreadyFound):
		return "That word is already found."
	case errors.Is(err, session.ErrUnknownWord), api.CodeIs(err, api.CodeNotInPuzzle):
		return "That word is not in this puzzle."
	case errors.Is(err, session.ErrHintLimit):
		return "No hints left this game."
	case errors.Is(err, session.ErrHintUnlocked):
		return "A hint is already unlocked - type your guess."
	case api.CodeIs(err, api.CodeCooldown):
		return "Too soon - try again in a moment."
	case api.CodeIs(err, api.CodeMaxHints):
		return "The server says you are out of hints."
	default:
		return "Something went wrong. Try again."
	}
}

func hintMessage(err error) string {
	switch {
	case api.Refunded(err):
		return "That word is not in this puzzle - hint refunded."
	case api.CodeIs(err, api.CodeNotInPuzzle):
		return "That word is not in this puzzle."
	case api.CodeIs(err, api.CodeExpired):
		return "That hint expired. Unlock a new one."
	case errors.Is(err, session.ErrNoHintToken):
		return "Unlock a hint first (press h)."
	default:
		return paidActionMessage(err)
	}
}

func Run(mgr *session.Manager, wallet *credits.Wallet, life *lifecycle.Lifecycle) error {
	p := tea.NewProgram(NewModel(mgr, wallet, life),
		tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}
