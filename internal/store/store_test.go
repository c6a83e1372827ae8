package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSaveAndLoadSession(t *testing.T) {
	s := newTestStore(t)

	rec := &SessionRecord{
		Mode:         "relaxed",
		IsDaily:      false,
		PuzzleID:     "p42",
		Grid:         []string{"CAT", "OXE", "DOG"},
		Words:        []string{"CAT", "DOG"},
		Found:        []string{"CAT"},
		FoundCells:   []string{"0,0", "0,1", "0,2"},
		HintsUsed:    1,
		TimeLimitSec: 300,
		StartedAtMs:  1000,
	}
	require.NoError(t, s.SaveSession(rec))

	got, err := s.LoadSession("relaxed", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RecordVersion, got.Version)
	assert.Equal(t, "p42", got.PuzzleID)
	assert.Equal(t, []string{"CAT"}, got.Found)
	assert.Equal(t, rec.FoundCells, got.FoundCells)
	assert.NotZero(t, got.UpdatedAtMs)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadSession("relaxed", false)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadDiscardsWrongVersion(t *testing.T) {
	s := newTestStore(t)
	rec := &SessionRecord{Mode: "relaxed", PuzzleID: "p1"}
	require.NoError(t, s.SaveSession(rec))

	// Rewrite the file with an old version.
	p := s.path(sessionKey("relaxed", false))
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, append([]byte("version: 1\n"), trimVersionLine(raw)...), 0o644))

	got, err := s.LoadSession("relaxed", false)
	require.NoError(t, err)
	assert.Nil(t, got)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr), "stale file must be removed")
}

func trimVersionLine(raw []byte) []byte {
	lines := []byte{}
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			line := raw[start:i]
			if len(line) < 8 || string(line[:8]) != "version:" {
				lines = append(lines, line...)
				lines = append(lines, '\n')
			}
			start = i + 1
		}
	}
	return lines
}

func TestLoadDiscardsMalformedYAML(t *testing.T) {
	s := newTestStore(t)
	p := s.path(sessionKey("relaxed", false))
	require.NoError(t, os.WriteFile(p, []byte("{not yaml: ["), 0o644))

	got, err := s.LoadSession("relaxed", false)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDailySessionDiscardedOnDayRollover(t *testing.T) {
	s := newTestStore(t)

	day1 := time.Date(2026, 3, 1, 22, 0, 0, 0, time.Local)
	s.now = func() time.Time { return day1 }
	require.NoError(t, s.SaveSession(&SessionRecord{Mode: "relaxed", IsDaily: true, PuzzleID: "d1"}))

	got, err := s.LoadSession("relaxed", true)
	require.NoError(t, err)
	require.NotNil(t, got, "same-day load must succeed")

	require.NoError(t, s.SaveSession(&SessionRecord{Mode: "relaxed", IsDaily: true, PuzzleID: "d1"}))
	s.now = func() time.Time { return day1.Add(6 * time.Hour) }
	got, err = s.LoadSession("relaxed", true)
	require.NoError(t, err)
	assert.Nil(t, got, "next-day load must discard")
}

func TestRegularSessionSurvivesDayRollover(t *testing.T) {
	s := newTestStore(t)
	day1 := time.Date(2026, 3, 1, 22, 0, 0, 0, time.Local)
	s.now = func() time.Time { return day1 }
	require.NoError(t, s.SaveSession(&SessionRecord{Mode: "relaxed", PuzzleID: "p1"}))

	s.now = func() time.Time { return day1.Add(48 * time.Hour) }
	got, err := s.LoadSession("relaxed", false)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestSessionKeysIsolateModes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(&SessionRecord{Mode: "relaxed", PuzzleID: "a"}))
	require.NoError(t, s.SaveSession(&SessionRecord{Mode: "timed", PuzzleID: "b"}))
	require.NoError(t, s.SaveSession(&SessionRecord{Mode: "timed", IsDaily: true, PuzzleID: "c"}))

	a, _ := s.LoadSession("relaxed", false)
	b, _ := s.LoadSession("timed", false)
	c, _ := s.LoadSession("timed", true)
	assert.Equal(t, "a", a.PuzzleID)
	assert.Equal(t, "b", b.PuzzleID)
	assert.Equal(t, "c", c.PuzzleID)
}

func TestCompletedMarker(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.CompletedPuzzle("relaxed", false))

	require.NoError(t, s.MarkCompleted("relaxed", false, "p9"))
	assert.Equal(t, "p9", s.CompletedPuzzle("relaxed", false))

	s.ClearCompleted("relaxed", false)
	assert.Empty(t, s.CompletedPuzzle("relaxed", false))
}

func TestDailyCompletedMarkerExpires(t *testing.T) {
	s := newTestStore(t)
	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return day1 }
	require.NoError(t, s.MarkCompleted("relaxed", true, "d1"))
	assert.Equal(t, "d1", s.CompletedPuzzle("relaxed", true))

	s.now = func() time.Time { return day1.Add(24 * time.Hour) }
	assert.Empty(t, s.CompletedPuzzle("relaxed", true))
}

func TestUsageCountersArePerDay(t *testing.T) {
	s := newTestStore(t)
	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return day1 }

	assert.Equal(t, Usage{}, s.ReadUsage("wordfinder"))
	require.NoError(t, s.WriteUsage("wordfinder", Usage{Used: 2, Max: 5}))
	assert.Equal(t, Usage{Used: 2, Max: 5}, s.ReadUsage("wordfinder"))

	s.now = func() time.Time { return day1.Add(24 * time.Hour) }
	assert.Equal(t, Usage{}, s.ReadUsage("wordfinder"), "new day starts fresh")
}

func TestMergeUsageTakesMaxUsed(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteUsage("wordfinder", Usage{Used: 3, Max: 5}))
	merged, err := s.MergeUsage("wordfinder", Usage{Used: 1, Max: 5})
	require.NoError(t, err)
	assert.Equal(t, Usage{Used: 3, Max: 5}, merged, "local ahead of server keeps local")

	merged, err = s.MergeUsage("wordfinder", Usage{Used: 4, Max: 5})
	require.NoError(t, err)
	assert.Equal(t, Usage{Used: 4, Max: 5}, merged, "server ahead of local keeps server")
	assert.Equal(t, Usage{Used: 4, Max: 5}, s.ReadUsage("wordfinder"))
}

func TestUsageKeyIsFilenameSafe(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteUsage("wordfinder", Usage{Used: 1, Max: 5}))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), ":")
	assert.Equal(t, ".yaml", filepath.Ext(entries[0].Name()))
}

func TestPreferences(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.Preference("category"))

	require.NoError(t, s.SetPreference("category", "animals"))
	assert.Equal(t, "animals", s.Preference("category"))

	require.NoError(t, s.SetPreference("category", ""))
	assert.Empty(t, s.Preference("category"))
}

func TestClearSession(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(&SessionRecord{Mode: "relaxed", PuzzleID: "p1"}))
	s.ClearSession("relaxed", false)
	got, err := s.LoadSession("relaxed", false)
	require.NoError(t, err)
	assert.Nil(t, got)
}
