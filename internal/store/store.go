// Package store persists game state between runs as YAML files in the save
// directory. Each logical key maps to one file; writes are atomic via a
// temp file and rename.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RecordVersion is bumped whenever the session record shape changes. A
// loaded record with a different version is discarded rather than migrated.
const RecordVersion = 3

// SessionRecord is a mid-game snapshot sufficient to resume a puzzle.
type SessionRecord struct {
	Version      int      `yaml:"version"`
	Mode         string   `yaml:"mode"`
	IsDaily      bool     `yaml:"is_daily"`
	Category     string   `yaml:"category,omitempty"`
	PuzzleID     string   `yaml:"puzzle_id"`
	Grid         []string `yaml:"grid"`
	Words        []string `yaml:"words"`
	Found        []string `yaml:"found"`
	FoundCells   []string `yaml:"found_cells"`
	HintsUsed    int      `yaml:"hints_used"`
	TimeLimitSec int      `yaml:"time_limit_sec"`
	StartedAtMs  int64    `yaml:"started_at_ms"`
	UpdatedAtMs  int64    `yaml:"updated_at_ms"`
	SavedDay     string   `yaml:"saved_day"`
}

// Store reads and writes save files under dir.
type Store struct {
	dir string
	log *zap.Logger

	// now is swappable in tests for day-rollover checks.
	now func() time.Time
}

// New creates the save directory if needed.
func New(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	return &Store{dir: dir, log: log, now: time.Now}, nil
}

// sessionKey builds the canonical key for a mode and daily flag, e.g.
// "wordgame_relaxed_daily".
func sessionKey(mode string, daily bool) string {
	kind := "regular"
	if daily {
		kind = "daily"
	}
	return fmt.Sprintf("wordgame_%s_%s", mode, kind)
}

// path maps a key to its file. Colons appear in usage keys and are not
// filename-safe everywhere.
func (s *Store) path(key string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(key, ":", "_")+".yaml")
}

func localDay(t time.Time) string {
	return t.Format("2006-01-02")
}

// SaveSession writes the record for its mode. Version and SavedDay are
// stamped here so callers cannot save an unversioned record.
func (s *Store) SaveSession(rec *SessionRecord) error {
	rec.Version = RecordVersion
	rec.UpdatedAtMs = s.now().UnixMilli()
	rec.SavedDay = localDay(s.now())
	return s.writeYAML(sessionKey(rec.Mode, rec.IsDaily), rec)
}

// LoadSession returns the saved record for mode, or nil when there is
// nothing usable. Malformed YAML, a version mismatch, and a daily record
// saved on a previous calendar day are all treated as absent, and the stale
// file is removed.
func (s *Store) LoadSession(mode string, daily bool) (*SessionRecord, error) {
	key := sessionKey(mode, daily)
	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var rec SessionRecord
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		s.log.Warn("discarding malformed session record", zap.String("key", key), zap.Error(err))
		s.remove(key)
		return nil, nil
	}
	if rec.Version != RecordVersion {
		s.log.Info("discarding session record with old version",
			zap.String("key", key), zap.Int("version", rec.Version))
		s.remove(key)
		return nil, nil
	}
	if rec.Mode != mode || rec.IsDaily != daily {
		s.remove(key)
		return nil, nil
	}
	if daily && rec.SavedDay != localDay(s.now()) {
		s.log.Info("discarding daily session from a previous day",
			zap.String("saved_day", rec.SavedDay))
		s.remove(key)
		return nil, nil
	}
	return &rec, nil
}

// ClearSession removes the saved record for mode.
func (s *Store) ClearSession(mode string, daily bool) {
	s.remove(sessionKey(mode, daily))
}

// completedRecord marks a puzzle as finished so a reload cannot replay it.
type completedRecord struct {
	PuzzleID    string `yaml:"puzzle_id"`
	CompletedAt string `yaml:"completed_at"`
	Day         string `yaml:"day"`
}

func completedKey(mode string, daily bool) string {
	return sessionKey(mode, daily) + "_completed"
}

// MarkCompleted records that puzzleID was finished in this mode.
func (s *Store) MarkCompleted(mode string, daily bool, puzzleID string) error {
	rec := completedRecord{
		PuzzleID:    puzzleID,
		CompletedAt: s.now().Format(time.RFC3339),
		Day:         localDay(s.now()),
	}
	return s.writeYAML(completedKey(mode, daily), rec)
}

// CompletedPuzzle returns the puzzle id most recently completed in this
// mode, or "". For daily mode a marker from a previous day is ignored.
func (s *Store) CompletedPuzzle(mode string, daily bool) string {
	raw, err := os.ReadFile(s.path(completedKey(mode, daily)))
	if err != nil {
		return ""
	}
	var rec completedRecord
	if yaml.Unmarshal(raw, &rec) != nil {
		return ""
	}
	if daily && rec.Day != localDay(s.now()) {
		return ""
	}
	return rec.PuzzleID
}

// ClearCompleted removes the completed marker for mode.
func (s *Store) ClearCompleted(mode string, daily bool) {
	s.remove(completedKey(mode, daily))
}

// Usage counts plays of a game within one local calendar day.
type Usage struct {
	Used int `yaml:"used"`
	Max  int `yaml:"max"`
}

func (s *Store) usageKey(game string) string {
	return fmt.Sprintf("usage:%s:%s", game, localDay(s.now()))
}

// ReadUsage returns today's usage for game. Counters from previous days are
// simply never read again; files persist until the directory is cleaned.
func (s *Store) ReadUsage(game string) Usage {
	raw, err := os.ReadFile(s.path(s.usageKey(game)))
	if err != nil {
		return Usage{}
	}
	var u Usage
	if yaml.Unmarshal(raw, &u) != nil {
		return Usage{}
	}
	return u
}

// WriteUsage stores today's usage for game.
func (s *Store) WriteUsage(game string, u Usage) error {
	return s.writeYAML(s.usageKey(game), u)
}

// MergeUsage reconciles a server-reported count with the local one. The
// larger used count wins so neither a cleared local file nor a lagging
// server grants extra plays.
func (s *Store) MergeUsage(game string, server Usage) (Usage, error) {
	local := s.ReadUsage(game)
	merged := Usage{Used: max(local.Used, server.Used), Max: server.Max}
	if merged.Max == 0 {
		merged.Max = local.Max
	}
	if err := s.WriteUsage(game, merged); err != nil {
		return merged, err
	}
	return merged, nil
}

// preference is a small named setting, e.g. the chosen word category.
type preference struct {
	Value string `yaml:"value"`
}

// Preference returns the stored value for name, or "".
func (s *Store) Preference(name string) string {
	raw, err := os.ReadFile(s.path("pref_" + name))
	if err != nil {
		return ""
	}
	var p preference
	if yaml.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.Value
}

// SetPreference stores value under name. An empty value removes it.
func (s *Store) SetPreference(name, value string) error {
	if value == "" {
		s.remove("pref_" + name)
		return nil
	}
	return s.writeYAML("pref_"+name, preference{Value: value})
}

func (s *Store) writeYAML(key string, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	dst := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) remove(key string) {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("remove save file", zap.String("key", key), zap.Error(err))
	}
}
