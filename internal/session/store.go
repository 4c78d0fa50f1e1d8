// Package session persists the trading session: today's counters, the active
// trade, and the append-only journal of closed trades.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"skewhunter/internal/config"
	"skewhunter/internal/model"
	"skewhunter/internal/persist"
)

// CurrentVersion is the session file schema version written by Save.
const CurrentVersion = 1

var (
	// ErrCorrupt means the session file could not be decoded. Load still
	// returns a fresh state alongside it.
	ErrCorrupt = errors.New("session: corrupt state file")
	// ErrUnsupportedVersion means the file was written by a newer build.
	ErrUnsupportedVersion = errors.New("session: unsupported state version")
)

// Store reads and writes session state atomically.
type Store struct {
	mu          sync.Mutex
	path        string
	historyPath string
}

// NewStore creates a store for the configured paths.
func NewStore(cfg config.SessionConfig) *Store {
	return &Store{path: cfg.Path, historyPath: cfg.HistoryPath}
}

// Fresh returns an empty state for day.
func Fresh(day string) model.SessionState {
	return model.SessionState{Version: CurrentVersion, Date: day}
}

// Load reads the session file. A missing file yields a fresh state. A corrupt
// file is moved aside and yields a fresh state together with ErrCorrupt.
func (s *Store) Load() (model.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Fresh(""), nil
	}
	if err != nil {
		return model.SessionState{}, fmt.Errorf("reading session: %w", err)
	}

	var st model.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		aside := s.path + ".corrupt"
		_ = os.Rename(s.path, aside)
		return Fresh(""), fmt.Errorf("%w: %v (moved to %s)", ErrCorrupt, err, filepath.Base(aside))
	}
	if st.Version > CurrentVersion {
		return model.SessionState{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, st.Version)
	}
	migrate(&st)
	return st, nil
}

// migrate upgrades older schemas in place.
func migrate(st *model.SessionState) {
	if st.Version < 1 {
		// v0 files predate stop tracking on a reference price.
		if t := st.ActiveTrade; t != nil {
			if t.Direction == 0 {
				t.Direction = 1
			}
			if t.EntryRef == 0 {
				t.EntryRef = t.EntryPrice
			}
			if t.RefPrice == 0 {
				t.RefPrice = t.LTP
			}
			if t.Highest == 0 {
				t.Highest = t.EntryRef
			}
			if t.Lowest == 0 {
				t.Lowest = t.EntryRef
			}
		}
		st.Version = 1
	}
}

// Save writes st atomically.
func (s *Store) Save(st model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Version = CurrentVersion
	if err := persist.WriteJSON(s.path, st); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// AppendHistory appends a closed trade to the JSONL journal and syncs it.
func (s *Store) AppendHistory(t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding trade %d: %w", t.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.historyPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending trade %d: %w", t.ID, err)
	}
	return f.Sync()
}

// LoadHistory returns up to limit most recent journal entries, oldest
// first. Undecodable lines are skipped.
func (s *Store) LoadHistory(limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	var out []model.Trade
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var t model.Trade
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, sc.Err()
}

// Rollover resets the daily counters when day differs from the state's
// date. An open trade is carried over.
func Rollover(st model.SessionState, day string) (model.SessionState, bool) {
	if st.Date == day {
		return st, false
	}
	next := Fresh(day)
	next.LastTradeID = st.LastTradeID
	next.ActiveTrade = st.ActiveTrade
	return next, true
}
