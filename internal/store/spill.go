package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"failsift/internal/logging"
)

// spillEntry is one write that could not reach SQLite, serialized to the
// durable JSON-lines queue for later replay.
type spillEntry struct {
	Query     string        `json:"query"`
	Args      []interface{} `json:"args"`
	SpilledAt time.Time     `json:"spilled_at"`
}

// spill appends the failed statement to the spill file.
func (s *Store) spill(query string, args []interface{}) error {
	if s.spillPath == "" {
		return fmt.Errorf("no spill path configured")
	}

	s.spillMu.Lock()
	defer s.spillMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.spillPath), 0755); err != nil {
		return fmt.Errorf("failed to create spill directory: %w", err)
	}

	f, err := os.OpenFile(s.spillPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open spill file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(spillEntry{Query: query, Args: args, SpilledAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal spill entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append spill entry: %w", err)
	}
	return nil
}

// ReplaySpilled re-executes every spilled write, truncating the queue on
// full success. Entries that still fail are kept for the next replay.
// Returns (replayed, remaining).
func (s *Store) ReplaySpilled() (int, int, error) {
	s.spillMu.Lock()
	defer s.spillMu.Unlock()

	f, err := os.Open(s.spillPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to open spill file: %w", err)
	}

	var entries []spillEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e spillEntry
		if err := json.Unmarshal(line, &e); err != nil {
			logging.StoreWarn("Skipping corrupt spill entry: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read spill file: %w", err)
	}

	replayed := 0
	var remaining []spillEntry
	for _, e := range entries {
		if _, err := s.db.Exec(e.Query, e.Args...); err != nil {
			logging.StoreWarn("Spill replay still failing: %v", err)
			remaining = append(remaining, e)
			continue
		}
		replayed++
	}

	// Rewrite the queue with whatever is still stuck.
	tmp := s.spillPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return replayed, len(remaining), fmt.Errorf("failed to rewrite spill file: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, e := range remaining {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(append(data, '\n'))
	}
	w.Flush()
	out.Close()
	if err := os.Rename(tmp, s.spillPath); err != nil {
		return replayed, len(remaining), fmt.Errorf("failed to swap spill file: %w", err)
	}

	if replayed > 0 {
		logging.Store("Replayed %d spilled writes (%d remaining)", replayed, len(remaining))
	}
	return replayed, len(remaining), nil
}
