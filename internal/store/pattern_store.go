package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"failsift/internal/logging"
	"failsift/internal/pattern"
	"failsift/internal/types"
)

// ========== pattern.Repository ==========

// PatternByHash returns the definition with the exact signature hash, nil
// when no such pattern exists.
func (s *Store) PatternByHash(hash string) (*pattern.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, category, signature_hash, message_template, frames,
		       first_seen, last_seen, occurrence_count, confidence, trend_slope, trending
		FROM patterns
		WHERE signature_hash = ?`, hash)
	def, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return def, err
}

// PatternByID fetches one definition by id, nil when absent.
func (s *Store) PatternByID(id string) (*pattern.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, category, signature_hash, message_template, frames,
		       first_seen, last_seen, occurrence_count, confidence, trend_slope, trending
		FROM patterns
		WHERE id = ?`, id)
	def, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return def, err
}

// CandidatePatterns returns the similarity-matching corpus: every pattern
// except the undetected-mutation category, which only ever matches exactly.
func (s *Store) CandidatePatterns() ([]*pattern.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, category, signature_hash, message_template, frames,
		       first_seen, last_seen, occurrence_count, confidence, trend_slope, trending
		FROM patterns
		WHERE category != ?
		ORDER BY last_seen DESC`, pattern.CategoryUndetectedMutation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*pattern.Definition
	for rows.Next() {
		def, err := scanPattern(rows)
		if err != nil {
			logging.StoreWarn("Skipping unreadable pattern row: %v", err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CreatePattern persists a new definition.
func (s *Store) CreatePattern(def *pattern.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	framesJSON, _ := json.Marshal(def.Frames)
	_, err := s.db.Exec(`
		INSERT INTO patterns
		(id, category, signature_hash, message_template, frames,
		 first_seen, last_seen, occurrence_count, confidence, trend_slope, trending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Category, def.SignatureHash, def.MessageTemplate, string(framesJSON),
		def.FirstSeen, def.LastSeen, def.OccurrenceCount, def.Confidence, def.TrendSlope, def.Trending,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pattern: %w", err)
	}
	logging.StoreDebug("Pattern created: %s (%s)", def.ID, def.Category)
	return nil
}

// RecordPatternMatch appends a match row and advances the pattern's counters
// in one transaction.
func (s *Store) RecordPatternMatch(patternID, recordID string, score float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO pattern_matches (pattern_id, record_id, score, matched_at)
		VALUES (?, ?, ?, ?)`, patternID, recordID, score, at); err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE patterns
		SET occurrence_count = occurrence_count + 1, last_seen = ?
		WHERE id = ?`, at, patternID); err != nil {
		return fmt.Errorf("failed to bump pattern: %w", err)
	}

	return tx.Commit()
}

// DailyMatchCounts returns zero-filled per-day occurrence counts for the
// trailing window ending at until, oldest day first.
func (s *Store) DailyMatchCounts(patternID string, days int, until time.Time) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if days < 1 {
		days = 1
	}
	end := until.UTC()
	start := end.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)

	rows, err := s.db.Query(`
		SELECT date(matched_at), COUNT(*)
		FROM pattern_matches
		WHERE pattern_id = ? AND matched_at >= ?
		GROUP BY date(matched_at)`, patternID, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byDay := make(map[string]float64)
	for rows.Next() {
		var day string
		var count float64
		if err := rows.Scan(&day, &count); err != nil {
			continue
		}
		byDay[day] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make([]float64, days)
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		counts[i] = byDay[day]
	}
	return counts, nil
}

// UpdatePatternStats persists recomputed confidence and trend fields.
func (s *Store) UpdatePatternStats(patternID string, confidence, slope float64, trending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE patterns
		SET confidence = ?, trend_slope = ?, trending = ?
		WHERE id = ?`, confidence, slope, trending, patternID)
	if err != nil {
		return fmt.Errorf("failed to update pattern stats: %w", err)
	}
	return nil
}

// ========== failure records ==========

// SaveFailureRecord persists one observed failure. Uses the retry/spill
// path: a storage outage must not lose forensic data.
func (s *Store) SaveFailureRecord(rec *types.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execRetry(`
		INSERT OR REPLACE INTO failures
		(id, test_name, execution_id, message, stack_trace, artifact_id, pattern_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TestName, rec.ExecutionID, rec.Message, rec.StackTrace,
		rec.ArtifactID, rec.PatternID, rec.Timestamp,
	)
}

// FailureFrequency returns the most frequent raw failure messages, a quick
// corpus-health view for dashboards.
func (s *Store) FailureFrequency(limit int) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT message, COUNT(*) as count
		FROM failures
		WHERE message != ''
		GROUP BY message
		ORDER BY count DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	freq := make(map[string]int)
	for rows.Next() {
		var msg string
		var count int
		if rows.Scan(&msg, &count) == nil {
			freq[msg] = count
		}
	}
	return freq, rows.Err()
}

// TrendingPatterns lists patterns currently flagged as trending.
func (s *Store) TrendingPatterns() ([]*pattern.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, category, signature_hash, message_template, frames,
		       first_seen, last_seen, occurrence_count, confidence, trend_slope, trending
		FROM patterns
		WHERE trending = 1
		ORDER BY trend_slope DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*pattern.Definition
	for rows.Next() {
		def, err := scanPattern(rows)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row scanner) (*pattern.Definition, error) {
	var def pattern.Definition
	var framesJSON string
	var lastSeen sql.NullTime
	var template sql.NullString

	err := row.Scan(
		&def.ID, &def.Category, &def.SignatureHash, &template, &framesJSON,
		&def.FirstSeen, &lastSeen, &def.OccurrenceCount, &def.Confidence,
		&def.TrendSlope, &def.Trending,
	)
	if err != nil {
		return nil, err
	}
	if template.Valid {
		def.MessageTemplate = template.String
	}
	if lastSeen.Valid {
		def.LastSeen = lastSeen.Time
	}
	if framesJSON != "" {
		json.Unmarshal([]byte(framesJSON), &def.Frames)
	}
	return &def, nil
}
