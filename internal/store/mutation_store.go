package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"failsift/internal/logging"
	"failsift/internal/mutation"
	"failsift/internal/types"
)

// SaveMutationRecord persists one mutant outcome.
func (s *Store) SaveMutationRecord(mr *types.MutationRecord) error {
	tests, err := json.Marshal(mr.Tests)
	if err != nil {
		return fmt.Errorf("failed to marshal test list: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execRetry(`
		INSERT INTO mutation_records
		(id, operator, file, line, original, mutated, killed, harness_error,
		 tests, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mr.ID, string(mr.Operator), mr.File, mr.Line, mr.Original, mr.Mutated,
		mr.Killed, mr.HarnessError, string(tests), mr.Output, mr.CreatedAt,
	)
}

// SaveMutationScore persists a run summary. Individual mutant records are
// already saved by the runner; the summary row keys the run.
func (s *Store) SaveMutationScore(score *mutation.Score) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SaveMutationScore")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if err := s.execRetry(`
		INSERT INTO mutation_runs
		(id, total, killed, survived, harness_errors, score, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, score.Total, score.Killed, score.Survived, score.HarnessErrors,
		score.Score, score.StartedAt, score.FinishedAt,
	); err != nil {
		return "", err
	}
	return id, nil
}

// LatestMutationScore returns the most recently finished run summary, nil
// when no run has been recorded.
func (s *Store) LatestMutationScore() (*mutation.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var score mutation.Score
	var id string
	err := s.db.QueryRow(`
		SELECT id, total, killed, survived, harness_errors, score, started_at, finished_at
		FROM mutation_runs
		ORDER BY finished_at DESC
		LIMIT 1`).Scan(
		&id, &score.Total, &score.Killed, &score.Survived,
		&score.HarnessErrors, &score.Score, &score.StartedAt, &score.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run lookup failed: %w", err)
	}
	return &score, nil
}

// Survivors lists mutants the test suite failed to kill, newest first.
// Harness errors are excluded; those count as killed, not gaps.
func (s *Store) Survivors(limit int) ([]types.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, operator, file, line, original, mutated, killed, harness_error,
		       tests, output, created_at
		FROM mutation_records
		WHERE killed = 0
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var survivors []types.MutationRecord
	for rows.Next() {
		var mr types.MutationRecord
		var operator, tests string
		if err := rows.Scan(
			&mr.ID, &operator, &mr.File, &mr.Line, &mr.Original, &mr.Mutated,
			&mr.Killed, &mr.HarnessError, &tests, &mr.Output, &mr.CreatedAt,
		); err != nil {
			continue
		}
		mr.Operator = types.MutationOperator(operator)
		json.Unmarshal([]byte(tests), &mr.Tests)
		survivors = append(survivors, mr)
	}
	return survivors, rows.Err()
}
