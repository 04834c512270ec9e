package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"failsift/internal/artifact"
	"failsift/internal/logging"
)

// SaveArtifact persists one evidence bundle. Structured sub-fields are
// stored as JSON blobs; the bundle is immutable once written.
func (s *Store) SaveArtifact(b *artifact.Bundle) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveArtifact")
	defer timer.Stop()

	resources, err := json.Marshal(b.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	logExcerpt, err := json.Marshal(b.LogExcerpt)
	if err != nil {
		return fmt.Errorf("failed to marshal log excerpt: %w", err)
	}
	environment, err := json.Marshal(b.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}
	degraded, err := json.Marshal(b.Degraded)
	if err != nil {
		return fmt.Errorf("failed to marshal degraded list: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execRetry(`
		INSERT INTO artifacts
		(id, test_name, record_id, captured_at, message, stack_trace,
		 resources, log_excerpt, environment, partial_evidence, degraded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TestName, b.RecordID, b.CapturedAt, b.Message, b.StackTrace,
		string(resources), string(logExcerpt), string(environment),
		b.PartialEvidence, string(degraded),
	)
}

// ArtifactByID fetches one bundle, nil when absent.
func (s *Store) ArtifactByID(id string) (*artifact.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, test_name, record_id, captured_at, message, stack_trace,
		       resources, log_excerpt, environment, partial_evidence, degraded
		FROM artifacts
		WHERE id = ?`, id)

	b, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ArtifactsForTest lists bundles for one test, newest first.
func (s *Store) ArtifactsForTest(testName string, limit int) ([]artifact.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, test_name, record_id, captured_at, message, stack_trace,
		       resources, log_excerpt, environment, partial_evidence, degraded
		FROM artifacts
		WHERE test_name = ?
		ORDER BY captured_at DESC
		LIMIT ?`, testName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []artifact.Bundle
	for rows.Next() {
		b, err := scanArtifact(rows)
		if err != nil {
			continue
		}
		bundles = append(bundles, *b)
	}
	return bundles, rows.Err()
}

func scanArtifact(row scanner) (*artifact.Bundle, error) {
	var b artifact.Bundle
	var resources, logExcerpt, environment, degraded string

	err := row.Scan(
		&b.ID, &b.TestName, &b.RecordID, &b.CapturedAt, &b.Message, &b.StackTrace,
		&resources, &logExcerpt, &environment, &b.PartialEvidence, &degraded,
	)
	if err != nil {
		return nil, err
	}
	// Blob decode failures leave the field nil rather than failing the read.
	json.Unmarshal([]byte(resources), &b.Resources)
	json.Unmarshal([]byte(logExcerpt), &b.LogExcerpt)
	json.Unmarshal([]byte(environment), &b.Environment)
	json.Unmarshal([]byte(degraded), &b.Degraded)
	return &b, nil
}
