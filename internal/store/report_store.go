package store

import (
	"database/sql"
	"fmt"
	"time"

	"failsift/internal/logging"
	"failsift/internal/report"
)

// ========== report.Repository ==========

// CreateOrIncrement is the dedup/increment path. The lookup, the occurrence
// append, and the counter bump happen inside one transaction on the single
// write connection, so two concurrent failures with the same dedup key can
// never create two reports.
func (s *Store) CreateOrIncrement(candidate *report.FailureReport, recordID string, at time.Time) (*report.FailureReport, bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateOrIncrement")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, dedup_key, test_name, signature_hash, pattern_id, status, priority,
		       assignee, message, first_seen, last_seen, occurrence_count
		FROM failure_reports
		WHERE dedup_key = ? AND status != ?`, candidate.DedupKey, report.StatusClosed)
	existing, err := scanReport(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("report lookup failed: %w", err)
	}

	if existing != nil {
		if _, err := tx.Exec(`
			UPDATE failure_reports
			SET occurrence_count = occurrence_count + 1, last_seen = ?
			WHERE id = ?`, at, existing.ID); err != nil {
			return nil, false, fmt.Errorf("failed to increment report: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO occurrences (report_id, record_id, occurred_at)
			VALUES (?, ?, ?)`, existing.ID, recordID, at); err != nil {
			return nil, false, fmt.Errorf("failed to append occurrence: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit increment: %w", err)
		}
		existing.OccurrenceCount++
		existing.LastSeen = at
		return existing, false, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO failure_reports
		(id, dedup_key, test_name, signature_hash, pattern_id, status, priority,
		 assignee, message, first_seen, last_seen, occurrence_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		candidate.ID, candidate.DedupKey, candidate.TestName, candidate.SignatureHash,
		candidate.PatternID, string(candidate.Status), candidate.Priority,
		candidate.Assignee, candidate.Message, candidate.FirstSeen, candidate.LastSeen,
	); err != nil {
		return nil, false, fmt.Errorf("failed to insert report: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO occurrences (report_id, record_id, occurred_at)
		VALUES (?, ?, ?)`, candidate.ID, recordID, at); err != nil {
		return nil, false, fmt.Errorf("failed to append first occurrence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit new report: %w", err)
	}

	created := *candidate
	created.OccurrenceCount = 1
	return &created, true, nil
}

// ReportByID fetches one report, nil when absent.
func (s *Store) ReportByID(id string) (*report.FailureReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, dedup_key, test_name, signature_hash, pattern_id, status, priority,
		       assignee, message, first_seen, last_seen, occurrence_count
		FROM failure_reports
		WHERE id = ?`, id)
	rep, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rep, err
}

// UpdateReportStatus persists an already-validated status change.
func (s *Store) UpdateReportStatus(id string, status report.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE failure_reports SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("report %s not found", id)
	}
	return nil
}

// AddComment appends a comment row.
func (s *Store) AddComment(c *report.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execRetry(`
		INSERT INTO comments (report_id, author, body, created_at)
		VALUES (?, ?, ?, ?)`, c.ReportID, c.Author, c.Body, c.CreatedAt)
}

// AddAssignment appends an assignment history row and mirrors the current
// assignee onto the report.
func (s *Store) AddAssignment(a *report.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO assignments (report_id, assignee, assigned_by, assigned_at)
		VALUES (?, ?, ?, ?)`, a.ReportID, a.Assignee, a.AssignedBy, a.AssignedAt); err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE failure_reports SET assignee = ? WHERE id = ?`, a.Assignee, a.ReportID); err != nil {
		return fmt.Errorf("failed to update report assignee: %w", err)
	}
	return tx.Commit()
}

// ReportTrend counts new reports vs recurrences in [start, end). A
// recurrence is any occurrence that is not its report's first.
func (s *Store) ReportTrend(start, end time.Time) (*report.TrendWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tw := &report.TrendWindow{Start: start, End: end}

	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM failure_reports
		WHERE first_seen >= ? AND first_seen < ?`, start, end).Scan(&tw.NewReports); err != nil {
		return nil, fmt.Errorf("new-report count failed: %w", err)
	}

	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM occurrences o
		WHERE o.occurred_at >= ? AND o.occurred_at < ?
		  AND o.id NOT IN (SELECT MIN(id) FROM occurrences GROUP BY report_id)`,
		start, end).Scan(&tw.Recurrences); err != nil {
		return nil, fmt.Errorf("recurrence count failed: %w", err)
	}

	if total := tw.NewReports + tw.Recurrences; total > 0 {
		tw.NewRatio = float64(tw.NewReports) / float64(total)
	}
	return tw, nil
}

// ========== read-side queries for downstream tools ==========

// ListReports returns reports filtered by status and/or priority (empty
// string matches everything), newest activity first.
func (s *Store) ListReports(status, priority string, limit int) ([]report.FailureReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, dedup_key, test_name, signature_hash, pattern_id, status, priority,
		       assignee, message, first_seen, last_seen, occurrence_count
		FROM failure_reports
		WHERE (? = '' OR status = ?) AND (? = '' OR priority = ?)
		ORDER BY last_seen DESC
		LIMIT ?`, status, status, priority, priority, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []report.FailureReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			continue
		}
		reports = append(reports, *rep)
	}
	return reports, rows.Err()
}

// OccurrencesFor lists a report's occurrences, oldest first.
func (s *Store) OccurrencesFor(reportID string) ([]report.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, report_id, record_id, occurred_at
		FROM occurrences
		WHERE report_id = ?
		ORDER BY id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var occs []report.Occurrence
	for rows.Next() {
		var o report.Occurrence
		if err := rows.Scan(&o.ID, &o.ReportID, &o.RecordID, &o.OccurredAt); err != nil {
			continue
		}
		occs = append(occs, o)
	}
	return occs, rows.Err()
}

// CommentsFor lists a report's comments, oldest first.
func (s *Store) CommentsFor(reportID string) ([]report.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, report_id, author, body, created_at
		FROM comments
		WHERE report_id = ?
		ORDER BY id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []report.Comment
	for rows.Next() {
		var c report.Comment
		if err := rows.Scan(&c.ID, &c.ReportID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			continue
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func scanReport(row scanner) (*report.FailureReport, error) {
	var rep report.FailureReport
	var status string
	var patternID, assignee, message sql.NullString

	err := row.Scan(
		&rep.ID, &rep.DedupKey, &rep.TestName, &rep.SignatureHash, &patternID,
		&status, &rep.Priority, &assignee, &message,
		&rep.FirstSeen, &rep.LastSeen, &rep.OccurrenceCount,
	)
	if err != nil {
		return nil, err
	}
	rep.Status = report.Status(status)
	if patternID.Valid {
		rep.PatternID = patternID.String
	}
	if assignee.Valid {
		rep.Assignee = assignee.String
	}
	if message.Valid {
		rep.Message = message.String
	}
	return &rep, nil
}
