package store

import (
	"time"

	"failsift/internal/logging"
	"failsift/internal/types"
)

// ========== test executions ==========

// SaveExecution persists one completed execution via the retry/spill path.
func (s *Store) SaveExecution(exec *types.TestExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execRetry(`
		INSERT OR REPLACE INTO test_executions
		(id, test_name, started_at, ended_at, duration_ms, peak_memory_mb, peak_cpu_percent, outcome, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TestName, exec.StartedAt, exec.EndedAt, exec.Duration.Milliseconds(),
		exec.PeakMemoryMB, exec.PeakCPUPercent, string(exec.Outcome), exec.Sequence,
	)
}

// RecentExecutions returns the latest executions for one test, newest first.
func (s *Store) RecentExecutions(testName string, limit int) ([]types.TestExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, test_name, started_at, ended_at, duration_ms, peak_memory_mb, peak_cpu_percent, outcome, sequence
		FROM test_executions
		WHERE test_name = ?
		ORDER BY ended_at DESC
		LIMIT ?`, testName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []types.TestExecution
	for rows.Next() {
		var e types.TestExecution
		var durationMs int64
		var outcome string
		if err := rows.Scan(&e.ID, &e.TestName, &e.StartedAt, &e.EndedAt, &durationMs,
			&e.PeakMemoryMB, &e.PeakCPUPercent, &outcome, &e.Sequence); err != nil {
			continue
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.Outcome = types.Outcome(outcome)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ========== alerts ==========

// SaveAlert persists an alert via the retry/spill path. Alert emission is
// never dropped under load; at worst it lands in the spill queue.
func (s *Store) SaveAlert(a *types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execRetry(`
		INSERT OR REPLACE INTO alerts
		(id, test_name, threshold, observed, limit_value, magnitude, severity, created_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TestName, string(a.Threshold), a.Observed, a.Limit, a.Magnitude,
		a.Severity.String(), a.Timestamp, a.Acknowledged,
	)
}

// AcknowledgeAlert flips the acknowledged flag, the only mutable field on an
// alert.
func (s *Store) AcknowledgeAlert(alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE alerts SET acknowledged = 1 WHERE id = ?`, alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.StoreDebug("AcknowledgeAlert: no alert with id %s", alertID)
	}
	return nil
}

// AlertsBetween returns alerts in [start, end), newest first.
func (s *Store) AlertsBetween(start, end time.Time) ([]types.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, test_name, threshold, observed, limit_value, magnitude, severity, created_at, acknowledged
		FROM alerts
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at DESC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		var a types.Alert
		var threshold, severity string
		if err := rows.Scan(&a.ID, &a.TestName, &threshold, &a.Observed, &a.Limit,
			&a.Magnitude, &severity, &a.Timestamp, &a.Acknowledged); err != nil {
			continue
		}
		a.Threshold = types.ThresholdKind(threshold)
		a.Severity = types.SeverityFromString(severity)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ========== metric snapshots ==========

// SaveMetricSnapshot persists one periodic resource sample.
func (s *Store) SaveMetricSnapshot(sample types.ResourceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execRetry(`
		INSERT INTO metric_snapshots (test_name, memory_mb, cpu_percent, sampled_at)
		VALUES (?, ?, ?, ?)`,
		sample.TestName, sample.MemoryMB, sample.CPUPercent, sample.Timestamp,
	)
}

// ========== retention ==========

// CleanupOld removes executions, alerts, snapshots, and artifacts older than
// the retention period. Returns rows deleted per table.
func (s *Store) CleanupOld(retentionDays int) (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CleanupOld")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := make(map[string]int64)

	purges := []struct {
		table string
		query string
	}{
		{"test_executions", "DELETE FROM test_executions WHERE ended_at < ?"},
		{"alerts", "DELETE FROM alerts WHERE created_at < ? AND acknowledged = 1"},
		{"metric_snapshots", "DELETE FROM metric_snapshots WHERE sampled_at < ?"},
		{"artifacts", "DELETE FROM artifacts WHERE captured_at < ?"},
	}
	for _, p := range purges {
		res, err := s.db.Exec(p.query, cutoff)
		if err != nil {
			logging.StoreWarn("Retention purge of %s failed: %v", p.table, err)
			continue
		}
		n, _ := res.RowsAffected()
		deleted[p.table] = n
	}

	logging.Store("Retention cleanup complete (cutoff=%s): %v", cutoff.Format(time.RFC3339), deleted)
	return deleted, nil
}
