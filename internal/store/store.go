// Package store persists all failsift state in SQLite.
// The schema groups into three sets: patterns/failures/pattern_matches,
// test_executions/alerts/metric_snapshots, and failure_reports/occurrences/
// assignments/comments, plus artifact bundles and mutation results. Writes
// are serialized through one connection; the dedup/increment path runs as a
// single transaction so concurrent failures with one dedup key can never
// produce two reports. Failed writes retry with bounded backoff and then
// spill to a durable local queue for later replay instead of losing data.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"failsift/internal/config"
	"failsift/internal/logging"
)

// Store is the SQLite-backed repository shared by the pipeline components.
// Thread-safe with a read-write mutex.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	spillPath  string
	spillMu    sync.Mutex
	maxRetries int
	backoff    time.Duration
}

// New opens (or creates) the database at the configured path.
func New(cfg *config.Config) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	path := cfg.Storage.DatabasePath
	logging.Store("Initializing store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{
		db:         db,
		dbPath:     path,
		spillPath:  cfg.Storage.SpillPath,
		maxRetries: cfg.Storage.MaxRetries,
		backoff:    cfg.GetRetryBackoff(),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// ensureSchema creates all tables and indexes.
func (s *Store) ensureSchema() error {
	// Group 1: pattern corpus.
	patternTables := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		signature_hash TEXT NOT NULL UNIQUE,
		message_template TEXT,
		frames TEXT,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME,
		occurrence_count INTEGER DEFAULT 0,
		confidence REAL DEFAULT 0,
		trend_slope REAL DEFAULT 0,
		trending BOOLEAN DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_category ON patterns(category);
	CREATE INDEX IF NOT EXISTS idx_patterns_last_seen ON patterns(last_seen);

	CREATE TABLE IF NOT EXISTS failures (
		id TEXT PRIMARY KEY,
		test_name TEXT NOT NULL,
		execution_id TEXT,
		message TEXT,
		stack_trace TEXT,
		artifact_id TEXT,
		pattern_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failures_test ON failures(test_name);
	CREATE INDEX IF NOT EXISTS idx_failures_pattern ON failures(pattern_id);
	CREATE INDEX IF NOT EXISTS idx_failures_created ON failures(created_at);

	CREATE TABLE IF NOT EXISTS pattern_matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		score REAL NOT NULL,
		matched_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_matches_pattern ON pattern_matches(pattern_id);
	CREATE INDEX IF NOT EXISTS idx_matches_time ON pattern_matches(matched_at);
	`

	// Group 2: executions and alerts.
	executionTables := `
	CREATE TABLE IF NOT EXISTS test_executions (
		id TEXT PRIMARY KEY,
		test_name TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		peak_memory_mb REAL DEFAULT 0,
		peak_cpu_percent REAL DEFAULT 0,
		outcome TEXT NOT NULL,
		sequence INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_test ON test_executions(test_name);
	CREATE INDEX IF NOT EXISTS idx_executions_ended ON test_executions(ended_at);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		test_name TEXT NOT NULL,
		threshold TEXT NOT NULL,
		observed REAL NOT NULL,
		limit_value REAL NOT NULL,
		magnitude REAL NOT NULL,
		severity TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		acknowledged BOOLEAN DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_test ON alerts(test_name);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);

	CREATE TABLE IF NOT EXISTS metric_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_name TEXT NOT NULL,
		memory_mb REAL NOT NULL,
		cpu_percent REAL NOT NULL,
		sampled_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_test ON metric_snapshots(test_name);
	CREATE INDEX IF NOT EXISTS idx_snapshots_time ON metric_snapshots(sampled_at);
	`

	// Group 3: reports. The partial unique index enforces one non-closed
	// report per dedup key at the storage layer as well.
	reportTables := `
	CREATE TABLE IF NOT EXISTS failure_reports (
		id TEXT PRIMARY KEY,
		dedup_key TEXT NOT NULL,
		test_name TEXT NOT NULL,
		signature_hash TEXT NOT NULL,
		pattern_id TEXT,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		assignee TEXT,
		message TEXT,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		occurrence_count INTEGER DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_dedup_open
		ON failure_reports(dedup_key) WHERE status != 'closed';
	CREATE INDEX IF NOT EXISTS idx_reports_status ON failure_reports(status);
	CREATE INDEX IF NOT EXISTS idx_reports_priority ON failure_reports(priority);
	CREATE INDEX IF NOT EXISTS idx_reports_test ON failure_reports(test_name);

	CREATE TABLE IF NOT EXISTS occurrences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		occurred_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_occurrences_report ON occurrences(report_id);
	CREATE INDEX IF NOT EXISTS idx_occurrences_time ON occurrences(occurred_at);

	CREATE TABLE IF NOT EXISTS assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id TEXT NOT NULL,
		assignee TEXT NOT NULL,
		assigned_by TEXT NOT NULL,
		assigned_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_report ON assignments(report_id);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id TEXT NOT NULL,
		author TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_comments_report ON comments(report_id);
	`

	// Artifacts and mutation results.
	auxTables := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		test_name TEXT NOT NULL,
		record_id TEXT,
		captured_at DATETIME NOT NULL,
		message TEXT,
		stack_trace TEXT,
		resources TEXT,
		log_excerpt TEXT,
		environment TEXT,
		partial_evidence BOOLEAN DEFAULT FALSE,
		degraded TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_test ON artifacts(test_name);
	CREATE INDEX IF NOT EXISTS idx_artifacts_captured ON artifacts(captured_at);

	CREATE TABLE IF NOT EXISTS mutation_records (
		id TEXT PRIMARY KEY,
		operator TEXT NOT NULL,
		file TEXT NOT NULL,
		line INTEGER NOT NULL,
		original TEXT,
		mutated TEXT,
		killed BOOLEAN NOT NULL,
		harness_error BOOLEAN DEFAULT FALSE,
		tests TEXT,
		output TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mutations_killed ON mutation_records(killed);
	CREATE INDEX IF NOT EXISTS idx_mutations_file ON mutation_records(file);

	CREATE TABLE IF NOT EXISTS mutation_runs (
		id TEXT PRIMARY KEY,
		total INTEGER NOT NULL,
		killed INTEGER NOT NULL,
		survived INTEGER NOT NULL,
		harness_errors INTEGER NOT NULL,
		score REAL NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mutation_runs_finished ON mutation_runs(finished_at);
	`

	for _, tables := range []string{patternTables, executionTables, reportTables, auxTables} {
		if _, err := s.db.Exec(tables); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// GetDB returns the underlying SQL database connection.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// GetStats returns row counts per table.
func (s *Store) GetStats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetStats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"patterns", "failures", "pattern_matches",
		"test_executions", "alerts", "metric_snapshots",
		"failure_reports", "occurrences", "assignments", "comments",
		"artifacts", "mutation_records", "mutation_runs",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// execRetry runs a write statement with bounded backoff. On exhaustion the
// statement is spilled to the durable queue and a nil error is returned so
// the pipeline keeps moving; the data is replayed later.
func (s *Store) execRetry(query string, args ...interface{}) error {
	var lastErr error
	backoff := s.backoff
	attempts := s.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if _, lastErr = s.db.Exec(query, args...); lastErr == nil {
			return nil
		}
		logging.StoreWarn("Write failed (attempt %d/%d): %v", i+1, attempts, lastErr)
		time.Sleep(backoff)
		backoff *= 2
	}

	if err := s.spill(query, args); err != nil {
		// Both the write and the spill failed; now it is a hard error.
		return fmt.Errorf("write failed and spill failed: %v (write error: %w)", err, lastErr)
	}
	logging.StoreWarn("Write spilled to %s after %d attempts: %v", s.spillPath, attempts, lastErr)
	return nil
}
