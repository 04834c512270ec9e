// Package pipeline wires the monitor, artifact collector, pattern matcher,
// and reporter into one session. Execution events come in concurrently; the
// failure path behind them runs on a single writer goroutine so classify,
// collect, and report happen in arrival order against the store.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"failsift/internal/artifact"
	"failsift/internal/config"
	"failsift/internal/logging"
	"failsift/internal/monitor"
	"failsift/internal/mutation"
	"failsift/internal/pattern"
	"failsift/internal/report"
	"failsift/internal/store"
	"failsift/internal/types"
)

// Session is one live pipeline instance over a store.
type Session struct {
	cfg       *config.Config
	store     *store.Store
	monitor   *monitor.Monitor
	matcher   *pattern.Matcher
	reporter  *report.Reporter
	collector *artifact.Collector

	mu       sync.Mutex
	closed   bool
	failures chan *types.FailureRecord
	done     chan struct{}
}

// NewSession builds and starts a session. The collector worker and the
// failure writer loop run until Stop.
func NewSession(cfg *config.Config, st *store.Store) *Session {
	s := &Session{
		cfg:      cfg,
		store:    st,
		monitor:  monitor.New(cfg),
		matcher:  pattern.NewMatcher(st, cfg.Matching),
		reporter: report.NewReporter(st, cfg.Rules),
		failures: make(chan *types.FailureRecord, cfg.Artifacts.QueueSize),
		done:     make(chan struct{}),
	}
	s.collector = artifact.NewCollector(st, artifact.DefaultProbes(),
		cfg.Artifacts.QueueSize, cfg.Artifacts.LogTailLines)

	// Every threshold breach is persisted; paging integrations register
	// their own handlers on top.
	s.monitor.RegisterHandler(func(a *types.Alert) {
		if err := st.SaveAlert(a); err != nil {
			logging.Get(logging.CategoryMonitor).Error("Failed to persist alert %s: %v", a.ID, err)
		}
	})

	go s.writerLoop()
	return s
}

// Monitor exposes the underlying monitor for extra handler registration.
func (s *Session) Monitor() *monitor.Monitor { return s.monitor }

// Store exposes the read side for query tools.
func (s *Session) Store() *store.Store { return s.store }

// Reporter exposes report lifecycle operations.
func (s *Session) Reporter() *report.Reporter { return s.reporter }

// Collector exposes the artifact collector, mainly for its drop counters.
func (s *Session) Collector() *artifact.Collector { return s.collector }

// MutationRunner builds a runner whose records land in the store and whose
// survivors feed back into the pattern corpus.
func (s *Session) MutationRunner() *mutation.Runner {
	return mutation.NewRunner(s.cfg, s.store, survivorSink{s.matcher})
}

// HandleStart reports a test starting.
func (s *Session) HandleStart(testName string, at time.Time) {
	s.monitor.OnTestStart(testName, at)
}

// HandleSample reports a periodic resource reading. Samples feed the
// monitor's peak tracking and are persisted as metric snapshots.
func (s *Session) HandleSample(sample types.ResourceSample) {
	s.monitor.OnResourceSample(sample)
	if err := s.store.SaveMetricSnapshot(sample); err != nil {
		logging.Get(logging.CategoryMonitor).Error("Failed to persist resource sample for %s: %v", sample.TestName, err)
	}
}

// HandleEnd reports a test finishing. The execution is persisted
// immediately; on failure the record is handed to the writer loop for
// collection, classification, and reporting. errInfo may be nil.
func (s *Session) HandleEnd(testName string, outcome types.Outcome, errInfo *types.ErrorInfo, at time.Time) (*types.TestExecution, error) {
	exec := s.monitor.OnTestEnd(testName, outcome, at)
	if err := s.store.SaveExecution(exec); err != nil {
		return exec, fmt.Errorf("failed to persist execution: %w", err)
	}

	if !outcome.Failed() {
		return exec, nil
	}

	rec := &types.FailureRecord{
		ID:          uuid.NewString(),
		TestName:    testName,
		ExecutionID: exec.ID,
		Timestamp:   at,
	}
	if errInfo != nil {
		rec.Message = errInfo.Message
		rec.StackTrace = errInfo.StackTrace
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exec, fmt.Errorf("session stopped")
	}
	s.failures <- rec
	return exec, nil
}

// Stop drains the writer loop and the artifact queue within the context's
// deadline, bounded by the configured drain grace.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.failures)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	grace, cancel := context.WithTimeout(ctx, s.cfg.GetDrainGrace())
	defer cancel()
	return s.collector.Stop(grace)
}

// writerLoop is the single consumer of the failure path. Ordering matters:
// the record gets persisted first so the artifact bundle and pattern match
// always reference an existing row.
func (s *Session) writerLoop() {
	defer close(s.done)

	for rec := range s.failures {
		s.processFailure(rec)
	}
}

func (s *Session) processFailure(rec *types.FailureRecord) {
	timer := logging.StartTimer(logging.CategoryMonitor, "processFailure")
	defer timer.Stop()

	if err := s.store.SaveFailureRecord(rec); err != nil {
		logging.Get(logging.CategoryMonitor).Error("Failed to persist failure record for %s: %v", rec.TestName, err)
		return
	}

	// Repeated failures are stronger evidence, so they win queue slots.
	priority := 1
	if stats, ok := s.monitor.Snapshot(rec.TestName); ok {
		priority += stats.ConsecutiveFailures
	}
	s.collector.Enqueue(artifact.Request{
		TestName: rec.TestName,
		RecordID: rec.ID,
		ErrInfo:  types.ErrorInfo{Message: rec.Message, StackTrace: rec.StackTrace},
		Priority: priority,
	})

	match, err := s.matcher.Match(rec)
	if err != nil {
		logging.Get(logging.CategoryPattern).Error("Classification failed for %s: %v", rec.TestName, err)
		return
	}

	var def *pattern.Definition
	if match != nil {
		def = match.Pattern
	}
	if _, err := s.reporter.Report(rec, def); err != nil {
		logging.Get(logging.CategoryReporter).Error("Report failed for %s: %v", rec.TestName, err)
	}
}

// survivorSink adapts the matcher to the mutation runner's sink interface.
type survivorSink struct {
	matcher *pattern.Matcher
}

func (s survivorSink) RecordSurvivor(mr *types.MutationRecord) error {
	_, err := s.matcher.RecordSurvivor(mr)
	return err
}
