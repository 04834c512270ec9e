package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"failsift/internal/config"
	"failsift/internal/logging"
	"failsift/internal/pattern"
	"failsift/internal/signature"
	"failsift/internal/types"
)

// Repository is the persistence boundary for reports. The dedup/increment
// path must execute as one atomic transaction against the store so that two
// concurrent failures with the same key never create two reports.
type Repository interface {
	// CreateOrIncrement looks up a non-closed report with candidate.DedupKey.
	// If found it appends an occurrence, increments the occurrence count and
	// advances last_seen, returning the updated report and false. Otherwise
	// it inserts candidate with its first occurrence and returns true.
	// All of this is a single transaction.
	CreateOrIncrement(candidate *FailureReport, recordID string, at time.Time) (*FailureReport, bool, error)

	// ReportByID fetches a report, nil when absent.
	ReportByID(id string) (*FailureReport, error)

	// UpdateReportStatus persists a validated status change.
	UpdateReportStatus(id string, status Status) error

	// AddComment appends a comment.
	AddComment(c *Comment) error

	// AddAssignment appends an assignment history row and updates the
	// report's current assignee.
	AddAssignment(a *Assignment) error

	// ReportTrend counts new reports vs recurrences in [start, end).
	ReportTrend(start, end time.Time) (*TrendWindow, error)
}

// Reporter turns classified failures into deduplicated reports.
type Reporter struct {
	repo  Repository
	rules *RuleEngine

	now func() time.Time // test seam
}

// NewReporter builds a reporter with the given store and rule configuration.
func NewReporter(repo Repository, cfg config.RulesConfig) *Reporter {
	return &Reporter{
		repo:  repo,
		rules: NewRuleEngine(cfg),
		now:   time.Now,
	}
}

// Report creates or increments the deduplicated report for a failure.
// The dedup key covers the test name and the failure's own normalized
// signature, so identical signatures from different tests stay separate.
// matched may be nil for unclassified failures.
func (r *Reporter) Report(rec *types.FailureRecord, matched *pattern.Definition) (*FailureReport, error) {
	timer := logging.StartTimer(logging.CategoryReporter, "Report")
	defer timer.Stop()

	sig := signature.Compute(rec.Message, rec.StackTrace)
	now := r.now()

	candidate := &FailureReport{
		ID:            uuid.NewString(),
		DedupKey:      DedupKey(rec.TestName, sig.Hash),
		TestName:      rec.TestName,
		SignatureHash: sig.Hash,
		Status:        StatusOpen,
		Priority:      r.rules.Priority(rec.TestName, rec.Message),
		Assignee:      r.rules.Assignee(rec.TestName, rec.Message),
		Message:       rec.Message,
		FirstSeen:     now,
		LastSeen:      now,
	}
	if matched != nil {
		candidate.PatternID = matched.ID
	}

	rep, created, err := r.repo.CreateOrIncrement(candidate, rec.ID, now)
	if err != nil {
		return nil, fmt.Errorf("report dedup failed: %w", err)
	}

	if created {
		logging.Reporter("New report %s for test %s (priority=%s assignee=%q)",
			rep.ID, rep.TestName, rep.Priority, rep.Assignee)
		if rep.Assignee != "" {
			if err := r.repo.AddAssignment(&Assignment{
				ReportID:   rep.ID,
				Assignee:   rep.Assignee,
				AssignedBy: "rules",
				AssignedAt: now,
			}); err != nil {
				logging.Get(logging.CategoryReporter).Warn("Assignment history write failed for %s: %v", rep.ID, err)
			}
		}
	} else {
		logging.ReporterDebug("Report %s incremented to %d occurrences", rep.ID, rep.OccurrenceCount)
	}

	return rep, nil
}

// Investigate moves a report to investigating.
func (r *Reporter) Investigate(reportID string) error {
	return r.transition(reportID, StatusInvestigating)
}

// Resolve moves a report to resolved.
func (r *Reporter) Resolve(reportID string) error {
	return r.transition(reportID, StatusResolved)
}

// Close moves a report to closed. A later failure with the same dedup key
// starts a fresh report.
func (r *Reporter) Close(reportID string) error {
	return r.transition(reportID, StatusClosed)
}

// Reopen is the explicit transition back to open.
func (r *Reporter) Reopen(reportID string) error {
	return r.transition(reportID, StatusOpen)
}

// transition validates the forward-only invariant before persisting.
// Invalid requests are rejected, never coerced.
func (r *Reporter) transition(reportID string, to Status) error {
	rep, err := r.repo.ReportByID(reportID)
	if err != nil {
		return fmt.Errorf("report lookup failed: %w", err)
	}
	if rep == nil {
		return fmt.Errorf("report %s not found", reportID)
	}
	if !CanTransition(rep.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rep.Status, to)
	}
	if err := r.repo.UpdateReportStatus(reportID, to); err != nil {
		return fmt.Errorf("status update failed: %w", err)
	}
	logging.Reporter("Report %s: %s -> %s", reportID, rep.Status, to)
	return nil
}

// Comment appends a note to a report.
func (r *Reporter) Comment(reportID, author, body string) error {
	if err := r.repo.AddComment(&Comment{
		ReportID:  reportID,
		Author:    author,
		Body:      body,
		CreatedAt: r.now(),
	}); err != nil {
		return fmt.Errorf("comment write failed: %w", err)
	}
	return nil
}

// Assign records a manual assignee change.
func (r *Reporter) Assign(reportID, assignee, by string) error {
	if err := r.repo.AddAssignment(&Assignment{
		ReportID:   reportID,
		Assignee:   assignee,
		AssignedBy: by,
		AssignedAt: r.now(),
	}); err != nil {
		return fmt.Errorf("assignment write failed: %w", err)
	}
	return nil
}

// Trend aggregates new-vs-recurring activity for the window ending at until.
func (r *Reporter) Trend(until time.Time, window time.Duration) (*TrendWindow, error) {
	tw, err := r.repo.ReportTrend(until.Add(-window), until)
	if err != nil {
		return nil, fmt.Errorf("trend query failed: %w", err)
	}
	return tw, nil
}
