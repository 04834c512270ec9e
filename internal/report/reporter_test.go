package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failsift/internal/config"
	"failsift/internal/types"
)

// memRepo mimics the store's transactional dedup semantics in memory.
type memRepo struct {
	reports     map[string]*FailureReport // by ID
	occurrences []Occurrence
	comments    []Comment
	assignments []Assignment
}

func newMemRepo() *memRepo {
	return &memRepo{reports: make(map[string]*FailureReport)}
}

func (r *memRepo) CreateOrIncrement(candidate *FailureReport, recordID string, at time.Time) (*FailureReport, bool, error) {
	for _, rep := range r.reports {
		if rep.DedupKey == candidate.DedupKey && rep.Status != StatusClosed {
			rep.OccurrenceCount++
			rep.LastSeen = at
			r.occurrences = append(r.occurrences, Occurrence{ReportID: rep.ID, RecordID: recordID, OccurredAt: at})
			return rep, false, nil
		}
	}
	created := *candidate
	created.OccurrenceCount = 1
	r.reports[created.ID] = &created
	r.occurrences = append(r.occurrences, Occurrence{ReportID: created.ID, RecordID: recordID, OccurredAt: at})
	return &created, true, nil
}

func (r *memRepo) ReportByID(id string) (*FailureReport, error) {
	return r.reports[id], nil
}

func (r *memRepo) UpdateReportStatus(id string, status Status) error {
	r.reports[id].Status = status
	return nil
}

func (r *memRepo) AddComment(c *Comment) error {
	r.comments = append(r.comments, *c)
	return nil
}

func (r *memRepo) AddAssignment(a *Assignment) error {
	r.assignments = append(r.assignments, *a)
	return nil
}

func (r *memRepo) ReportTrend(start, end time.Time) (*TrendWindow, error) {
	tw := &TrendWindow{Start: start, End: end}
	firstSeen := make(map[string]bool)
	for _, rep := range r.reports {
		if !rep.FirstSeen.Before(start) && rep.FirstSeen.Before(end) {
			tw.NewReports++
		}
		firstSeen[rep.ID] = false
	}
	for _, o := range r.occurrences {
		if o.OccurredAt.Before(start) || !o.OccurredAt.Before(end) {
			continue
		}
		if !firstSeen[o.ReportID] {
			firstSeen[o.ReportID] = true // first occurrence in insertion order
			continue
		}
		tw.Recurrences++
	}
	if total := tw.NewReports + tw.Recurrences; total > 0 {
		tw.NewRatio = float64(tw.NewReports) / float64(total)
	}
	return tw, nil
}

func testReporter(repo Repository, rules config.RulesConfig) *Reporter {
	return NewReporter(repo, rules)
}

func record(id, test, msg string) *types.FailureRecord {
	return &types.FailureRecord{
		ID:        id,
		TestName:  test,
		Timestamp: time.Now(),
		Message:   msg,
	}
}

func TestReporter_DedupIncrements(t *testing.T) {
	repo := newMemRepo()
	r := testReporter(repo, config.DefaultConfig().Rules)

	first, err := r.Report(record("r1", "TestCheckout", "connection timeout after 30 seconds"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, first.Status)
	assert.Equal(t, int64(1), first.OccurrenceCount)

	// Same failure again: no second report, count goes up.
	second, err := r.Report(record("r2", "TestCheckout", "connection timeout after 99 seconds"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.OccurrenceCount)
	assert.Len(t, repo.reports, 1)
	assert.Len(t, repo.occurrences, 2)
}

func TestReporter_SameSignatureDifferentTests(t *testing.T) {
	repo := newMemRepo()
	r := testReporter(repo, config.DefaultConfig().Rules)

	a, err := r.Report(record("r1", "TestCheckout", "connection timeout after 30 seconds"), nil)
	require.NoError(t, err)
	b, err := r.Report(record("r2", "TestInventory", "connection timeout after 30 seconds"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "the test name participates in the dedup key")
	assert.Len(t, repo.reports, 2)
}

func TestReporter_ClosedReportStartsFresh(t *testing.T) {
	repo := newMemRepo()
	r := testReporter(repo, config.DefaultConfig().Rules)

	first, err := r.Report(record("r1", "TestCheckout", "connection timeout after 30 seconds"), nil)
	require.NoError(t, err)
	require.NoError(t, r.Close(first.ID))

	second, err := r.Report(record("r2", "TestCheckout", "connection timeout after 30 seconds"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "a closed report never accumulates new occurrences")
	assert.Equal(t, int64(1), second.OccurrenceCount)
}

func TestReporter_RulesApplyOnCreate(t *testing.T) {
	repo := newMemRepo()
	rules := config.RulesConfig{
		Priority: []config.Rule{
			{MessageContains: "timeout", Outcome: "high"},
		},
		DefaultPriority: "medium",
		Assignment: []config.Rule{
			{TestNameContains: "Checkout", Outcome: "payments-team"},
		},
	}
	r := testReporter(repo, rules)

	rep, err := r.Report(record("r1", "TestCheckoutFlow", "timeout waiting for gateway"), nil)
	require.NoError(t, err)
	assert.Equal(t, "high", rep.Priority)
	assert.Equal(t, "payments-team", rep.Assignee)

	// Rule-driven assignment is recorded in the history.
	require.Len(t, repo.assignments, 1)
	assert.Equal(t, "rules", repo.assignments[0].AssignedBy)
	assert.Equal(t, "payments-team", repo.assignments[0].Assignee)
}

func TestReporter_Transitions(t *testing.T) {
	repo := newMemRepo()
	r := testReporter(repo, config.DefaultConfig().Rules)

	rep, err := r.Report(record("r1", "TestCheckout", "boom"), nil)
	require.NoError(t, err)

	require.NoError(t, r.Investigate(rep.ID))
	require.NoError(t, r.Resolve(rep.ID))

	// Backward move is rejected and leaves the report untouched.
	err = r.Investigate(rep.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusResolved, repo.reports[rep.ID].Status)

	// Explicit reopen, then close.
	require.NoError(t, r.Reopen(rep.ID))
	assert.Equal(t, StatusOpen, repo.reports[rep.ID].Status)
	require.NoError(t, r.Close(rep.ID))

	// Closed is terminal except for reopen.
	assert.Error(t, r.Resolve(rep.ID))
	require.NoError(t, r.Reopen(rep.ID))
}

func TestReporter_TransitionUnknownReport(t *testing.T) {
	r := testReporter(newMemRepo(), config.DefaultConfig().Rules)
	assert.Error(t, r.Investigate("no-such-id"))
}

func TestReporter_CommentAndAssign(t *testing.T) {
	repo := newMemRepo()
	r := testReporter(repo, config.DefaultConfig().Rules)

	rep, err := r.Report(record("r1", "TestCheckout", "boom"), nil)
	require.NoError(t, err)

	require.NoError(t, r.Comment(rep.ID, "sam", "looks like the gateway stub"))
	require.NoError(t, r.Assign(rep.ID, "sam", "lead"))

	require.Len(t, repo.comments, 1)
	assert.Equal(t, "sam", repo.comments[0].Author)
	require.Len(t, repo.assignments, 1)
	assert.Equal(t, "lead", repo.assignments[0].AssignedBy)
}

func TestReporter_Trend(t *testing.T) {
	repo := newMemRepo()
	r := testReporter(repo, config.DefaultConfig().Rules)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	// Two new reports, one of which recurs twice.
	_, err := r.Report(record("r1", "TestA", "first failure"), nil)
	require.NoError(t, err)
	clock = base.Add(time.Hour)
	_, err = r.Report(record("r2", "TestB", "second failure"), nil)
	require.NoError(t, err)
	clock = base.Add(2 * time.Hour)
	_, err = r.Report(record("r3", "TestA", "first failure"), nil)
	require.NoError(t, err)
	clock = base.Add(3 * time.Hour)
	_, err = r.Report(record("r4", "TestA", "first failure"), nil)
	require.NoError(t, err)

	tw, err := r.Trend(base.Add(4*time.Hour), 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tw.NewReports)
	assert.Equal(t, int64(2), tw.Recurrences)
	assert.InDelta(t, 0.5, tw.NewRatio, 0.001)
}
