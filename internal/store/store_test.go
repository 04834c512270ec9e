package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"failsift/internal/artifact"
	"failsift/internal/config"
	"failsift/internal/mutation"
	"failsift/internal/pattern"
	"failsift/internal/report"
	"failsift/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(dir, "test.db")
	cfg.Storage.SpillPath = filepath.Join(dir, "spill.jsonl")

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPattern(category, hash string) *pattern.Definition {
	now := time.Now().UTC()
	return &pattern.Definition{
		ID:              uuid.NewString(),
		Category:        category,
		SignatureHash:   hash,
		MessageTemplate: "connection refused after <NUM> retries",
		Frames:          []string{"dial", "retryLoop"},
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
		Confidence:      1.0,
	}
}

func TestPatternRoundTrip(t *testing.T) {
	s := newTestStore(t)

	def := testPattern(pattern.CategoryTestFailure, "hash-round-trip")
	if err := s.CreatePattern(def); err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}

	byHash, err := s.PatternByHash("hash-round-trip")
	if err != nil {
		t.Fatalf("PatternByHash failed: %v", err)
	}
	if byHash == nil {
		t.Fatal("Expected pattern by hash, got nil")
	}
	if byHash.ID != def.ID {
		t.Errorf("Expected id %s, got %s", def.ID, byHash.ID)
	}
	if byHash.MessageTemplate != def.MessageTemplate {
		t.Errorf("Expected template %q, got %q", def.MessageTemplate, byHash.MessageTemplate)
	}
	if len(byHash.Frames) != 2 || byHash.Frames[0] != "dial" {
		t.Errorf("Frames did not survive round trip: %v", byHash.Frames)
	}

	byID, err := s.PatternByID(def.ID)
	if err != nil {
		t.Fatalf("PatternByID failed: %v", err)
	}
	if byID == nil || byID.SignatureHash != "hash-round-trip" {
		t.Errorf("Unexpected pattern by id: %+v", byID)
	}

	missing, err := s.PatternByHash("no-such-hash")
	if err != nil {
		t.Fatalf("PatternByHash for missing hash failed: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for unknown hash, got %+v", missing)
	}
}

func TestCandidatePatternsExcludesUndetectedMutation(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreatePattern(testPattern(pattern.CategoryTestFailure, "h1")); err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}
	if err := s.CreatePattern(testPattern(pattern.CategoryUnclassified, "h2")); err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}
	if err := s.CreatePattern(testPattern(pattern.CategoryUndetectedMutation, "h3")); err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}

	defs, err := s.CandidatePatterns()
	if err != nil {
		t.Fatalf("CandidatePatterns failed: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(defs))
	}
	for _, def := range defs {
		if def.Category == pattern.CategoryUndetectedMutation {
			t.Errorf("Undetected-mutation pattern leaked into candidates: %s", def.ID)
		}
	}
}

func TestRecordPatternMatchBumpsCounters(t *testing.T) {
	s := newTestStore(t)

	def := testPattern(pattern.CategoryTestFailure, "bump")
	if err := s.CreatePattern(def); err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}

	at := time.Now().UTC().Add(time.Hour)
	if err := s.RecordPatternMatch(def.ID, "rec-1", 0.92, at); err != nil {
		t.Fatalf("RecordPatternMatch failed: %v", err)
	}

	got, err := s.PatternByID(def.ID)
	if err != nil {
		t.Fatalf("PatternByID failed: %v", err)
	}
	if got.OccurrenceCount != 2 {
		t.Errorf("Expected occurrence count 2, got %d", got.OccurrenceCount)
	}
	if !got.LastSeen.After(def.FirstSeen) {
		t.Errorf("Expected last_seen to advance, got %v", got.LastSeen)
	}
}

func TestUpdatePatternStatsAndTrending(t *testing.T) {
	s := newTestStore(t)

	quiet := testPattern(pattern.CategoryTestFailure, "quiet")
	hot := testPattern(pattern.CategoryTestFailure, "hot")
	for _, def := range []*pattern.Definition{quiet, hot} {
		if err := s.CreatePattern(def); err != nil {
			t.Fatalf("Failed to create pattern: %v", err)
		}
	}

	if err := s.UpdatePatternStats(hot.ID, 0.88, 2.5, true); err != nil {
		t.Fatalf("UpdatePatternStats failed: %v", err)
	}

	trending, err := s.TrendingPatterns()
	if err != nil {
		t.Fatalf("TrendingPatterns failed: %v", err)
	}
	if len(trending) != 1 {
		t.Fatalf("Expected 1 trending pattern, got %d", len(trending))
	}
	if trending[0].ID != hot.ID {
		t.Errorf("Expected trending pattern %s, got %s", hot.ID, trending[0].ID)
	}
	if trending[0].Confidence != 0.88 || trending[0].TrendSlope != 2.5 {
		t.Errorf("Stats did not persist: confidence=%v slope=%v",
			trending[0].Confidence, trending[0].TrendSlope)
	}
}

func TestDailyMatchCountsZeroFills(t *testing.T) {
	s := newTestStore(t)

	def := testPattern(pattern.CategoryTestFailure, "daily")
	if err := s.CreatePattern(def); err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}

	until := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	matchDays := []time.Time{
		time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 8, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 8, 17, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
	for i, at := range matchDays {
		if err := s.RecordPatternMatch(def.ID, uuid.NewString(), 0.9, at); err != nil {
			t.Fatalf("Match %d failed: %v", i, err)
		}
	}

	counts, err := s.DailyMatchCounts(def.ID, 5, until)
	if err != nil {
		t.Fatalf("DailyMatchCounts failed: %v", err)
	}
	if len(counts) != 5 {
		t.Fatalf("Expected 5 buckets, got %d", len(counts))
	}
	want := []float64{1, 0, 2, 0, 1}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("Bucket %d: expected %v, got %v (counts: %v)", i, want[i], counts[i], counts)
		}
	}
}

func TestFailureFrequency(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		rec := &types.FailureRecord{
			ID:        uuid.NewString(),
			TestName:  "test_checkout",
			Message:   "timeout waiting for lock",
			Timestamp: time.Now().UTC(),
		}
		if err := s.SaveFailureRecord(rec); err != nil {
			t.Fatalf("SaveFailureRecord failed: %v", err)
		}
	}
	if err := s.SaveFailureRecord(&types.FailureRecord{
		ID: uuid.NewString(), TestName: "test_login",
		Message: "assertion failed", Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveFailureRecord failed: %v", err)
	}

	freq, err := s.FailureFrequency(10)
	if err != nil {
		t.Fatalf("FailureFrequency failed: %v", err)
	}
	if freq["timeout waiting for lock"] != 3 {
		t.Errorf("Expected 3 timeouts, got %d", freq["timeout waiting for lock"])
	}
	if freq["assertion failed"] != 1 {
		t.Errorf("Expected 1 assertion failure, got %d", freq["assertion failed"])
	}
}

func testReport(testName, hash string) *report.FailureReport {
	now := time.Now().UTC()
	return &report.FailureReport{
		ID:            uuid.NewString(),
		DedupKey:      report.DedupKey(testName, hash),
		TestName:      testName,
		SignatureHash: hash,
		Status:        report.StatusOpen,
		Priority:      "normal",
		Message:       "connection refused",
		FirstSeen:     now,
		LastSeen:      now,
	}
}

func TestCreateOrIncrementDedup(t *testing.T) {
	s := newTestStore(t)

	candidate := testReport("test_payment", "sig-a")
	first, created, err := s.CreateOrIncrement(candidate, "rec-1", candidate.FirstSeen)
	if err != nil {
		t.Fatalf("First CreateOrIncrement failed: %v", err)
	}
	if !created {
		t.Fatal("Expected first call to create")
	}
	if first.OccurrenceCount != 1 {
		t.Errorf("Expected occurrence count 1, got %d", first.OccurrenceCount)
	}

	later := candidate.FirstSeen.Add(time.Hour)
	dup := testReport("test_payment", "sig-a")
	second, created, err := s.CreateOrIncrement(dup, "rec-2", later)
	if err != nil {
		t.Fatalf("Second CreateOrIncrement failed: %v", err)
	}
	if created {
		t.Fatal("Expected second call to increment, not create")
	}
	if second.ID != first.ID {
		t.Errorf("Expected same report id %s, got %s", first.ID, second.ID)
	}
	if second.OccurrenceCount != 2 {
		t.Errorf("Expected occurrence count 2, got %d", second.OccurrenceCount)
	}

	occs, err := s.OccurrencesFor(first.ID)
	if err != nil {
		t.Fatalf("OccurrencesFor failed: %v", err)
	}
	if len(occs) != 2 {
		t.Fatalf("Expected 2 occurrences, got %d", len(occs))
	}
	if occs[0].RecordID != "rec-1" || occs[1].RecordID != "rec-2" {
		t.Errorf("Occurrences out of order: %+v", occs)
	}
}

func TestCreateOrIncrementClosedStartsFresh(t *testing.T) {
	s := newTestStore(t)

	candidate := testReport("test_payment", "sig-b")
	first, _, err := s.CreateOrIncrement(candidate, "rec-1", candidate.FirstSeen)
	if err != nil {
		t.Fatalf("CreateOrIncrement failed: %v", err)
	}
	if err := s.UpdateReportStatus(first.ID, report.StatusClosed); err != nil {
		t.Fatalf("UpdateReportStatus failed: %v", err)
	}

	again := testReport("test_payment", "sig-b")
	second, created, err := s.CreateOrIncrement(again, "rec-2", again.FirstSeen)
	if err != nil {
		t.Fatalf("CreateOrIncrement after close failed: %v", err)
	}
	if !created {
		t.Fatal("Expected a fresh report once the old one is closed")
	}
	if second.ID == first.ID {
		t.Error("Expected a new report id after close")
	}
}

func TestUpdateReportStatusUnknown(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateReportStatus("no-such-report", report.StatusResolved); err == nil {
		t.Error("Expected error for unknown report id")
	}
}

func TestReportCommentsAndAssignments(t *testing.T) {
	s := newTestStore(t)

	rep, _, err := s.CreateOrIncrement(testReport("test_login", "sig-c"), "rec-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateOrIncrement failed: %v", err)
	}

	if err := s.AddComment(&report.Comment{
		ReportID: rep.ID, Author: "alice",
		Body: "reproduced locally", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if err := s.AddAssignment(&report.Assignment{
		ReportID: rep.ID, Assignee: "bob",
		AssignedBy: "alice", AssignedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AddAssignment failed: %v", err)
	}

	comments, err := s.CommentsFor(rep.ID)
	if err != nil {
		t.Fatalf("CommentsFor failed: %v", err)
	}
	if len(comments) != 1 || comments[0].Body != "reproduced locally" {
		t.Errorf("Unexpected comments: %+v", comments)
	}

	got, err := s.ReportByID(rep.ID)
	if err != nil {
		t.Fatalf("ReportByID failed: %v", err)
	}
	if got.Assignee != "bob" {
		t.Errorf("Expected assignee bob, got %q", got.Assignee)
	}
}

func TestReportTrendWindow(t *testing.T) {
	s := newTestStore(t)

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	// Two new reports in the window, one of which recurs twice.
	a := testReport("test_a", "sig-trend-a")
	a.FirstSeen = start.Add(time.Hour)
	a.LastSeen = a.FirstSeen
	if _, _, err := s.CreateOrIncrement(a, "rec-1", a.FirstSeen); err != nil {
		t.Fatalf("CreateOrIncrement failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		dup := testReport("test_a", "sig-trend-a")
		at := start.Add(time.Duration(24*(i+1)) * time.Hour)
		if _, _, err := s.CreateOrIncrement(dup, uuid.NewString(), at); err != nil {
			t.Fatalf("Recurrence %d failed: %v", i, err)
		}
	}
	b := testReport("test_b", "sig-trend-b")
	b.FirstSeen = start.Add(2 * time.Hour)
	b.LastSeen = b.FirstSeen
	if _, _, err := s.CreateOrIncrement(b, "rec-2", b.FirstSeen); err != nil {
		t.Fatalf("CreateOrIncrement failed: %v", err)
	}

	trend, err := s.ReportTrend(start, end)
	if err != nil {
		t.Fatalf("ReportTrend failed: %v", err)
	}
	if trend.NewReports != 2 {
		t.Errorf("Expected 2 new reports, got %d", trend.NewReports)
	}
	if trend.Recurrences != 2 {
		t.Errorf("Expected 2 recurrences, got %d", trend.Recurrences)
	}
	if trend.NewRatio != 0.5 {
		t.Errorf("Expected new ratio 0.5, got %v", trend.NewRatio)
	}
}

func TestListReportsFilters(t *testing.T) {
	s := newTestStore(t)

	open := testReport("test_open", "sig-list-a")
	if _, _, err := s.CreateOrIncrement(open, "rec-1", open.FirstSeen); err != nil {
		t.Fatalf("CreateOrIncrement failed: %v", err)
	}
	urgent := testReport("test_urgent", "sig-list-b")
	urgent.Priority = "high"
	if _, _, err := s.CreateOrIncrement(urgent, "rec-2", urgent.FirstSeen); err != nil {
		t.Fatalf("CreateOrIncrement failed: %v", err)
	}

	all, err := s.ListReports("", "", 10)
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 reports unfiltered, got %d", len(all))
	}

	high, err := s.ListReports("", "high", 10)
	if err != nil {
		t.Fatalf("ListReports by priority failed: %v", err)
	}
	if len(high) != 1 || high[0].TestName != "test_urgent" {
		t.Errorf("Unexpected priority filter result: %+v", high)
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		exec := &types.TestExecution{
			ID:             uuid.NewString(),
			TestName:       "test_checkout",
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
			EndedAt:        base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Duration:       30 * time.Second,
			PeakMemoryMB:   120.5,
			PeakCPUPercent: 45,
			Outcome:        types.OutcomePass,
			Sequence:       i + 1,
		}
		if err := s.SaveExecution(exec); err != nil {
			t.Fatalf("SaveExecution failed: %v", err)
		}
	}

	execs, err := s.RecentExecutions("test_checkout", 2)
	if err != nil {
		t.Fatalf("RecentExecutions failed: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("Expected 2 executions, got %d", len(execs))
	}
	if execs[0].Sequence != 3 {
		t.Errorf("Expected newest first (sequence 3), got %d", execs[0].Sequence)
	}
	if execs[0].Duration != 30*time.Second {
		t.Errorf("Duration did not survive round trip: %v", execs[0].Duration)
	}
	if execs[0].Outcome != types.OutcomePass {
		t.Errorf("Outcome did not survive round trip: %v", execs[0].Outcome)
	}
}

func TestAlertRoundTrip(t *testing.T) {
	s := newTestStore(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &types.Alert{
		ID:        uuid.NewString(),
		TestName:  "test_slow",
		Threshold: types.ThresholdMaxDuration,
		Observed:  450,
		Limit:     300,
		Magnitude: 1.5,
		Severity:  types.SeverityMedium,
		Timestamp: at,
	}
	if err := s.SaveAlert(a); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}
	// Outside the queried window.
	if err := s.SaveAlert(&types.Alert{
		ID: uuid.NewString(), TestName: "test_slow",
		Threshold: types.ThresholdMaxMemory, Observed: 600, Limit: 512,
		Magnitude: 1.17, Severity: types.SeverityMedium,
		Timestamp: at.AddDate(0, 0, -2),
	}); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}

	alerts, err := s.AlertsBetween(at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("AlertsBetween failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert in window, got %d", len(alerts))
	}
	got := alerts[0]
	if got.Threshold != types.ThresholdMaxDuration {
		t.Errorf("Threshold did not survive round trip: %v", got.Threshold)
	}
	if got.Severity != types.SeverityMedium {
		t.Errorf("Severity did not survive round trip: %v", got.Severity)
	}
	if got.Acknowledged {
		t.Error("Expected alert to start unacknowledged")
	}

	if err := s.AcknowledgeAlert(got.ID); err != nil {
		t.Fatalf("AcknowledgeAlert failed: %v", err)
	}
	alerts, err = s.AlertsBetween(at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("AlertsBetween failed: %v", err)
	}
	if !alerts[0].Acknowledged {
		t.Error("Expected alert to be acknowledged")
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	s := newTestStore(t)

	b := &artifact.Bundle{
		ID:         uuid.NewString(),
		TestName:   "test_checkout",
		RecordID:   "rec-1",
		CapturedAt: time.Now().UTC(),
		Message:    "timeout waiting for lock",
		StackTrace: "frame one\nframe two",
		Resources: &artifact.ResourceSnapshot{
			HeapAllocMB: 42.5, SysMB: 128, NumGoroutines: 12, NumCPU: 8,
		},
		LogExcerpt:      []string{"line 1", "line 2"},
		Environment:     map[string]string{"GOOS": "linux"},
		PartialEvidence: true,
		Degraded:        []string{"environment"},
	}
	if err := s.SaveArtifact(b); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}

	got, err := s.ArtifactByID(b.ID)
	if err != nil {
		t.Fatalf("ArtifactByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected artifact, got nil")
	}
	if got.Resources == nil || got.Resources.HeapAllocMB != 42.5 {
		t.Errorf("Resources did not survive round trip: %+v", got.Resources)
	}
	if len(got.LogExcerpt) != 2 || got.LogExcerpt[1] != "line 2" {
		t.Errorf("Log excerpt did not survive round trip: %v", got.LogExcerpt)
	}
	if got.Environment["GOOS"] != "linux" {
		t.Errorf("Environment did not survive round trip: %v", got.Environment)
	}
	if !got.PartialEvidence || len(got.Degraded) != 1 {
		t.Errorf("Degradation markers did not survive: partial=%v degraded=%v",
			got.PartialEvidence, got.Degraded)
	}

	forTest, err := s.ArtifactsForTest("test_checkout", 5)
	if err != nil {
		t.Fatalf("ArtifactsForTest failed: %v", err)
	}
	if len(forTest) != 1 {
		t.Errorf("Expected 1 artifact for test, got %d", len(forTest))
	}
}

func TestMutationRoundTrip(t *testing.T) {
	s := newTestStore(t)

	killed := &types.MutationRecord{
		ID: uuid.NewString(), Operator: types.OpComparison,
		File: "src/checkout.py", Line: 42,
		Original: "if total > limit:", Mutated: "if total <= limit:",
		Killed: true, Tests: []string{"test_checkout"},
		CreatedAt: time.Now().UTC(),
	}
	survivor := &types.MutationRecord{
		ID: uuid.NewString(), Operator: types.OpConstant,
		File: "src/checkout.py", Line: 50,
		Original: "retries = 3", Mutated: "retries = 4",
		Killed: false, CreatedAt: time.Now().UTC(),
	}
	for _, mr := range []*types.MutationRecord{killed, survivor} {
		if err := s.SaveMutationRecord(mr); err != nil {
			t.Fatalf("SaveMutationRecord failed: %v", err)
		}
	}

	survivors, err := s.Survivors(10)
	if err != nil {
		t.Fatalf("Survivors failed: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("Expected 1 survivor, got %d", len(survivors))
	}
	if survivors[0].ID != survivor.ID {
		t.Errorf("Expected survivor %s, got %s", survivor.ID, survivors[0].ID)
	}
	if survivors[0].Operator != types.OpConstant {
		t.Errorf("Operator did not survive round trip: %v", survivors[0].Operator)
	}
}

func scoreFixture(started time.Time, score float64) *mutation.Score {
	return &mutation.Score{
		Total:      4,
		Killed:     3,
		Survived:   1,
		Score:      score,
		StartedAt:  started,
		FinishedAt: started.Add(30 * time.Second),
	}
}

func TestMutationScoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	started := time.Now().UTC().Add(-time.Minute)
	first := scoreFixture(started, 0.75)
	if _, err := s.SaveMutationScore(first); err != nil {
		t.Fatalf("SaveMutationScore failed: %v", err)
	}
	second := scoreFixture(started.Add(time.Minute), 0.9)
	if _, err := s.SaveMutationScore(second); err != nil {
		t.Fatalf("SaveMutationScore failed: %v", err)
	}

	latest, err := s.LatestMutationScore()
	if err != nil {
		t.Fatalf("LatestMutationScore failed: %v", err)
	}
	if latest == nil {
		t.Fatal("Expected a score, got nil")
	}
	if latest.Score != 0.9 {
		t.Errorf("Expected latest score 0.9, got %v", latest.Score)
	}
}

func TestLatestMutationScoreEmpty(t *testing.T) {
	s := newTestStore(t)

	latest, err := s.LatestMutationScore()
	if err != nil {
		t.Fatalf("LatestMutationScore failed: %v", err)
	}
	if latest != nil {
		t.Errorf("Expected nil on empty store, got %+v", latest)
	}
}

func TestReplaySpilled(t *testing.T) {
	s := newTestStore(t)

	entries := []spillEntry{
		{
			Query: `INSERT INTO failures (id, test_name, message, created_at) VALUES (?, ?, ?, ?)`,
			Args:  []interface{}{"spilled-1", "test_a", "boom", "2026-03-01 10:00:00"},
		},
		{
			Query: `INSERT INTO failures (id, test_name, message, created_at) VALUES (?, ?, ?, ?)`,
			Args:  []interface{}{"spilled-2", "test_b", "boom again", "2026-03-01 10:01:00"},
		},
	}
	f, err := os.Create(s.spillPath)
	if err != nil {
		t.Fatalf("Failed to create spill file: %v", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range entries {
		e.SpilledAt = time.Now().UTC()
		if err := enc.Encode(e); err != nil {
			t.Fatalf("Failed to write spill entry: %v", err)
		}
	}
	f.Close()

	replayed, remaining, err := s.ReplaySpilled()
	if err != nil {
		t.Fatalf("ReplaySpilled failed: %v", err)
	}
	if replayed != 2 || remaining != 0 {
		t.Errorf("Expected 2 replayed, 0 remaining; got %d, %d", replayed, remaining)
	}

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM failures`).Scan(&count); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 replayed rows, got %d", count)
	}
}

func TestReplaySpilledNoFile(t *testing.T) {
	s := newTestStore(t)

	replayed, remaining, err := s.ReplaySpilled()
	if err != nil {
		t.Fatalf("ReplaySpilled with no file failed: %v", err)
	}
	if replayed != 0 || remaining != 0 {
		t.Errorf("Expected nothing to replay, got %d, %d", replayed, remaining)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreatePattern(testPattern(pattern.CategoryTestFailure, "stats")); err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats["patterns"] != 1 {
		t.Errorf("Expected 1 pattern, got %d", stats["patterns"])
	}
	for _, table := range []string{"failures", "alerts", "failure_reports", "mutation_records"} {
		if n, ok := stats[table]; !ok || n != 0 {
			t.Errorf("Expected empty %s table in stats, got %d (present=%v)", table, n, ok)
		}
	}
}

func TestCleanupOld(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -60)
	if err := s.SaveExecution(&types.TestExecution{
		ID: uuid.NewString(), TestName: "test_old",
		StartedAt: old, EndedAt: old.Add(time.Second),
		Duration: time.Second, Outcome: types.OutcomePass, Sequence: 1,
	}); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}
	recent := time.Now().UTC()
	if err := s.SaveExecution(&types.TestExecution{
		ID: uuid.NewString(), TestName: "test_recent",
		StartedAt: recent, EndedAt: recent.Add(time.Second),
		Duration: time.Second, Outcome: types.OutcomePass, Sequence: 1,
	}); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	deleted, err := s.CleanupOld(30)
	if err != nil {
		t.Fatalf("CleanupOld failed: %v", err)
	}
	if deleted["test_executions"] != 1 {
		t.Errorf("Expected 1 purged execution, got %d", deleted["test_executions"])
	}

	execs, err := s.RecentExecutions("test_recent", 10)
	if err != nil {
		t.Fatalf("RecentExecutions failed: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("Expected recent execution to survive cleanup, got %d rows", len(execs))
	}
}
