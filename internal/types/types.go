// Package types provides shared type definitions used across failsift packages.
// This package exists to break import cycles between monitor, pattern, report,
// and store. Types in this package should be foundational data structures with
// no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// TEST EXECUTION
// =============================================================================

// Outcome is the terminal result of a single test execution.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// Failed reports whether the outcome counts as a failure for monitoring
// purposes. Errors (test harness blew up) count the same as assertions.
func (o Outcome) Failed() bool {
	return o == OutcomeFail || o == OutcomeError
}

// TestExecution records one observed run of one test.
// Sequence is the position within that test's history and is what the
// consecutive-failure counter is defined over.
type TestExecution struct {
	ID             string        `json:"id"`
	TestName       string        `json:"test_name"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
	Duration       time.Duration `json:"duration"`
	PeakMemoryMB   float64       `json:"peak_memory_mb"`
	PeakCPUPercent float64       `json:"peak_cpu_percent"`
	Outcome        Outcome       `json:"outcome"`
	Sequence       int           `json:"sequence"`
}

// ResourceSample is a periodic resource-usage reading for a running test,
// pushed by the test-execution framework.
type ResourceSample struct {
	TestName   string    `json:"test_name"`
	MemoryMB   float64   `json:"memory_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorInfo carries the raw exception handed to us on failure.
type ErrorInfo struct {
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace"`
}

// FailureRecord is one observed failure, linked (after classification) to the
// artifact bundle captured for it and the pattern it matched. PatternID is
// empty while unclassified; ArtifactID is empty if collection was dropped.
type FailureRecord struct {
	ID          string    `json:"id"`
	TestName    string    `json:"test_name"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
	StackTrace  string    `json:"stack_trace"`
	ArtifactID  string    `json:"artifact_id,omitempty"`
	PatternID   string    `json:"pattern_id,omitempty"`
}

// =============================================================================
// ALERTS
// =============================================================================

// ThresholdKind identifies which configured threshold an alert is about.
type ThresholdKind string

const (
	ThresholdMaxDuration         ThresholdKind = "max_duration"
	ThresholdMaxMemory           ThresholdKind = "max_memory"
	ThresholdMaxCPU              ThresholdKind = "max_cpu"
	ThresholdFailureRate         ThresholdKind = "failure_rate"
	ThresholdConsecutiveFailures ThresholdKind = "consecutive_failures"
)

// Severity is ordered so that callers can compare alerts directly.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// SeverityFromString parses the persisted form back into a Severity.
func SeverityFromString(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// Alert is emitted when a monitored test breaches a threshold. Immutable once
// created except for the Acknowledged flag.
//
// Magnitude is the ratio observed/limit and is what severity is derived from,
// so severity is a deterministic, nondecreasing function of the breach.
type Alert struct {
	ID           string        `json:"id"`
	TestName     string        `json:"test_name"`
	Threshold    ThresholdKind `json:"threshold"`
	Observed     float64       `json:"observed"`
	Limit        float64       `json:"limit"`
	Magnitude    float64       `json:"magnitude"`
	Severity     Severity      `json:"severity"`
	Timestamp    time.Time     `json:"timestamp"`
	Acknowledged bool          `json:"acknowledged"`
}

// =============================================================================
// MUTATION TESTING
// =============================================================================

// MutationOperator is the kind of controlled code alteration applied.
type MutationOperator string

const (
	OpArithmetic MutationOperator = "arithmetic"
	OpComparison MutationOperator = "comparison"
	OpBoolean    MutationOperator = "boolean"
	OpConstant   MutationOperator = "constant"
)

// MutationRecord is the outcome of running the associated tests against one
// mutant. HarnessError marks runs where the harness itself crashed; those are
// counted as killed conservatively but flagged so survivor counts stay honest.
type MutationRecord struct {
	ID           string           `json:"id"`
	Operator     MutationOperator `json:"operator"`
	File         string           `json:"file"`
	Line         int              `json:"line"`
	Original     string           `json:"original"`
	Mutated      string           `json:"mutated"`
	Killed       bool             `json:"killed"`
	HarnessError bool             `json:"harness_error"`
	Tests        []string         `json:"tests,omitempty"`
	Output       string           `json:"output,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
