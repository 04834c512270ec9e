// Package report deduplicates failures into trackable reports.
// One report corresponds to one logical recurring failure, keyed by
// hash(test name, failure signature). Priority and assignment come from
// ordered first-match-wins rule lists; status moves through explicit,
// forward-only transitions.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status of a failure report. Transitions are forward-only
// (open -> investigating -> resolved -> closed); reopen is an explicit
// transition back to open, never implicit.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// ErrInvalidTransition is returned when a requested status change would
// skip backward. The report is left untouched.
var ErrInvalidTransition = errors.New("invalid report status transition")

// statusRank orders statuses along the forward-only chain.
var statusRank = map[Status]int{
	StatusOpen:          0,
	StatusInvestigating: 1,
	StatusResolved:      2,
	StatusClosed:        3,
}

// CanTransition reports whether from -> to is a legal explicit transition.
// Reopen (anything but open -> open) is always legal; otherwise the chain
// only moves forward one or more steps.
func CanTransition(from, to Status) bool {
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if to == StatusOpen {
		return from != StatusOpen // explicit reopen
	}
	return tr > fr
}

// FailureReport is one deduplicated recurring failure.
// OccurrenceCount is monotonically increasing and always equals the number
// of linked occurrence rows.
type FailureReport struct {
	ID              string    `json:"id"`
	DedupKey        string    `json:"dedup_key"`
	TestName        string    `json:"test_name"`
	SignatureHash   string    `json:"signature_hash"`
	PatternID       string    `json:"pattern_id,omitempty"`
	Status          Status    `json:"status"`
	Priority        string    `json:"priority"`
	Assignee        string    `json:"assignee,omitempty"`
	Message         string    `json:"message"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int64     `json:"occurrence_count"`
}

// Occurrence links a report to one concrete failure record. Append-only.
type Occurrence struct {
	ID         int64     `json:"id"`
	ReportID   string    `json:"report_id"`
	RecordID   string    `json:"record_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Comment is a free-form note on a report. Append-only.
type Comment struct {
	ID        int64     `json:"id"`
	ReportID  string    `json:"report_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment records one assignee change, whether rule-driven or manual.
type Assignment struct {
	ID         int64     `json:"id"`
	ReportID   string    `json:"report_id"`
	Assignee   string    `json:"assignee"`
	AssignedBy string    `json:"assigned_by"` // "rules" or a user name
	AssignedAt time.Time `json:"assigned_at"`
}

// TrendWindow aggregates report activity over one time window: how many
// reports were newly created vs how many existing ones recurred. A high
// new-to-recurring ratio signals regressions rather than known noise.
type TrendWindow struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	NewReports   int64     `json:"new_reports"`
	Recurrences  int64     `json:"recurrences"`
	NewRatio     float64   `json:"new_ratio"` // new / (new + recurring), 0 when empty
}

// DedupKey derives the stable report key from the test name and normalized
// signature hash. Two tests with identical signatures still get distinct
// reports because the test name participates.
func DedupKey(testName, signatureHash string) string {
	h := sha256.New()
	h.Write([]byte(testName))
	h.Write([]byte{0})
	h.Write([]byte(signatureHash))
	return hex.EncodeToString(h.Sum(nil))
}
