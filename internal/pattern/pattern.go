// Package pattern maintains the corpus of known failure patterns and matches
// new failures against it. Matching is hybrid: an exact hash lookup handles
// dedup in O(1), and a similarity score (edit distance over frame sequences
// blended with message token overlap) links superficially different failures
// across tests. Both thresholds are configurable.
package pattern

import (
	"time"
)

// Category values for pattern definitions.
const (
	CategoryTestFailure        = "test-failure"
	CategoryUnclassified       = "unclassified"
	CategoryUndetectedMutation = "undetected-mutation"
)

// Definition is one known failure pattern with its statistics.
// Confidence and trend are recomputed on every update; definitions are never
// deleted automatically.
type Definition struct {
	ID              string    `json:"id"`
	Category        string    `json:"category"`
	SignatureHash   string    `json:"signature_hash"`
	MessageTemplate string    `json:"message_template"`
	Frames          []string  `json:"frames"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int64     `json:"occurrence_count"`

	// Confidence in [0,1]: rolling mean of the match scores that attached
	// failures to this pattern.
	Confidence float64 `json:"confidence"`

	// TrendSlope is occurrences/day over the configured window, fitted by
	// ordinary least squares. Trending is set when it exceeds the
	// configured rate.
	TrendSlope float64 `json:"trend_slope"`
	Trending   bool    `json:"trending"`
}

// Repository is the persistence boundary for the pattern corpus. Implemented
// by the SQLite store; injected so the matcher owns no ambient state.
type Repository interface {
	// PatternByHash returns the definition with the exact signature hash,
	// or nil if none exists.
	PatternByHash(hash string) (*Definition, error)

	// CandidatePatterns returns definitions eligible for similarity
	// scoring (the non-mutation corpus).
	CandidatePatterns() ([]*Definition, error)

	// CreatePattern persists a new definition.
	CreatePattern(def *Definition) error

	// RecordPatternMatch appends a match row, increments the occurrence
	// count and advances last_seen in one transaction.
	RecordPatternMatch(patternID, recordID string, score float64, at time.Time) error

	// DailyMatchCounts returns per-day occurrence counts for the pattern
	// over the trailing window, oldest day first. Days with no matches
	// are zero-filled.
	DailyMatchCounts(patternID string, days int, until time.Time) ([]float64, error)

	// UpdatePatternStats persists recomputed confidence and trend fields.
	UpdatePatternStats(patternID string, confidence, slope float64, trending bool) error
}

// Match is the outcome of classifying one failure.
type Match struct {
	Pattern *Definition
	Score   float64
	Created bool // true when no existing pattern scored at or above threshold
}
