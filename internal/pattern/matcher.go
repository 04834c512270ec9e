package pattern

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"failsift/internal/config"
	"failsift/internal/logging"
	"failsift/internal/signature"
	"failsift/internal/types"
)

// Matcher classifies failures against the pattern corpus.
// Match-and-create is serialized with a mutex so two concurrent failures
// with the same new signature never race into two definitions.
type Matcher struct {
	repo Repository
	cfg  config.MatchingConfig
	mu   sync.Mutex

	now func() time.Time // test seam
}

// NewMatcher creates a matcher backed by the given repository.
func NewMatcher(repo Repository, cfg config.MatchingConfig) *Matcher {
	return &Matcher{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Match classifies one failure record. The algorithm:
//
//  1. compute the normalized signature
//  2. exact-hash lookup for O(1) dedup
//  3. otherwise similarity-score every candidate, best match wins if it
//     reaches the configured threshold
//  4. otherwise create a new definition
//
// Malformed or empty error info attaches to the reserved unclassified
// pattern rather than returning an error. Trend statistics are recomputed
// after every update.
func (m *Matcher) Match(rec *types.FailureRecord) (*Match, error) {
	timer := logging.StartTimer(logging.CategoryPattern, "Match")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	sig := signature.Compute(rec.Message, rec.StackTrace)
	now := m.now()

	if sig.IsUnclassified() {
		logging.PatternDebug("Empty error info for test %s, using unclassified bucket", rec.TestName)
		def, err := m.getOrCreate(sig, CategoryUnclassified, now)
		if err != nil {
			return nil, err
		}
		return m.attach(def, rec, 0, false, now)
	}

	// Exact hash dedup.
	def, err := m.repo.PatternByHash(sig.Hash)
	if err != nil {
		return nil, fmt.Errorf("pattern lookup failed: %w", err)
	}
	if def != nil {
		logging.PatternDebug("Exact signature match for test %s: pattern=%s", rec.TestName, def.ID)
		return m.attach(def, rec, 1.0, false, now)
	}

	// Similarity scan.
	candidates, err := m.repo.CandidatePatterns()
	if err != nil {
		return nil, fmt.Errorf("candidate scan failed: %w", err)
	}

	var best *Definition
	bestScore := 0.0
	for _, cand := range candidates {
		candSig := signature.Signature{
			MessageTemplate: cand.MessageTemplate,
			Frames:          cand.Frames,
			Hash:            cand.SignatureHash,
		}
		score := signature.Similarity(sig, candSig, m.cfg.FrameWeight)
		if score > bestScore {
			best, bestScore = cand, score
		}
	}

	if best != nil && bestScore >= m.cfg.ScoreThreshold {
		logging.PatternDebug("Similarity match for test %s: pattern=%s score=%.3f", rec.TestName, best.ID, bestScore)
		return m.attach(best, rec, bestScore, false, now)
	}

	// No match above threshold: new pattern.
	created := &Definition{
		ID:              uuid.NewString(),
		Category:        CategoryTestFailure,
		SignatureHash:   sig.Hash,
		MessageTemplate: sig.MessageTemplate,
		Frames:          sig.Frames,
		FirstSeen:       now,
		Confidence:      1.0,
	}
	if err := m.repo.CreatePattern(created); err != nil {
		return nil, fmt.Errorf("failed to create pattern: %w", err)
	}
	logging.Pattern("New pattern %s for test %s (best candidate scored %.3f)", created.ID, rec.TestName, bestScore)
	return m.attach(created, rec, 1.0, true, now)
}

// RecordSurvivor feeds a surviving mutant back into the corpus under the
// undetected-mutation category, so coverage gaps show up next to failure
// patterns on the same dashboard.
func (m *Matcher) RecordSurvivor(mr *types.MutationRecord) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Location-stable signature: file and mutated expression, no line number.
	// The file rides as an explicit frame so path normalization cannot strip it.
	msg := fmt.Sprintf("surviving %s mutant: %s -> %s", mr.Operator,
		signature.NormalizeMessage(mr.Original), signature.NormalizeMessage(mr.Mutated))
	sig := signature.ComputeFromParts(msg, []string{mr.File})

	now := m.now()
	def, err := m.getOrCreate(sig, CategoryUndetectedMutation, now)
	if err != nil {
		return nil, err
	}
	if err := m.repo.RecordPatternMatch(def.ID, mr.ID, 1.0, now); err != nil {
		return nil, fmt.Errorf("failed to record survivor: %w", err)
	}
	def.OccurrenceCount++
	def.LastSeen = now
	logging.Pattern("Survivor recorded under pattern %s (%s at %s:%d)", def.ID, mr.Operator, mr.File, mr.Line)
	return &Match{Pattern: def, Score: 1.0}, nil
}

// getOrCreate fetches the definition for an exact hash, creating it when absent.
func (m *Matcher) getOrCreate(sig signature.Signature, category string, now time.Time) (*Definition, error) {
	def, err := m.repo.PatternByHash(sig.Hash)
	if err != nil {
		return nil, fmt.Errorf("pattern lookup failed: %w", err)
	}
	if def != nil {
		return def, nil
	}
	def = &Definition{
		ID:              uuid.NewString(),
		Category:        category,
		SignatureHash:   sig.Hash,
		MessageTemplate: sig.MessageTemplate,
		Frames:          sig.Frames,
		FirstSeen:       now,
		Confidence:      1.0,
	}
	if err := m.repo.CreatePattern(def); err != nil {
		return nil, fmt.Errorf("failed to create pattern: %w", err)
	}
	return def, nil
}

// attach records the match, folds the score into the rolling confidence, and
// recomputes the trend slope over the configured window.
func (m *Matcher) attach(def *Definition, rec *types.FailureRecord, score float64, created bool, now time.Time) (*Match, error) {
	if err := m.repo.RecordPatternMatch(def.ID, rec.ID, score, now); err != nil {
		return nil, fmt.Errorf("failed to record match: %w", err)
	}

	prevCount := def.OccurrenceCount
	def.OccurrenceCount = prevCount + 1
	def.LastSeen = now
	rec.PatternID = def.ID

	// Rolling mean of match scores, clamped to [0,1].
	def.Confidence = clamp01((def.Confidence*float64(prevCount) + score) / float64(prevCount+1))

	slope, trending, err := m.computeTrend(def.ID, now)
	if err != nil {
		// Trend is advisory; a window query failure must not lose the match.
		logging.Get(logging.CategoryPattern).Warn("Trend recompute failed for %s: %v", def.ID, err)
	} else {
		def.TrendSlope = slope
		def.Trending = trending
	}

	if err := m.repo.UpdatePatternStats(def.ID, def.Confidence, def.TrendSlope, def.Trending); err != nil {
		return nil, fmt.Errorf("failed to update pattern stats: %w", err)
	}

	return &Match{Pattern: def, Score: score, Created: created}, nil
}

// computeTrend fits occurrences/day over the trailing window by ordinary
// least squares and compares the slope against the configured rate.
func (m *Matcher) computeTrend(patternID string, until time.Time) (float64, bool, error) {
	days := m.cfg.TrendWindowDays
	if days < 2 {
		days = 2
	}
	counts, err := m.repo.DailyMatchCounts(patternID, days, until)
	if err != nil {
		return 0, false, err
	}
	if len(counts) < 2 {
		return 0, false, nil
	}

	xs := make([]float64, len(counts))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, counts, nil, false)
	return slope, slope > m.cfg.TrendSlopeRate, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
