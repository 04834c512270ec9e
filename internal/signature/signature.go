// Package signature computes normalized failure fingerprints.
// A signature is derived from the error message with variable tokens
// (numbers, addresses, paths, quoted values) stripped, plus the stack
// trace reduced to an ordered function-name sequence. Line numbers and
// timestamps never influence the signature, so superficially different
// runs of the same failure hash identically.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Signature is the normalized fingerprint of one failure.
type Signature struct {
	// MessageTemplate is the error message with variable tokens replaced
	// by placeholders.
	MessageTemplate string `json:"message_template"`

	// Frames is the ordered function-name sequence reduced from the stack.
	Frames []string `json:"frames"`

	// Hash is the exact-match key over (MessageTemplate, Frames).
	Hash string `json:"hash"`
}

// UnclassifiedHash is the reserved hash for failures whose error info was
// empty or unusable. They all collapse into one "unclassified" bucket
// rather than erroring out of the pipeline.
const UnclassifiedHash = "unclassified"

var (
	reHexAddr   = regexp.MustCompile(`0[xX][0-9a-fA-F]+`)
	reUUID      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	rePath      = regexp.MustCompile(`(/[\w.\-]+){2,}|([A-Za-z]:\\[\w.\\\-]+)`)
	reQuoted    = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	reNumber    = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	reSpace     = regexp.MustCompile(`\s+`)
	reGoFrame   = regexp.MustCompile(`^([\w\-./]+\.)?([\w$]+(?:\.[\w$]+)*)\(`)
	rePyFrame   = regexp.MustCompile(`^\s*File ".*", line \d+, in (\S+)`)
	reAtFrame   = regexp.MustCompile(`^\s*at ([\w$.<>]+)\s*[( ]`)
	reFileLine  = regexp.MustCompile(`^\s*[\w\-./\\]+\.\w+:\d+`)
	reFrameAddr = regexp.MustCompile(` \+0x[0-9a-f]+$`)
)

// Compute builds the Signature for a raw message and stack trace.
// Empty or whitespace-only input yields the unclassified signature.
func Compute(message, stack string) Signature {
	return ComputeFromParts(NormalizeMessage(message), ReduceStack(stack))
}

// ComputeFromParts builds the Signature for an already-normalized message
// template and an explicit frame sequence. Callers whose "frames" are not
// stack lines (a file path, say) use this to keep them out of ReduceStack,
// which would silently discard anything that does not look like a frame.
func ComputeFromParts(template string, frames []string) Signature {
	if template == "" && len(frames) == 0 {
		return Signature{Hash: UnclassifiedHash}
	}

	h := sha256.New()
	h.Write([]byte(template))
	for _, f := range frames {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}

	return Signature{
		MessageTemplate: template,
		Frames:          frames,
		Hash:            hex.EncodeToString(h.Sum(nil)),
	}
}

// IsUnclassified reports whether this is the reserved unclassified bucket.
func (s Signature) IsUnclassified() bool {
	return s.Hash == UnclassifiedHash
}

// NormalizeMessage strips run-to-run variability out of an error message:
// hex addresses, UUIDs, filesystem paths, quoted values, and bare numbers
// are replaced with fixed placeholders, whitespace is collapsed.
func NormalizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}

	msg = reUUID.ReplaceAllString(msg, "<id>")
	msg = reHexAddr.ReplaceAllString(msg, "<addr>")
	msg = rePath.ReplaceAllString(msg, "<path>")
	msg = reQuoted.ReplaceAllString(msg, "<value>")
	msg = reNumber.ReplaceAllString(msg, "<n>")
	msg = reSpace.ReplaceAllString(msg, " ")

	return strings.TrimSpace(msg)
}

// ReduceStack reduces a raw stack trace to its ordered function-name
// sequence. File names and line numbers are discarded. Go runtime frames,
// Python tracebacks, and generic "at func (...)" formats are recognized;
// unrecognized lines are skipped rather than failing.
func ReduceStack(stack string) []string {
	stack = strings.TrimSpace(stack)
	if stack == "" {
		return nil
	}

	var frames []string
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimRight(line, "\r")
		if reFileLine.MatchString(line) {
			continue // Go file:line continuation lines
		}

		if m := rePyFrame.FindStringSubmatch(line); m != nil {
			frames = append(frames, m[1])
			continue
		}
		if m := reAtFrame.FindStringSubmatch(line); m != nil {
			frames = append(frames, m[1])
			continue
		}

		trimmed := reFrameAddr.ReplaceAllString(strings.TrimSpace(line), "")
		if m := reGoFrame.FindStringSubmatch(trimmed); m != nil {
			frames = append(frames, m[1]+m[2])
			continue
		}
	}

	return frames
}

// Tokens splits a message template into its word tokens for overlap scoring.
// Placeholders are kept; they carry structural information.
func Tokens(template string) []string {
	fields := strings.FieldsFunc(template, func(r rune) bool {
		switch r {
		case ' ', ',', ';', ':', '(', ')', '[', ']', '{', '}', '=':
			return true
		}
		return false
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Similarity scores how alike two signatures are, in [0,1]. The score is a
// weighted blend of normalized edit distance over the frame sequences and
// Jaccard overlap of the message template tokens. frameWeight is the share
// given to the frame component; when one side has no frames the message
// component carries the whole score (and vice versa).
func Similarity(a, b Signature, frameWeight float64) float64 {
	if a.IsUnclassified() || b.IsUnclassified() {
		return 0
	}
	if frameWeight < 0 {
		frameWeight = 0
	}
	if frameWeight > 1 {
		frameWeight = 1
	}

	frameScore, hasFrames := frameSimilarity(a.Frames, b.Frames)
	msgScore, hasMsg := tokenOverlap(Tokens(a.MessageTemplate), Tokens(b.MessageTemplate))

	switch {
	case hasFrames && hasMsg:
		return frameWeight*frameScore + (1-frameWeight)*msgScore
	case hasFrames:
		return frameScore
	case hasMsg:
		return msgScore
	default:
		return 0
	}
}

// frameSimilarity is 1 - (levenshtein / max length) over the two sequences.
func frameSimilarity(a, b []string) (float64, bool) {
	if len(a) == 0 && len(b) == 0 {
		return 0, false
	}
	if len(a) == 0 || len(b) == 0 {
		return 0, true
	}
	dist := editDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1 - float64(dist)/float64(maxLen), true
}

// editDistance is the classic Levenshtein distance over element sequences.
func editDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// tokenOverlap is Jaccard similarity over token sets.
func tokenOverlap(a, b []string) (float64, bool) {
	if len(a) == 0 && len(b) == 0 {
		return 0, false
	}
	if len(a) == 0 || len(b) == 0 {
		return 0, true
	}

	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	union := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		union[t] = struct{}{}
	}
	inter := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			// Count each shared token once.
			delete(set, t)
			inter++
		}
		union[t] = struct{}{}
	}
	return float64(inter) / float64(len(union)), true
}
