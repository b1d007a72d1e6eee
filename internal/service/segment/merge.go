package segment

import (
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
)

const (
	// DefaultMergeWindow is how long a rolling hypothesis stays comparable.
	// A gap longer than this starts a new utterance.
	DefaultMergeWindow = 5000 * time.Millisecond

	overlapRatio        = 0.5
	fuzzyMinWordLength  = 2
	fuzzyWordSimilarity = 0.8
)

// Merger removes the already-delivered prefix from rolling hypotheses that
// overlap the previous one. It is not safe for concurrent use.
type Merger struct {
	window time.Duration
	prev   string
	prevAt time.Time
}

func NewMerger(window time.Duration) *Merger {
	if window <= 0 {
		window = DefaultMergeWindow
	}
	return &Merger{window: window}
}

// Merge returns the part of curr that is new relative to the previous
// hypothesis. The previous hypothesis always becomes the full curr.
func (m *Merger) Merge(curr string, at time.Time) string {
	prev, prevAt := m.prev, m.prevAt
	m.prev, m.prevAt = curr, at

	if prev == "" || at.Sub(prevAt) > m.window {
		return curr
	}

	prevWords := strings.Fields(prev)
	currWords := strings.Fields(curr)
	shortest := min(len(prevWords), len(currWords))
	if shortest == 0 {
		return curr
	}

	maxOverlap := 0
	for i := 1; i <= shortest; i++ {
		if wordsOverlap(prevWords[len(prevWords)-i:], currWords[:i]) {
			maxOverlap = i
		}
	}

	if float64(maxOverlap)/float64(shortest) > overlapRatio {
		return strings.Join(currWords[maxOverlap:], " ")
	}
	return curr
}

// Last returns the previous full hypothesis and when it arrived.
func (m *Merger) Last() (string, time.Time) {
	return m.prev, m.prevAt
}

func (m *Merger) Reset() {
	m.prev = ""
	m.prevAt = time.Time{}
}

func wordsOverlap(tail, head []string) bool {
	for i := range tail {
		if !SimilarWords(tail[i], head[i]) {
			return false
		}
	}
	return true
}

// SimilarWords reports whether two words match exactly, match ignoring case
// and punctuation, or (both longer than two characters) have a Levenshtein
// similarity of at least 0.8.
func SimilarWords(a, b string) bool {
	if a == b {
		return true
	}
	na, nb := normalizeWord(a), normalizeWord(b)
	if na == nb {
		return true
	}
	la, lb := len([]rune(na)), len([]rune(nb))
	if la <= fuzzyMinWordLength || lb <= fuzzyMinWordLength {
		return false
	}
	distance := levenshtein.ComputeDistance(na, nb)
	similarity := 1 - float64(distance)/float64(max(la, lb))
	return similarity >= fuzzyWordSimilarity
}

func normalizeWord(w string) string {
	var b strings.Builder
	b.Grow(len(w))
	for _, r := range w {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
