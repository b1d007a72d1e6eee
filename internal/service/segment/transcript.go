package segment

import (
	"strings"
	"sync"
	"time"

	"ai-speech-live-client/internal/models"
)

// Hypothesis is one rolling transcript emission with server-assigned identity
// when available.
type Hypothesis struct {
	SegmentID  string
	Text       string
	IsFinal    bool
	Confidence float64
	ReceivedAt time.Time
}

// Transcript is the consumer-side aggregate rendered to users. It is safe for
// concurrent use.
type Transcript struct {
	mu        sync.RWMutex
	sessionID string
	ids       *Generator
	book      *Book
	openID    string
	revisions int
}

func NewTranscript(sessionID string) *Transcript {
	return &Transcript{
		sessionID: sessionID,
		ids:       New(),
		book:      NewBook(),
	}
}

// ApplyHypothesis stores a rolling hypothesis. Without a server segment id the
// hypothesis belongs to the currently open segment, which closes when a final
// arrives.
func (t *Transcript) ApplyHypothesis(h Hypothesis) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := h.SegmentID
	if id == "" {
		if t.openID == "" {
			t.openID = t.ids.Next(t.sessionID)
		}
		id = t.openID
		if h.IsFinal {
			t.openID = ""
		}
	}

	ch := t.book.Upsert(models.TranscriptSegment{
		ID:         id,
		Text:       h.Text,
		IsFinal:    h.IsFinal,
		Confidence: h.Confidence,
		Timestamp:  h.ReceivedAt.UnixMilli(),
	})
	if ch.Transition == TransitionRevisedAfterFinal {
		t.revisions++
	}
	return ch
}

// ApplySegments replaces the working list with a segment batch.
func (t *Transcript) ApplySegments(batch []models.TranscriptSegment) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	changes := t.book.Apply(batch)
	for _, ch := range changes {
		if ch.Transition == TransitionRevisedAfterFinal {
			t.revisions++
		}
	}
	return changes
}

// Segments returns the ordered transcript.
func (t *Transcript) Segments() []models.TranscriptSegment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.book.Segments()
}

// Text joins every segment into display text.
func (t *Transcript) Text() string {
	segs := t.Segments()
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// FinalText joins final segments only.
func (t *Transcript) FinalText() string {
	segs := t.Segments()
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if text := strings.TrimSpace(s.Text); s.IsFinal && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Revisions counts changes accepted after a segment was final.
func (t *Transcript) Revisions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revisions
}

// CloseOpen ends the open segment so the next hypothesis without a server
// id starts a new one. Stored text, partial or final, is kept. It reports
// whether a segment was open.
func (t *Transcript) CloseOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := t.openID != ""
	t.openID = ""
	return open
}

// Clear discards the whole transcript and starts a new session id.
func (t *Transcript) Clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
	t.openID = ""
	t.revisions = 0
	t.book.Reset()
}

// State merges the segment store into a reconciliation snapshot. r may be nil.
func (t *Transcript) State(r *Reconciler) ReconciliationState {
	var st ReconciliationState
	if r != nil {
		st = r.State()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	st.ProcessedSegments = t.book.Processed()
	return st
}
