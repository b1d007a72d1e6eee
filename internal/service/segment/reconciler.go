package segment

import (
	"sync"
	"time"

	"ai-speech-live-client/internal/models"
)

// Config tunes reconciliation.
type Config struct {
	MergeWindow       time.Duration
	MessageIDCapacity int
}

func DefaultConfig() Config {
	return Config{
		MergeWindow:       DefaultMergeWindow,
		MessageIDCapacity: DefaultIDCapacity,
	}
}

// ReconciliationState is a point-in-time view of the dedup, merge and
// segment bookkeeping of a session.
type ReconciliationState struct {
	LastStableText      string
	LastStableTimestamp time.Time
	ProcessedSegments   map[Key]models.TranscriptSegment
	SeenMessageIDs      []string
}

// Reconciler holds the per-connection state for rolling hypotheses: the
// bounded set of seen message ids and the overlap merger.
type Reconciler struct {
	mu     sync.Mutex
	seen   *IDSet
	merger *Merger
}

func NewReconciler(cfg Config) *Reconciler {
	return &Reconciler{
		seen:   NewIDSet(cfg.MessageIDCapacity),
		merger: NewMerger(cfg.MergeWindow),
	}
}

// Accept deduplicates a hypothesis by message id and merges it against the
// previous one. ok is false for a duplicate, which must be dropped. Messages
// without an id are never treated as duplicates.
func (r *Reconciler) Accept(messageID, text string, at time.Time) (delta string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if messageID != "" && !r.seen.Add(messageID) {
		return "", false
	}
	return r.merger.Merge(text, at), true
}

func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen.Reset()
	r.merger.Reset()
}

// State returns the dedup and merge part of the reconciliation state.
func (r *Reconciler) State() ReconciliationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	text, at := r.merger.Last()
	return ReconciliationState{
		LastStableText:      text,
		LastStableTimestamp: at,
		SeenMessageIDs:      r.seen.IDs(),
	}
}
