package segment

import (
	"fmt"
	"sort"

	"ai-speech-live-client/internal/models"
)

// Change is the outcome of applying one segment emission.
type Change struct {
	Key        Key
	Segment    models.TranscriptSegment
	Transition Transition
	Created    bool
}

type bookEntry struct {
	segment models.TranscriptSegment
	life    *Lifecycle
	seq     int
}

// Book is the keyed store of every processed segment. Repeated emissions of
// the same key update the stored segment in place. It is not safe for
// concurrent use.
type Book struct {
	entries map[Key]*bookEntry
	working []Key
	nextSeq int
}

func NewBook() *Book {
	return &Book{entries: make(map[Key]*bookEntry)}
}

// Upsert stores one emission and reports what changed.
func (b *Book) Upsert(seg models.TranscriptSegment) Change {
	key := KeyFor(seg)
	if key == "" {
		key = Key(fmt.Sprintf("seq-%d", b.nextSeq))
	}

	e, ok := b.entries[key]
	if !ok || e.life.State() == StateDropped {
		e = &bookEntry{life: NewLifecycle(key), seq: b.nextSeq}
		b.nextSeq++
		b.entries[key] = e
		ok = false
	}

	textChanged := !ok || e.segment.Text != seg.Text
	transition, _ := e.life.Observe(seg.IsFinal, textChanged)

	seg.IsFinal = e.life.IsFinal()
	if seg.ID == "" {
		seg.ID = string(key)
	}
	e.segment = seg

	return Change{Key: key, Segment: seg, Transition: transition, Created: !ok}
}

// Apply replaces the working list with batch. Partial segments from the
// previous working list that the batch no longer carries are dropped; final
// segments are kept.
func (b *Book) Apply(batch []models.TranscriptSegment) []Change {
	changes := make([]Change, 0, len(batch))
	working := make([]Key, 0, len(batch))
	present := make(map[Key]struct{}, len(batch))

	for _, seg := range batch {
		ch := b.Upsert(seg)
		changes = append(changes, ch)
		if _, dup := present[ch.Key]; dup {
			continue
		}
		present[ch.Key] = struct{}{}
		working = append(working, ch.Key)
	}

	for _, key := range b.working {
		if _, ok := present[key]; ok {
			continue
		}
		if e, ok := b.entries[key]; ok && e.life.Drop() {
			delete(b.entries, key)
		}
	}
	b.working = working
	return changes
}

// Working returns the segments of the most recent batch in batch order.
func (b *Book) Working() []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, 0, len(b.working))
	for _, key := range b.working {
		if e, ok := b.entries[key]; ok {
			out = append(out, e.segment)
		}
	}
	return out
}

// Segments returns every stored segment, ordered by start time when timed and
// by arrival otherwise.
func (b *Book) Segments() []models.TranscriptSegment {
	entries := make([]*bookEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, c := entries[i].segment, entries[j].segment
		if a.HasTiming() && c.HasTiming() {
			if *a.StartTime != *c.StartTime {
				return *a.StartTime < *c.StartTime
			}
			if *a.EndTime != *c.EndTime {
				return *a.EndTime < *c.EndTime
			}
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]models.TranscriptSegment, len(entries))
	for i, e := range entries {
		out[i] = e.segment
	}
	return out
}

// Processed returns a copy of the keyed store.
func (b *Book) Processed() map[Key]models.TranscriptSegment {
	out := make(map[Key]models.TranscriptSegment, len(b.entries))
	for k, e := range b.entries {
		out[k] = e.segment
	}
	return out
}

// Lifecycle returns the lifecycle of a stored segment.
func (b *Book) Lifecycle(key Key) (*Lifecycle, bool) {
	e, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	return e.life, true
}

func (b *Book) Len() int {
	return len(b.entries)
}

func (b *Book) Reset() {
	b.entries = make(map[Key]*bookEntry)
	b.working = nil
	b.nextSeq = 0
}
