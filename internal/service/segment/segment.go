// Package segment reconciles revisable transcript hypotheses into a stable,
// ordered, non-duplicated transcript.
package segment

import (
	"fmt"
	"math"
	"sync/atomic"

	"ai-speech-live-client/internal/models"
)

// Generator hands out accumulation-order segment ids for servers that do not
// identify their segments.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", sessionID, n)
}

// Key identifies a segment across repeated emissions.
type Key string

// KeyFor returns (start,end) rounded to milliseconds when the segment is timed,
// otherwise its id.
func KeyFor(seg models.TranscriptSegment) Key {
	if seg.HasTiming() {
		return TimedKey(*seg.StartTime, *seg.EndTime)
	}
	return Key(seg.ID)
}

// TimedKey builds the key of a segment spanning [start, end] seconds.
func TimedKey(start, end float64) Key {
	return Key(fmt.Sprintf("%d-%d", toMillis(start), toMillis(end)))
}

func toMillis(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}
