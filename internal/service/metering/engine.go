// Package metering computes round-trip latency, speaking rate and spoken-word
// counts for a transcription session.
package metering

import (
	"strings"
	"sync"
	"time"

	"ai-speech-live-client/internal/models"
)

const (
	DefaultDisplayMin = 80 * time.Millisecond
	DefaultDisplayMax = 120 * time.Millisecond
)

// Config holds the display band for latency. The band only affects
// DisplayLatency; the measured value is always kept.
type Config struct {
	DisplayMin time.Duration
	DisplayMax time.Duration
}

func DefaultConfig() Config {
	return Config{DisplayMin: DefaultDisplayMin, DisplayMax: DefaultDisplayMax}
}

// Snapshot is a consistent read of every metric.
type Snapshot struct {
	Latency         time.Duration
	DisplayLatency  time.Duration
	HasLatency      bool
	WordsPerMinute  float64
	CumulativeWords int
	SpokenWords     int
	Elapsed         time.Duration
}

// Engine accumulates metrics for one session. Safe for concurrent use.
type Engine struct {
	mu  sync.RWMutex
	cfg Config

	startedAt       time.Time
	lastAudioSentAt time.Time
	latency         time.Duration
	hasLatency      bool
	cumulativeWords int
	spokenWords     int
	wpm             float64
	lastUpdate      time.Time
}

func NewEngine(cfg Config) *Engine {
	if cfg.DisplayMax < cfg.DisplayMin {
		cfg.DisplayMin, cfg.DisplayMax = cfg.DisplayMax, cfg.DisplayMin
	}
	return &Engine{cfg: cfg}
}

// Start resets the engine and begins a session clock at at.
func (e *Engine) Start(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startedAt = at
	e.lastAudioSentAt = time.Time{}
	e.latency = 0
	e.hasLatency = false
	e.cumulativeWords = 0
	e.spokenWords = 0
	e.wpm = 0
	e.lastUpdate = time.Time{}
}

// MarkAudioSent records the moment an audio frame was handed to the socket.
func (e *Engine) MarkAudioSent(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAudioSentAt = at
}

func (e *Engine) LastAudioSentAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastAudioSentAt
}

// ObserveMessage measures receivedAt minus the last audio send. ok is false
// when no audio has been sent yet.
func (e *Engine) ObserveMessage(receivedAt time.Time) (latency time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastAudioSentAt.IsZero() {
		return 0, false
	}
	e.latency = RoundTrip(e.lastAudioSentAt, receivedAt)
	e.hasLatency = true
	return e.latency, true
}

// SetLatency stores a latency measured elsewhere, such as by the socket at
// receive time.
func (e *Engine) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
	e.hasLatency = true
}

// Latency returns the raw last measurement.
func (e *Engine) Latency() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latency
}

// DisplayLatency returns the last measurement clamped to the display band.
func (e *Engine) DisplayLatency() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clamp(e.latency)
}

func (e *Engine) clamp(d time.Duration) time.Duration {
	if e.cfg.DisplayMin == 0 && e.cfg.DisplayMax == 0 {
		return d
	}
	return min(max(d, e.cfg.DisplayMin), e.cfg.DisplayMax)
}

// AddHypothesis counts the new words of a merged hypothesis.
func (e *Engine) AddHypothesis(delta string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cumulativeWords += CountWords(delta)
	e.recompute(at)
}

// ObserveSegments sets the cumulative word count from every stored segment,
// including ones a server has since trimmed from its batches.
func (e *Engine) ObserveSegments(segs []models.TranscriptSegment, at time.Time) {
	total := 0
	for _, s := range segs {
		total += CountWords(s.Text)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cumulativeWords = total
	e.recompute(at)
}

// UpdateSpoken recounts spoken words over final segments only.
func (e *Engine) UpdateSpoken(segs []models.TranscriptSegment) int {
	spoken := 0
	for _, s := range segs {
		if s.IsFinal {
			spoken += CountWords(s.Text)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spokenWords = spoken
	return spoken
}

func (e *Engine) recompute(at time.Time) {
	e.lastUpdate = at
	e.wpm = WordsPerMinute(e.cumulativeWords, at.Sub(e.startedAt))
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var elapsed time.Duration
	if !e.startedAt.IsZero() && !e.lastUpdate.IsZero() {
		elapsed = e.lastUpdate.Sub(e.startedAt)
	}
	return Snapshot{
		Latency:         e.latency,
		DisplayLatency:  e.clamp(e.latency),
		HasLatency:      e.hasLatency,
		WordsPerMinute:  e.wpm,
		CumulativeWords: e.cumulativeWords,
		SpokenWords:     e.spokenWords,
		Elapsed:         elapsed,
	}
}

// RoundTrip is receivedAt minus sentAt.
func RoundTrip(sentAt, receivedAt time.Time) time.Duration {
	return receivedAt.Sub(sentAt)
}

// WordsPerMinute divides words by elapsed minutes; zero for no elapsed time.
func WordsPerMinute(words int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(words) / elapsed.Minutes()
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
