package capture

import (
	"time"

	"ai-speech-live-client/internal/models"
)

// Framer cuts a sample stream into fixed-size frames with a strictly
// increasing sequence starting at 0.
type Framer struct {
	samplesPerFrame int
	sampleRate      int
	pending         []int16
	seq             uint32
	emitted         uint64
}

func NewFramer(samplesPerFrame, sampleRate int) *Framer {
	return &Framer{
		samplesPerFrame: samplesPerFrame,
		sampleRate:      sampleRate,
		pending:         make([]int16, 0, samplesPerFrame),
	}
}

// SamplesPerFrame is frameDuration × sampleRate.
func SamplesPerFrame(sampleRate int, frameDuration time.Duration) int {
	return int(int64(sampleRate) * frameDuration.Milliseconds() / 1000)
}

// Reset restarts the sequence and the sample clock at 0.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.seq = 0
	f.emitted = 0
}

// Push buffers samples and returns every completed frame. A frame's
// timestamp is the offset of its first sample since Reset, in milliseconds.
func (f *Framer) Push(samples []int16) []models.AudioFrame {
	f.pending = append(f.pending, samples...)

	var frames []models.AudioFrame
	for len(f.pending) >= f.samplesPerFrame {
		out := make([]int16, f.samplesPerFrame)
		copy(out, f.pending[:f.samplesPerFrame])
		f.pending = append(f.pending[:0], f.pending[f.samplesPerFrame:]...)

		frames = append(frames, models.AudioFrame{
			Sequence:    f.seq,
			TimestampMs: f.offsetMs(),
			Samples:     out,
		})
		f.seq++
		f.emitted += uint64(f.samplesPerFrame)
	}
	return frames
}

func (f *Framer) offsetMs() float64 {
	if f.sampleRate <= 0 {
		return 0
	}
	return float64(f.emitted) * 1000 / float64(f.sampleRate)
}

// Pending is the number of buffered samples not yet framed.
func (f *Framer) Pending() int {
	return len(f.pending)
}
