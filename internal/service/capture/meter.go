package capture

import (
	"math"
	"sync/atomic"
)

// ClippingThreshold is the normalised level above which input is clipping.
const ClippingThreshold = 0.95

// Level is the input loudness in [0,1].
type Level struct {
	Value    float64
	Clipping bool
}

// Meter tracks the RMS level of the most recent capture buffer. Update runs on
// the capture goroutine, Level on any other.
type Meter struct {
	bits atomic.Uint64
}

func (m *Meter) Update(samples []int16) {
	m.bits.Store(math.Float64bits(RMS(samples)))
}

func (m *Meter) Reset() {
	m.bits.Store(0)
}

func (m *Meter) Level() Level {
	v := math.Float64frombits(m.bits.Load())
	return Level{Value: v, Clipping: v > ClippingThreshold}
}

// RMS returns the root mean square of samples normalised to [0,1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return min(math.Sqrt(sum/float64(len(samples))), 1)
}
