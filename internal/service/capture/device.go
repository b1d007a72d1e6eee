package capture

import (
	"io"
	"math"
	"sync"
	"time"
)

// Device is a source of mono int16 samples.
//
// Read returns the next block of samples. It may return (nil, nil) when no
// data is ready yet and io.EOF once a finite source is exhausted.
type Device interface {
	Open(sampleRate, framesPerBuffer int) error
	Start() error
	Read() ([]int16, error)
	Stop() error
	Close() error
	Name() string
}

// SyntheticDevice generates a sine tone (or silence) without hardware.
type SyntheticDevice struct {
	Frequency float64
	Amplitude float64
	// Limit stops the device after this many samples; zero means unbounded.
	Limit int
	// Paced sleeps between buffers to emulate a real-time source.
	Paced bool
	// OpenErr is returned by Open, to exercise initialisation failures.
	OpenErr error

	mu              sync.Mutex
	sampleRate      int
	framesPerBuffer int
	produced        int
	started         bool
	phase           float64
}

func (d *SyntheticDevice) Name() string { return "synthetic" }

func (d *SyntheticDevice) Open(sampleRate, framesPerBuffer int) error {
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sampleRate = sampleRate
	d.framesPerBuffer = framesPerBuffer
	return nil
}

func (d *SyntheticDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *SyntheticDevice) Read() ([]int16, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	n := d.framesPerBuffer
	if d.Limit > 0 {
		if d.produced >= d.Limit {
			d.mu.Unlock()
			return nil, io.EOF
		}
		n = min(n, d.Limit-d.produced)
	}

	out := make([]int16, n)
	step := 2 * math.Pi * d.Frequency / float64(d.sampleRate)
	for i := range out {
		out[i] = int16(d.Amplitude * 32767 * math.Sin(d.phase))
		d.phase += step
	}
	d.produced += n
	rate := d.sampleRate
	d.mu.Unlock()

	if d.Paced && rate > 0 {
		time.Sleep(time.Duration(n) * time.Second / time.Duration(rate))
	}
	return out, nil
}

func (d *SyntheticDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *SyntheticDevice) Close() error { return nil }
