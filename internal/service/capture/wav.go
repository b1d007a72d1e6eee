package capture

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDevice replays a PCM WAV file as if it were a microphone.
type WAVDevice struct {
	Path string
	// Paced releases samples at real-time speed.
	Paced bool

	mu              sync.Mutex
	samples         []int16
	pos             int
	sampleRate      int
	framesPerBuffer int
	started         bool
	nextAt          time.Time
}

func NewWAVDevice(path string, paced bool) *WAVDevice {
	return &WAVDevice{Path: path, Paced: paced}
}

func (d *WAVDevice) Name() string { return d.Path }

func (d *WAVDevice) Open(sampleRate, framesPerBuffer int) error {
	f, err := os.Open(d.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &PipelineInitError{Cause: CauseMissingFile, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &PermissionError{Device: d.Path, Err: err}
	case err != nil:
		return &PipelineInitError{Cause: CauseUnknown, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return &PipelineInitError{Cause: CauseSyntax, Err: fmt.Errorf("%s is not a valid WAV file", d.Path)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return &PipelineInitError{Cause: CauseSyntax, Err: err}
	}

	mono := toMonoInt16(buf, int(dec.BitDepth))
	srcRate := buf.Format.SampleRate
	if sampleRate > 0 && srcRate != sampleRate {
		mono = Resample(mono, srcRate, sampleRate)
	} else {
		sampleRate = srcRate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = mono
	d.pos = 0
	d.sampleRate = sampleRate
	d.framesPerBuffer = framesPerBuffer
	return nil
}

// Duration is the length of the decoded audio.
func (d *WAVDevice) Duration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sampleRate == 0 {
		return 0
	}
	return time.Duration(len(d.samples)) * time.Second / time.Duration(d.sampleRate)
}

func (d *WAVDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.samples == nil {
		return ErrNotInitialized
	}
	d.started = true
	d.nextAt = time.Now()
	return nil
}

func (d *WAVDevice) Read() ([]int16, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	if d.pos >= len(d.samples) {
		d.mu.Unlock()
		return nil, io.EOF
	}

	end := min(d.pos+d.framesPerBuffer, len(d.samples))
	out := make([]int16, end-d.pos)
	copy(out, d.samples[d.pos:end])
	d.pos = end

	wait := time.Duration(0)
	if d.Paced {
		wait = time.Until(d.nextAt)
		d.nextAt = d.nextAt.Add(time.Duration(len(out)) * time.Second / time.Duration(d.sampleRate))
	}
	d.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	return out, nil
}

func (d *WAVDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *WAVDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = nil
	d.started = false
	return nil
}

func toMonoInt16(buf *audio.IntBuffer, bitDepth int) []int16 {
	channels := max(buf.Format.NumChannels, 1)
	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		out[i] = scaleToInt16(sum/channels, bitDepth)
	}
	return out
}

func scaleToInt16(v, bitDepth int) int16 {
	switch {
	case bitDepth == 8:
		return int16((v - 128) << 8)
	case bitDepth > 16:
		return int16(v >> (bitDepth - 16))
	default:
		return int16(v)
	}
}

// Resample converts between sample rates by linear interpolation.
func Resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		a := float64(in[j])
		b := a
		if j+1 < len(in) {
			b = float64(in[j+1])
		}
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
