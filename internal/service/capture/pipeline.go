// Package capture acquires audio from a device, cuts it into fixed-duration
// frames on a dedicated goroutine and meters the input level.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-live-client/internal/models"
)

const (
	DefaultSampleRate      = 16000
	DefaultFrameDuration   = 100 * time.Millisecond
	DefaultFramesPerBuffer = 512
	DefaultFrameQueue      = 32
)

// Config describes the capture format.
type Config struct {
	SampleRate      int
	FrameDuration   time.Duration
	FramesPerBuffer int
	FrameQueue      int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:      DefaultSampleRate,
		FrameDuration:   DefaultFrameDuration,
		FramesPerBuffer: DefaultFramesPerBuffer,
		FrameQueue:      DefaultFrameQueue,
	}
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameDuration < 10*time.Millisecond || c.FrameDuration > 10*time.Second {
		return fmt.Errorf("frame duration %v outside [10ms, 10s]", c.FrameDuration)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames per buffer must be positive, got %d", c.FramesPerBuffer)
	}
	return nil
}

// Pipeline owns one capture device. Frames leave the capture goroutine only
// through the Frames channel.
type Pipeline struct {
	cfg    Config
	device Device
	logger zerolog.Logger

	framer *Framer
	meter  Meter
	frames chan models.AudioFrame

	mu          sync.Mutex
	initialized bool
	recording   bool
	closed      bool
	stop        chan struct{}
	loopDone    chan struct{}
	eof         chan struct{}
	eofOnce     *sync.Once
	captured    uint64
}

func NewPipeline(device Device, cfg Config) *Pipeline {
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = DefaultFrameQueue
	}
	return &Pipeline{
		cfg:    cfg,
		device: device,
		logger: log.With().Str("component", "capture").Str("device", device.Name()).Logger(),
		framer: NewFramer(SamplesPerFrame(cfg.SampleRate, cfg.FrameDuration), cfg.SampleRate),
		frames: make(chan models.AudioFrame, cfg.FrameQueue),
	}
}

// Initialize opens the device. Errors are *PermissionError,
// *DeviceNotFoundError or *PipelineInitError.
func (p *Pipeline) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &PipelineInitError{Cause: CauseAborted, Err: err}
	}
	if err := p.cfg.Validate(); err != nil {
		return &PipelineInitError{Cause: CauseSyntax, Err: err}
	}

	if err := p.device.Open(p.cfg.SampleRate, p.cfg.FramesPerBuffer); err != nil {
		if !IsFatal(err) {
			err = &PipelineInitError{Cause: CauseUnknown, Err: err}
		}
		p.logger.Error().Err(err).Msg("Capture initialization failed")
		return err
	}

	p.initialized = true
	p.logger.Info().
		Int("sampleRate", p.cfg.SampleRate).
		Dur("frameDuration", p.cfg.FrameDuration).
		Int("samplesPerFrame", p.framer.samplesPerFrame).
		Msg("Capture pipeline initialized")
	return nil
}

// StartRecording resumes the device and starts framing from sequence 0.
// Calling it while recording is a no-op.
func (p *Pipeline) StartRecording() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return ErrClosed
	case !p.initialized:
		return ErrNotInitialized
	case p.recording:
		return nil
	}

	if err := p.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}

	p.drainFrames()
	p.framer.Reset()
	p.meter.Reset()
	p.captured = 0
	p.stop = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.eof = make(chan struct{})
	p.eofOnce = &sync.Once{}
	p.recording = true

	go p.captureLoop(p.stop, p.loopDone, p.eof, p.eofOnce)

	p.logger.Info().Msg("Recording started")
	return nil
}

func (p *Pipeline) captureLoop(stop <-chan struct{}, done chan<- struct{}, eof chan struct{}, once *sync.Once) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		samples, err := p.device.Read()
		if errors.Is(err, io.EOF) {
			once.Do(func() { close(eof) })
			p.logger.Info().Msg("Capture source exhausted")
			return
		}
		if err != nil {
			p.logger.Warn().Err(err).Msg("Capture read failed")
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if len(samples) == 0 {
			continue
		}

		p.meter.Update(samples)
		for _, frame := range p.framer.Push(samples) {
			select {
			case p.frames <- frame:
				p.mu.Lock()
				p.captured++
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}
}

// drainFrames discards frames the previous recording left unread, so a new
// recording always delivers sequence 0 first.
func (p *Pipeline) drainFrames() {
	for {
		select {
		case <-p.frames:
		default:
			return
		}
	}
}

// StopRecording halts the capture goroutine and pauses the device.
// Calling it while stopped is a no-op.
func (p *Pipeline) StopRecording() error {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return nil
	}
	p.recording = false
	stop, done := p.stop, p.loopDone
	p.mu.Unlock()

	close(stop)
	<-done

	p.meter.Reset()
	if err := p.device.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	p.logger.Info().Msg("Recording stopped")
	return nil
}

// Close stops recording, releases the device and closes the frame channel.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.StopRecording(); err != nil {
		p.logger.Warn().Err(err).Msg("Stop during close failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.frames)
	if !p.initialized {
		return nil
	}
	return p.device.Close()
}

// Frames delivers captured frames in sequence order.
func (p *Pipeline) Frames() <-chan models.AudioFrame {
	return p.frames
}

// Done is closed when a finite source reaches its end during the current
// recording. It is nil before the first StartRecording.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eof
}

// Level returns the latest input level, zero while not recording.
func (p *Pipeline) Level() Level {
	p.mu.Lock()
	recording := p.recording
	p.mu.Unlock()
	if !recording {
		return Level{}
	}
	return p.meter.Level()
}

func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// FramesCaptured counts frames emitted since the last StartRecording.
func (p *Pipeline) FramesCaptured() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captured
}

func (p *Pipeline) Config() Config {
	return p.cfg
}
