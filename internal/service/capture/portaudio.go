//go:build cgo && !noportaudio

package capture

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"
)

// PortAudioDevice captures mono int16 audio from a microphone.
type PortAudioDevice struct {
	// DeviceName selects an input device by name; empty means the system default.
	DeviceName string

	mu          sync.Mutex
	stream      *portaudio.Stream
	buffer      []int16
	initialized bool
}

func NewPortAudioDevice(name string) *PortAudioDevice {
	return &PortAudioDevice{DeviceName: name}
}

func (d *PortAudioDevice) Name() string {
	if d.DeviceName == "" {
		return "default"
	}
	return d.DeviceName
}

func (d *PortAudioDevice) Open(sampleRate, framesPerBuffer int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return &PipelineInitError{Cause: CauseUnknown, Err: err}
	}
	d.initialized = true

	info, err := d.lookup()
	if err != nil {
		d.terminate()
		return err
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	if sampleRate > 0 {
		params.SampleRate = float64(sampleRate)
	}
	params.FramesPerBuffer = framesPerBuffer

	d.buffer = make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenStream(params, d.buffer)
	if err != nil {
		d.terminate()
		return classifyPortAudio(d.Name(), err)
	}
	d.stream = stream

	log.Info().
		Str("component", "capture").
		Str("device", info.Name).
		Float64("sampleRate", params.SampleRate).
		Int("framesPerBuffer", framesPerBuffer).
		Msg("Input device opened")
	return nil
}

func (d *PortAudioDevice) lookup() (*portaudio.DeviceInfo, error) {
	if d.DeviceName == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, &DeviceNotFoundError{Err: err}
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, &PipelineInitError{Cause: CauseUnknown, Err: err}
	}
	for _, info := range devices {
		if info.Name == d.DeviceName && info.MaxInputChannels > 0 {
			return info, nil
		}
	}
	return nil, &DeviceNotFoundError{Device: d.DeviceName, Err: errors.New("no input device with that name")}
}

func classifyPortAudio(device string, err error) error {
	switch {
	case errors.Is(err, portaudio.InvalidDevice), errors.Is(err, portaudio.DeviceUnavailable):
		return &DeviceNotFoundError{Device: device, Err: err}
	case strings.Contains(strings.ToLower(err.Error()), "permission"):
		return &PermissionError{Device: device, Err: err}
	default:
		return &PipelineInitError{Cause: CauseUnknown, Err: err}
	}
}

func (d *PortAudioDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return ErrNotInitialized
	}
	return d.stream.Start()
}

// Read polls for available input so that a stopped recording never blocks
// inside the driver.
func (d *PortAudioDevice) Read() ([]int16, error) {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return nil, ErrClosed
	}

	available, err := stream.AvailableToRead()
	if err != nil || available == 0 {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}

	if err := stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, err
	}

	out := make([]int16, len(d.buffer))
	copy(out, d.buffer)
	return out, nil
}

func (d *PortAudioDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	return d.stream.Stop()
}

func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.stream != nil {
		err = d.stream.Close()
		d.stream = nil
	}
	d.terminate()
	return err
}

func (d *PortAudioDevice) terminate() {
	if d.initialized {
		_ = portaudio.Terminate()
		d.initialized = false
	}
}
