//go:build !cgo || noportaudio

package capture

import "errors"

var errNoPortAudio = errors.New("built without PortAudio support")

// PortAudioDevice stands in for the microphone when the binary is built
// without cgo or with the noportaudio tag. Open always fails.
type PortAudioDevice struct {
	DeviceName string
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

func (d *PortAudioDevice) Open(int, int) error {
	return &DeviceNotFoundError{Device: d.DeviceName, Err: errNoPortAudio}
}

func (d *PortAudioDevice) Start() error           { return ErrNotInitialized }
func (d *PortAudioDevice) Read() ([]int16, error) { return nil, ErrClosed }
func (d *PortAudioDevice) Stop() error            { return nil }
func (d *PortAudioDevice) Close() error           { return nil }
