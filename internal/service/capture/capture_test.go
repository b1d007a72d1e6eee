package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestFramer_SequenceFromZero(t *testing.T) {
	f := NewFramer(4, 1000)
	f.Reset()

	frames := f.Push([]int16{1, 2, 3})
	if len(frames) != 0 {
		t.Fatalf("expected no frame from 3 samples, got %d", len(frames))
	}
	frames = f.Push([]int16{4, 5, 6, 7, 8, 9})
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Sequence != 0 || frames[1].Sequence != 1 {
		t.Errorf("expected sequences 0,1, got %d,%d", frames[0].Sequence, frames[1].Sequence)
	}
	if frames[0].Samples[0] != 1 || frames[1].Samples[3] != 8 {
		t.Errorf("unexpected frame contents: %v %v", frames[0].Samples, frames[1].Samples)
	}
	if f.Pending() != 1 {
		t.Errorf("expected 1 pending sample, got %d", f.Pending())
	}

	f.Reset()
	if frames := f.Push(make([]int16, 4)); frames[0].Sequence != 0 || frames[0].TimestampMs != 0 {
		t.Errorf("expected sequence and clock reset to 0, got %+v", frames[0])
	}
}

func TestFramer_TimestampsFollowSampleOffset(t *testing.T) {
	f := NewFramer(160, 16000)
	f.Reset()

	// One read carrying three frames.
	frames := f.Push(make([]int16, 3*160))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, want := range []float64{0, 10, 20} {
		if frames[i].TimestampMs != want {
			t.Errorf("frame %d: expected timestamp %vms, got %v", i, want, frames[i].TimestampMs)
		}
	}
	if next := f.Push(make([]int16, 160)); next[0].TimestampMs != 30 {
		t.Errorf("expected 30ms for the next read, got %v", next[0].TimestampMs)
	}
}

func TestSamplesPerFrame(t *testing.T) {
	if n := SamplesPerFrame(16000, 100*time.Millisecond); n != 1600 {
		t.Errorf("expected 1600, got %d", n)
	}
	if n := SamplesPerFrame(48000, 20*time.Millisecond); n != 960 {
		t.Errorf("expected 960, got %d", n)
	}
}

func TestMeter(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		min, max float64
		clipping bool
	}{
		{"silence", make([]int16, 100), 0, 0, false},
		{"empty", nil, 0, 0, false},
		{"full scale square", []int16{32767, -32768, 32767, -32768}, 0.99, 1, true},
		{"half scale", []int16{16384, -16384}, 0.49, 0.51, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Meter
			m.Update(tt.samples)
			lvl := m.Level()
			if lvl.Value < tt.min || lvl.Value > tt.max {
				t.Errorf("expected level in [%v,%v], got %v", tt.min, tt.max, lvl.Value)
			}
			if lvl.Clipping != tt.clipping {
				t.Errorf("expected clipping=%v, got %v", tt.clipping, lvl.Clipping)
			}
		})
	}
}

func newTestPipeline(dev Device) *Pipeline {
	return NewPipeline(dev, Config{
		SampleRate:      16000,
		FrameDuration:   10 * time.Millisecond,
		FramesPerBuffer: 80,
		FrameQueue:      64,
	})
}

func TestPipeline_FramesStrictlyIncreasingFromZero(t *testing.T) {
	p := newTestPipeline(&SyntheticDevice{Frequency: 440, Amplitude: 0.5})
	defer p.Close()

	if err := p.StartRecording(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized before init, got %v", err)
	}
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	for run := 0; run < 2; run++ {
		if err := p.StartRecording(); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if err := p.StartRecording(); err != nil {
			t.Fatalf("second start should be a no-op, got %v", err)
		}

		for want := uint32(0); want < 5; want++ {
			select {
			case frame := <-p.Frames():
				if frame.Sequence != want {
					t.Fatalf("run %d: expected sequence %d, got %d", run, want, frame.Sequence)
				}
				if len(frame.Samples) != 160 {
					t.Fatalf("expected 160 samples, got %d", len(frame.Samples))
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for frame")
			}
		}
		if lvl := p.Level(); lvl.Value <= 0 {
			t.Errorf("expected positive level while recording, got %v", lvl.Value)
		}

		if err := p.StopRecording(); err != nil {
			t.Fatalf("stop failed: %v", err)
		}
		if err := p.StopRecording(); err != nil {
			t.Fatalf("second stop should be a no-op, got %v", err)
		}
		if lvl := p.Level(); lvl.Value != 0 {
			t.Errorf("expected zero level when stopped, got %v", lvl.Value)
		}
	}
}

func TestPipeline_RestartDiscardsUnreadFrames(t *testing.T) {
	p := newTestPipeline(&SyntheticDevice{Frequency: 440, Amplitude: 0.5})
	defer p.Close()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.StartRecording(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Frames():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	// Let the queue fill with frames nobody reads.
	deadline := time.Now().Add(2 * time.Second)
	for len(p.Frames()) < 8 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := p.StopRecording(); err != nil {
		t.Fatal(err)
	}
	if err := p.StartRecording(); err != nil {
		t.Fatal(err)
	}

	var prev uint32
	for i := 0; i < 40; i++ {
		select {
		case frame := <-p.Frames():
			if i == 0 && frame.Sequence != 0 {
				t.Fatalf("first frame after restart has sequence %d, want 0", frame.Sequence)
			}
			if i > 0 && frame.Sequence != prev+1 {
				t.Fatalf("sequence %d followed %d", frame.Sequence, prev)
			}
			prev = frame.Sequence
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestPipeline_DoneOnFiniteSource(t *testing.T) {
	p := newTestPipeline(&SyntheticDevice{Frequency: 100, Amplitude: 0.1, Limit: 480})
	defer p.Close()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.StartRecording(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected source to finish")
	}
	if n := p.FramesCaptured(); n != 3 {
		t.Errorf("expected 3 frames from 480 samples, got %d", n)
	}
}

func TestPipeline_InitializeErrors(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func() context.Context
		openErr error
		check   func(t *testing.T, err error)
	}{
		{
			name: "cancelled context",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			check: func(t *testing.T, err error) {
				var ie *PipelineInitError
				if !errors.As(err, &ie) || ie.Cause != CauseAborted {
					t.Errorf("expected aborted PipelineInitError, got %v", err)
				}
			},
		},
		{
			name:    "permission",
			openErr: &PermissionError{Device: "mic", Err: errors.New("denied")},
			check: func(t *testing.T, err error) {
				var pe *PermissionError
				if !errors.As(err, &pe) {
					t.Errorf("expected PermissionError, got %v", err)
				}
				if Remediation(err) == "" {
					t.Error("expected remediation text")
				}
			},
		},
		{
			name:    "no device",
			openErr: &DeviceNotFoundError{Err: errors.New("none")},
			check: func(t *testing.T, err error) {
				var nf *DeviceNotFoundError
				if !errors.As(err, &nf) {
					t.Errorf("expected DeviceNotFoundError, got %v", err)
				}
			},
		},
		{
			name:    "unclassified",
			openErr: errors.New("driver exploded"),
			check: func(t *testing.T, err error) {
				var ie *PipelineInitError
				if !errors.As(err, &ie) || ie.Cause != CauseUnknown {
					t.Errorf("expected unknown PipelineInitError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(&SyntheticDevice{OpenErr: tt.openErr})
			defer p.Close()
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}
			err := p.Initialize(ctx)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsFatal(err) {
				t.Errorf("expected fatal capture error, got %v", err)
			}
			tt.check(t, err)
		})
	}
}

func TestPipeline_CloseIdempotent(t *testing.T) {
	p := newTestPipeline(&SyntheticDevice{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if err := p.StartRecording(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func writeTestWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func TestWAVDevice_DecodesAndDownmixes(t *testing.T) {
	data := make([]int, 2*1600)
	for i := 0; i < 1600; i++ {
		data[2*i] = 1000
		data[2*i+1] = 3000
	}
	path := writeTestWAV(t, 16000, 2, data)

	dev := NewWAVDevice(path, false)
	if err := dev.Open(16000, 400); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if dev.Duration() != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %v", dev.Duration())
	}
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}

	total := 0
	for {
		samples, err := dev.Read()
		if err != nil {
			break
		}
		for _, s := range samples {
			if s != 2000 {
				t.Fatalf("expected downmixed sample 2000, got %d", s)
			}
		}
		total += len(samples)
	}
	if total != 1600 {
		t.Errorf("expected 1600 samples, got %d", total)
	}
}

func TestWAVDevice_OpenErrors(t *testing.T) {
	missing := NewWAVDevice(filepath.Join(t.TempDir(), "nope.wav"), false)
	var ie *PipelineInitError
	if err := missing.Open(16000, 256); !errors.As(err, &ie) || ie.Cause != CauseMissingFile {
		t.Errorf("expected missing-file error, got %v", err)
	}

	garbage := filepath.Join(t.TempDir(), "garbage.wav")
	if err := os.WriteFile(garbage, []byte("definitely not a riff file"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := NewWAVDevice(garbage, false).Open(16000, 256); !errors.As(err, &ie) || ie.Cause != CauseSyntax {
		t.Errorf("expected syntax error, got %v", err)
	}
}

func TestResample(t *testing.T) {
	in := []int16{0, 100, 200, 300}
	out := Resample(in, 8000, 16000)
	if len(out) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(out))
	}
	if out[1] != 50 || out[2] != 100 {
		t.Errorf("unexpected interpolation: %v", out)
	}
	if got := Resample(in, 16000, 16000); len(got) != 4 {
		t.Errorf("expected passthrough, got %v", got)
	}
}
