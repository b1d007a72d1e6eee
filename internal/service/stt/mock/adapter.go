package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/service/stt"
)

// Adapter implements stt.Adapter in process, without a server. It simulates
// realistic STT behavior:
// - one hypothesis every FramesPerStep audio frames
// - progressive partials, then exactly one final per utterance
// - a pending final is flushed on Close
type Adapter struct {
	mu            sync.Mutex
	cb            stt.Callback
	script        *script
	framesPerStep int
	delay         time.Duration
	frames        int
	started       bool
	closed        bool
	wg            sync.WaitGroup
}

// AdapterConfig configures an in-process mock.
type AdapterConfig struct {
	Utterances    []Utterance
	FramesPerStep int
	Delay         time.Duration // simulated processing delay per hypothesis
}

// NewAdapter creates a mock adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.FramesPerStep <= 0 {
		cfg.FramesPerStep = 1
	}
	return &Adapter{
		script:        newScript(cfg.Utterances),
		framesPerStep: cfg.FramesPerStep,
		delay:         cfg.Delay,
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(_ context.Context, cb stt.Callback) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return stt.ErrClosed
	}
	a.cb = cb
	a.started = true
	a.mu.Unlock()

	if cb != nil {
		cb.OnStateChange(stt.StateConnected)
	}
	return nil
}

// SendAudio counts frames and emits the next scripted hypothesis every
// FramesPerStep frames.
func (a *Adapter) SendAudio(_ context.Context, _ models.AudioFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || !a.started || a.cb == nil {
		return nil
	}
	a.frames++
	if a.frames%a.framesPerStep != 0 {
		return nil
	}
	a.emitLocked(a.script.next())
	return nil
}

func (a *Adapter) emitLocked(st step) {
	cb := a.cb
	delay := a.delay
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		cb.OnTranscript(stt.Transcript{
			SegmentID:  fmt.Sprintf("mock-utt-%d", st.Utterance),
			Text:       st.Text,
			Delta:      st.Text,
			IsFinal:    st.IsFinal,
			Confidence: st.Confidence,
			ReceivedAt: time.Now(),
		})
	}()
}

// Frames returns how many frames were received.
func (a *Adapter) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Close ends the mock session. If an utterance is mid-way its final is sent
// first. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.cb != nil && a.script.inProgress() {
		for {
			st := a.script.next()
			if st.IsFinal {
				a.emitLocked(st)
				break
			}
		}
	}
	cb := a.cb
	a.mu.Unlock()

	a.wg.Wait()
	if cb != nil {
		cb.OnStateChange(stt.StateDisconnected)
	}
	return nil
}
