// Package stt defines the contract between a session and a streaming
// transcription backend.
package stt

import (
	"context"
	"fmt"
	"time"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/service/params"
)

// State is the connection state of a backend.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	// StateHandshakeSent - segment-stream handshake written, waiting for the server.
	StateHandshakeSent
	StateConnected
	// StateError - reconnection gave up; a fresh credential is needed.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ServerMetrics are optional measurements reported alongside a hypothesis.
type ServerMetrics struct {
	WordRateWPM      *float64
	ProcessingTimeMs *float64
	LatencyMs        *float64
}

// Transcript is one rolling hypothesis after dedup and overlap merge.
// Text is the full hypothesis; Delta is the part not delivered before.
type Transcript struct {
	SegmentID  string
	Text       string
	Delta      string
	IsFinal    bool
	Confidence float64
	Language   string
	ReceivedAt time.Time
	Latency    time.Duration
	HasLatency bool
	Server     ServerMetrics
}

// SegmentBatch is a full replacement list of timed segments.
type SegmentBatch struct {
	Segments   []models.TranscriptSegment
	ReceivedAt time.Time
	Latency    time.Duration
	HasLatency bool
}

// Callback receives transcription results.
type Callback interface {
	// OnTranscript is called for each accepted rolling hypothesis.
	OnTranscript(t Transcript)

	// OnSegments is called for each segment batch.
	OnSegments(b SegmentBatch)

	// OnStateChange is called on every connection state transition.
	OnStateChange(s State)

	// OnError is called for surfaced errors. Use IsFatal to classify.
	OnError(err error)
}

// Adapter is a streaming transcription backend.
type Adapter interface {
	// Start connects and begins a streaming session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio queues one captured frame for the backend.
	SendAudio(ctx context.Context, frame models.AudioFrame) error

	// Close ends the session and releases resources. Idempotent.
	Close() error
}

// ParameterChannel is implemented by backends that expose server tuning knobs.
type ParameterChannel interface {
	// UpdateParameters returns false without error when not connected.
	UpdateParameters(ctx context.Context, update params.Parameters) (bool, error)
	GetParameters(ctx context.Context) (params.Parameters, error)
	// Parameters returns the acknowledged cached values.
	Parameters() params.Parameters
}

// Reauthenticator is implemented by backends that pause after exhausting
// reconnects until a fresh credential is supplied.
type Reauthenticator interface {
	Connect(ctx context.Context, authToken string) error
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Transcript  func(Transcript)
	Segments    func(SegmentBatch)
	StateChange func(State)
	Error       func(error)
}

func (f CallbackFuncs) OnTranscript(t Transcript) {
	if f.Transcript != nil {
		f.Transcript(t)
	}
}

func (f CallbackFuncs) OnSegments(b SegmentBatch) {
	if f.Segments != nil {
		f.Segments(b)
	}
}

func (f CallbackFuncs) OnStateChange(s State) {
	if f.StateChange != nil {
		f.StateChange(s)
	}
}

func (f CallbackFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
