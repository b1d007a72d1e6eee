package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Segment-stream status values.
const (
	StatusWait         = "WAIT"
	StatusError        = "ERROR"
	StatusWarning      = "WARNING"
	MessageServerReady = "SERVER_READY"
	MessageDisconnect  = "DISCONNECT"

	TaskTranscribe = "transcribe"
)

// Handshake is sent exactly once per segment-stream connection, before any audio.
type Handshake struct {
	UID                     string `json:"uid"`
	Language                string `json:"language"`
	Task                    string `json:"task"`
	Model                   string `json:"model"`
	UseVAD                  bool   `json:"use_vad"`
	SaveOutputRecording     bool   `json:"save_output_recording"`
	OutputRecordingFilename string `json:"output_recording_filename"`
	HFToken                 string `json:"hf_token,omitempty"`
}

// HandshakeOptions are the caller-controlled handshake fields.
type HandshakeOptions struct {
	Language string
	Model    string
	UseVAD   bool
	HFToken  string
}

// NewHandshake builds the handshake for a client uid.
func NewHandshake(uid string, opts HandshakeOptions) Handshake {
	return Handshake{
		UID:                     uid,
		Language:                opts.Language,
		Task:                    TaskTranscribe,
		Model:                   opts.Model,
		UseVAD:                  opts.UseVAD,
		SaveOutputRecording:     false,
		OutputRecordingFilename: "./output_recording.wav",
		HFToken:                 opts.HFToken,
	}
}

// Seconds is a segment boundary in seconds. Servers send numbers or numeric strings.
type Seconds float64

func (s *Seconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return fmt.Errorf("segment time %q: %w", str, err)
		}
		*s = Seconds(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Seconds(v)
	return nil
}

// Millis returns the boundary rounded to whole milliseconds.
func (s Seconds) Millis() int64 {
	return int64(math.Round(float64(s) * 1000))
}

// Segment is one timed span inside a segment batch.
type Segment struct {
	Start     Seconds `json:"start"`
	End       Seconds `json:"end"`
	Text      string  `json:"text"`
	Completed bool    `json:"completed"`
}

// SegmentMessage is the inbound union of the segment-stream dialect.
type SegmentMessage interface {
	segmentMessage()
}

// SegmentBatch is a full replacement list of the current segments.
type SegmentBatch struct {
	UID      string
	Segments []Segment
}

// WaitAdvisory means the server is busy. WaitMinutes is the estimated wait.
type WaitAdvisory struct {
	UID         string
	WaitMinutes float64
}

// ServerStatus carries an ERROR or WARNING status with its message.
type ServerStatus struct {
	UID     string
	Status  string
	Message string
}

// ServerReady acknowledges the handshake.
type ServerReady struct {
	UID     string
	Backend string
}

// ServerDisconnect announces the server is closing the session.
type ServerDisconnect struct {
	UID string
}

// LanguageDetected reports automatic language detection.
type LanguageDetected struct {
	UID         string
	Language    string
	Probability float64
}

func (*SegmentBatch) segmentMessage()     {}
func (*WaitAdvisory) segmentMessage()     {}
func (*ServerStatus) segmentMessage()     {}
func (*ServerReady) segmentMessage()      {}
func (*ServerDisconnect) segmentMessage() {}
func (*LanguageDetected) segmentMessage() {}

type rawSegmentMessage struct {
	UID          string          `json:"uid"`
	Status       string          `json:"status"`
	Message      json.RawMessage `json:"message"`
	Backend      string          `json:"backend"`
	Language     string          `json:"language"`
	LanguageProb float64         `json:"language_prob"`
	Segments     []Segment       `json:"segments"`
}

// ParseSegmentStream decodes one inbound segment-stream message.
func ParseSegmentStream(data []byte) (SegmentMessage, error) {
	var raw rawSegmentMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ProtocolError{Dialect: SegmentStreamProtocol, Reason: "malformed json", Err: err}
	}

	switch strings.ToUpper(raw.Status) {
	case StatusWait:
		wait, err := messageNumber(raw.Message)
		if err != nil {
			return nil, &ProtocolError{Dialect: SegmentStreamProtocol, Reason: "invalid WAIT message", Err: err}
		}
		return &WaitAdvisory{UID: raw.UID, WaitMinutes: wait}, nil
	case StatusError, StatusWarning:
		return &ServerStatus{UID: raw.UID, Status: strings.ToUpper(raw.Status), Message: messageText(raw.Message)}, nil
	}

	switch messageText(raw.Message) {
	case MessageServerReady:
		return &ServerReady{UID: raw.UID, Backend: raw.Backend}, nil
	case MessageDisconnect:
		return &ServerDisconnect{UID: raw.UID}, nil
	}

	if raw.Segments != nil {
		return &SegmentBatch{UID: raw.UID, Segments: raw.Segments}, nil
	}
	if raw.Language != "" {
		return &LanguageDetected{UID: raw.UID, Language: raw.Language, Probability: raw.LanguageProb}, nil
	}
	return nil, &ProtocolError{Dialect: SegmentStreamProtocol, Reason: "unrecognised message"}
}

func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func messageNumber(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
