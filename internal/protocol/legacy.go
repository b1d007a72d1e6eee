package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Legacy message type tags.
const (
	TypeInit                    = "init"
	TypeInitResponse            = "init_response"
	TypePing                    = "ping"
	TypePong                    = "pong"
	TypeTranscription           = "transcription"
	TypeParameterUpdate         = "parameter_update"
	TypeParameterUpdateResponse = "parameter_update_response"
	TypeGetParameters           = "get_parameters"
	TypeGetParametersResponse   = "get_parameters_response"
	TypeError                   = "error"

	StatusSuccess     = "success"
	AudioFormatRawPCM = "raw_pcm"
)

// InitMessage is the first control message sent on a legacy connection.
type InitMessage struct {
	Type        string `json:"type"`
	Language    string `json:"language"`
	Script      string `json:"script"`
	AudioFormat string `json:"audio_format"`
	Timestamp   int64  `json:"timestamp"`
}

// NewInit builds the init message.
func NewInit(language, script string, now time.Time) InitMessage {
	return InitMessage{
		Type:        TypeInit,
		Language:    language,
		Script:      script,
		AudioFormat: AudioFormatRawPCM,
		Timestamp:   now.UnixMilli(),
	}
}

// PingMessage keeps the legacy connection warm.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPing builds a keepalive ping.
func NewPing(now time.Time) PingMessage {
	return PingMessage{Type: TypePing, Timestamp: now.UnixMilli()}
}

// ParameterUpdateRequest asks the server to change tuning knobs.
type ParameterUpdateRequest struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
}

// GetParametersRequest asks the server for its current tuning knobs.
type GetParametersRequest struct {
	Type string `json:"type"`
}

// ID is a message or segment identifier. Servers send either strings or numbers.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// LegacyMessage is the inbound union of the legacy dialect.
type LegacyMessage interface {
	MessageType() string
}

// TranscriptionMetadata carries optional server-side measurements.
type TranscriptionMetadata struct {
	WordRateWPM      *float64 `json:"word_rate_wpm,omitempty"`
	ProcessingTimeMs *float64 `json:"processing_time_ms,omitempty"`
	LatencyMs        *float64 `json:"latency_ms,omitempty"`
}

// Transcription is one rolling hypothesis.
type Transcription struct {
	Type               string                `json:"type"`
	Text               string                `json:"text"`
	IsFinal            bool                  `json:"is_final"`
	Confidence         float64               `json:"confidence"`
	Timestamp          float64               `json:"timestamp"`
	SessionID          ID                    `json:"session_id"`
	MessageID          ID                    `json:"message_id"`
	SegmentID          ID                    `json:"segment_id"`
	Language           string                `json:"language"`
	Script             string                `json:"script"`
	SentenceState      string                `json:"sentence_state"`
	SentenceConfidence float64               `json:"sentence_confidence"`
	Metadata           TranscriptionMetadata `json:"metadata"`
}

// ParameterUpdateResponse acknowledges a parameter_update request.
type ParameterUpdateResponse struct {
	Type              string             `json:"type"`
	Status            string             `json:"status"`
	UpdatedParameters map[string]float64 `json:"updated_parameters"`
	Message           string             `json:"message,omitempty"`
}

// OK reports a success acknowledgement.
func (r *ParameterUpdateResponse) OK() bool { return r.Status == StatusSuccess }

// GetParametersResponse answers a get_parameters request.
type GetParametersResponse struct {
	Type       string             `json:"type"`
	Status     string             `json:"status"`
	Parameters map[string]float64 `json:"parameters"`
	Message    string             `json:"message,omitempty"`
}

// OK reports a success acknowledgement.
func (r *GetParametersResponse) OK() bool { return r.Status == StatusSuccess }

// ErrorMessage is a server-reported error.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// InitResponse acknowledges init.
type InitResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	SessionID ID     `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Pong answers a ping. Liveness only.
type Pong struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (*Transcription) MessageType() string           { return TypeTranscription }
func (*ParameterUpdateResponse) MessageType() string { return TypeParameterUpdateResponse }
func (*GetParametersResponse) MessageType() string   { return TypeGetParametersResponse }
func (*ErrorMessage) MessageType() string            { return TypeError }
func (*InitResponse) MessageType() string            { return TypeInitResponse }
func (*Pong) MessageType() string                    { return TypePong }

// ParseLegacy decodes one inbound legacy message into its concrete type.
func ParseLegacy(data []byte) (LegacyMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolError{Dialect: LegacyProtocol, Reason: "malformed json", Err: err}
	}

	var msg LegacyMessage
	switch envelope.Type {
	case TypeTranscription:
		msg = &Transcription{}
	case TypeParameterUpdateResponse:
		msg = &ParameterUpdateResponse{}
	case TypeGetParametersResponse:
		msg = &GetParametersResponse{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeInitResponse:
		msg = &InitResponse{}
	case TypePong:
		msg = &Pong{}
	case "":
		return nil, &ProtocolError{Dialect: LegacyProtocol, Reason: "missing message type"}
	default:
		return nil, &ProtocolError{Dialect: LegacyProtocol, Reason: "unknown message type " + strconv.Quote(envelope.Type)}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &ProtocolError{Dialect: LegacyProtocol, Reason: "invalid " + envelope.Type + " payload", Err: err}
	}
	return msg, nil
}
