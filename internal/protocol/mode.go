// Package protocol holds the two wire dialects spoken to the transcription
// server: audio frame encoders and the inbound/outbound JSON message unions.
package protocol

import (
	"fmt"
	"strings"
)

// Mode selects the wire dialect. It is chosen by configuration.
type Mode int

const (
	// LegacyProtocol streams binary envelopes and exchanges typed JSON messages
	// (init, ping, transcription, parameter updates).
	LegacyProtocol Mode = iota
	// SegmentStreamProtocol streams bare float32 PCM after a one-time JSON
	// handshake and receives whole segment lists.
	SegmentStreamProtocol
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case LegacyProtocol:
		return "legacy"
	case SegmentStreamProtocol:
		return "segment-stream"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMode parses a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "envelope", "a":
		return LegacyProtocol, nil
	case "segment-stream", "segment_stream", "segments", "b":
		return SegmentStreamProtocol, nil
	default:
		return LegacyProtocol, fmt.Errorf("unknown protocol mode %q", s)
	}
}

// ProtocolError reports an inbound message that could not be understood.
// The message is dropped; the session carries on.
type ProtocolError struct {
	Dialect Mode
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol: %s: %v", e.Dialect, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s protocol: %s", e.Dialect, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
