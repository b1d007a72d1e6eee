// Package models defines the data structures shared between capture, transport,
// reconciliation and the event sinks.
package models

// AudioFrame is one fixed-duration block of mono PCM captured from a device.
// Sequence restarts at 0 on every recording start and increases by one per frame.
type AudioFrame struct {
	Sequence    uint32  `json:"sequence"`
	TimestampMs float64 `json:"timestampMs"`
	Samples     []int16 `json:"-"`
}

// TranscriptSegment is a span of recognised text as presented to consumers.
type TranscriptSegment struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	IsFinal    bool     `json:"isFinal"`
	StartTime  *float64 `json:"startTime,omitempty"`
	EndTime    *float64 `json:"endTime,omitempty"`
	Confidence float64  `json:"confidence"`
	Timestamp  int64    `json:"timestamp"`
}

// HasTiming reports whether the server supplied start and end times.
func (s TranscriptSegment) HasTiming() bool {
	return s.StartTime != nil && s.EndTime != nil
}

// TranscriptPartial is published for every revisable hypothesis.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	ClientUID string `json:"clientUid"`
	Timestamp int64  `json:"timestamp"`
	SegmentID string `json:"segmentId"`
	Text      string `json:"text"`
	Delta     string `json:"delta,omitempty"`
}

// TranscriptFinal is published once a segment is confirmed.
type TranscriptFinal struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	ClientUID  string  `json:"clientUid"`
	Timestamp  int64   `json:"timestamp"`
	SegmentID  string  `json:"segmentId"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	LatencyMs  float64 `json:"latencyMs"`
}

const (
	EventTypePartial = "session.transcript.partial"
	EventTypeFinal   = "session.transcript.final"
)
