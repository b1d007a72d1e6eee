package socket

import (
	"time"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/stt"
)

func (c *Client) dispatchLegacy(cn *connection, data []byte, receivedAt time.Time) {
	msg, err := protocol.ParseLegacy(data)
	if err != nil {
		c.protocolError(err)
		return
	}
	c.metrics.RecordMessage(c.cfg.Mode.String(), msg.MessageType())

	switch m := msg.(type) {
	case *protocol.Transcription:
		c.handleTranscription(m, receivedAt)
	case *protocol.ParameterUpdateResponse, *protocol.GetParametersResponse:
		c.deliverPending(msg)
	case *protocol.ErrorMessage:
		c.logger.Warn().Str("message", m.Message).Msg("Server reported error")
		c.callback().OnError(&stt.ServerError{Severity: protocol.StatusError, Message: m.Message})
	case *protocol.InitResponse:
		if m.Status != "" && m.Status != protocol.StatusSuccess {
			c.callback().OnError(&stt.ServerError{Severity: m.Status, Message: m.Message})
			return
		}
		c.logger.Debug().Str("serverSession", string(m.SessionID)).Msg("Init acknowledged")
		c.markConnected(cn)
	case *protocol.Pong:
	}
}

func (c *Client) handleTranscription(m *protocol.Transcription, receivedAt time.Time) {
	delta, ok := c.reconciler.Accept(string(m.MessageID), m.Text, receivedAt)
	if !ok {
		c.metrics.DuplicateDropped.Inc()
		c.logger.Debug().Str("messageId", string(m.MessageID)).Msg("Duplicate transcription dropped")
		return
	}
	latency, hasLatency := c.latency(receivedAt)
	c.metrics.RecordTranscript(m.IsFinal)

	c.callback().OnTranscript(stt.Transcript{
		SegmentID:  string(m.SegmentID),
		Text:       m.Text,
		Delta:      delta,
		IsFinal:    m.IsFinal,
		Confidence: m.Confidence,
		Language:   m.Language,
		ReceivedAt: receivedAt,
		Latency:    latency,
		HasLatency: hasLatency,
		Server: stt.ServerMetrics{
			WordRateWPM:      m.Metadata.WordRateWPM,
			ProcessingTimeMs: m.Metadata.ProcessingTimeMs,
			LatencyMs:        m.Metadata.LatencyMs,
		},
	})
}

func (c *Client) dispatchSegments(cn *connection, data []byte, receivedAt time.Time) {
	msg, err := protocol.ParseSegmentStream(data)
	if err != nil {
		c.protocolError(err)
		return
	}

	switch m := msg.(type) {
	case *protocol.SegmentBatch:
		c.metrics.RecordMessage(c.cfg.Mode.String(), "segments")
		c.markConnected(cn)
		latency, hasLatency := c.latency(receivedAt)
		c.callback().OnSegments(stt.SegmentBatch{
			Segments:   toModelSegments(m.Segments, receivedAt),
			ReceivedAt: receivedAt,
			Latency:    latency,
			HasLatency: hasLatency,
		})
	case *protocol.WaitAdvisory:
		c.metrics.RecordMessage(c.cfg.Mode.String(), "wait")
		c.metrics.ServerBusy.Inc()
		wait := time.Duration(m.WaitMinutes * float64(time.Minute))
		c.logger.Info().Dur("estimatedWait", wait).Msg("Server busy")
		c.callback().OnError(&stt.ServerBusyError{EstimatedWait: wait})
	case *protocol.ServerStatus:
		c.metrics.RecordMessage(c.cfg.Mode.String(), "status")
		c.logger.Warn().Str("status", m.Status).Str("message", m.Message).Msg("Server status")
		c.callback().OnError(&stt.ServerError{Severity: m.Status, Message: m.Message})
	case *protocol.ServerReady:
		c.metrics.RecordMessage(c.cfg.Mode.String(), "ready")
		c.logger.Info().Str("backend", m.Backend).Msg("Server ready")
		c.markConnected(cn)
	case *protocol.LanguageDetected:
		c.metrics.RecordMessage(c.cfg.Mode.String(), "language")
		c.mu.Lock()
		c.language = m.Language
		c.mu.Unlock()
		c.logger.Info().Str("language", m.Language).Float64("probability", m.Probability).Msg("Language detected")
		c.markConnected(cn)
	case *protocol.ServerDisconnect:
		c.metrics.RecordMessage(c.cfg.Mode.String(), "disconnect")
		c.mu.Lock()
		cn.serverEnded = true
		c.mu.Unlock()
		cn.ws.Close()
	}
}

// DetectedLanguage is the language last reported by a segment-stream server.
func (c *Client) DetectedLanguage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

func toModelSegments(in []protocol.Segment, receivedAt time.Time) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, 0, len(in))
	for _, s := range in {
		start, end := float64(s.Start), float64(s.End)
		out = append(out, models.TranscriptSegment{
			ID:        string(segmentKey(s)),
			Text:      s.Text,
			IsFinal:   s.Completed,
			StartTime: &start,
			EndTime:   &end,
			Timestamp: receivedAt.UnixMilli(),
		})
	}
	return out
}
