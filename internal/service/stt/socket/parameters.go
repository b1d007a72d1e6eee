package socket

import (
	"context"
	"errors"
	"fmt"

	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/params"
	"ai-speech-live-client/internal/service/segment"
	"ai-speech-live-client/internal/service/stt"
)

func segmentKey(s protocol.Segment) segment.Key {
	return segment.TimedKey(float64(s.Start), float64(s.End))
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	return stt.IsFatal(err)
}

// Parameters returns the server-acknowledged parameter values.
func (c *Client) Parameters() params.Parameters {
	return c.cache.Snapshot()
}

// UpdateParameters sends a parameter_update and waits for the response. It
// returns false without error while not connected, leaving the cache as is.
// The cache changes only on a success acknowledgement.
func (c *Client) UpdateParameters(ctx context.Context, update params.Parameters) (bool, error) {
	if c.cfg.Mode != protocol.LegacyProtocol {
		return false, ErrParametersUnsupported
	}
	if err := params.Validate(update); err != nil {
		c.metrics.RecordParameterRequest("update", "invalid")
		return false, err
	}

	req := protocol.ParameterUpdateRequest{
		Type:       protocol.TypeParameterUpdate,
		Parameters: map[string]float64(update.Clone()),
	}
	msg, err := c.roundTrip(ctx, req, protocol.TypeParameterUpdateResponse)
	if err != nil {
		if errors.Is(err, stt.ErrNotConnected) {
			c.metrics.RecordParameterRequest("update", "disconnected")
			return false, nil
		}
		c.metrics.RecordParameterRequest("update", "error")
		return false, err
	}

	resp := msg.(*protocol.ParameterUpdateResponse)
	if !resp.OK() {
		c.metrics.RecordParameterRequest("update", "rejected")
		c.logger.Warn().Str("status", resp.Status).Str("message", resp.Message).Msg("Parameter update rejected")
		return false, nil
	}

	acknowledged := params.Parameters(resp.UpdatedParameters)
	if len(acknowledged) == 0 {
		acknowledged = update
	}
	c.cache.Apply(acknowledged)
	c.metrics.RecordParameterRequest("update", "success")
	c.logger.Info().Interface("parameters", acknowledged).Msg("Parameters updated")
	return true, nil
}

// GetParameters reads the server's current values and replaces the cache.
func (c *Client) GetParameters(ctx context.Context) (params.Parameters, error) {
	if c.cfg.Mode != protocol.LegacyProtocol {
		return nil, ErrParametersUnsupported
	}
	msg, err := c.roundTrip(ctx, protocol.GetParametersRequest{Type: protocol.TypeGetParameters}, protocol.TypeGetParametersResponse)
	if err != nil {
		c.metrics.RecordParameterRequest("get", "error")
		return nil, err
	}
	resp := msg.(*protocol.GetParametersResponse)
	if !resp.OK() {
		c.metrics.RecordParameterRequest("get", "rejected")
		return nil, &stt.ServerError{Severity: resp.Status, Message: resp.Message}
	}
	c.cache.Replace(params.Parameters(resp.Parameters))
	c.metrics.RecordParameterRequest("get", "success")
	return c.cache.Snapshot(), nil
}

// roundTrip sends req and waits for the first response of respType. Calls are
// serialised since the wire carries no request id.
func (c *Client) roundTrip(ctx context.Context, req any, respType string) (protocol.LegacyMessage, error) {
	c.paramMu.Lock()
	defer c.paramMu.Unlock()

	ch := make(chan protocol.LegacyMessage, 1)
	c.mu.Lock()
	cn := c.conn
	if cn == nil || c.state != stt.StateConnected {
		c.mu.Unlock()
		return nil, stt.ErrNotConnected
	}
	c.pending = ch
	c.pendingType = respType
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending == ch {
			c.pending = nil
			c.pendingType = ""
		}
		c.mu.Unlock()
	}()

	if err := c.writeJSON(cn, req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", respType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ParameterTimeout)
	defer cancel()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, stt.ErrNotConnected
		}
		return msg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", respType, ctx.Err())
	}
}

func (c *Client) deliverPending(msg protocol.LegacyMessage) {
	c.mu.Lock()
	ch := c.pending
	match := ch != nil && c.pendingType == msg.MessageType()
	if match {
		c.pending = nil
		c.pendingType = ""
	}
	c.mu.Unlock()

	if !match {
		c.logger.Debug().Str("type", msg.MessageType()).Msg("Unsolicited parameter response ignored")
		return
	}
	ch <- msg
}

// failPending releases a caller waiting on a parameter response.
func (c *Client) failPending() {
	c.mu.Lock()
	ch := c.pending
	c.pending = nil
	c.pendingType = ""
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
