// Package socket implements the WebSocket transcription client for both wire
// dialects.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/observability/logging"
	"ai-speech-live-client/internal/observability/metrics"
	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/params"
	"ai-speech-live-client/internal/service/segment"
	"ai-speech-live-client/internal/service/stt"
)

const (
	DefaultOpenTimeout        = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultReconnectBaseDelay = time.Second
	DefaultMaxReconnects      = 5
	DefaultSendQueueSize      = 50
	DefaultWriteTimeout       = 10 * time.Second
	DefaultParameterTimeout   = 5 * time.Second

	maxMessageSize = 1 << 20
)

// Config configures a Client.
type Config struct {
	URL       string
	Mode      protocol.Mode
	AuthToken string
	ClientUID string

	Language string
	Script   string
	Model    string
	UseVAD   bool
	HFToken  string

	OpenTimeout        time.Duration
	PingInterval       time.Duration
	ReconnectBaseDelay time.Duration
	// MaxReconnects caps automatic reconnects. Zero selects the default,
	// negative disables reconnecting.
	MaxReconnects      int
	SendQueueSize      int
	WriteTimeout       time.Duration
	ParameterTimeout   time.Duration

	Reconcile segment.Config
}

func (c *Config) applyDefaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	switch {
	case c.MaxReconnects == 0:
		c.MaxReconnects = DefaultMaxReconnects
	case c.MaxReconnects < 0:
		c.MaxReconnects = 0
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ParameterTimeout <= 0 {
		c.ParameterTimeout = DefaultParameterTimeout
	}
	if c.ClientUID == "" {
		c.ClientUID = uuid.NewString()
	}
	if c.Reconcile.MergeWindow <= 0 && c.Reconcile.MessageIDCapacity <= 0 {
		c.Reconcile = segment.DefaultConfig()
	}
}

var ErrParametersUnsupported = errors.New("parameter channel is only available on the legacy protocol")

// errConnectionLost marks an open that failed after the socket was up. The
// read/write path has already scheduled the reconnect.
var errConnectionLost = errors.New("connection lost during open")

// connection is one live WebSocket. Its goroutines stop when done closes.
type connection struct {
	ws            *websocket.Conn
	gen           uint64
	done          chan struct{}
	stopOnce      sync.Once
	handshakeSent bool
	serverEnded   bool
}

func (cn *connection) stop() {
	cn.stopOnce.Do(func() { close(cn.done) })
}

// Client is a transcription socket. It implements stt.Adapter,
// stt.ParameterChannel and stt.Reauthenticator.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	encode  protocol.Encoder

	queue      *frameQueue
	reconciler *segment.Reconciler
	cache      *params.Cache
	paramMu    sync.Mutex
	writeMu    sync.Mutex
	lastSent   atomic.Int64

	mu             sync.Mutex
	cb             stt.Callback
	state          stt.State
	token          string
	conn           *connection
	gen            uint64
	intentional    bool
	closed         bool
	attempt        int
	reconnectTimer *time.Timer
	reconnectSeq   uint64
	sessionID      string
	language       string
	pending        chan protocol.LegacyMessage
	pendingType    string
}

// New creates a disconnected client. m may be nil to use the default metrics.
func New(cfg Config, m *metrics.Metrics) *Client {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy: http.ProxyFromEnvironment,
		},
		metrics:    m,
		logger:     log.With().Str("component", "socket").Str("mode", cfg.Mode.String()).Str("clientUid", cfg.ClientUID).Logger(),
		now:        time.Now,
		encode:     protocol.EncoderFor(cfg.Mode),
		queue:      newFrameQueue(cfg.SendQueueSize),
		reconciler: segment.NewReconciler(cfg.Reconcile),
		cache:      params.NewCache(),
		token:      cfg.AuthToken,
		cb:         stt.CallbackFuncs{},
	}
}

// Start registers cb and connects with the configured credential.
func (c *Client) Start(ctx context.Context, cb stt.Callback) error {
	c.mu.Lock()
	if cb != nil {
		c.cb = cb
	}
	token := c.token
	c.mu.Unlock()
	return c.Connect(ctx, token)
}

// Connect opens the socket, blocking until it is open or OpenTimeout passes.
// Calling it while connected is a no-op. Calling it in the Error state resumes
// with the new credential.
func (c *Client) Connect(ctx context.Context, authToken string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return stt.ErrClosed
	}
	switch c.state {
	case stt.StateConnecting, stt.StateHandshakeSent, stt.StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.token = authToken
	c.intentional = false
	c.attempt = 0
	c.cancelReconnectLocked()
	c.setStateLocked(stt.StateConnecting)
	c.mu.Unlock()
	c.notifyState(stt.StateConnecting)

	err := c.open(ctx)
	if err != nil && !stt.CredentialsNeeded(err) && !errors.Is(err, errConnectionLost) {
		c.transition(stt.StateDisconnected)
	}
	return err
}

func (c *Client) endpoint(token string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if c.cfg.Mode == protocol.LegacyProtocol && token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// open dials and performs the dialect-specific opening. The caller has
// already moved the state to Connecting.
func (c *Client) open(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	target, err := c.endpoint(token)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.cfg.Mode == protocol.SegmentStreamProtocol && token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(dialCtx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.metrics.RecordConnectAttempt(c.cfg.Mode.String(), "rejected")
			rejected := &stt.ReconnectExhaustedError{Rejected: true, Err: fmt.Errorf("handshake status %d", resp.StatusCode)}
			c.credentialsNeeded(rejected)
			return rejected
		}
		var netErr net.Error
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			err = &stt.ConnectionTimeoutError{URL: c.cfg.URL, Timeout: c.cfg.OpenTimeout, Err: err}
			c.metrics.RecordConnectAttempt(c.cfg.Mode.String(), "timeout")
		} else {
			err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
			c.metrics.RecordConnectAttempt(c.cfg.Mode.String(), "error")
		}
		c.logger.Warn().Err(err).Msg("Connection failed")
		return err
	}
	ws.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.intentional || c.closed {
		c.mu.Unlock()
		ws.Close()
		return stt.ErrNotConnected
	}
	c.gen++
	cn := &connection{ws: ws, gen: c.gen, done: make(chan struct{})}
	c.conn = cn
	c.sessionID = uuid.NewString()
	connLogger := logging.WithConnection(c.sessionID, c.cfg.Mode.String())
	c.mu.Unlock()

	c.reconciler.Reset()
	c.queue.reset()
	c.metrics.RecordConnectAttempt(c.cfg.Mode.String(), "success")

	go c.readLoop(cn)

	// Frames queued from here on wait for the writer, which starts only after
	// the opening message is written.
	switch c.cfg.Mode {
	case protocol.LegacyProtocol:
		if err := c.writeJSON(cn, protocol.NewInit(c.cfg.Language, c.cfg.Script, c.now())); err != nil {
			c.connectionLost(cn, err)
			return fmt.Errorf("%w: send init: %v", errConnectionLost, err)
		}
		c.metrics.HandshakesSent.WithLabelValues(c.cfg.Mode.String()).Inc()
	case protocol.SegmentStreamProtocol:
		if err := c.sendHandshake(cn); err != nil {
			c.connectionLost(cn, err)
			return fmt.Errorf("%w: %v", errConnectionLost, err)
		}
	}
	go c.writeLoop(cn)
	if c.cfg.Mode == protocol.LegacyProtocol {
		c.markConnected(cn)
	}

	connLogger.Info().Str("url", c.cfg.URL).Uint64("generation", cn.gen).Msg("Socket opened")
	return nil
}

// sendHandshake writes the segment-stream handshake at most once per connection.
func (c *Client) sendHandshake(cn *connection) error {
	c.mu.Lock()
	if cn.handshakeSent || c.conn != cn {
		c.mu.Unlock()
		return nil
	}
	cn.handshakeSent = true
	c.mu.Unlock()

	hs := protocol.NewHandshake(c.cfg.ClientUID, protocol.HandshakeOptions{
		Language: c.cfg.Language,
		Model:    c.cfg.Model,
		UseVAD:   c.cfg.UseVAD,
		HFToken:  c.cfg.HFToken,
	})
	if err := c.writeJSON(cn, hs); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	c.metrics.HandshakesSent.WithLabelValues(c.cfg.Mode.String()).Inc()

	c.mu.Lock()
	changed := c.conn == cn && c.state == stt.StateConnecting && c.setStateLocked(stt.StateHandshakeSent)
	c.mu.Unlock()
	if changed {
		c.notifyState(stt.StateHandshakeSent)
	}
	return nil
}

func (c *Client) markConnected(cn *connection) {
	c.mu.Lock()
	if c.conn != cn || c.state == stt.StateConnected {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.setStateLocked(stt.StateConnected)
	c.mu.Unlock()
	c.notifyState(stt.StateConnected)
}

// SendAudio queues a frame for the writer goroutine. It is a no-op while the
// socket is not open.
func (c *Client) SendAudio(_ context.Context, frame models.AudioFrame) error {
	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	if !open {
		return nil
	}
	if c.queue.push(frame) {
		c.metrics.RecordFrameDropped("queue_full")
		c.logger.Debug().Uint32("sequence", frame.Sequence).Msg("Send queue full, dropped oldest frame")
	}
	return nil
}

// LastAudioSentAt is when the most recent audio frame was written.
func (c *Client) LastAudioSentAt() time.Time {
	n := c.lastSent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// DroppedFrames counts frames discarded by the send queue.
func (c *Client) DroppedFrames() uint64 {
	return c.queue.droppedTotal()
}

func (c *Client) State() stt.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the id of the current connection, empty while disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) ClientUID() string {
	return c.cfg.ClientUID
}

func (c *Client) Mode() protocol.Mode {
	return c.cfg.Mode
}

// Reconciliation returns the dedup and merge state of the current connection.
func (c *Client) Reconciliation() segment.ReconciliationState {
	return c.reconciler.State()
}

// Reconciler exposes the per-connection dedup and merge state.
func (c *Client) Reconciler() *segment.Reconciler {
	return c.reconciler
}

// Disconnect closes the socket intentionally: no reconnect is scheduled,
// timers stop, one normal-closure frame is sent and connection bookkeeping is
// reset. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.intentional = true
	c.cancelReconnectLocked()
	cn := c.conn
	c.conn = nil
	c.gen++
	c.sessionID = ""
	changed := c.setStateLocked(stt.StateDisconnected)
	c.mu.Unlock()

	var err error
	if cn != nil {
		cn.stop()
		c.writeMu.Lock()
		werr := cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			c.now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug().Err(werr).Msg("Close frame not delivered")
		}
		err = cn.ws.Close()
		c.logger.Info().Msg("Socket disconnected")
	}

	c.queue.reset()
	c.reconciler.Reset()
	c.failPending()
	c.lastSent.Store(0)

	if changed {
		c.notifyState(stt.StateDisconnected)
	}
	return err
}

// Close disconnects and refuses further connects.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *Client) readLoop(cn *connection) {
	for {
		msgType, data, err := cn.ws.ReadMessage()
		if err != nil {
			c.connectionLost(cn, err)
			return
		}
		receivedAt := c.now()

		if msgType != websocket.TextMessage {
			c.logger.Debug().Int("messageType", msgType).Msg("Ignoring non-text message")
			continue
		}
		if !c.current(cn) {
			return
		}

		switch c.cfg.Mode {
		case protocol.LegacyProtocol:
			c.dispatchLegacy(cn, data, receivedAt)
		case protocol.SegmentStreamProtocol:
			c.dispatchSegments(cn, data, receivedAt)
		}
	}
}

func (c *Client) writeLoop(cn *connection) {
	var ping <-chan time.Time
	if c.cfg.Mode == protocol.LegacyProtocol {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-cn.done:
			return
		case <-c.queue.notify:
			for {
				frame, ok := c.queue.pop()
				if !ok {
					break
				}
				if err := c.writeFrame(cn, frame); err != nil {
					c.connectionLost(cn, err)
					return
				}
			}
		case <-ping:
			if err := c.writeJSON(cn, protocol.NewPing(c.now())); err != nil {
				c.logger.Warn().Err(err).Msg("Ping failed")
			}
		}
	}
}

func (c *Client) writeFrame(cn *connection, frame models.AudioFrame) error {
	payload := c.encode(frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-cn.done:
		return nil
	default:
	}
	sentAt := c.now()
	c.lastSent.Store(sentAt.UnixNano())
	_ = cn.ws.SetWriteDeadline(sentAt.Add(c.cfg.WriteTimeout))
	if err := cn.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("write frame %d: %w", frame.Sequence, err)
	}
	c.metrics.RecordFrameSent(len(payload))
	return nil
}

func (c *Client) writeJSON(cn *connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	return cn.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) current(cn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == cn
}

func (c *Client) callback() stt.Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *Client) latency(receivedAt time.Time) (time.Duration, bool) {
	sent := c.LastAudioSentAt()
	if sent.IsZero() {
		return 0, false
	}
	d := receivedAt.Sub(sent)
	c.metrics.RecordLatency(d)
	return d, true
}

func (c *Client) protocolError(err error) {
	c.metrics.ProtocolErrors.WithLabelValues(c.cfg.Mode.String()).Inc()
	c.logger.Warn().Err(err).Msg("Dropping malformed server message")
	c.callback().OnError(err)
}

// connectionLost handles the end of a connection that was not closed by
// Disconnect. Events from superseded connections are ignored.
func (c *Client) connectionLost(cn *connection, cause error) {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sessionID = ""
	intentional := c.intentional || c.closed
	serverEnded := cn.serverEnded
	c.mu.Unlock()

	cn.stop()
	cn.ws.Close()
	c.failPending()

	if intentional {
		c.transition(stt.StateDisconnected)
		return
	}
	if serverEnded {
		c.logger.Info().Msg("Server ended the session")
		c.transition(stt.StateDisconnected)
		c.callback().OnError(&stt.ServerError{Severity: "DISCONNECT", Message: "session ended by server"})
		return
	}

	c.logger.Warn().Err(cause).Msg("Connection lost")
	c.scheduleReconnect(cause)
}

// scheduleReconnect arms a retry after baseDelay × 2^attempt, or gives up and
// asks for fresh credentials once the attempt cap is reached.
func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.intentional || c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.cfg.MaxReconnects {
		attempts := c.attempt
		c.mu.Unlock()
		c.credentialsNeeded(&stt.ReconnectExhaustedError{Attempts: attempts, Err: cause})
		return
	}

	delay := c.cfg.ReconnectBaseDelay << c.attempt
	c.attempt++
	c.reconnectSeq++
	seq := c.reconnectSeq
	attempt := c.attempt
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(seq) })
	changed := c.setStateLocked(stt.StateDisconnected)
	c.mu.Unlock()

	c.metrics.ReconnectsTotal.Inc()
	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled")
	if changed {
		c.notifyState(stt.StateDisconnected)
	}
}

func (c *Client) reconnect(seq uint64) {
	c.mu.Lock()
	if c.intentional || c.closed || seq != c.reconnectSeq || c.state != stt.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.setStateLocked(stt.StateConnecting)
	c.mu.Unlock()
	c.notifyState(stt.StateConnecting)

	err := c.open(context.Background())
	switch {
	case err == nil, stt.CredentialsNeeded(err), errors.Is(err, errConnectionLost):
		return
	case errors.Is(err, stt.ErrNotConnected):
		c.transition(stt.StateDisconnected)
	default:
		c.scheduleReconnect(err)
	}
}

// credentialsNeeded moves to the Error state and pauses reconnection until
// Connect is called with a new credential.
func (c *Client) credentialsNeeded(err *stt.ReconnectExhaustedError) {
	c.mu.Lock()
	c.cancelReconnectLocked()
	changed := c.setStateLocked(stt.StateError)
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("Reconnection paused, credentials needed")
	if changed {
		c.notifyState(stt.StateError)
	}
	c.callback().OnError(err)
}

func (c *Client) cancelReconnectLocked() {
	c.reconnectSeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) setStateLocked(s stt.State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Client) transition(s stt.State) {
	c.mu.Lock()
	changed := c.setStateLocked(s)
	c.mu.Unlock()
	if changed {
		c.notifyState(s)
	}
}

func (c *Client) notifyState(s stt.State) {
	c.metrics.ConnectionState.Set(float64(s))
	c.logger.Debug().Str("state", s.String()).Msg("Connection state changed")
	c.callback().OnStateChange(s)
}
