package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/params"
)

const (
	writeWait = 5 * time.Second

	// segmentSpan is the scripted duration of one utterance in the
	// segment-stream dialect. Utterance n spans [n*segmentSpan, n*segmentSpan+1.5).
	segmentSpan = 2.0
)

// ServerConfig configures a mock transcription server.
type ServerConfig struct {
	Mode       protocol.Mode
	Utterances []Utterance
	// FramesPerStep is how many audio frames advance the script by one hypothesis.
	FramesPerStep int
	// RequireToken rejects connections without this credential with 401.
	RequireToken string
	// DuplicateMessages resends every transcription with the same message id.
	DuplicateMessages bool
	// SkipReady suppresses SERVER_READY after the handshake.
	SkipReady bool
}

// Server is a local transcription server for development and tests. It
// implements http.Handler.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu           sync.Mutex
	conns        map[*serverConn]struct{}
	params       params.Parameters
	rejectParams bool

	connections atomic.Int64
	handshakes  atomic.Int64
	inits       atomic.Int64
	frames      atomic.Int64
	pings       atomic.Int64
	closeFrames atomic.Int64
	rejected    atomic.Int64
	audioFirst  atomic.Int64
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	script  *script
	frames  int
	uid     string
}

// NewServer creates a mock server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.FramesPerStep <= 0 {
		cfg.FramesPerStep = 1
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.With().Str("component", "mock-server").Str("mode", cfg.Mode.String()).Logger(),
		conns:  make(map[*serverConn]struct{}),
		params: params.Defaults(),
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.RequireToken == "" {
		return true
	}
	if s.cfg.Mode == protocol.LegacyProtocol {
		return r.URL.Query().Get("token") == s.cfg.RequireToken
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") == s.cfg.RequireToken
}

// ServeHTTP upgrades the request and serves one session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.rejected.Add(1)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	sc := &serverConn{ws: ws, script: newScript(s.cfg.Utterances)}
	ws.SetCloseHandler(func(code int, text string) error {
		s.closeFrames.Add(1)
		sc.writeMu.Lock()
		defer sc.writeMu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
		return nil
	})

	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	s.connections.Add(1)
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Connection opened")

	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		ws.Close()
	}()

	for first := true; ; first = false {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if first && msgType == websocket.BinaryMessage {
			s.audioFirst.Add(1)
			s.logger.Warn().Msg("Audio arrived before the opening message")
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleText(sc, data)
		case websocket.BinaryMessage:
			s.handleAudio(sc, data)
		}
	}
}

func (s *Server) handleText(sc *serverConn, data []byte) {
	if s.cfg.Mode == protocol.SegmentStreamProtocol {
		var hs protocol.Handshake
		if err := json.Unmarshal(data, &hs); err != nil {
			s.send(sc, map[string]any{"status": protocol.StatusError, "message": "malformed handshake"})
			return
		}
		s.handshakes.Add(1)
		sc.uid = hs.UID
		if !s.cfg.SkipReady {
			s.send(sc, map[string]any{"uid": hs.UID, "message": protocol.MessageServerReady, "backend": "mock"})
		}
		return
	}

	var req struct {
		Type       string             `json:"type"`
		Parameters map[string]float64 `json:"parameters"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		s.send(sc, protocol.ErrorMessage{Type: protocol.TypeError, Message: "malformed message"})
		return
	}

	switch req.Type {
	case protocol.TypeInit:
		s.inits.Add(1)
		s.send(sc, protocol.InitResponse{Type: protocol.TypeInitResponse, Status: protocol.StatusSuccess, SessionID: protocol.ID(uuid.NewString())})
	case protocol.TypePing:
		s.pings.Add(1)
		s.send(sc, protocol.Pong{Type: protocol.TypePong, Timestamp: float64(time.Now().UnixMilli())})
	case protocol.TypeParameterUpdate:
		s.send(sc, s.updateParameters(req.Parameters))
	case protocol.TypeGetParameters:
		s.send(sc, protocol.GetParametersResponse{
			Type:       protocol.TypeGetParametersResponse,
			Status:     protocol.StatusSuccess,
			Parameters: s.Parameters(),
		})
	default:
		s.send(sc, protocol.ErrorMessage{Type: protocol.TypeError, Message: fmt.Sprintf("unknown message type %q", req.Type)})
	}
}

func (s *Server) updateParameters(update params.Parameters) protocol.ParameterUpdateResponse {
	resp := protocol.ParameterUpdateResponse{Type: protocol.TypeParameterUpdateResponse}

	s.mu.Lock()
	reject := s.rejectParams
	s.mu.Unlock()
	if reject {
		resp.Status = protocol.StatusError
		resp.Message = "parameter updates disabled"
		return resp
	}
	if err := params.Validate(update); err != nil {
		resp.Status = protocol.StatusError
		resp.Message = err.Error()
		return resp
	}

	s.mu.Lock()
	for name, v := range update {
		s.params[name] = v
	}
	s.mu.Unlock()
	resp.Status = protocol.StatusSuccess
	resp.UpdatedParameters = update
	return resp
}

func (s *Server) handleAudio(sc *serverConn, data []byte) {
	switch s.cfg.Mode {
	case protocol.LegacyProtocol:
		if _, err := protocol.DecodeEnvelope(data); err != nil {
			s.send(sc, protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
			return
		}
	case protocol.SegmentStreamProtocol:
		if _, err := protocol.DecodeFloat32(data); err != nil {
			s.send(sc, map[string]any{"uid": sc.uid, "status": protocol.StatusWarning, "message": err.Error()})
			return
		}
	}
	s.frames.Add(1)

	sc.frames++
	if sc.frames%s.cfg.FramesPerStep != 0 {
		return
	}
	st := sc.script.next()

	if s.cfg.Mode == protocol.SegmentStreamProtocol {
		s.send(sc, map[string]any{"uid": sc.uid, "segments": segmentsFor(sc.script, st)})
		return
	}

	msg := protocol.Transcription{
		Type:       protocol.TypeTranscription,
		Text:       st.Text,
		IsFinal:    st.IsFinal,
		Confidence: st.Confidence,
		Timestamp:  float64(time.Now().UnixMilli()),
		MessageID:  protocol.ID(uuid.NewString()),
		SegmentID:  protocol.ID(fmt.Sprintf("utt-%d", st.Utterance)),
	}
	s.send(sc, msg)
	if s.cfg.DuplicateMessages {
		s.send(sc, msg)
	}
}

// segmentsFor builds the full replacement list after st: completed
// utterances plus the one in progress.
func segmentsFor(sc *script, st step) []protocol.Segment {
	segs := make([]protocol.Segment, 0, st.Utterance+1)
	for i := 0; i < st.Utterance; i++ {
		u := sc.utterances[i%len(sc.utterances)]
		segs = append(segs, scriptedSegment(i, u.Final, true))
	}
	return append(segs, scriptedSegment(st.Utterance, st.Text, st.IsFinal))
}

func scriptedSegment(n int, text string, completed bool) protocol.Segment {
	start := float64(n) * segmentSpan
	return protocol.Segment{
		Start:     protocol.Seconds(start),
		End:       protocol.Seconds(start + 1.5),
		Text:      text,
		Completed: completed,
	}
}

func (s *Server) send(sc *serverConn, v any) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sc.ws.WriteJSON(v); err != nil {
		s.logger.Debug().Err(err).Msg("Write failed")
	}
}

// Broadcast writes a raw JSON message to every open connection.
func (s *Server) Broadcast(v any) {
	for _, sc := range s.open() {
		s.send(sc, v)
	}
}

// DropConnections closes every connection without a close frame.
func (s *Server) DropConnections() {
	for _, sc := range s.open() {
		sc.ws.UnderlyingConn().Close()
	}
}

func (s *Server) open() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		out = append(out, sc)
	}
	return out
}

// SetRejectParameters makes parameter updates fail with an error status.
func (s *Server) SetRejectParameters(reject bool) {
	s.mu.Lock()
	s.rejectParams = reject
	s.mu.Unlock()
}

// Parameters returns the server-side parameter values.
func (s *Server) Parameters() params.Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

func (s *Server) Connections() int { return int(s.connections.Load()) }
func (s *Server) Open() int        { return len(s.open()) }
func (s *Server) Handshakes() int  { return int(s.handshakes.Load()) }
func (s *Server) Inits() int       { return int(s.inits.Load()) }
func (s *Server) Frames() int      { return int(s.frames.Load()) }
func (s *Server) Pings() int       { return int(s.pings.Load()) }
func (s *Server) CloseFrames() int { return int(s.closeFrames.Load()) }
func (s *Server) Rejected() int    { return int(s.rejected.Load()) }

// AudioFirst counts connections whose first message was audio rather than
// the init or handshake.
func (s *Server) AudioFirst() int { return int(s.audioFirst.Load()) }

// ListenAndServe serves the mock on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Mock transcription server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.DropConnections()
		return srv.Shutdown(shutdownCtx)
	}
}
