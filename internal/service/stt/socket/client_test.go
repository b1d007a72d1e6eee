package socket

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/observability/metrics"
	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/params"
	"ai-speech-live-client/internal/service/segment"
	"ai-speech-live-client/internal/service/stt"
	"ai-speech-live-client/internal/service/stt/mock"
)

// recorder implements stt.Callback for testing
type recorder struct {
	mu          sync.Mutex
	transcripts []stt.Transcript
	batches     []stt.SegmentBatch
	states      []stt.State
	errs        []error
}

func (r *recorder) OnTranscript(t stt.Transcript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, t)
}

func (r *recorder) OnSegments(b stt.SegmentBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) OnStateChange(s stt.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) getTranscripts() []stt.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.Transcript{}, r.transcripts...)
}

func (r *recorder) getBatches() []stt.SegmentBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.SegmentBatch{}, r.batches...)
}

func (r *recorder) getErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error{}, r.errs...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startMock(t *testing.T, cfg mock.ServerConfig) (*mock.Server, string) {
	t.Helper()
	server := mock.NewServer(cfg)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return server, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, url string, mode protocol.Mode, mutate func(*Config)) (*Client, *recorder, *metrics.Metrics) {
	t.Helper()
	cfg := Config{
		URL:                url,
		Mode:               mode,
		Language:           "en",
		Model:              "small",
		ReconnectBaseDelay: 10 * time.Millisecond,
		MaxReconnects:      3,
		ParameterTimeout:   time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	client := New(cfg, m)
	rec := &recorder{}
	client.mu.Lock()
	client.cb = rec
	client.mu.Unlock()
	t.Cleanup(func() { client.Close() })
	return client, rec, m
}

func frame(seq int) models.AudioFrame {
	return models.AudioFrame{Sequence: uint32(seq), TimestampMs: float64(seq * 100), Samples: make([]int16, 1600)}
}

func TestClient_LegacyConnectSendsInit(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.State() != stt.StateConnected {
		t.Errorf("expected connected, got %v", client.State())
	}
	eventually(t, "init", func() bool { return server.Inits() == 1 })
	if server.Handshakes() != 0 {
		t.Errorf("legacy dialect must not send a handshake, got %d", server.Handshakes())
	}
	if client.SessionID() == "" {
		t.Error("expected a session id while connected")
	}
}

func TestClient_LegacyKeepalivePing(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, func(c *Config) {
		c.PingInterval = 20 * time.Millisecond
	})

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	eventually(t, "ping", func() bool { return server.Pings() >= 2 })
}

func TestClient_SegmentStreamNoPing(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.SegmentStreamProtocol})
	client, _, _ := newTestClient(t, url, protocol.SegmentStreamProtocol, func(c *Config) {
		c.PingInterval = 10 * time.Millisecond
	})

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if server.Pings() != 0 {
		t.Errorf("segment-stream dialect must not ping, got %d", server.Pings())
	}
}

func TestClient_HandshakeOncePerConnection(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.SegmentStreamProtocol})
	client, _, _ := newTestClient(t, url, protocol.SegmentStreamProtocol, nil)

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	eventually(t, "connected", func() bool { return client.State() == stt.StateConnected })
	if server.Handshakes() != 1 {
		t.Fatalf("expected 1 handshake, got %d", server.Handshakes())
	}

	for i := 2; i <= 3; i++ {
		server.DropConnections()
		eventually(t, "reconnect", func() bool {
			return server.Connections() == i && client.State() == stt.StateConnected
		})
		if server.Handshakes() != i {
			t.Errorf("expected %d handshakes after %d connections, got %d", i, i, server.Handshakes())
		}
	}
}

func TestClient_OpeningMessagePrecedesAudio(t *testing.T) {
	for _, mode := range []protocol.Mode{protocol.LegacyProtocol, protocol.SegmentStreamProtocol} {
		t.Run(mode.String(), func(t *testing.T) {
			server, url := startMock(t, mock.ServerConfig{Mode: mode, FramesPerStep: 1000})
			client, _, _ := newTestClient(t, url, mode, nil)
			ctx := context.Background()
			if err := client.Start(ctx, nil); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			stop := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				for seq := 0; ; seq++ {
					select {
					case <-stop:
						return
					default:
					}
					client.SendAudio(ctx, frame(seq))
					time.Sleep(100 * time.Microsecond)
				}
			}()

			for i := 2; i <= 4; i++ {
				server.DropConnections()
				eventually(t, "reconnect", func() bool {
					return server.Connections() == i && client.State() == stt.StateConnected
				})
			}
			eventually(t, "audio on the last connection", func() bool { return server.Frames() > 0 })
			close(stop)
			<-done

			if n := server.AudioFirst(); n != 0 {
				t.Errorf("expected every connection to open with a text message, %d opened with audio", n)
			}
		})
	}
}

func TestClient_HandshakeSentUntilServerAnswers(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.SegmentStreamProtocol, SkipReady: true})
	client, _, _ := newTestClient(t, url, protocol.SegmentStreamProtocol, nil)

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.State() != stt.StateHandshakeSent {
		t.Fatalf("expected handshake_sent, got %v", client.State())
	}

	// the first segment batch also confirms the session
	client.SendAudio(context.Background(), frame(0))
	eventually(t, "connected", func() bool { return client.State() == stt.StateConnected })
	if server.Handshakes() != 1 {
		t.Errorf("expected 1 handshake, got %d", server.Handshakes())
	}
}

func TestClient_DoubleDisconnectSendsOneCloseFrame(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Disconnect()
	client.Disconnect()

	eventually(t, "close frame", func() bool { return server.CloseFrames() == 1 })
	time.Sleep(50 * time.Millisecond)
	if server.CloseFrames() != 1 {
		t.Errorf("expected exactly 1 close frame, got %d", server.CloseFrames())
	}
	if server.Connections() != 1 {
		t.Errorf("intentional disconnect must not reconnect, got %d connections", server.Connections())
	}
	if client.State() != stt.StateDisconnected {
		t.Errorf("expected disconnected, got %v", client.State())
	}
	if client.SessionID() != "" {
		t.Error("expected session id to be cleared")
	}
}

func TestClient_DisconnectResetsReconciliation(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, rec, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)

	client.Start(context.Background(), nil)
	client.SendAudio(context.Background(), frame(0))
	eventually(t, "transcript", func() bool { return len(rec.getTranscripts()) == 1 })

	if st := client.Reconciliation(); len(st.SeenMessageIDs) != 1 || st.LastStableText == "" {
		t.Fatalf("expected reconciliation state, got %+v", st)
	}
	client.Disconnect()

	st := client.Reconciliation()
	if len(st.SeenMessageIDs) != 0 || st.LastStableText != "" {
		t.Errorf("expected reset state, got %+v", st)
	}
	if !client.LastAudioSentAt().IsZero() {
		t.Error("expected lastAudioSentAt to be cleared")
	}
}

func TestClient_SendAudioWhileDisconnectedIsNoop(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, m := newTestClient(t, url, protocol.LegacyProtocol, nil)

	if err := client.SendAudio(context.Background(), frame(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if server.Frames() != 0 {
		t.Errorf("expected no frames, got %d", server.Frames())
	}
	if got := testutil.ToFloat64(m.FramesSent); got != 0 {
		t.Errorf("expected 0 frames sent, got %v", got)
	}
}

func TestClient_FramesSentInOrder(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol, FramesPerStep: 1000})
	client, _, m := newTestClient(t, url, protocol.LegacyProtocol, nil)

	client.Start(context.Background(), nil)
	before := time.Now()
	for i := 0; i < 5; i++ {
		client.SendAudio(context.Background(), frame(i))
	}

	eventually(t, "frames", func() bool {
		return server.Frames() == 5 && testutil.ToFloat64(m.FramesSent) == 5
	})
	want := float64(5 * (protocol.EnvelopeHeaderSize + 2*1600))
	if got := testutil.ToFloat64(m.AudioBytesSent); got != want {
		t.Errorf("expected %v bytes, got %v", want, got)
	}
	if sent := client.LastAudioSentAt(); sent.Before(before) {
		t.Errorf("expected lastAudioSentAt after %v, got %v", before, sent)
	}
}

func TestClient_UpdateParametersWhileDisconnected(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)
	before := client.Parameters()

	ok, err := client.UpdateParameters(context.Background(), params.Parameters{params.VADThreshold: 0.7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected update to report false while disconnected")
	}

	after := client.Parameters()
	for name, v := range before {
		if after[name] != v {
			t.Errorf("cache changed for %s: %v -> %v", name, v, after[name])
		}
	}
}

func TestClient_UpdateParameters(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, m := newTestClient(t, url, protocol.LegacyProtocol, nil)
	ctx := context.Background()
	client.Start(ctx, nil)

	ok, err := client.UpdateParameters(ctx, params.Parameters{params.VADThreshold: 0.7, params.ChunkDurationMs: 200})
	if err != nil || !ok {
		t.Fatalf("expected acknowledged update, got ok=%v err=%v", ok, err)
	}
	if got := client.Parameters()[params.VADThreshold]; got != 0.7 {
		t.Errorf("expected cached vad_threshold 0.7, got %v", got)
	}
	if got := server.Parameters()[params.ChunkDurationMs]; got != 200 {
		t.Errorf("expected server chunk_duration_ms 200, got %v", got)
	}

	server.SetRejectParameters(true)
	ok, err = client.UpdateParameters(ctx, params.Parameters{params.VADThreshold: 0.2})
	if err != nil || ok {
		t.Fatalf("expected rejected update, got ok=%v err=%v", ok, err)
	}
	if got := client.Parameters()[params.VADThreshold]; got != 0.7 {
		t.Errorf("rejected update must not change the cache, got %v", got)
	}

	if got := testutil.ToFloat64(m.ParameterRequests.WithLabelValues("update", "success")); got != 1 {
		t.Errorf("expected 1 successful update, got %v", got)
	}
	if got := testutil.ToFloat64(m.ParameterRequests.WithLabelValues("update", "rejected")); got != 1 {
		t.Errorf("expected 1 rejected update, got %v", got)
	}
}

func TestClient_UpdateParametersValidates(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)
	client.Start(context.Background(), nil)

	_, err := client.UpdateParameters(context.Background(), params.Parameters{params.VADThreshold: 2})
	var verr *params.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClient_GetParameters(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)
	ctx := context.Background()
	client.Start(ctx, nil)

	other, _, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)
	other.Start(ctx, nil)
	if ok, err := other.UpdateParameters(ctx, params.Parameters{params.SpeechPadMs: 90}); !ok || err != nil {
		t.Fatalf("seed update failed: ok=%v err=%v", ok, err)
	}

	got, err := client.GetParameters(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[params.SpeechPadMs] != 90 || client.Parameters()[params.SpeechPadMs] != 90 {
		t.Errorf("expected speech_pad_ms 90 from the server, got %v", got)
	}
}

func TestClient_ParametersUnsupportedOnSegmentStream(t *testing.T) {
	client := New(Config{Mode: protocol.SegmentStreamProtocol}, metrics.NewMetrics(prometheus.NewRegistry()))
	if _, err := client.UpdateParameters(context.Background(), params.Parameters{params.VADThreshold: 0.5}); !errors.Is(err, ErrParametersUnsupported) {
		t.Errorf("expected ErrParametersUnsupported, got %v", err)
	}
	if _, err := client.GetParameters(context.Background()); !errors.Is(err, ErrParametersUnsupported) {
		t.Errorf("expected ErrParametersUnsupported, got %v", err)
	}
}

func TestClient_EndToEndRollingHypothesis(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{
		Mode:       protocol.LegacyProtocol,
		Utterances: []mock.Utterance{{Partials: []string{"hel"}, Final: "hello world", Confidence: 0.93}},
	})
	client, rec, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)
	ctx := context.Background()
	client.Start(ctx, nil)

	client.SendAudio(ctx, frame(0))
	eventually(t, "partial", func() bool { return len(rec.getTranscripts()) == 1 })
	client.SendAudio(ctx, frame(1))
	eventually(t, "final", func() bool { return len(rec.getTranscripts()) == 2 })

	got := rec.getTranscripts()
	if got[0].Text != "hel" || got[0].Delta != "hel" || got[0].IsFinal {
		t.Errorf("unexpected partial %+v", got[0])
	}
	if got[1].Text != "hello world" || got[1].Delta != "hello world" || !got[1].IsFinal {
		t.Errorf("unexpected final %+v", got[1])
	}
	for _, tr := range got {
		if !tr.HasLatency || tr.Latency < 0 {
			t.Errorf("expected a measured latency, got %+v", tr)
		}
	}

	transcript := segment.NewTranscript(client.SessionID())
	for _, tr := range got {
		transcript.ApplyHypothesis(segment.Hypothesis{
			SegmentID:  tr.SegmentID,
			Text:       tr.Text,
			IsFinal:    tr.IsFinal,
			Confidence: tr.Confidence,
			ReceivedAt: tr.ReceivedAt,
		})
	}
	if text := transcript.Text(); text != "hello world" {
		t.Errorf("expected rendered transcript %q, got %q", "hello world", text)
	}
	if segs := transcript.Segments(); len(segs) != 1 || !segs[0].IsFinal {
		t.Errorf("expected one final segment, got %+v", segs)
	}
}

func TestClient_DuplicateMessagesDropped(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol, DuplicateMessages: true})
	client, rec, m := newTestClient(t, url, protocol.LegacyProtocol, nil)
	ctx := context.Background()
	client.Start(ctx, nil)

	client.SendAudio(ctx, frame(0))
	client.SendAudio(ctx, frame(1))
	eventually(t, "duplicates", func() bool { return testutil.ToFloat64(m.DuplicateDropped) == 2 })

	if n := len(rec.getTranscripts()); n != 2 {
		t.Errorf("expected 2 transcripts after dedup, got %d", n)
	}
	if ids := client.Reconciliation().SeenMessageIDs; len(ids) != 2 {
		t.Errorf("expected 2 seen ids, got %v", ids)
	}
}

func TestClient_SegmentBatchForwarded(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{
		Mode:       protocol.SegmentStreamProtocol,
		Utterances: []mock.Utterance{{Partials: []string{"hel"}, Final: "hello world"}},
	})
	client, rec, _ := newTestClient(t, url, protocol.SegmentStreamProtocol, nil)
	ctx := context.Background()
	client.Start(ctx, nil)

	client.SendAudio(ctx, frame(0))
	eventually(t, "batch", func() bool { return len(rec.getBatches()) == 1 })
	client.SendAudio(ctx, frame(1))
	eventually(t, "second batch", func() bool { return len(rec.getBatches()) == 2 })

	batches := rec.getBatches()
	first, second := batches[0].Segments, batches[1].Segments
	if len(first) != 1 || first[0].IsFinal || first[0].Text != "hel" {
		t.Fatalf("unexpected first batch %+v", first)
	}
	if len(second) != 1 || !second[0].IsFinal || second[0].Text != "hello world" {
		t.Fatalf("unexpected second batch %+v", second)
	}
	if segment.KeyFor(first[0]) != segment.KeyFor(second[0]) || first[0].ID != "0-1500" {
		t.Errorf("expected a stable key, got %q and %q", first[0].ID, second[0].ID)
	}
	if !batches[0].HasLatency {
		t.Error("expected a latency measurement on the batch")
	}

	transcript := segment.NewTranscript("s")
	for _, b := range batches {
		transcript.ApplySegments(b.Segments)
	}
	if text := transcript.Text(); text != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", text)
	}
}

func TestClient_ServerStatusAdvisories(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.SegmentStreamProtocol})
	client, rec, m := newTestClient(t, url, protocol.SegmentStreamProtocol, nil)
	client.Start(context.Background(), nil)
	eventually(t, "connected", func() bool { return client.State() == stt.StateConnected })

	server.Broadcast(map[string]any{"uid": client.ClientUID(), "status": "WAIT", "message": 2})
	server.Broadcast(map[string]any{"uid": client.ClientUID(), "status": "ERROR", "message": "model failed"})
	server.Broadcast(map[string]any{"uid": client.ClientUID(), "language": "fr", "language_prob": 0.9})
	server.Broadcast(map[string]any{"bogus": true})

	eventually(t, "errors", func() bool { return len(rec.getErrors()) == 3 })
	errs := rec.getErrors()

	var busy *stt.ServerBusyError
	if !errors.As(errs[0], &busy) || busy.EstimatedWait != 2*time.Minute {
		t.Errorf("expected 2 minute busy advisory, got %v", errs[0])
	}
	var serverErr *stt.ServerError
	if !errors.As(errs[1], &serverErr) || serverErr.Message != "model failed" {
		t.Errorf("expected server error, got %v", errs[1])
	}
	var protoErr *protocol.ProtocolError
	if !errors.As(errs[2], &protoErr) {
		t.Errorf("expected protocol error, got %v", errs[2])
	}
	for _, err := range errs {
		if IsFatal(err) {
			t.Errorf("expected %v to be non-fatal", err)
		}
	}
	if client.DetectedLanguage() != "fr" {
		t.Errorf("expected detected language fr, got %q", client.DetectedLanguage())
	}
	if got := testutil.ToFloat64(m.ServerBusy); got != 1 {
		t.Errorf("expected 1 busy advisory, got %v", got)
	}
	if client.State() != stt.StateConnected {
		t.Errorf("advisories must not end the session, got %v", client.State())
	}
}

func TestClient_ServerDisconnectDoesNotReconnect(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.SegmentStreamProtocol})
	client, _, _ := newTestClient(t, url, protocol.SegmentStreamProtocol, nil)
	client.Start(context.Background(), nil)
	eventually(t, "connected", func() bool { return client.State() == stt.StateConnected })

	server.Broadcast(map[string]any{"uid": client.ClientUID(), "message": "DISCONNECT"})
	eventually(t, "disconnected", func() bool { return client.State() == stt.StateDisconnected })

	time.Sleep(50 * time.Millisecond)
	if server.Connections() != 1 {
		t.Errorf("expected no reconnect after server disconnect, got %d connections", server.Connections())
	}
}

func TestClient_ReconnectExhaustedNeedsCredentials(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, rec, _ := newTestClient(t, url, protocol.LegacyProtocol, func(c *Config) {
		c.MaxReconnects = -1
	})
	ctx := context.Background()
	client.Start(ctx, nil)

	server.DropConnections()
	eventually(t, "error state", func() bool { return client.State() == stt.StateError })

	errs := rec.getErrors()
	if len(errs) == 0 || !stt.CredentialsNeeded(errs[len(errs)-1]) || !IsFatal(errs[len(errs)-1]) {
		t.Fatalf("expected a fatal credentials-needed error, got %v", errs)
	}

	time.Sleep(50 * time.Millisecond)
	if server.Connections() != 1 {
		t.Errorf("expected reconnection to pause, got %d connections", server.Connections())
	}

	if err := client.Connect(ctx, "fresh"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.State() != stt.StateConnected || server.Connections() != 2 {
		t.Errorf("expected resumed connection, got %v with %d connections", client.State(), server.Connections())
	}
}

func TestClient_RejectedCredentials(t *testing.T) {
	server, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol, RequireToken: "secret"})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, func(c *Config) {
		c.AuthToken = "wrong"
	})
	ctx := context.Background()

	err := client.Start(ctx, nil)
	if !stt.CredentialsNeeded(err) {
		t.Fatalf("expected credentials needed, got %v", err)
	}
	if client.State() != stt.StateError {
		t.Errorf("expected error state, got %v", client.State())
	}

	if err := client.Connect(ctx, "secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.State() != stt.StateConnected {
		t.Errorf("expected connected, got %v", client.State())
	}
	if server.Rejected() != 1 {
		t.Errorf("expected 1 rejected dial, got %d", server.Rejected())
	}
}

func TestClient_SegmentStreamBearerToken(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{Mode: protocol.SegmentStreamProtocol, RequireToken: "secret"})
	client, _, _ := newTestClient(t, url, protocol.SegmentStreamProtocol, func(c *Config) {
		c.AuthToken = "secret"
	})

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_ConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// never answer the upgrade
			defer conn.Close()
		}
	}()

	client, _, _ := newTestClient(t, "ws://"+ln.Addr().String(), protocol.LegacyProtocol, func(c *Config) {
		c.OpenTimeout = 50 * time.Millisecond
	})

	err = client.Start(context.Background(), nil)
	var timeout *stt.ConnectionTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected connection timeout, got %v", err)
	}
	if IsFatal(err) {
		t.Error("timeouts are retryable")
	}
	if client.State() != stt.StateDisconnected {
		t.Errorf("expected disconnected, got %v", client.State())
	}
}

func TestClient_CloseRefusesConnect(t *testing.T) {
	_, url := startMock(t, mock.ServerConfig{Mode: protocol.LegacyProtocol})
	client, _, _ := newTestClient(t, url, protocol.LegacyProtocol, nil)
	client.Close()

	if err := client.Connect(context.Background(), ""); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
