package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/observability/metrics"
	"ai-speech-live-client/internal/service/stt"
)

// fakeStream implements speechpb.Speech_StreamingRecognizeClient.
type fakeStream struct {
	grpc.ClientStream

	mu        sync.Mutex
	sent      []*speechpb.StreamingRecognizeRequest
	responses chan *speechpb.StreamingRecognizeResponse
	recvErr   error
	closed    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{responses: make(chan *speechpb.StreamingRecognizeResponse, 8)}
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	resp, ok := <-f.responses
	if !ok {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, io.EOF
	}
	return resp, nil
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.responses)
	}
	return nil
}

func (f *fakeStream) fail(err error) {
	f.mu.Lock()
	f.recvErr = err
	f.mu.Unlock()
	f.CloseSend()
}

func (f *fakeStream) requests() []*speechpb.StreamingRecognizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest{}, f.sent...)
}

type recorder struct {
	mu          sync.Mutex
	transcripts []stt.Transcript
	states      []stt.State
	errs        []error
}

func (r *recorder) OnTranscript(t stt.Transcript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, t)
}

func (r *recorder) OnSegments(stt.SegmentBatch) {}

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

func newTestAdapter(stream *fakeStream) (*Adapter, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	open := func(context.Context) (speechpb.Speech_StreamingRecognizeClient, error) { return stream, nil }
	return newAdapter(DefaultConfig(), m, open, nil), m
}

func result(text string, final bool, confidence float32) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text, Confidence: confidence}},
			IsFinal:      final,
		}},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if !cfg.InterimResults {
		t.Error("expected interim results by default")
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"ENCODING_UNSPECIFIED", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"invalid", speechpb.RecognitionConfig_LINEAR16},              // fallback
		{"linear16", speechpb.RecognitionConfig_LINEAR16},             // lowercase -> fallback
		{"", speechpb.RecognitionConfig_LINEAR16},                     // fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestAdapter_StartSendsConfigFirst(t *testing.T) {
	stream := newFakeStream()
	adapter, m := newTestAdapter(stream)
	cb := &recorder{}

	if err := adapter.Start(context.Background(), cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adapter.SendAudio(context.Background(), models.AudioFrame{Samples: []int16{1, -1, 2}})

	reqs := stream.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	cfg := reqs[0].GetStreamingConfig()
	if cfg == nil || cfg.Config.SampleRateHertz != 16000 || !cfg.InterimResults {
		t.Fatalf("expected streaming config first, got %+v", reqs[0])
	}
	if cfg.Config.Encoding != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("expected LINEAR16, got %v", cfg.Config.Encoding)
	}
	if audio := reqs[1].GetAudioContent(); len(audio) != 6 || audio[0] != 1 || audio[2] != 0xff {
		t.Errorf("expected LINEAR16 little-endian samples, got %v", audio)
	}
	if got := testutil.ToFloat64(m.FramesSent); got != 1 {
		t.Errorf("expected 1 frame sent, got %v", got)
	}

	adapter.Close()
}

func TestAdapter_DeliversResults(t *testing.T) {
	stream := newFakeStream()
	adapter, _ := newTestAdapter(stream)
	cb := &recorder{}
	adapter.Start(context.Background(), cb)
	adapter.SendAudio(context.Background(), models.AudioFrame{Samples: make([]int16, 4)})

	stream.responses <- result("hel", false, 0)
	stream.responses <- result("hello world", true, 0.92)
	stream.responses <- result("next", false, 0)
	adapter.Close()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.transcripts) != 3 {
		t.Fatalf("expected 3 transcripts, got %d", len(cb.transcripts))
	}
	first, final, next := cb.transcripts[0], cb.transcripts[1], cb.transcripts[2]
	if first.SegmentID != final.SegmentID {
		t.Errorf("partial and final of one utterance must share a segment, got %q and %q", first.SegmentID, final.SegmentID)
	}
	if next.SegmentID == final.SegmentID {
		t.Error("expected a new segment after the final")
	}
	if !final.IsFinal || final.Text != "hello world" || final.Confidence < 0.91 {
		t.Errorf("unexpected final %+v", final)
	}
	if !first.HasLatency {
		t.Error("expected latency after audio was sent")
	}
	if last := cb.states[len(cb.states)-1]; last != stt.StateDisconnected {
		t.Errorf("expected disconnected after close, got %v", last)
	}
}

func TestAdapter_ClassifiesStreamErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		fatal bool
	}{
		{"unauthenticated", status.Error(codes.Unauthenticated, "bad key"), stt.CredentialsNeeded, true},
		{"permission", status.Error(codes.PermissionDenied, "no"), stt.CredentialsNeeded, true},
		{"exhausted", status.Error(codes.ResourceExhausted, "quota"), func(err error) bool {
			var busy *stt.ServerBusyError
			return errors.As(err, &busy)
		}, false},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), func(err error) bool {
			var timeout *stt.ConnectionTimeoutError
			return errors.As(err, &timeout)
		}, false},
		{"internal", status.Error(codes.Internal, "boom"), func(err error) bool {
			var stream *stt.StreamError
			return errors.As(err, &stream)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := newFakeStream()
			adapter, m := newTestAdapter(stream)
			cb := &recorder{}
			adapter.Start(context.Background(), cb)

			stream.fail(tt.err)
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				cb.mu.Lock()
				n := len(cb.errs)
				cb.mu.Unlock()
				if n > 0 {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}

			cb.mu.Lock()
			errs := append([]error{}, cb.errs...)
			cb.mu.Unlock()
			if len(errs) != 1 || !tt.check(errs[0]) {
				t.Fatalf("unexpected errors %v", errs)
			}
			if stt.IsFatal(errs[0]) != tt.fatal {
				t.Errorf("expected fatal=%v for %v", tt.fatal, errs[0])
			}
			code := status.Code(tt.err).String()
			if got := testutil.ToFloat64(m.STTErrors.WithLabelValues(provider, code)); got != 1 {
				t.Errorf("expected 1 %s error recorded, got %v", code, got)
			}
		})
	}
}

func TestAdapter_StartFailure(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	open := func(context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	adapter := newAdapter(DefaultConfig(), m, open, nil)

	err := adapter.Start(context.Background(), &recorder{})
	if !stt.CredentialsNeeded(err) {
		t.Errorf("expected credentials needed, got %v", err)
	}
}

func TestAdapter_CloseIdempotent(t *testing.T) {
	stream := newFakeStream()
	adapter, _ := newTestAdapter(stream)
	adapter.Start(context.Background(), &recorder{})

	if err := adapter.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := adapter.SendAudio(context.Background(), models.AudioFrame{}); err != nil {
		t.Errorf("send after close should be ignored, got %v", err)
	}
	if err := adapter.Start(context.Background(), &recorder{}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
