// Package google provides a Google Cloud Speech-to-Text streaming adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/observability"
	"ai-speech-live-client/internal/observability/metrics"
	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/segment"
	"ai-speech-live-client/internal/service/stt"
)

const provider = "google"

// Config holds Google STT configuration.
type Config struct {
	LanguageCode         string
	SampleRateHz         int32
	InterimResults       bool
	AudioEncoding        string
	Model                string
	AutomaticPunctuation bool
	Endpoint             string
}

// DefaultConfig returns the configuration used for microphone capture.
func DefaultConfig() Config {
	return Config{
		LanguageCode:         "en-US",
		SampleRateHz:         16000,
		InterimResults:       true,
		AudioEncoding:        "LINEAR16",
		AutomaticPunctuation: true,
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	if v, ok := speechpb.RecognitionConfig_AudioEncoding_value[s]; ok && v != 0 {
		return speechpb.RecognitionConfig_AudioEncoding(v)
	}
	return speechpb.RecognitionConfig_LINEAR16
}

func (c Config) streamingConfig() *speechpb.StreamingRecognitionConfig {
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(c.AudioEncoding),
			SampleRateHertz:            c.SampleRateHz,
			LanguageCode:               c.LanguageCode,
			Model:                      c.Model,
			EnableAutomaticPunctuation: c.AutomaticPunctuation,
		},
		InterimResults: c.InterimResults,
	}
}

// streamOpener opens one bidirectional recognition stream.
type streamOpener func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	cfg     Config
	open    streamOpener
	closer  io.Closer
	metrics *metrics.Metrics
	logger  zerolog.Logger

	reconciler *segment.Reconciler
	lastSent   atomic.Int64

	mu        sync.Mutex
	stream    speechpb.Speech_StreamingRecognizeClient
	cancel    context.CancelFunc
	cb        stt.Callback
	sessionID string
	utterance int
	closed    bool
	done      chan struct{}
}

// New creates a Google STT adapter. Credentials are resolved the usual way
// (GOOGLE_APPLICATION_CREDENTIALS or metadata server) unless opts override them.
func New(ctx context.Context, cfg Config, m *metrics.Metrics, opts ...option.ClientOption) (*Adapter, error) {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts,
		option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(observability.UnaryClientInterceptor(m))),
		option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(observability.StreamClientInterceptor(m))),
	)

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	open := func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return client.StreamingRecognize(ctx)
	}
	return newAdapter(cfg, m, open, client), nil
}

func newAdapter(cfg Config, m *metrics.Metrics, open streamOpener, closer io.Closer) *Adapter {
	return &Adapter{
		cfg:        cfg,
		open:       open,
		closer:     closer,
		metrics:    m,
		logger:     log.With().Str("component", "stt").Str("sttProvider", provider).Logger(),
		reconciler: segment.NewReconciler(segment.DefaultConfig()),
	}
}

// Start begins a streaming recognition session and sends the initial config.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return stt.ErrClosed
	}
	if a.stream != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if cb == nil {
		cb = stt.CallbackFuncs{}
	}
	cb.OnStateChange(stt.StateConnecting)

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := a.open(streamCtx)
	if err != nil {
		cancel()
		err = a.classify(err)
		cb.OnStateChange(stt.StateDisconnected)
		return err
	}

	// Send streaming config as the first message
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: a.cfg.streamingConfig(),
		},
	}); err != nil {
		cancel()
		cb.OnStateChange(stt.StateDisconnected)
		return a.classify(err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cancel = cancel
	a.cb = cb
	a.sessionID = fmt.Sprintf("google-%d", time.Now().UnixNano())
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	a.reconciler.Reset()
	go a.listen(stream, cb, done)

	a.logger.Info().Str("language", a.cfg.LanguageCode).Int32("sampleRate", a.cfg.SampleRateHz).Msg("Google stream started")
	cb.OnStateChange(stt.StateConnected)
	return nil
}

// SendAudio sends one frame as LINEAR16 audio content.
func (a *Adapter) SendAudio(_ context.Context, frame models.AudioFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.stream == nil {
		return nil
	}

	payload := protocol.EncodePCM16(frame)
	a.lastSent.Store(time.Now().UnixNano())
	if err := a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: payload,
		},
	}); err != nil {
		// Send reports io.EOF when the stream is gone; the real status comes from Recv.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return a.classify(err)
	}
	a.metrics.RecordFrameSent(len(payload))
	return nil
}

// Close half-closes the stream, waits for the remaining results and releases
// the client. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stream, cancel, done := a.stream, a.cancel, a.done
	a.mu.Unlock()

	if stream != nil {
		if err := stream.CloseSend(); err != nil {
			a.logger.Debug().Err(err).Msg("CloseSend failed")
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			a.logger.Warn().Msg("Timed out waiting for final results")
		}
		cancel()
	}
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// listen receives transcript responses from Google and invokes callbacks.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback, done chan struct{}) {
	defer close(done)
	defer cb.OnStateChange(stt.StateDisconnected)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed && status.Code(err) == codes.Canceled {
				return
			}
			a.logger.Error().Err(err).Msg("Google stream failed")
			cb.OnError(a.classify(err))
			return
		}

		if e := a.logger.Debug(); e.Enabled() {
			e.RawJSON("response", []byte(protojson.Format(resp))).Msg("Google response")
		}
		if resp.Error != nil {
			cb.OnError(&stt.ServerError{Severity: codes.Code(resp.Error.Code).String(), Message: resp.Error.Message})
			continue
		}
		a.deliver(resp, cb)
	}
}

func (a *Adapter) deliver(resp *speechpb.StreamingRecognizeResponse, cb stt.Callback) {
	receivedAt := time.Now()
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]

		a.mu.Lock()
		segmentID := fmt.Sprintf("%s-utt-%d", a.sessionID, a.utterance)
		if r.IsFinal {
			a.utterance++
		}
		a.mu.Unlock()

		delta, _ := a.reconciler.Accept("", alt.Transcript, receivedAt)
		tr := stt.Transcript{
			SegmentID:  segmentID,
			Text:       alt.Transcript,
			Delta:      delta,
			IsFinal:    r.IsFinal,
			Confidence: float64(alt.Confidence),
			Language:   r.LanguageCode,
			ReceivedAt: receivedAt,
		}
		if sent := a.lastSent.Load(); sent != 0 {
			tr.Latency = receivedAt.Sub(time.Unix(0, sent))
			tr.HasLatency = true
			a.metrics.RecordLatency(tr.Latency)
		}
		a.metrics.RecordMessage(provider, "result")
		a.metrics.RecordTranscript(r.IsFinal)
		cb.OnTranscript(tr)
	}
}

// classify maps gRPC status codes onto the transcription error taxonomy.
func (a *Adapter) classify(err error) error {
	code := status.Code(err)
	a.metrics.RecordSTTError(provider, code.String())

	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &stt.ReconnectExhaustedError{Rejected: true, Err: err}
	case codes.DeadlineExceeded:
		return &stt.ConnectionTimeoutError{URL: a.cfg.Endpoint, Err: err}
	case codes.ResourceExhausted:
		return &stt.ServerBusyError{}
	case codes.InvalidArgument, codes.OutOfRange:
		return &stt.ServerError{Severity: code.String(), Message: status.Convert(err).Message()}
	default:
		return &stt.StreamError{Provider: provider, Err: err}
	}
}
