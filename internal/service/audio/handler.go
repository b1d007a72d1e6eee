// Package audio provides the session handler that coordinates capture, the
// transcription backend, reconciliation, metering and the event publisher.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/observability/logging"
	"ai-speech-live-client/internal/observability/metrics"
	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/capture"
	"ai-speech-live-client/internal/service/metering"
	"ai-speech-live-client/internal/service/segment"
	"ai-speech-live-client/internal/service/stt"
)

var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active session")
	ErrUnsupported   = errors.New("operation not supported by the transcription backend")
)

// Limits defines safety guardrails for a session.
type Limits struct {
	MaxDuration   time.Duration // Max session duration, 0 disables
	MaxAudioBytes int64         // Max PCM bytes sent per session, 0 disables
	MaxPartials   int           // Max partial events published per segment, 0 disables
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDuration:   time.Hour,
		MaxAudioBytes: 256 * 1024 * 1024, // ~2.3h at 16kHz 16-bit mono
		MaxPartials:   500,
	}
}

// LimitError ends recording when a session outgrows its limits.
type LimitError struct {
	Limit  string
	Detail string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("session limit exceeded: %s: %s", e.Limit, e.Detail)
}

// Session is one connected transcription session.
type Session struct {
	ID        string
	StartedAt time.Time
	ClientUID string
	Mode      protocol.Mode
	Provider  string
	Config    capture.Config
}

// Capture is the part of capture.Pipeline the handler drives.
type Capture interface {
	Initialize(ctx context.Context) error
	StartRecording() error
	StopRecording() error
	Frames() <-chan models.AudioFrame
	Done() <-chan struct{}
	Level() capture.Level
	Config() capture.Config
}

// Publisher receives transcript events.
type Publisher interface {
	PublishPartial(ctx context.Context, ev models.TranscriptPartial) error
	PublishFinal(ctx context.Context, ev models.TranscriptFinal) error
}

// AdapterFactory builds a fresh backend for each session.
type AdapterFactory func(ctx context.Context, s Session) (stt.Adapter, error)

// Update is a consistent view of the session for renderers.
type Update struct {
	SessionID string
	Segments  []models.TranscriptSegment
	Text      string
	FinalText string
	Revisions int
	Metrics   metering.Snapshot
	Level     capture.Level
	State     stt.State
	Recording bool
	Err       error
}

// UpdateFunc is called after every transcript, state or error change. It runs
// on backend goroutines and must not block.
type UpdateFunc func(Update)

// Deps are the collaborators of a Handler.
type Deps struct {
	Capture    Capture
	NewAdapter AdapterFactory
	Publisher  Publisher // optional
	Metrics    *metrics.Metrics
	Metering   *metering.Engine
	Limits     Limits
	ClientUID  string
	Mode       protocol.Mode
	Provider   string
}

// Handler owns at most one live session at a time.
type Handler struct {
	capture    Capture
	newAdapter AdapterFactory
	publisher  Publisher
	metrics    *metrics.Metrics
	metering   *metering.Engine
	limits     Limits
	clientUID  string
	mode       protocol.Mode
	provider   string
	logger     zerolog.Logger
	now        func() time.Time

	transcript *segment.Transcript

	mu            sync.Mutex
	session       *Session
	adapter       stt.Adapter
	state         stt.State
	recording     bool
	disconnecting bool
	lastErr       error
	endReason     string
	stopPump      chan struct{}
	pumpDone      chan struct{}
	finished      chan struct{}
	sentBytes     int64
	partials      map[string]int
	onUpdate      UpdateFunc
}

// NewHandler creates a session handler.
func NewHandler(d Deps) *Handler {
	if d.Metrics == nil {
		d.Metrics = metrics.DefaultMetrics
	}
	if d.Metering == nil {
		d.Metering = metering.NewEngine(metering.DefaultConfig())
	}
	if d.ClientUID == "" {
		d.ClientUID = uuid.NewString()
	}
	return &Handler{
		capture:    d.Capture,
		newAdapter: d.NewAdapter,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		metering:   d.Metering,
		limits:     d.Limits,
		clientUID:  d.ClientUID,
		mode:       d.Mode,
		provider:   d.Provider,
		logger:     log.With().Str("component", "session").Str("clientUid", d.ClientUID).Logger(),
		now:        time.Now,
		transcript: segment.NewTranscript(""),
		partials:   make(map[string]int),
	}
}

// SetUpdateFunc registers the renderer callback.
func (h *Handler) SetUpdateFunc(fn UpdateFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUpdate = fn
}

// Start opens the capture device, connects a fresh backend and starts
// recording. The previous transcript is cleared.
func (h *Handler) Start(ctx context.Context) (Session, error) {
	h.mu.Lock()
	if h.session != nil {
		h.mu.Unlock()
		return Session{}, ErrSessionActive
	}
	sess := &Session{
		ID:        uuid.NewString(),
		StartedAt: h.now(),
		ClientUID: h.clientUID,
		Mode:      h.mode,
		Provider:  h.provider,
		Config:    h.capture.Config(),
	}
	h.session = sess
	h.lastErr = nil
	h.endReason = ""
	h.sentBytes = 0
	h.partials = make(map[string]int)
	h.mu.Unlock()

	logger := logging.WithSession(sess.ID, sess.ClientUID).With().Str("component", "session").Logger()

	if err := h.capture.Initialize(ctx); err != nil {
		h.abort(sess, err)
		return Session{}, err
	}

	adapter, err := h.newAdapter(ctx, *sess)
	if err != nil {
		h.abort(sess, err)
		return Session{}, fmt.Errorf("create transcription backend: %w", err)
	}
	h.mu.Lock()
	h.adapter = adapter
	h.mu.Unlock()

	h.transcript.Clear(sess.ID)
	h.metering.Start(sess.StartedAt)

	if err := adapter.Start(ctx, &binding{h: h, session: sess}); err != nil {
		adapter.Close()
		h.abort(sess, err)
		return Session{}, err
	}

	h.metrics.RecordSessionStart()
	if err := h.startRecording(sess); err != nil {
		adapter.Close()
		h.metrics.RecordSessionEnd("capture", h.now().Sub(sess.StartedAt))
		h.abort(sess, err)
		return Session{}, err
	}

	logger.Info().
		Str("mode", sess.Mode.String()).
		Str("provider", sess.Provider).
		Int("sampleRate", sess.Config.SampleRate).
		Msg("Session started")
	h.notify()
	return *sess, nil
}

func (h *Handler) abort(sess *Session, err error) {
	h.mu.Lock()
	if h.session == sess {
		h.session = nil
		h.adapter = nil
		h.lastErr = err
	}
	h.mu.Unlock()
	h.logger.Error().Err(err).Str("sessionId", sess.ID).Msg("Session start failed")
	if r := capture.Remediation(err); r != "" {
		h.logger.Info().Str("remediation", r).Msg("Capture remediation")
	}
	h.notify()
}

func (h *Handler) startRecording(sess *Session) error {
	if err := h.capture.StartRecording(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recording {
		return nil
	}
	h.recording = true
	h.stopPump = make(chan struct{})
	h.pumpDone = make(chan struct{})
	h.finished = make(chan struct{})
	go h.pump(sess, h.adapter, h.capture.Frames(), h.capture.Done(), h.stopPump, h.pumpDone, h.finished)
	return nil
}

// pump forwards captured frames to the backend until stopped or the capture
// source is exhausted.
func (h *Handler) pump(sess *Session, adapter stt.Adapter, frames <-chan models.AudioFrame, done, stop <-chan struct{}, pumpDone, finished chan struct{}) {
	defer close(pumpDone)
	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		case <-done:
			// drain what the capture goroutine queued before it finished
			for {
				select {
				case frame, ok := <-frames:
					if !ok {
						close(finished)
						return
					}
					if !h.forward(ctx, sess, adapter, frame) {
						return
					}
				default:
					h.logger.Info().Str("sessionId", sess.ID).Msg("Capture source finished")
					close(finished)
					return
				}
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !h.forward(ctx, sess, adapter, frame) {
				return
			}
		}
	}
}

// forward sends one frame and reports whether the pump should continue.
func (h *Handler) forward(ctx context.Context, sess *Session, adapter stt.Adapter, frame models.AudioFrame) bool {
	h.metrics.FramesCaptured.Inc()
	h.metrics.InputLevel.Set(h.capture.Level().Value)

	if err := h.checkLimits(sess, int64(len(frame.Samples)*2)); err != nil {
		h.logger.Warn().Err(err).Str("sessionId", sess.ID).Msg("Session limit exceeded, stopping recording")
		go h.fail(sess, err, "limit")
		return false
	}

	if err := adapter.SendAudio(ctx, frame); err != nil {
		h.logger.Warn().Err(err).Uint32("sequence", frame.Sequence).Msg("Failed to send audio frame")
		return true
	}
	h.metering.MarkAudioSent(h.now())
	return true
}

func (h *Handler) checkLimits(sess *Session, frameBytes int64) error {
	h.mu.Lock()
	h.sentBytes += frameBytes
	sent := h.sentBytes
	h.mu.Unlock()

	if h.limits.MaxAudioBytes > 0 && sent > h.limits.MaxAudioBytes {
		h.metrics.RecordLimitExceeded("audio_bytes")
		return &LimitError{Limit: "audio_bytes", Detail: fmt.Sprintf("%d > %d", sent, h.limits.MaxAudioBytes)}
	}
	if elapsed := h.now().Sub(sess.StartedAt); h.limits.MaxDuration > 0 && elapsed > h.limits.MaxDuration {
		h.metrics.RecordLimitExceeded("duration")
		return &LimitError{Limit: "duration", Detail: fmt.Sprintf("%v > %v", elapsed.Round(time.Millisecond), h.limits.MaxDuration)}
	}
	return nil
}

// fail records a session-ending error and stops recording. The transcript is
// kept until Clear or the next Start.
func (h *Handler) fail(sess *Session, err error, reason string) {
	h.mu.Lock()
	if h.session != sess {
		h.mu.Unlock()
		return
	}
	h.lastErr = err
	h.endReason = reason
	h.mu.Unlock()

	if stopErr := h.stopRecording(); stopErr != nil {
		h.logger.Warn().Err(stopErr).Msg("Stop recording failed")
	}
	h.notify()
}

// Finished is closed when a finite capture source has been fully sent. It is
// nil while no recording has been started.
func (h *Handler) Finished() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Stop stops recording but keeps the session connected so trailing results
// still arrive. Idempotent.
func (h *Handler) Stop() error {
	err := h.stopRecording()
	h.notify()
	return err
}

// Resume restarts recording in the current session. Frame sequence numbers
// start again from zero.
func (h *Handler) Resume() error {
	h.mu.Lock()
	sess := h.session
	h.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if err := h.startRecording(sess); err != nil {
		return err
	}
	h.notify()
	return nil
}

func (h *Handler) stopRecording() error {
	h.mu.Lock()
	if !h.recording {
		h.mu.Unlock()
		return nil
	}
	h.recording = false
	stop, done := h.stopPump, h.pumpDone
	h.mu.Unlock()

	err := h.capture.StopRecording()
	close(stop)
	<-done
	h.metrics.InputLevel.Set(0)
	return err
}

// Disconnect stops recording, closes the backend and ends the session. The
// transcript stays readable. Idempotent.
func (h *Handler) Disconnect() error {
	h.mu.Lock()
	sess, adapter := h.session, h.adapter
	if sess == nil || h.disconnecting {
		h.mu.Unlock()
		return nil
	}
	h.disconnecting = true
	h.mu.Unlock()

	if err := h.stopRecording(); err != nil {
		h.logger.Warn().Err(err).Msg("Stop recording failed")
	}

	var err error
	if adapter != nil {
		err = adapter.Close()
	}

	h.mu.Lock()
	reason := h.endReason
	h.session = nil
	h.adapter = nil
	h.disconnecting = false
	h.state = stt.StateDisconnected
	h.mu.Unlock()

	duration := h.now().Sub(sess.StartedAt)
	h.metrics.RecordSessionEnd(reason, duration)
	h.logger.Info().
		Str("sessionId", sess.ID).
		Dur("duration", duration).
		Str("reason", reason).
		Int("segments", len(h.transcript.Segments())).
		Msg("Session ended")
	h.notify()
	return err
}

// Clear discards the transcript. A live session keeps its id.
func (h *Handler) Clear() {
	h.mu.Lock()
	id := ""
	if h.session != nil {
		id = h.session.ID
	}
	h.lastErr = nil
	h.partials = make(map[string]int)
	h.mu.Unlock()

	h.transcript.Clear(id)
	h.metering.UpdateSpoken(nil)
	h.metrics.SpokenWords.Set(0)
	h.notify()
}

// Session returns the live session.
func (h *Handler) Session() (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return Session{}, false
	}
	return *h.session, true
}

// Snapshot returns the current view of the session.
func (h *Handler) Snapshot() Update {
	h.mu.Lock()
	u := Update{
		State:     h.state,
		Recording: h.recording,
		Err:       h.lastErr,
	}
	if h.session != nil {
		u.SessionID = h.session.ID
	}
	h.mu.Unlock()

	u.Segments = h.transcript.Segments()
	u.Text = h.transcript.Text()
	u.FinalText = h.transcript.FinalText()
	u.Revisions = h.transcript.Revisions()
	u.Metrics = h.metering.Snapshot()
	u.Level = h.capture.Level()
	return u
}

// Reconciliation exposes the merged reconciliation state of the session.
func (h *Handler) Reconciliation() segment.ReconciliationState {
	h.mu.Lock()
	adapter := h.adapter
	h.mu.Unlock()

	var r *segment.Reconciler
	if rs, ok := adapter.(interface{ Reconciler() *segment.Reconciler }); ok {
		r = rs.Reconciler()
	}
	return h.transcript.State(r)
}

// ParameterChannel returns the backend's parameter side-channel.
func (h *Handler) ParameterChannel() (stt.ParameterChannel, error) {
	h.mu.Lock()
	adapter := h.adapter
	h.mu.Unlock()
	if adapter == nil {
		return nil, ErrNoSession
	}
	pc, ok := adapter.(stt.ParameterChannel)
	if !ok {
		return nil, ErrUnsupported
	}
	return pc, nil
}

// Reauthenticate hands a fresh credential to a backend that stopped after
// exhausting its reconnects.
func (h *Handler) Reauthenticate(ctx context.Context, token string) error {
	h.mu.Lock()
	adapter := h.adapter
	h.mu.Unlock()
	if adapter == nil {
		return ErrNoSession
	}
	ra, ok := adapter.(stt.Reauthenticator)
	if !ok {
		return ErrUnsupported
	}
	if err := ra.Connect(ctx, token); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastErr = nil
	h.mu.Unlock()
	h.notify()
	return nil
}

func (h *Handler) current(sess *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session == sess
}

func (h *Handler) notify() {
	h.mu.Lock()
	fn := h.onUpdate
	h.mu.Unlock()
	if fn != nil {
		fn(h.Snapshot())
	}
}

// --- stt.Callback implementation, bound to one session ---

type binding struct {
	h       *Handler
	session *Session
}

func (b *binding) OnTranscript(t stt.Transcript) {
	h := b.h
	if !h.current(b.session) {
		return
	}

	ch := h.transcript.ApplyHypothesis(segment.Hypothesis{
		SegmentID:  t.SegmentID,
		Text:       t.Text,
		IsFinal:    t.IsFinal,
		Confidence: t.Confidence,
		ReceivedAt: t.ReceivedAt,
	})

	latency, hasLatency := t.Latency, t.HasLatency
	if hasLatency {
		h.metering.SetLatency(latency)
	} else {
		latency, hasLatency = h.metering.ObserveMessage(t.ReceivedAt)
	}
	h.metering.AddHypothesis(t.Delta, t.ReceivedAt)
	h.afterChange(b.session, []segment.Change{ch}, t.Delta, latency, hasLatency)
}

func (b *binding) OnSegments(batch stt.SegmentBatch) {
	h := b.h
	if !h.current(b.session) {
		return
	}

	changes := h.transcript.ApplySegments(batch.Segments)
	latency, hasLatency := batch.Latency, batch.HasLatency
	if hasLatency {
		h.metering.SetLatency(latency)
	}
	h.metering.ObserveSegments(h.transcript.Segments(), batch.ReceivedAt)
	h.afterChange(b.session, changes, "", latency, hasLatency)
}

func (b *binding) OnStateChange(s stt.State) {
	h := b.h
	h.mu.Lock()
	if h.session != b.session {
		h.mu.Unlock()
		return
	}
	prev := h.state
	h.state = s
	lost := prev == stt.StateConnected && s != stt.StateConnected && !h.disconnecting
	h.mu.Unlock()

	if lost {
		closed := h.transcript.CloseOpen()
		h.logger.Warn().
			Str("sessionId", b.session.ID).
			Str("state", s.String()).
			Bool("closedOpenSegment", closed).
			Msg("Connection lost, transcript kept")
	}
	h.notify()
}

func (b *binding) OnError(err error) {
	h := b.h
	if !h.current(b.session) {
		return
	}

	if !stt.IsFatal(err) {
		h.logger.Warn().Err(err).Str("sessionId", b.session.ID).Msg("Transcription advisory")
		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()
		h.notify()
		return
	}

	reason := "backend"
	if stt.CredentialsNeeded(err) {
		reason = "credentials"
	}
	h.logger.Error().Err(err).Str("sessionId", b.session.ID).Msg("Transcription failed, stopping recording")
	h.fail(b.session, err, reason)
}

func (h *Handler) afterChange(sess *Session, changes []segment.Change, delta string, latency time.Duration, hasLatency bool) {
	segs := h.transcript.Segments()
	spoken := h.metering.UpdateSpoken(segs)
	snap := h.metering.Snapshot()
	h.metrics.SpokenWords.Set(float64(spoken))
	h.metrics.WordsPerMinute.Set(snap.WordsPerMinute)

	var latencyMs float64
	if hasLatency {
		latencyMs = float64(latency) / float64(time.Millisecond)
	}

	for _, ch := range changes {
		switch ch.Transition {
		case segment.TransitionFinalized:
			h.publishFinal(sess, ch, latencyMs)
		case segment.TransitionRevisedAfterFinal:
			h.metrics.RevisionsAfterFinal.Inc()
			h.publishFinal(sess, ch, latencyMs)
		case segment.TransitionUpdated:
			h.publishPartial(sess, ch, delta)
		}
	}
	h.notify()
}

func (h *Handler) publishPartial(sess *Session, ch segment.Change, delta string) {
	if h.publisher == nil {
		return
	}
	h.mu.Lock()
	h.partials[string(ch.Key)]++
	count := h.partials[string(ch.Key)]
	h.mu.Unlock()

	if h.limits.MaxPartials > 0 && count > h.limits.MaxPartials {
		if count == h.limits.MaxPartials+1 {
			h.metrics.RecordLimitExceeded("partials")
			h.logger.Warn().Str("segmentId", ch.Segment.ID).Int("max", h.limits.MaxPartials).Msg("Partial limit reached, suppressing partials for segment")
		}
		return
	}

	ev := models.TranscriptPartial{
		EventType: models.EventTypePartial,
		SessionID: sess.ID,
		ClientUID: sess.ClientUID,
		Timestamp: h.now().UnixMilli(),
		SegmentID: ch.Segment.ID,
		Text:      ch.Segment.Text,
		Delta:     delta,
	}
	if err := h.publisher.PublishPartial(context.Background(), ev); err != nil {
		h.logger.Warn().Err(err).Str("segmentId", ev.SegmentID).Msg("Failed to publish partial")
	}
}

func (h *Handler) publishFinal(sess *Session, ch segment.Change, latencyMs float64) {
	if h.publisher == nil {
		return
	}
	ev := models.TranscriptFinal{
		EventType:  models.EventTypeFinal,
		SessionID:  sess.ID,
		ClientUID:  sess.ClientUID,
		Timestamp:  h.now().UnixMilli(),
		SegmentID:  ch.Segment.ID,
		Text:       ch.Segment.Text,
		Confidence: ch.Segment.Confidence,
		LatencyMs:  latencyMs,
	}
	if err := h.publisher.PublishFinal(context.Background(), ev); err != nil {
		h.logger.Warn().Err(err).Str("segmentId", ev.SegmentID).Msg("Failed to publish final")
	}
}
