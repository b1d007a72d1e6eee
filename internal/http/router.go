// Package http exposes the session controls and observability endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"ai-speech-live-client/internal/models"
	"ai-speech-live-client/internal/service/audio"
	"ai-speech-live-client/internal/service/params"
	"ai-speech-live-client/internal/service/stt"
)

// Sessions is the part of audio.Handler the router drives.
type Sessions interface {
	Start(ctx context.Context) (audio.Session, error)
	Stop() error
	Disconnect() error
	Clear()
	Snapshot() audio.Update
	ParameterChannel() (stt.ParameterChannel, error)
}

// NewRouter constructs the HTTP router for the client.
func NewRouter(sessions Sessions, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	h := &handlers{sessions: sessions}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/transcript", h.transcript)
		r.Post("/transcript/clear", h.clear)
		r.Post("/session/start", h.start)
		r.Post("/session/stop", h.stop)
		r.Get("/parameters", h.getParameters)
		r.Patch("/parameters", h.updateParameters)
	})

	return r
}

type handlers struct {
	sessions Sessions
}

type metricsView struct {
	LatencyMs        float64 `json:"latencyMs"`
	DisplayLatencyMs float64 `json:"displayLatencyMs"`
	HasLatency       bool    `json:"hasLatency"`
	WordsPerMinute   float64 `json:"wordsPerMinute"`
	SpokenWords      int     `json:"spokenWords"`
}

type transcriptView struct {
	SessionID string                     `json:"sessionId,omitempty"`
	State     string                     `json:"state"`
	Recording bool                       `json:"recording"`
	Text      string                     `json:"text"`
	FinalText string                     `json:"finalText"`
	Segments  []models.TranscriptSegment `json:"segments"`
	Revisions int                        `json:"revisions"`
	Metrics   metricsView                `json:"metrics"`
	Error     string                     `json:"error,omitempty"`
}

func (h *handlers) transcript(w http.ResponseWriter, _ *http.Request) {
	u := h.sessions.Snapshot()
	view := transcriptView{
		SessionID: u.SessionID,
		State:     u.State.String(),
		Recording: u.Recording,
		Text:      u.Text,
		FinalText: u.FinalText,
		Segments:  u.Segments,
		Revisions: u.Revisions,
		Metrics: metricsView{
			LatencyMs:        millis(u.Metrics.Latency),
			DisplayLatencyMs: millis(u.Metrics.DisplayLatency),
			HasLatency:       u.Metrics.HasLatency,
			WordsPerMinute:   u.Metrics.WordsPerMinute,
			SpokenWords:      u.Metrics.SpokenWords,
		},
	}
	if u.Err != nil {
		view.Error = u.Err.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) clear(w http.ResponseWriter, _ *http.Request) {
	h.sessions.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	// The session outlives the request.
	sess, err := h.sessions.Start(context.WithoutCancel(r.Context()))
	if errors.Is(err, audio.ErrSessionActive) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.ID,
		"clientUid": sess.ClientUID,
		"mode":      sess.Mode.String(),
		"startedAt": sess.StartedAt,
	})
}

func (h *handlers) stop(w http.ResponseWriter, _ *http.Request) {
	if err := h.sessions.Stop(); err != nil {
		log.Warn().Err(err).Msg("Stop recording failed")
	}
	if err := h.sessions.Disconnect(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getParameters(w http.ResponseWriter, r *http.Request) {
	pc, ok := h.parameterChannel(w)
	if !ok {
		return
	}
	p, err := pc.GetParameters(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) updateParameters(w http.ResponseWriter, r *http.Request) {
	pc, ok := h.parameterChannel(w)
	if !ok {
		return
	}
	var update params.Parameters
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	applied, err := pc.UpdateParameters(r.Context(), update)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if !applied {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"applied":    applied,
		"parameters": pc.Parameters(),
	})
}

func (h *handlers) parameterChannel(w http.ResponseWriter) (stt.ParameterChannel, bool) {
	pc, err := h.sessions.ParameterChannel()
	switch {
	case errors.Is(err, audio.ErrNoSession):
		writeError(w, http.StatusConflict, err)
		return nil, false
	case err != nil:
		writeError(w, http.StatusNotImplemented, err)
		return nil, false
	}
	return pc, true
}

func statusFor(err error) int {
	var ve *params.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, stt.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
