package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ai-speech-live-client/internal/config"
	"ai-speech-live-client/internal/events"
	apihttp "ai-speech-live-client/internal/http"
	"ai-speech-live-client/internal/observability"
	"ai-speech-live-client/internal/observability/logging"
	"ai-speech-live-client/internal/observability/metrics"
	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/audio"
	"ai-speech-live-client/internal/service/capture"
	"ai-speech-live-client/internal/service/metering"
	"ai-speech-live-client/internal/service/stt"
	"ai-speech-live-client/internal/service/stt/google"
	"ai-speech-live-client/internal/service/stt/mock"
	"ai-speech-live-client/internal/service/stt/socket"
)

// Application holds process-wide state for the client.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Mode        protocol.Mode

	Publisher *events.Publisher
	Pipeline  *capture.Pipeline
	Handler   *audio.Handler

	server *observability.Server
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) (*Application, error) {
	mode, err := protocol.ParseMode(cfg.Transcription.Protocol)
	if err != nil {
		return nil, err
	}
	if cfg.Service.ClientUID == "" {
		cfg.Service.ClientUID = uuid.NewString()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	a := &Application{
		Cfg:      cfg,
		Registry: reg,
		Metrics:  metrics.NewMetrics(reg),
		Mode:     mode,
	}
	a.setupLogger()

	a.Logger.Info().
		Str("provider", cfg.Transcription.Provider).
		Str("protocol", mode.String()).
		Str("clientUid", cfg.Service.ClientUID).
		Msg("AI Speech live client application created")
	return a, nil
}

// setupLogger configures zerolog for the client.
func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	logCfg.Level = strings.ToLower(a.Cfg.Observability.LogLevel)
	logCfg.Format = a.Cfg.Observability.LogFormat
	if os.Getenv("ENV") == "dev" {
		logCfg.Format = "console"
	}
	logging.Init(logCfg)

	a.Logger = logging.WithComponent("application").With().
		Str("service", "ai-speech-live-client").
		Logger()

	a.Logger.Debug().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// NewDevice selects a capture device: "synthetic", a path ending in .wav, or
// a PortAudio input device name ("default" for the system default).
func NewDevice(source string) capture.Device {
	switch {
	case source == "synthetic":
		return &capture.SyntheticDevice{Frequency: 440, Amplitude: 0.3, Paced: true}
	case strings.HasSuffix(strings.ToLower(source), ".wav"):
		return capture.NewWAVDevice(source, true)
	case source == "default" || source == "":
		return capture.NewPortAudioDevice("")
	default:
		return capture.NewPortAudioDevice(source)
	}
}

// Build wires the capture pipeline, publisher and session handler around
// device.
func (a *Application) Build(device capture.Device) {
	a.Pipeline = capture.NewPipeline(device, capture.Config{
		SampleRate:      a.Cfg.Audio.SampleRate,
		FrameDuration:   a.Cfg.Audio.FrameDuration,
		FramesPerBuffer: a.Cfg.Audio.FramesPerBuffer,
		FrameQueue:      a.Cfg.Audio.FrameQueue,
	})

	a.Publisher = events.New(&events.Config{
		Enabled:      a.Cfg.Kafka.Enabled,
		Brokers:      a.Cfg.Kafka.Brokers,
		TopicPartial: a.Cfg.Kafka.TopicPartial,
		TopicFinal:   a.Cfg.Kafka.TopicFinal,
		Principal:    a.Cfg.Kafka.Principal,
		Metrics:      a.Metrics,
	})

	a.Handler = audio.NewHandler(audio.Deps{
		Capture:    a.Pipeline,
		NewAdapter: a.newAdapter,
		Publisher:  a.Publisher,
		Metrics:    a.Metrics,
		Metering: metering.NewEngine(metering.Config{
			DisplayMin: a.Cfg.Display.LatencyMin,
			DisplayMax: a.Cfg.Display.LatencyMax,
		}),
		Limits: audio.Limits{
			MaxDuration:   a.Cfg.Limits.MaxDuration,
			MaxAudioBytes: a.Cfg.Limits.MaxAudioBytes,
			MaxPartials:   a.Cfg.Limits.MaxPartials,
		},
		ClientUID: a.Cfg.Service.ClientUID,
		Mode:      a.Mode,
		Provider:  a.Cfg.Transcription.Provider,
	})
}

// newAdapter builds the configured transcription backend for one session.
func (a *Application) newAdapter(ctx context.Context, s audio.Session) (stt.Adapter, error) {
	t := a.Cfg.Transcription
	switch t.Provider {
	case config.ProviderSocket:
		return a.NewSocket(), nil
	case config.ProviderGoogle:
		g := a.Cfg.Google
		adapter, err := google.New(ctx, google.Config{
			LanguageCode:         g.LanguageCode,
			SampleRateHz:         int32(s.Config.SampleRate),
			InterimResults:       g.InterimResults,
			AudioEncoding:        g.AudioEncoding,
			Model:                g.Model,
			AutomaticPunctuation: g.AutomaticPunctuation,
			Endpoint:             g.Endpoint,
		}, a.Metrics)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case config.ProviderMock:
		return mock.NewAdapter(mock.AdapterConfig{FramesPerStep: 5}), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", t.Provider)
	}
}

// NewSocket builds a transcription socket from the configuration.
func (a *Application) NewSocket() *socket.Client {
	t := a.Cfg.Transcription
	return socket.New(socket.Config{
		URL:                t.URL,
		Mode:               a.Mode,
		AuthToken:          t.AuthToken,
		ClientUID:          a.Cfg.Service.ClientUID,
		Language:           t.Language,
		Script:             t.Script,
		Model:              t.Model,
		UseVAD:             t.UseVAD,
		HFToken:            t.HFToken,
		OpenTimeout:        t.OpenTimeout,
		PingInterval:       t.PingInterval,
		ReconnectBaseDelay: t.ReconnectBaseDelay,
		MaxReconnects:      t.MaxReconnects,
		SendQueueSize:      t.SendQueueSize,
	}, a.Metrics)
}

// Start starts the control HTTP server when configured.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	if addr := a.Cfg.Service.HTTPAddr; addr != "" && a.Handler != nil {
		a.server = observability.NewServer(addr, apihttp.NewRouter(a.Handler, a.Registry))
		bound, err := a.server.Start()
		if err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
		startLogger.Info().Str("addr", bound).Msg("Control surface listening")
	}

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("AI Speech live client starting")
	return nil
}

// Shutdown ends the session and releases every resource.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	if a.Handler != nil {
		if err := a.Handler.Disconnect(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Disconnect failed")
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Control server shutdown failed")
		}
	}
	if a.Pipeline != nil {
		if err := a.Pipeline.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Capture close failed")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Publisher close failed")
		}
	}

	shutdownLogger.Info().
		Dur("uptime", time.Since(a.StartupTime)).
		Msg("AI Speech live client shutting down")
}
