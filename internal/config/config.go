// Package config loads client configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderSocket = "socket"
	ProviderGoogle = "google"
	ProviderMock   = "mock"
)

// Config is the complete client configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Audio         AudioConfig         `yaml:"audio"`
	Google        GoogleConfig        `yaml:"google"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Limits        LimitsConfig        `yaml:"limits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Display       DisplayConfig       `yaml:"display"`
}

type ServiceConfig struct {
	Principal string `yaml:"principal"`
	ClientUID string `yaml:"client_uid"` // empty generates one per process
	HTTPAddr  string `yaml:"http_addr"`  // control surface, empty disables
}

type TranscriptionConfig struct {
	Provider           string        `yaml:"provider"` // socket, google, mock
	URL                string        `yaml:"url"`
	Protocol           string        `yaml:"protocol"` // legacy, segment-stream
	AuthToken          string        `yaml:"auth_token"`
	Language           string        `yaml:"language"`
	Script             string        `yaml:"script"`
	Model              string        `yaml:"model"`
	UseVAD             bool          `yaml:"use_vad"`
	HFToken            string        `yaml:"hf_token"`
	OpenTimeout        time.Duration `yaml:"open_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnects      int           `yaml:"max_reconnects"`
	SendQueueSize      int           `yaml:"send_queue_size"`
}

type AudioConfig struct {
	Device          string        `yaml:"device"` // portaudio device name, "default" or "synthetic"
	SampleRate      int           `yaml:"sample_rate"`
	FrameDuration   time.Duration `yaml:"frame_duration"`
	FramesPerBuffer int           `yaml:"frames_per_buffer"`
	FrameQueue      int           `yaml:"frame_queue"`
}

type GoogleConfig struct {
	LanguageCode         string `yaml:"language_code"`
	InterimResults       bool   `yaml:"interim_results"`
	AudioEncoding        string `yaml:"audio_encoding"`
	Model                string `yaml:"model"`
	AutomaticPunctuation bool   `yaml:"automatic_punctuation"`
	Endpoint             string `yaml:"endpoint"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

type LimitsConfig struct {
	MaxAudioBytes int64         `yaml:"max_audio_bytes"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	MaxPartials   int           `yaml:"max_partials"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console
}

type DisplayConfig struct {
	LatencyMin      time.Duration `yaml:"latency_min"`
	LatencyMax      time.Duration `yaml:"latency_max"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Color           bool          `yaml:"color"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal: "live-transcribe",
		},
		Transcription: TranscriptionConfig{
			Provider:           ProviderSocket,
			URL:                "ws://localhost:8765",
			Protocol:           "legacy",
			Language:           "en",
			Script:             "latin",
			Model:              "small",
			UseVAD:             true,
			OpenTimeout:        10 * time.Second,
			PingInterval:       30 * time.Second,
			ReconnectBaseDelay: time.Second,
			MaxReconnects:      5,
			SendQueueSize:      50,
		},
		Audio: AudioConfig{
			Device:          "default",
			SampleRate:      16000,
			FrameDuration:   100 * time.Millisecond,
			FramesPerBuffer: 512,
			FrameQueue:      32,
		},
		Google: GoogleConfig{
			LanguageCode:         "en-US",
			InterimResults:       true,
			AudioEncoding:        "LINEAR16",
			AutomaticPunctuation: true,
		},
		Kafka: KafkaConfig{
			TopicPartial: "transcripts.partial",
			TopicFinal:   "transcripts.final",
		},
		Limits: LimitsConfig{
			MaxAudioBytes: 256 * 1024 * 1024,
			MaxDuration:   time.Hour,
			MaxPartials:   500,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
		Display: DisplayConfig{
			LatencyMin:      80 * time.Millisecond,
			LatencyMax:      120 * time.Millisecond,
			RefreshInterval: 100 * time.Millisecond,
			Color:           true,
		},
	}
}

// Load returns the defaults overridden by environment variables. Invalid
// values fall back to the previous value.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.ClientUID = envOrDefault("CLIENT_UID", c.Service.ClientUID)
	c.Service.HTTPAddr = envOrDefault("HTTP_ADDR", c.Service.HTTPAddr)

	t := &c.Transcription
	t.Provider = envOrDefault("TRANSCRIPTION_PROVIDER", t.Provider)
	t.URL = envOrDefault("TRANSCRIPTION_URL", t.URL)
	t.Protocol = envOrDefault("TRANSCRIPTION_PROTOCOL", t.Protocol)
	t.AuthToken = envOrDefault("TRANSCRIPTION_AUTH_TOKEN", t.AuthToken)
	t.Language = envOrDefault("TRANSCRIPTION_LANGUAGE", t.Language)
	t.Script = envOrDefault("TRANSCRIPTION_SCRIPT", t.Script)
	t.Model = envOrDefault("TRANSCRIPTION_MODEL", t.Model)
	t.UseVAD = envOrDefaultBool("TRANSCRIPTION_USE_VAD", t.UseVAD)
	t.HFToken = envOrDefault("HF_TOKEN", t.HFToken)
	t.OpenTimeout = envOrDefaultDuration("TRANSCRIPTION_OPEN_TIMEOUT", t.OpenTimeout)
	t.PingInterval = envOrDefaultDuration("TRANSCRIPTION_PING_INTERVAL", t.PingInterval)
	t.ReconnectBaseDelay = envOrDefaultDuration("TRANSCRIPTION_RECONNECT_DELAY", t.ReconnectBaseDelay)
	t.MaxReconnects = envOrDefaultInt("TRANSCRIPTION_MAX_RECONNECTS", t.MaxReconnects)
	t.SendQueueSize = envOrDefaultInt("TRANSCRIPTION_SEND_QUEUE", t.SendQueueSize)

	a := &c.Audio
	a.Device = envOrDefault("AUDIO_DEVICE", a.Device)
	a.SampleRate = envOrDefaultInt("AUDIO_SAMPLE_RATE", a.SampleRate)
	a.FrameDuration = envOrDefaultDuration("AUDIO_FRAME_DURATION", a.FrameDuration)
	a.FramesPerBuffer = envOrDefaultInt("AUDIO_FRAMES_PER_BUFFER", a.FramesPerBuffer)

	g := &c.Google
	g.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", g.LanguageCode)
	g.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", g.InterimResults)
	g.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", g.AudioEncoding)
	g.Model = envOrDefault("STT_MODEL", g.Model)
	g.Endpoint = envOrDefault("STT_ENDPOINT", g.Endpoint)

	k := &c.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", k.TopicPartial)
	k.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", k.TopicFinal)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = c.Service.Principal
	}

	l := &c.Limits
	l.MaxAudioBytes = envOrDefaultInt64("SESSION_MAX_AUDIO_BYTES", l.MaxAudioBytes)
	l.MaxDuration = envOrDefaultDuration("SESSION_MAX_DURATION", l.MaxDuration)
	l.MaxPartials = envOrDefaultInt("SESSION_MAX_PARTIALS", l.MaxPartials)

	c.Observability.LogLevel = envOrDefault("ZEROLOG_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)

	c.Display.LatencyMin = envOrDefaultDuration("DISPLAY_LATENCY_MIN", c.Display.LatencyMin)
	c.Display.LatencyMax = envOrDefaultDuration("DISPLAY_LATENCY_MAX", c.Display.LatencyMax)
	c.Display.Color = envOrDefaultBool("DISPLAY_COLOR", c.Display.Color)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability config: %w", err)
	}
	if err := c.Display.Validate(); err != nil {
		return fmt.Errorf("display config: %w", err)
	}
	return nil
}

func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case ProviderMock, ProviderGoogle:
		return nil
	case ProviderSocket:
	default:
		return fmt.Errorf("provider must be one of socket, google, mock, got %q", t.Provider)
	}

	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", t.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	switch strings.ToLower(t.Protocol) {
	case "legacy", "segment-stream", "segment_stream":
	default:
		return fmt.Errorf("protocol must be legacy or segment-stream, got %q", t.Protocol)
	}
	if t.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be positive, got %v", t.OpenTimeout)
	}
	if t.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be at least 1, got %d", t.SendQueueSize)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	if a.FrameDuration < 10*time.Millisecond || a.FrameDuration > 10*time.Second {
		return fmt.Errorf("frame_duration must be between 10ms and 10s, got %v", a.FrameDuration)
	}
	if a.FramesPerBuffer < 1 {
		return fmt.Errorf("frames_per_buffer must be at least 1, got %d", a.FramesPerBuffer)
	}
	return nil
}

func (k *KafkaConfig) Validate() error {
	if k.Enabled && len(k.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty when kafka is enabled")
	}
	return nil
}

func (l *LimitsConfig) Validate() error {
	if l.MaxAudioBytes < 0 || l.MaxDuration < 0 || l.MaxPartials < 0 {
		return fmt.Errorf("limits cannot be negative")
	}
	return nil
}

func (o *ObservabilityConfig) Validate() error {
	switch o.LogFormat {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("log_format must be json or console, got %q", o.LogFormat)
	}
}

func (d *DisplayConfig) Validate() error {
	if d.LatencyMax < d.LatencyMin {
		return fmt.Errorf("latency_max (%v) must not be below latency_min (%v)", d.LatencyMax, d.LatencyMin)
	}
	if d.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive, got %v", d.RefreshInterval)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
