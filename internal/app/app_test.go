package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"ai-speech-live-client/internal/config"
	"ai-speech-live-client/internal/service/audio"
	"ai-speech-live-client/internal/service/capture"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Observability.LogLevel = "error"
	return cfg
}

func TestNew_RejectsUnknownProtocol(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.Protocol = "v3"

	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestNew_AssignsClientUID(t *testing.T) {
	cfg := testConfig()
	cfg.Service.ClientUID = ""

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Cfg.Service.ClientUID == "" {
		t.Error("expected a generated client uid")
	}
	if a.Metrics == nil || a.Registry == nil {
		t.Error("expected metrics on a private registry")
	}
}

func TestNewDevice(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"synthetic", "*capture.SyntheticDevice"},
		{"speech.wav", "*capture.WAVDevice"},
		{"/tmp/SPEECH.WAV", "*capture.WAVDevice"},
		{"default", "*capture.PortAudioDevice"},
		{"USB Microphone", "*capture.PortAudioDevice"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			if got := fmt.Sprintf("%T", NewDevice(tt.source)); got != tt.want {
				t.Errorf("NewDevice(%q) returned %s, want %s", tt.source, got, tt.want)
			}
		})
	}
}

func TestNewAdapter_PerProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{config.ProviderSocket, "*socket.Client"},
		{config.ProviderMock, "*mock.Adapter"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := testConfig()
			cfg.Transcription.Provider = tt.provider
			a, err := New(cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			adapter, err := a.newAdapter(context.Background(), audio.Session{Config: capture.DefaultConfig()})
			if err != nil {
				t.Fatalf("newAdapter failed: %v", err)
			}
			defer adapter.Close()
			if got := fmt.Sprintf("%T", adapter); got != tt.want {
				t.Errorf("provider %s built %s, want %s", tt.provider, got, tt.want)
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		cfg := testConfig()
		a, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		a.Cfg.Transcription.Provider = "whisper"
		if _, err := a.newAdapter(context.Background(), audio.Session{}); err == nil || !strings.Contains(err.Error(), "whisper") {
			t.Errorf("expected unknown provider error, got %v", err)
		}
	})
}

func TestApplication_MockSessionEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.Provider = config.ProviderMock
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a.Build(&capture.SyntheticDevice{Frequency: 440, Amplitude: 0.3, Limit: 3 * 16000})
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := a.Handler.Start(context.Background()); err != nil {
		t.Fatalf("session start failed: %v", err)
	}
	select {
	case <-a.Handler.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the source to finish")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.Shutdown(ctx)

	snap := a.Handler.Snapshot()
	if snap.FinalText == "" {
		t.Errorf("expected finalized text after shutdown, got %+v", snap.Segments)
	}
	if _, ok := a.Handler.Session(); ok {
		t.Error("expected the session to end on shutdown")
	}
}
