package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestInit_Levels(t *testing.T) {
	prevLevel, prevLogger := zerolog.GlobalLevel(), log.Logger
	defer func() {
		zerolog.SetGlobalLevel(prevLevel)
		log.Logger = prevLogger
	}()

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Level = tt.level
			Init(cfg)
			if got := zerolog.GlobalLevel(); got != tt.want {
				t.Errorf("expected level %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWithHelpers(t *testing.T) {
	tests := []struct {
		name   string
		logger func() zerolog.Logger
		want   map[string]string
	}{
		{"component", func() zerolog.Logger { return WithComponent("socket") }, map[string]string{"component": "socket"}},
		{"session", func() zerolog.Logger { return WithSession("s-1", "c-1") }, map[string]string{"sessionId": "s-1", "clientUid": "c-1"}},
		{"connection", func() zerolog.Logger { return WithConnection("s-1", "legacy") }, map[string]string{"sessionId": "s-1", "protocol": "legacy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			l := tt.logger()
			l.Info().Msg("hello")

			var fields map[string]any
			if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
				t.Fatalf("invalid log line %q: %v", buf.String(), err)
			}
			for k, v := range tt.want {
				if fields[k] != v {
					t.Errorf("expected %s=%s, got %v", k, v, fields[k])
				}
			}
		})
	}
}

func TestInit_OutputAndFormat(t *testing.T) {
	prevLevel, prevLogger := zerolog.GlobalLevel(), log.Logger
	defer func() {
		zerolog.SetGlobalLevel(prevLevel)
		log.Logger = prevLogger
	}()

	tests := []struct {
		name   string
		format string
		caller bool
		check  func(t *testing.T, line string)
	}{
		{"json", "json", false, func(t *testing.T, line string) {
			if !strings.HasPrefix(line, "{") || !strings.Contains(line, `"message":"ready"`) {
				t.Errorf("expected a JSON line, got %q", line)
			}
			if strings.Contains(line, `"caller"`) {
				t.Errorf("caller disabled but present: %q", line)
			}
		}},
		{"json with caller", "json", true, func(t *testing.T, line string) {
			if !strings.Contains(line, `"caller"`) {
				t.Errorf("expected caller field, got %q", line)
			}
		}},
		{"console", "console", false, func(t *testing.T, line string) {
			if strings.HasPrefix(line, "{") || !strings.Contains(line, "ready") || strings.Contains(line, "\x1b[") {
				t.Errorf("expected an uncoloured console line, got %q", line)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Init(Config{Level: "info", Format: tt.format, Output: &buf, Caller: tt.caller})
			log.Info().Msg("ready")
			tt.check(t, buf.String())
		})
	}
}
