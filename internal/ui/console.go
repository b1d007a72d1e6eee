// Package ui renders the live transcript and session metrics to a terminal.
package ui

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ai-speech-live-client/internal/events"
	"ai-speech-live-client/internal/service/audio"
	"ai-speech-live-client/internal/service/capture"
	"ai-speech-live-client/internal/service/stt"
)

const levelBarWidth = 20

var (
	finalStyle   = lipgloss.NewStyle()
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Faint(true)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC322F")).Bold(true)
	levelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#859900"))
	clipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#DC322F"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC322F"))
	adviceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#B58900"))
)

// Console redraws a live view in place when ansi is enabled. Without ansi it
// appends each final segment once, which suits pipes and log files.
type Console struct {
	out  io.Writer
	ansi bool

	mu      sync.Mutex
	lines   int
	printed map[string]bool
}

func NewConsole(out io.Writer, ansi bool) *Console {
	return &Console{out: out, ansi: ansi, printed: make(map[string]bool)}
}

// Snapshotter is the part of audio.Handler the console polls.
type Snapshotter interface {
	Snapshot() audio.Update
}

// Run redraws on every tick until ctx is done so the level meter moves
// between transcript updates.
func (c *Console) Run(ctx context.Context, src Snapshotter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Draw(src.Snapshot())
		}
	}
}

// Draw writes one update.
func (c *Console) Draw(u audio.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ansi {
		for _, seg := range u.Segments {
			if seg.IsFinal && !c.printed[seg.ID] {
				c.printed[seg.ID] = true
				fmt.Fprintln(c.out, strings.TrimSpace(seg.Text))
			}
		}
		return
	}

	view := Render(u)
	if c.lines > 0 {
		fmt.Fprintf(c.out, "\x1b[%dA\x1b[J", c.lines)
	}
	fmt.Fprintln(c.out, view)
	c.lines = strings.Count(view, "\n") + 1
}

// Reset forgets what was drawn, for a fresh session.
func (c *Console) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = 0
	c.printed = make(map[string]bool)
}

// Render builds the styled view: transcript, status line and, when present,
// the last error.
func Render(u audio.Update) string {
	var b strings.Builder

	parts := make([]string, 0, len(u.Segments))
	for _, seg := range u.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.IsFinal {
			parts = append(parts, finalStyle.Render(text))
		} else {
			parts = append(parts, partialStyle.Render(text))
		}
	}
	b.WriteString(strings.Join(parts, " "))
	b.WriteString("\n")
	b.WriteString(StatusLine(u))

	if u.Err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(u.Err.Error()))
		if r := capture.Remediation(u.Err); r != "" {
			b.WriteString("\n")
			b.WriteString(adviceStyle.Render(r))
		} else if stt.CredentialsNeeded(u.Err) {
			b.WriteString("\n")
			b.WriteString(adviceStyle.Render("Supply a fresh token to reconnect."))
		}
	}
	return b.String()
}

// StatusLine renders connection state, metrics and the input level.
func StatusLine(u audio.Update) string {
	fields := []string{statusStyle.Render(u.State.String())}
	if u.Recording {
		fields = append(fields, recStyle.Render("● REC"))
	}

	latency := "-- ms"
	if u.Metrics.HasLatency {
		latency = fmt.Sprintf("%d ms", u.Metrics.DisplayLatency.Milliseconds())
	}
	fields = append(fields,
		latency,
		fmt.Sprintf("%.0f wpm", u.Metrics.WordsPerMinute),
		fmt.Sprintf("%d words", u.Metrics.SpokenWords),
		LevelBar(u.Level),
	)
	return strings.Join(fields, "  ")
}

// LevelBar draws the input level, marking clipping.
func LevelBar(l capture.Level) string {
	filled := int(math.Round(math.Min(math.Max(l.Value, 0), 1) * levelBarWidth))
	bar := "[" + levelStyle.Render(strings.Repeat("#", filled)) + strings.Repeat("-", levelBarWidth-filled) + "]"
	if l.Clipping {
		bar += " " + clipStyle.Render("CLIP")
	}
	return bar
}

// EventLine renders one transcript event read back from Kafka.
func EventLine(ev events.Event) string {
	session := ev.SessionID
	if len(session) > 8 {
		session = session[:8]
	}
	prefix := statusStyle.Render(fmt.Sprintf("[%s %s]", session, ev.SegmentID))
	if !ev.Final() {
		return prefix + " " + partialStyle.Render(ev.Text)
	}
	line := prefix + " " + finalStyle.Render(ev.Text)
	if ev.LatencyMs > 0 {
		line += " " + adviceStyle.Render(fmt.Sprintf("(%.0f ms)", ev.LatencyMs))
	}
	return line
}
