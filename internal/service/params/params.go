// Package params describes the server-side tuning knobs exposed over the
// parameter side-channel.
package params

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	ChunkDurationMs      = "chunk_duration_ms"
	MinSilenceDurationMs = "min_silence_duration_ms"
	SpeechPadMs          = "speech_pad_ms"
	VADThreshold         = "vad_threshold"
	BufferDurationS      = "buffer_duration_s"
	PartialIntervalMs    = "partial_interval_ms"
	PartialWindowMs      = "partial_window_ms"
)

// Bound is the accepted range and default of one parameter.
type Bound struct {
	Name    string
	Min     float64
	Max     float64
	Default float64
	Integer bool
}

var bounds = map[string]Bound{
	ChunkDurationMs:      {Name: ChunkDurationMs, Min: 50, Max: 10000, Default: 100, Integer: true},
	MinSilenceDurationMs: {Name: MinSilenceDurationMs, Min: 100, Max: 5000, Default: 500, Integer: true},
	SpeechPadMs:          {Name: SpeechPadMs, Min: 0, Max: 1000, Default: 30, Integer: true},
	VADThreshold:         {Name: VADThreshold, Min: 0, Max: 1, Default: 0.5},
	BufferDurationS:      {Name: BufferDurationS, Min: 5, Max: 60, Default: 30, Integer: true},
	PartialIntervalMs:    {Name: PartialIntervalMs, Min: 100, Max: 2000, Default: 500, Integer: true},
	PartialWindowMs:      {Name: PartialWindowMs, Min: 300, Max: 3000, Default: 1500, Integer: true},
}

// Lookup returns the bound for a parameter name.
func Lookup(name string) (Bound, bool) {
	b, ok := bounds[name]
	return b, ok
}

// Names returns every parameter name in sorted order.
func Names() []string {
	names := make([]string, 0, len(bounds))
	for name := range bounds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parameters is a full or partial set of parameter values.
type Parameters map[string]float64

// Defaults returns every parameter at its default.
func Defaults() Parameters {
	p := make(Parameters, len(bounds))
	for name, b := range bounds {
		p[name] = b.Default
	}
	return p
}

func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ValidationError lists every rejected parameter.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid parameters: " + strings.Join(e.Problems, "; ")
}

// Validate checks names, ranges and integrality of an update.
func Validate(update Parameters) error {
	if len(update) == 0 {
		return &ValidationError{Problems: []string{"no parameters given"}}
	}

	var problems []string
	for _, name := range sortedKeys(update) {
		v := update[name]
		b, ok := bounds[name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
		case math.IsNaN(v) || math.IsInf(v, 0):
			problems = append(problems, fmt.Sprintf("%s must be a finite number", name))
		case v < b.Min || v > b.Max:
			problems = append(problems, fmt.Sprintf("%s=%g outside [%g, %g]", name, v, b.Min, b.Max))
		case b.Integer && v != math.Trunc(v):
			problems = append(problems, fmt.Sprintf("%s=%g must be a whole number", name, v))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Parse reads name=value pairs, as given on the command line.
func Parse(pairs []string) (Parameters, error) {
	out := make(Parameters, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

// Cache is the client's copy of the server parameters. It only changes when
// the server acknowledges a change.
type Cache struct {
	mu     sync.RWMutex
	values Parameters
}

func NewCache() *Cache {
	return &Cache{values: Defaults()}
}

// Snapshot returns a copy of the cached values.
func (c *Cache) Snapshot() Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values.Clone()
}

// Get returns one cached value.
func (c *Cache) Get(name string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Apply merges acknowledged values into the cache. Unknown names are ignored.
func (c *Cache) Apply(acknowledged Parameters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range acknowledged {
		if _, ok := bounds[name]; ok {
			c.values[name] = v
		}
	}
}

// Replace overwrites the cache with a full server read, keeping defaults for
// names the server did not report.
func (c *Cache) Replace(server Parameters) {
	next := Defaults()
	for name, v := range server {
		if _, ok := bounds[name]; ok {
			next[name] = v
		}
	}
	c.mu.Lock()
	c.values = next
	c.mu.Unlock()
}

func sortedKeys(p Parameters) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
