// Package mock provides transcription doubles for development and tests: an
// in-process stt.Adapter and a WebSocket server that speaks both wire
// dialects. Both play scripted utterances with progressive partials and
// exactly one final per utterance.
package mock

// Utterance is one scripted utterance with progressive transcripts.
type Utterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []Utterance{
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you help", "Can you help me with"},
		Final:      "Can you help me with my account",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"I've been", "I've been waiting", "I've been waiting for"},
		Final:      "I've been waiting for over an hour",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

// step is one scripted emission.
type step struct {
	Utterance  int // running utterance number, starting at 0
	Text       string
	IsFinal    bool
	Confidence float64
}

// script walks the utterances, cycling when it reaches the end.
// It is not safe for concurrent use.
type script struct {
	utterances []Utterance
	count      int // utterances completed
	partial    int // next partial within the current utterance
}

func newScript(utterances []Utterance) *script {
	if len(utterances) == 0 {
		utterances = DefaultUtterances
	}
	return &script{utterances: utterances}
}

func (s *script) current() Utterance {
	return s.utterances[s.count%len(s.utterances)]
}

// next returns the next partial, or the final once all partials are out.
func (s *script) next() step {
	u := s.current()
	if s.partial < len(u.Partials) {
		text := u.Partials[s.partial]
		s.partial++
		return step{Utterance: s.count, Text: text}
	}
	st := step{Utterance: s.count, Text: u.Final, IsFinal: true, Confidence: u.Confidence}
	s.count++
	s.partial = 0
	return st
}

// inProgress reports whether partials of the current utterance were emitted
// without its final.
func (s *script) inProgress() bool {
	return s.partial > 0
}
