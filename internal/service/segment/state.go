package segment

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of one transcript segment.
type State int

const (
	// StatePartial - revisable hypothesis.
	StatePartial State = iota
	// StateFinal - confirmed by the server.
	StateFinal
	// StateDropped - superseded or abandoned before it was confirmed. Terminal.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StatePartial:
		return "PARTIAL"
	case StateFinal:
		return "FINAL"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Transition describes what an observation did to a segment.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionUpdated
	TransitionFinalized
	// TransitionRevisedAfterFinal - the server changed a confirmed segment.
	// The revision is accepted in place.
	TransitionRevisedAfterFinal
)

func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionUpdated:
		return "updated"
	case TransitionFinalized:
		return "finalized"
	case TransitionRevisedAfterFinal:
		return "revised_after_final"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

var ErrSegmentDropped = errors.New("segment was dropped")

// Lifecycle tracks a single segment through PARTIAL -> FINAL.
//
//	PARTIAL ──final──> FINAL ──text change──> FINAL (revision counted)
//	   │
//	   └──Drop()──> DROPPED
//
// The partial to final transition happens at most once. A final segment whose
// completed flag is withdrawn stays final.
type Lifecycle struct {
	mu        sync.RWMutex
	key       Key
	state     State
	revisions int
}

func NewLifecycle(key Key) *Lifecycle {
	return &Lifecycle{key: key, state: StatePartial}
}

func (l *Lifecycle) Key() Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.key
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Lifecycle) IsFinal() bool {
	return l.State() == StateFinal
}

// Revisions returns how many times the segment changed after it became final.
func (l *Lifecycle) Revisions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revisions
}

// Observe records one emission of the segment.
func (l *Lifecycle) Observe(isFinal, textChanged bool) (Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StatePartial:
		if isFinal {
			l.state = StateFinal
			return TransitionFinalized, nil
		}
		if textChanged {
			return TransitionUpdated, nil
		}
		return TransitionNone, nil
	case StateFinal:
		if textChanged {
			l.revisions++
			return TransitionRevisedAfterFinal, nil
		}
		return TransitionNone, nil
	case StateDropped:
		return TransitionNone, ErrSegmentDropped
	default:
		return TransitionNone, fmt.Errorf("unexpected state: %v", l.state)
	}
}

// Drop abandons a partial segment. Returns false for final or already dropped segments.
func (l *Lifecycle) Drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePartial {
		return false
	}
	l.state = StateDropped
	return true
}
