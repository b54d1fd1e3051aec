package voice

import (
	"sync"

	"github.com/stillriver/voiced/internal/log"
)

// PipelineState is where a voice interaction currently is.
type PipelineState int

const (
	StateIdle PipelineState = iota
	StateActivated
	StateListening
	StateThinking
	StateResponding
	StateCooldown
)

func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivated:
		return "activated"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateResponding:
		return "responding"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// transitions is the set of legal state changes.
var transitions = map[PipelineState][]PipelineState{
	StateIdle:       {StateActivated},
	StateActivated:  {StateListening, StateThinking, StateCooldown},
	StateListening:  {StateThinking, StateCooldown},
	StateThinking:   {StateResponding, StateCooldown},
	StateResponding: {StateCooldown, StateListening, StateThinking},
	StateCooldown:   {StateIdle},
}

// statusFor maps user-visible phases to display status strings.
// States without an entry produce no status write.
var statusFor = map[PipelineState]string{
	StateActivated:  "activated",
	StateListening:  "listening",
	StateThinking:   "thinking",
	StateResponding: "responding",
}

// Machine holds the pipeline state and enforces the transition table.
// Safe for concurrent reads; only the session goroutine transitions it.
type Machine struct {
	mu      sync.Mutex
	current PipelineState
}

// Current returns the current state.
func (m *Machine) Current() PipelineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition attempts a legal state change. An illegal transition is
// rejected with a warning and no state change: it signals a sequencing
// bug, not a user-facing failure.
func (m *Machine) Transition(target PipelineState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, next := range transitions[m.current] {
		if next == target {
			m.current = target
			return true
		}
	}
	log.Warn("illegal pipeline transition", "from", m.current, "to", target)
	return false
}

// Force sets the state without table checks. Used by session cleanup
// paths that must land in a known state regardless of where the attempt
// stopped.
func (m *Machine) Force(target PipelineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = target
}
