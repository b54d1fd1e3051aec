package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Speaker for testing.
// All methods can be customized via function fields.
type Mock struct {
	// SpeakFunc is called when Speak is invoked. If nil, returns nil.
	SpeakFunc func(ctx context.Context, text string) error

	// KillFunc is called when Kill is invoked. If nil, does nothing.
	KillFunc func()

	// Tracking
	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// Speak records the call and delegates to SpeakFunc.
func (m *Mock) Speak(ctx context.Context, text string) error {
	m.record("Speak", text)
	if m.SpeakFunc != nil {
		return m.SpeakFunc(ctx, text)
	}
	return nil
}

// Kill records the call and delegates to KillFunc.
func (m *Mock) Kill() {
	m.record("Kill", "")
	if m.KillFunc != nil {
		m.KillFunc()
	}
}

// PlayCue records the call.
func (m *Mock) PlayCue(name string) {
	m.record("PlayCue", name)
}

// Calls returns a copy of all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Spoken returns the text of every Speak call, in order.
func (m *Mock) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Method == "Speak" {
			out = append(out, c.Text)
		}
	}
	return out
}

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
}
