package agent

import (
	"context"
	"sync"
	"time"

	"github.com/stillriver/voiced/internal/log"
)

// DefaultIdleTimeout is how long a session may sit unused before the
// manager disconnects it to free memory.
const DefaultIdleTimeout = 30 * time.Second

// disconnectGrace bounds the eviction disconnect itself.
const disconnectGrace = 5 * time.Second

// Manager wraps a Session with an idle-eviction policy.
//
// Every Send cancels the pending idle timer on entry and restarts a
// fresh one once the response stream is fully consumed. If the timer
// fires while a Send is in progress it is rescheduled: a session is
// never evicted mid-query. Eviction closes the connection; the next use
// transparently reconnects and resumes the same conversation, so the
// pipeline only ever notices the added latency.
//
// An idle timeout of zero disables eviction, for backends that are
// cheap to keep resident.
type Manager struct {
	session Session
	idle    time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	sending bool
}

// NewManager wraps a session. Pass DefaultIdleTimeout unless the
// backend should stay resident.
func NewManager(session Session, idle time.Duration) *Manager {
	return &Manager{session: session, idle: idle}
}

// EnsureConnected cancels any pending eviction and connects.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.cancelTimer()
	return m.session.EnsureConnected(ctx)
}

// Send forwards the query and re-arms the idle timer when the returned
// stream finishes. The caller consumes the stream as usual.
func (m *Manager) Send(ctx context.Context, text string) (*Stream, error) {
	m.cancelTimer()
	m.mu.Lock()
	m.sending = true
	m.mu.Unlock()

	inner, err := m.session.Send(ctx, text)
	if err != nil {
		m.sendDone()
		return nil, err
	}

	out := NewStream()
	go func() {
		for c := range inner.Chunks() {
			if !out.Emit(ctx, c) {
				// Consumer gone; drain the backend stream so the
				// session can finish its bookkeeping.
				for range inner.Chunks() {
				}
				break
			}
		}
		out.Close(inner.Err())
		m.sendDone()
	}()
	return out, nil
}

// Interrupt forwards to the session.
func (m *Manager) Interrupt(ctx context.Context) error {
	return m.session.Interrupt(ctx)
}

// Disconnect forwards to the session.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.session.Disconnect(ctx)
}

// ExpectsReply forwards to the session.
func (m *Manager) ExpectsReply() bool {
	return m.session.ExpectsReply()
}

// Connected forwards to the session.
func (m *Manager) Connected() bool {
	return m.session.Connected()
}

// Shutdown cancels the timer and disconnects unconditionally, for
// process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancelTimer()
	return m.session.Disconnect(ctx)
}

func (m *Manager) sendDone() {
	m.mu.Lock()
	m.sending = false
	m.mu.Unlock()
	m.startTimer()
}

func (m *Manager) cancelTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) startTimer() {
	if m.idle <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.idle, m.onIdle)
}

func (m *Manager) onIdle() {
	m.mu.Lock()
	if m.sending {
		m.mu.Unlock()
		log.Debug("idle timer fired during active send, rescheduling")
		m.startTimer()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	log.Info("agent idle timeout, disconnecting")
	ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
	defer cancel()
	if err := m.session.Disconnect(ctx); err != nil {
		log.Warn("idle disconnect failed", "error", err)
	}
}
