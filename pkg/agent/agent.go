// Package agent wraps the conversational agent behind a small capability
// interface plus a lifecycle manager that evicts idle connections.
//
// Two backends conform to the Session interface: an SDK-backed session
// that streams over a persistent websocket and resumes its server-side
// conversation across reconnects, and a local-model session that streams
// chat completions over HTTP and keeps its history in memory. The
// pipeline depends only on the interface.
package agent

import (
	"context"
	"errors"
	"sync"
)

// Common errors returned by agent sessions.
var (
	ErrNotConnected = errors.New("agent: not connected")
	ErrQueryActive  = errors.New("agent: query already in progress")
)

// Session is the capability contract every agent backend satisfies.
type Session interface {
	// EnsureConnected connects if needed. Idempotent; may block on
	// first use.
	EnsureConnected(ctx context.Context) error

	// Send submits text and returns a stream of response chunks.
	Send(ctx context.Context, text string) (*Stream, error)

	// Interrupt stops the current response.
	Interrupt(ctx context.Context) error

	// Disconnect tears the connection down. The logical conversation
	// survives: the next Send reconnects and resumes it.
	Disconnect(ctx context.Context) error

	// ExpectsReply reports whether the last completed response asked
	// the user a question and wants the microphone kept open.
	ExpectsReply() bool

	// Connected reports current connection state.
	Connected() bool
}

// Chunk is one element of a streamed response. A ToolBoundary chunk
// carries no text; it marks the point where the agent went off to run
// a tool, so accumulated text can be spoken eagerly.
type Chunk struct {
	Text         string
	ToolBoundary bool
}

// Stream carries response chunks from a session to its consumer.
// Read Chunks() until closed, then check Err().
type Stream struct {
	ch chan Chunk

	mu  sync.Mutex
	err error
}

// NewStream creates a stream with a small buffer so producers are not
// stalled by a consumer that is busy speaking.
func NewStream() *Stream {
	return &Stream{ch: make(chan Chunk, 64)}
}

// Chunks returns the receive side of the stream.
func (s *Stream) Chunks() <-chan Chunk {
	return s.ch
}

// Emit delivers a chunk, giving up if the context ends first.
// Returns false once the consumer is gone.
func (s *Stream) Emit(ctx context.Context, c Chunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream with an optional terminal error.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// Err returns the terminal error, valid once Chunks() is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
