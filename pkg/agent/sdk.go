package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stillriver/voiced/internal/log"
)

const (
	connectTimeout = 10 * time.Second
	writeWait      = 10 * time.Second

	// drainWait bounds how long an abandoned response may keep
	// streaming before the connection is dropped instead of drained.
	drainWait = 5 * time.Second
)

// Wire frames for the SDK agent protocol. One JSON object per
// websocket text message.
type sdkFrame struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	Name         string `json:"name,omitempty"`
	Session      string `json:"session,omitempty"`
	Resume       string `json:"resume,omitempty"`
	ExpectsReply bool   `json:"expects_reply,omitempty"`
	Error        string `json:"error,omitempty"`
}

const (
	frameHello     = "hello"
	frameSession   = "session"
	frameQuery     = "query"
	frameChunk     = "chunk"
	frameToolUse   = "tool_use"
	frameResult    = "result"
	frameInterrupt = "interrupt"
)

// SDKSession talks to an agent backend over a persistent websocket.
//
// The backend keeps the conversation server-side; on reconnect the
// session presents its resume token, so idle eviction (and daemon
// restarts, if the token is persisted) are invisible to callers.
type SDKSession struct {
	url    string
	header http.Header

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	querying  bool
	sessionID string

	expectsReply bool
}

// NewSDKSession creates a session for the given websocket URL.
func NewSDKSession(url string) *SDKSession {
	return &SDKSession{url: url, header: http.Header{}}
}

// EnsureConnected dials the backend if needed and performs the hello
// handshake, presenting the resume token from any prior connection.
func (s *SDKSession) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("agent: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("agent: dial failed: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sdkFrame{Type: frameHello, Resume: s.sessionID}); err != nil {
		conn.Close()
		return fmt.Errorf("agent: hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var welcome sdkFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("agent: handshake read: %w", err)
	}
	if welcome.Type != frameSession {
		conn.Close()
		return fmt.Errorf("agent: unexpected handshake frame %q", welcome.Type)
	}
	conn.SetReadDeadline(time.Time{})

	s.conn = conn
	s.connected = true
	s.sessionID = welcome.Session
	log.Info("agent connected", "session", s.sessionID)
	return nil
}

// Send submits a query and streams the response. Chunks arrive until
// the backend's result frame; tool_use frames become boundary chunks.
func (s *SDKSession) Send(ctx context.Context, text string) (*Stream, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.querying {
		s.mu.Unlock()
		return nil, ErrQueryActive
	}
	s.querying = true
	s.expectsReply = false
	conn := s.conn
	s.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sdkFrame{Type: frameQuery, Text: text}); err != nil {
		s.queryDone()
		s.dropConn()
		return nil, fmt.Errorf("agent: write query: %w", err)
	}

	stream := NewStream()
	go s.readResponse(ctx, conn, stream)
	return stream, nil
}

func (s *SDKSession) readResponse(ctx context.Context, conn *websocket.Conn, stream *Stream) {
	defer s.queryDone()

	for {
		var frame sdkFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error("agent read error", "error", err)
			}
			s.dropConn()
			stream.Close(fmt.Errorf("agent: stream read: %w", err))
			return
		}

		// A cancelled query context means the consumer abandoned the
		// stream, but the backend is still sending the old response.
		// It has to come off the wire through its result frame, or the
		// next query would read this one's leftover frames.
		if ctx.Err() != nil {
			s.drainAbandoned(conn, frame)
			stream.Close(ctx.Err())
			return
		}

		switch frame.Type {
		case frameChunk:
			if !stream.Emit(ctx, Chunk{Text: frame.Text}) {
				s.drainAbandoned(conn, frame)
				stream.Close(ctx.Err())
				return
			}
		case frameToolUse:
			if !stream.Emit(ctx, Chunk{ToolBoundary: true}) {
				s.drainAbandoned(conn, frame)
				stream.Close(ctx.Err())
				return
			}
		case frameResult:
			s.mu.Lock()
			s.expectsReply = frame.ExpectsReply
			s.mu.Unlock()
			if frame.Error != "" {
				stream.Close(fmt.Errorf("agent: backend error: %s", frame.Error))
			} else {
				stream.Close(nil)
			}
			return
		default:
			log.Debug("ignoring agent frame", "type", frame.Type)
		}
	}
}

// drainAbandoned discards the rest of a response the consumer walked
// away from, through its result frame, leaving the connection clean for
// the next query. The abandoned result's expects_reply is deliberately
// not adopted; the conversation moved on. If the backend does not
// finish within drainWait the connection is dropped so the next use
// reconnects instead.
func (s *SDKSession) drainAbandoned(conn *websocket.Conn, last sdkFrame) {
	conn.SetReadDeadline(time.Now().Add(drainWait))
	defer conn.SetReadDeadline(time.Time{})

	frame := last
	for frame.Type != frameResult {
		if err := conn.ReadJSON(&frame); err != nil {
			log.Warn("abandoned response never finished, dropping connection", "error", err)
			s.dropConn()
			return
		}
	}
	log.Debug("drained abandoned response")
}

// Interrupt asks the backend to stop streaming the current response.
// The in-flight stream still ends with a result frame.
func (s *SDKSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()
	if !connected {
		return nil
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(sdkFrame{Type: frameInterrupt}); err != nil {
		return fmt.Errorf("agent: interrupt: %w", err)
	}
	return nil
}

// Disconnect closes the websocket. The resume token is kept so the
// next connection continues the same conversation.
func (s *SDKSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	if !connected {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := conn.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("agent: close: %w", err)
	}
	log.Info("agent disconnected")
	return nil
}

// ExpectsReply reports the backend's verdict from the last response.
func (s *SDKSession) ExpectsReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectsReply
}

// Connected reports connection state.
func (s *SDKSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SDKSession) queryDone() {
	s.mu.Lock()
	s.querying = false
	s.mu.Unlock()
}

func (s *SDKSession) dropConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
}
