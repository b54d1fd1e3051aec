package widget

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stillriver/voiced/pkg/protocol"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "widget.sock")
	s := New(path)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, path
}

func dialAndWait(t *testing.T, s *Server, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.ClientCount() == 0 {
		t.Fatal("client never registered")
	}
	return conn
}

func TestSendReachesClient(t *testing.T) {
	s, path := startServer(t)
	conn := dialAndWait(t, s, path)

	if err := s.Send(protocol.MethodShowResponse, protocol.ShowResponse{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Method != protocol.MethodShowResponse {
		t.Errorf("got method %q", msg.Method)
	}
}

func TestIncomingMessageDispatched(t *testing.T) {
	s, path := startServer(t)

	got := make(chan *protocol.Message, 1)
	s.OnMessage(func(m *protocol.Message) { got <- m })

	conn := dialAndWait(t, s, path)
	if _, err := conn.Write([]byte(`{"method":"asr_result","params":{"success":true,"id":"abc","text":"hello"}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Method != protocol.MethodASRResult {
			t.Errorf("got method %q", msg.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestMalformedLineDropped(t *testing.T) {
	s, path := startServer(t)

	got := make(chan *protocol.Message, 2)
	s.OnMessage(func(m *protocol.Message) { got <- m })

	conn := dialAndWait(t, s, path)
	conn.Write([]byte("this is not json\n"))
	conn.Write([]byte(`{"method":"asr_result","params":{"success":false,"id":"x"}}` + "\n"))

	select {
	case msg := <-got:
		// The malformed line must have been skipped, not dispatched.
		if msg.Method != protocol.MethodASRResult {
			t.Errorf("got method %q", msg.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("valid message after malformed line never dispatched")
	}
}

func TestOnConnect(t *testing.T) {
	s, path := startServer(t)

	connected := make(chan struct{}, 1)
	s.OnConnect(func() { connected <- struct{}{} })

	dialAndWait(t, s, path)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect never fired")
	}
}

func TestSendWithoutStart(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "widget.sock"))
	if err := s.Send(protocol.MethodClearResponse, nil); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	s, _ := startServer(t)
	s.Stop()
	s.Stop()
}
