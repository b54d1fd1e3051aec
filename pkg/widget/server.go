// Package widget hosts the socket server the rendering surface connects
// to. The wire protocol is newline-delimited JSON (pkg/protocol).
//
// Each client gets its own reader goroutine; messages it decodes are
// handed to the OnMessage callback on that goroutine. The pipeline
// treats that callback as arriving from a foreign thread and never lets
// it touch session state directly.
package widget

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/stillriver/voiced/internal/log"
	"github.com/stillriver/voiced/pkg/protocol"
)

// maxLine bounds a single wire message.
const maxLine = 256 * 1024

// ErrNotRunning is returned when sending before Start or after Stop.
var ErrNotRunning = errors.New("widget: server not running")

// Server accepts widget connections on a unix socket and fans outgoing
// messages out to every connected client.
type Server struct {
	path string

	mu      sync.Mutex
	ln      net.Listener
	clients map[net.Conn]struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	onMessage func(*protocol.Message)
	onConnect func()
}

// New creates a server for the given socket path.
func New(path string) *Server {
	return &Server{
		path:    path,
		clients: make(map[net.Conn]struct{}),
	}
}

// OnMessage registers the handler for messages from the widget.
// Called from a per-client reader goroutine. Must be set before Start.
func (s *Server) OnMessage(fn func(*protocol.Message)) {
	s.onMessage = fn
}

// OnConnect registers a handler invoked when a client connects.
func (s *Server) OnConnect(fn func()) {
	s.onConnect = fn
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return nil
	}

	// Clean up a stale socket file from an unclean exit.
	if _, err := os.Stat(s.path); err == nil {
		os.Remove(s.path)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	log.Info("widget socket listening", "path", s.path)
	return nil
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[net.Conn]struct{})
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
}

// Send broadcasts a message to every connected client, one JSON object
// per line. Clients that fail to write are dropped.
func (s *Server) Send(method string, params any) error {
	if !s.running.Load() {
		return ErrNotRunning
	}

	msg, err := protocol.NewMessage(method, params)
	if err != nil {
		return err
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if _, err := conn.Write(data); err != nil {
			log.Warn("dropping widget client", "error", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
	return nil
}

// ClientCount returns the number of connected widgets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		count := len(s.clients)
		s.mu.Unlock()
		log.Info("widget connected", "clients", count)

		if s.onConnect != nil {
			s.onConnect()
		}

		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

// readLoop decodes lines from one client and dispatches them.
// Malformed messages are dropped and logged, never raised.
func (s *Server) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		count := len(s.clients)
		s.mu.Unlock()
		conn.Close()
		log.Info("widget disconnected", "clients", count)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.ParseMessage(line)
		if err != nil {
			log.Warn("dropping malformed widget message", "error", err)
			continue
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}
