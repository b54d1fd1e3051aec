// Package web provides the local control surface: a small HTTP API for
// inspecting and driving the daemon, plus a websocket event feed for
// debugging.
package web

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/stillriver/voiced/internal/log"
	"github.com/stillriver/voiced/pkg/agent"
	"github.com/stillriver/voiced/pkg/hub"
	"github.com/stillriver/voiced/pkg/state"
	"github.com/stillriver/voiced/pkg/voice"
)

// Pipeline is the slice of the voice orchestrator the control surface
// drives.
type Pipeline interface {
	Notify(prompt string) bool
	Cancel()
	Active() bool
	State() voice.PipelineState
}

// Event is one entry on the /ws/events feed: a state section changed.
type Event struct {
	Time    string        `json:"time"`
	Section string        `json:"section"`
	Value   state.Section `json:"value"`
}

// Server is the control server.
type Server struct {
	app  *fiber.App
	addr string

	pipeline Pipeline
	store    *state.Store
	agent    agent.Session

	events      *hub.Hub
	unsubscribe func()
}

// NewServer wires the control server's routes.
func NewServer(addr string, pipeline Pipeline, store *state.Store, sess agent.Session) *Server {
	s := &Server{
		addr:     addr,
		pipeline: pipeline,
		store:    store,
		agent:    sess,
		events:   hub.New("events"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voiced control",
		DisableStartupMessage: true,
	})

	// CORS for local tooling
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/state", s.handleState)
	api.Post("/notify", s.handleNotify)
	api.Post("/cancel", s.handleCancel)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Start runs the event hub and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	go s.events.Run()
	s.unsubscribe = s.store.Subscribe(func(section string, value state.Section) {
		s.events.BroadcastJSON(Event{
			Time:    time.Now().Format("15:04:05"),
			Section: section,
			Value:   value,
		})
	})
	log.Info("control server listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			log.Error("control server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.app.Shutdown()
}
