package web

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/stillriver/voiced/pkg/hub"
)

// handleStatus reports the pipeline and agent at a glance.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"state":           s.pipeline.State().String(),
		"session_active":  s.pipeline.Active(),
		"agent_connected": s.agent.Connected(),
	})
}

// handleState dumps every state store section.
func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(s.store.All())
}

// NotifyRequest is the body for POST /api/notify.
type NotifyRequest struct {
	Prompt string `json:"prompt"`
}

// handleNotify injects a prompt into the pipeline, bypassing wake word
// and ASR. Rejected while a session is running rather than queued.
func (s *Server) handleNotify(c *fiber.Ctx) error {
	var req NotifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid body",
		})
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "prompt is required",
		})
	}

	if !s.pipeline.Notify(req.Prompt) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "a voice session is already active",
		})
	}
	return c.JSON(fiber.Map{"started": true})
}

// handleCancel ends the active session, if any. Idempotent.
func (s *Server) handleCancel(c *fiber.Ctx) error {
	active := s.pipeline.Active()
	s.pipeline.Cancel()
	return c.JSON(fiber.Map{"cancelled": active})
}

// handleEventsWS streams state changes. Sends a full snapshot first so
// a late subscriber starts consistent.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	for section, value := range s.store.All() {
		c.WriteJSON(Event{Section: section, Value: value})
	}

	client := hub.NewClient(s.events, c)
	client.Run()
}
