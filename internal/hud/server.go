// Package hud serves the live score overlay: a JSON snapshot per session and
// a websocket stream of every update.
package hud

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/andresmejia3/groove/internal/logger"
	"github.com/andresmejia3/groove/internal/session"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/patrickmn/go-cache"
)

// Controller is the part of a live session the overlay may steer.
type Controller interface {
	RequestArchitecture(arch string) error
}

// Server renders session updates for browser overlays.
type Server struct {
	app    *fiber.App
	hub    *Hub
	latest *cache.Cache
	log    logger.Logger

	mu          sync.RWMutex
	controllers map[string]Controller
}

func New(log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			AppName:               "groove-hud",
		}),
		hub:         NewHub(log),
		latest:      cache.New(time.Hour, 10*time.Minute),
		log:         log,
		controllers: make(map[string]Controller),
	}

	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/api/sessions/:id", s.handleSession)
	s.app.Post("/api/sessions/:id/architecture", s.handleArchitecture)
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.hub.serve))
	return s
}

// App exposes the router, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Attach lets overlay clients request model swaps for session id.
func (s *Server) Attach(id string, c Controller) {
	s.mu.Lock()
	s.controllers[id] = c
	s.mu.Unlock()
}

// Consume caches and broadcasts updates until the channel closes or ctx is done.
func (s *Server) Consume(ctx context.Context, updates <-chan session.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.latest.SetDefault(u.SessionID, u)
			data, err := json.Marshal(fiber.Map{"type": "score", "data": u})
			if err != nil {
				s.log.Warn("HUD", "Could not encode update", map[string]interface{}{"error": err.Error()})
				continue
			}
			s.hub.Broadcast(data)
		}
	}
}

// Listen serves on addr until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr)
	}()
	s.log.Info("HUD", "Overlay listening", map[string]interface{}{"addr": addr})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "clients": s.hub.Clients()})
}

func (s *Server) handleSession(c *fiber.Ctx) error {
	v, ok := s.latest.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	return c.JSON(v)
}

type architectureRequest struct {
	Architecture string `json:"architecture"`
}

func (s *Server) handleArchitecture(c *fiber.Ctx) error {
	id := c.Params("id")
	s.mu.RLock()
	ctrl, ok := s.controllers[id]
	s.mu.RUnlock()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}

	var req architectureRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := ctrl.RequestArchitecture(req.Architecture); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	s.log.Info("HUD", "Architecture change requested", map[string]interface{}{"session_id": id, "architecture": req.Architecture})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"architecture": req.Architecture})
}
