package server

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/neuraledge/edgesec/pkg/config"
	"github.com/neuraledge/edgesec/pkg/monitor"
	"github.com/neuraledge/edgesec/pkg/reputation"
	"github.com/neuraledge/edgesec/pkg/security"
)

type (
	AdminServerDI struct {
		Config  *config.Config
		Service *security.Service
		Logger  *logrus.Logger
	}
	AdminServer struct {
		*BaseServer
		service *security.Service
	}
)

func NewAdminServer(di AdminServerDI) *AdminServer {
	s := &AdminServer{
		BaseServer: NewBaseServer(di.Config, di.Logger),
		service:    di.Service,
	}
	s.setupRoutes()
	s.setupHealthCheck()
	return s
}

func (s *AdminServer) Run() error {
	s.setupMetricsEndpoint()
	addr := fmt.Sprintf(":%d", s.Config.Server.AdminPort)
	s.Logger.WithField("addr", addr).Info("Starting admin server")
	return s.Router.Listen(addr)
}

func (s *AdminServer) Shutdown() error {
	return s.Router.Shutdown()
}

func (s *AdminServer) setupRoutes() {
	v1 := s.Router.Group("/api/v1")
	{
		v1.Get("/stats", s.handleStats)
		v1.Get("/events", s.handleEvents)
		v1.Get("/report", s.handleReport)

		blocked := v1.Group("/blocked")
		{
			blocked.Get("", s.handleListBlocked)
			blocked.Post("", s.handleBlock)
			blocked.Delete("/:ip", s.handleUnblock)
		}

		clients := v1.Group("/clients")
		{
			clients.Get("/:client_id", s.handleClientStatus)
			clients.Put("/:client_id/reputation", s.handleSetReputation)
			clients.Post("/:client_id/reset", s.handleResetClient)
		}

		v1.Get("/connections/:ip", s.handleIPConnections)
	}
}

func (s *AdminServer) handleStats(c *fiber.Ctx) error {
	window, err := parseWindow(c.Query("window"), time.Hour)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"reputation":  s.service.Limiter.Stats(),
		"connections": s.service.Guard.Metrics(),
		"monitoring":  s.service.Monitor.GetStats(window),
	})
}

func (s *AdminServer) handleEvents(c *fiber.Ctx) error {
	filter := monitor.EventFilter{
		Type:   monitor.ThreatType(c.Query("type")),
		Level:  monitor.ThreatLevel(c.Query("level")),
		Source: c.Query("source"),
		Limit:  c.QueryInt("limit", 100),
	}
	events := s.service.Monitor.QueryEvents(filter)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":  len(events),
		"events": events,
	})
}

func (s *AdminServer) handleReport(c *fiber.Ctx) error {
	report := s.service.Monitor.GenerateReport(c.Query("period", "daily"))
	return c.Status(fiber.StatusOK).JSON(report)
}

func (s *AdminServer) handleListBlocked(c *fiber.Ctx) error {
	entries := s.service.Blocks.Blocked()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":   len(entries),
		"blocked": entries,
	})
}

type blockRequest struct {
	IP       string `json:"ip"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

func (s *AdminServer) handleBlock(c *fiber.Ctx) error {
	var req blockRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.IP == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "ip is required"})
	}
	duration := s.Config.Guard.BlockDuration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid duration"})
		}
		duration = parsed
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual block"
	}
	s.service.Blocks.Block(req.IP, duration, reason)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"ip":       req.IP,
		"duration": duration.String(),
	})
}

func (s *AdminServer) handleUnblock(c *fiber.Ctx) error {
	ip := c.Params("ip")
	s.service.Guard.UnblockIP(ip)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ip": ip, "unblocked": true})
}

func (s *AdminServer) handleClientStatus(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.service.Limiter.Status(c.Params("client_id")))
}

type reputationRequest struct {
	Level string `json:"level"`
}

func (s *AdminServer) handleSetReputation(c *fiber.Ctx) error {
	var req reputationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	level := reputation.Level(req.Level)
	switch level {
	case reputation.Trusted, reputation.Normal, reputation.Suspicious, reputation.Banned:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown reputation level"})
	}
	clientID := c.Params("client_id")
	s.service.Limiter.SetReputation(clientID, level)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"client_id": clientID,
		"level":     level,
	})
}

func (s *AdminServer) handleResetClient(c *fiber.Ctx) error {
	clientID := c.Params("client_id")
	s.service.Limiter.ResetClient(clientID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"client_id": clientID, "reset": true})
}

func (s *AdminServer) handleIPConnections(c *fiber.Ctx) error {
	conns := s.service.Guard.IPConnections(c.Params("ip"))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":       len(conns),
		"connections": conns,
	})
}

func parseWindow(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	window, err := time.ParseDuration(raw)
	if err != nil || window <= 0 {
		return 0, fmt.Errorf("invalid window %q", raw)
	}
	return window, nil
}
