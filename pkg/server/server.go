// Package server exposes the conversation endpoint the Home Assistant
// integration talks to, plus health and tool introspection routes.
package server

import (
	"context"
	"sort"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/formatter"
	"github.com/go-go-golems/glitchcube/pkg/metrics"
	"github.com/go-go-golems/glitchcube/pkg/orchestrator"
	"github.com/go-go-golems/glitchcube/pkg/request"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"
)

const DefaultPath = "/api/v1/conversation"

// TurnHandler runs one turn. *orchestrator.Orchestrator implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn orchestrator.Turn) *orchestrator.TurnResponse
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Config struct {
	Path           string        `mapstructure:"path"`
	InstallationID string        `mapstructure:"installation_id"`
	Deadline       time.Duration `mapstructure:"deadline"`
	ContinueDelay  time.Duration `mapstructure:"continue_delay"`
	// ToolDetails adds per-tool outcomes to the response metadata.
	ToolDetails  bool          `mapstructure:"tool_details"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

type Server struct {
	app      *fiber.App
	config   Config
	turns    TurnHandler
	registry tools.Registry
	stats    func() []metrics.ToolStat
	checks   map[string]Check
}

type Option func(*Server)

// WithRegistry enables GET /api/v1/tools.
func WithRegistry(r tools.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithToolStats enables GET /api/v1/tools/metrics.
func WithToolStats(f func() []metrics.ToolStat) Option {
	return func(s *Server) {
		s.stats = f
	}
}

// WithCheck adds a named service to the health report.
func WithCheck(name string, c Check) Option {
	return func(s *Server) {
		s.checks[name] = c
	}
}

func New(cfg Config, turns TurnHandler, opts ...Option) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 1 << 20
	}
	s := &Server{
		config: cfg,
		turns:  turns,
		checks: map[string]Check{},
	}
	for _, o := range opts {
		o(s)
	}

	app := fiber.New(fiber.Config{
		AppName:               "glitchcube",
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(requestLogger)

	app.Post(cfg.Path, s.handleConversation)
	app.Get("/health", s.handleHealth)
	api := app.Group("/api/v1")
	api.Get("/tools", s.handleListTools)
	api.Get("/tools/metrics", s.handleToolMetrics)

	s.app = app
	return s
}

// App returns the underlying fiber app, mostly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	log.Info().Str("addr", addr).Str("path", s.config.Path).Msg("Starting conversation server")
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) formatOptions() formatter.Options {
	return formatter.Options{
		ContinueDelay: s.config.ContinueDelay,
		IncludeTools:  s.config.ToolDetails,
	}
}

func (s *Server) handleConversation(c *fiber.Ctx) error {
	turn, err := request.Parse(c.Body(), request.Options{
		InstallationID: s.config.InstallationID,
		Deadline:       s.config.Deadline,
	})
	if err != nil {
		log.Warn().Err(err).Msg("rejecting conversation request")
		_, w := formatter.Failure(orchestrator.FailureInternal, s.formatOptions())
		return c.Status(fiber.StatusBadRequest).JSON(w)
	}

	resp := s.turns.HandleTurn(c.UserContext(), turn)
	status, w := formatter.Format(resp, s.formatOptions())
	return c.Status(status).JSON(w)
}

// handleError turns anything that escaped a handler, including recovered
// panics, into the standard failure body.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status, w := formatter.Failure(orchestrator.FailureInternal, s.formatOptions())
	if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
	}
	log.Error().Err(err).Str("path", c.Path()).Int("status", status).Msg("request failed")
	return c.Status(status).JSON(w)
}

type HealthReport struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	report := HealthReport{
		Status:   "ok",
		Services: map[string]bool{"orchestrator": s.turns != nil},
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), s.config.CheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		err := s.checks[name](ctx)
		if err != nil {
			log.Warn().Err(err).Str("service", name).Msg("health check failed")
		}
		report.Services[name] = err == nil
	}
	for _, up := range report.Services {
		if !up {
			report.Status = "degraded"
		}
	}
	return c.JSON(report)
}

type toolInfo struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Classification tools.Classification `json:"classification"`
	TimeoutMs      int64                `json:"timeout_ms,omitempty"`
	Parameters     any                  `json:"parameters"`
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	if s.registry == nil {
		return fiber.ErrNotFound
	}
	descs := s.registry.List()
	ret := make([]toolInfo, 0, len(descs))
	for _, d := range descs {
		ret = append(ret, toolInfo{
			Name:           d.Name,
			Description:    d.Description,
			Classification: d.Classification,
			TimeoutMs:      d.Timeout.Milliseconds(),
			Parameters:     tools.BuildSchema(d),
		})
	}
	return c.JSON(fiber.Map{"tools": ret})
}

func (s *Server) handleToolMetrics(c *fiber.Ctx) error {
	if s.stats == nil {
		return fiber.ErrNotFound
	}
	return c.JSON(fiber.Map{"tools": s.stats()})
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("handled request")
	return err
}
