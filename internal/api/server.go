package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/acme/power-dialer/internal/api/handlers"
	"github.com/acme/power-dialer/internal/config"
	"github.com/acme/power-dialer/internal/telemetry"
)

// Server wraps the Fiber application.
type Server struct {
	app  *fiber.App
	port int
}

// NewServer constructs a new HTTP server. Stream routes rely on the write
// timeout being zero or longer than a run.
func NewServer(cfg *config.Config, h *handlers.HandlerSet) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		ErrorHandler: h.ErrorHandler,
	})
	app.Use(otelfiber.Middleware())
	if cfg.Telemetry.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(telemetry.Handler()))
	}
	h.Register(app)

	return &Server{app: app, port: cfg.HTTP.Port}
}

// App exposes the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Start begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
