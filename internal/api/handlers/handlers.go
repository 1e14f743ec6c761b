package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/dialer"
	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/repository"
	"github.com/acme/power-dialer/internal/service/lists"
	"github.com/acme/power-dialer/internal/telephony/twilio"
	"github.com/acme/power-dialer/pkg/logger"
)

// Dialer is the run control surface the handlers drive.
type Dialer interface {
	StartRun(ctx context.Context, input dialer.StartRunInput) (domain.DialerRun, error)
	PauseRun(ctx context.Context, runID string) (domain.DialerRun, error)
	ResumeRun(ctx context.Context, runID string) (domain.DialerRun, error)
	StopRun(ctx context.Context, runID string) (domain.DialerRun, error)
	AttachAgent(ctx context.Context, runID, agentID, callSessionID string) (domain.DialerRun, error)
	GetRunState(ctx context.Context, runID string) (domain.DialerRun, error)
	ListRuns(ctx context.Context) []domain.DialerRun
	Subscribe(runID string) (<-chan dialer.Delta, func(), error)
	HandleProviderEvent(ctx context.Context, ev domain.ProviderEvent) error
}

// ListImporter appends entries to a stored contact list.
type ListImporter interface {
	Import(ctx context.Context, listID string, entries []lists.EntryInput) ([]repository.ListEntryRecord, error)
}

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP handlers. Everything except Dialer
// and Logger is optional; routes backed by a missing repository answer 503.
type Deps struct {
	Dialer      Dialer
	Runs        repository.RunRepository
	ListEntries repository.ListEntryRepository
	Legs        repository.LegStore
	Lists       ListImporter
	// Signatures validates provider callbacks when set.
	Signatures    *twilio.SignatureValidator
	PublicBaseURL string
	KeepAlive     time.Duration
	HealthChecks  map[string]HealthCheck
	Logger        *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Deps
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 15 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{deps: deps}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	runs := v1.Group("/runs")
	runs.Post("/", h.startRun)
	runs.Get("/", h.listRuns)
	runs.Get("/:id", h.getRun)
	runs.Post("/:id/pause", h.pauseRun)
	runs.Post("/:id/resume", h.resumeRun)
	runs.Post("/:id/stop", h.stopRun)
	runs.Post("/:id/agent", h.attachAgent)
	runs.Get("/:id/legs", h.listRunLegs)
	runs.Get("/:id/history", h.runHistory)
	runs.Get("/:id/stream", h.streamRun)

	v1.Post("/lists/:id/entries", h.importListEntries)

	hooks := app.Group("/webhooks")
	hooks.Post("/twilio/status", h.twilioStatus)
	hooks.Post("/twilio/amd", h.twilioAMD)
	hooks.Post("/events", h.providerEvent)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.deps.Logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.HealthChecks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
