// Package main provides the storyflow API server: the take REST API, the
// sync hub and its websocket endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/eventbus"
	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/jobs"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/dukex/storyflow/pkg/services"
	"github.com/dukex/storyflow/pkg/transport"
	"github.com/dukex/storyflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	Port               int
	SyncPort           int
	ExportRoot         string
	CheckpointSchedule string
	AllowedOrigins     []string
}

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	config      Config
	takes       *services.Takes
	hub         *hub.Hub
	validate    *validator.Validate
}

// NewAPI wires the take registry, the hub and the generation listener on
// top of persistence, the event bus and the artifact store.
func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	store artifacts.Store,
	tracer trace.Tracer,
	config Config,
) (*API, error) {
	takes := services.NewTakes(
		persistence.TakeRepository(),
		store,
		jobs.NewEventBusDispatcher(eventBus),
		services.WithEventPublisher(eventBus),
		services.WithExportRoot(config.ExportRoot),
		services.WithTakesTracer(tracer),
	)

	h := hub.New(
		persistence.GraphRepository(),
		hub.WithGenerationStarter(takes),
		hub.WithCheckpointSchedule(config.CheckpointSchedule),
		hub.WithTracer(tracer),
	)

	takes.AddActiveTakeObserver(h)

	err := services.NewGenerationListener(takes, h).Register(eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to register generation listener: %w", err)
	}

	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		config:      config,
		takes:       takes,
		hub:         h,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.takes, a.hub, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("storyflow API")
	})

	handlers.Register(app)

	return app
}

// SyncHandler serves the websocket sync channel and the metrics endpoint.
func (a *API) SyncHandler() http.Handler {
	config := transport.DefaultConfig()
	config.AllowedOrigins = a.config.AllowedOrigins

	return transport.NewServer(a.hub, transport.WithConfig(config)).Handler()
}

// Start serves both listeners until ctx is done or one of them fails, then
// checkpoints every room and stops.
func (a *API) Start(ctx context.Context) error {
	err := a.hub.Start(ctx)
	if err != nil {
		return err
	}

	app := a.App()
	syncServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.config.SyncPort)),
		Handler:           a.SyncHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)

	go func() {
		a.logger.InfoContext(ctx, "REST API listening", "port", a.config.Port)

		errs <- app.Listen(":"+strconv.Itoa(a.config.Port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	go func() {
		a.logger.InfoContext(ctx, "Sync server listening", "port", a.config.SyncPort)

		err := syncServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}

		errs <- err
	}()

	select {
	case <-ctx.Done():
		a.logger.InfoContext(ctx, "Shutting down API")
	case err = <-errs:
		a.logger.ErrorContext(ctx, "Listener stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if shutdownErr := app.ShutdownWithContext(shutdownCtx); shutdownErr != nil {
		a.logger.ErrorContext(shutdownCtx, "Failed to stop REST API", "error", shutdownErr)
	}

	if shutdownErr := syncServer.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.ErrorContext(shutdownCtx, "Failed to stop sync server", "error", shutdownErr)
	}

	if closeErr := a.hub.Close(shutdownCtx); closeErr != nil {
		a.logger.ErrorContext(shutdownCtx, "Failed to close hub", "error", closeErr)
	}

	return err
}
