package cmd

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/dukex/storyflow/pkg/otelhelper"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
)

// LoadEnv reads KEY=VALUE pairs from the given files, ".env" by default,
// into the process environment. Variables already set win. Missing files are
// skipped.
func LoadEnv(logger *slog.Logger, files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, file := range files {
		err := godotenv.Load(file)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Failed to load env file", "file", file, "error", err)
		}
	}
}

// NewTracer returns an OTLP tracer when enabled and a no-op tracer otherwise.
// The returned shutdown is always safe to call.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, logger *slog.Logger, enabled bool, serviceName string) (trace.Tracer, otelhelper.ShutdownFunc) {
	noop := func(context.Context) error { return nil }

	if !enabled {
		return otelhelper.NoopTracer(), noop
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to initialize tracer, tracing disabled", "error", err)

		return otelhelper.NoopTracer(), noop
	}

	return tracer, shutdown
}
