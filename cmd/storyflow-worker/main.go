// Package main provides the storyflow generation worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/cmd"
	"github.com/dukex/storyflow/pkg/jobs"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	logger := log.WithModule("storyflow-worker")

	cmd.LoadEnv(logger)

	command := &cli.Command{
		Name:                  "storyflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Run generation jobs and write take artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (gochannel, kafka)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "artifacts-path",
				Usage:   "Directory holding generated take artifacts",
				Value:   "./artifacts",
				Sources: cli.EnvVars("ARTIFACTS_PATH"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Generation jobs run at once",
				Value:   jobs.DefaultConcurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "step-delay",
				Usage:   "Pause between placeholder generation steps",
				Value:   jobs.DefaultStepDelay,
				Sources: cli.EnvVars("STEP_DELAY"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("storyflow-worker").With("worker_id", workerID)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing storyflow worker")

			tracer, shutdownTracer := cmd.NewTracer(ctx, logger, command.Bool("otel-enabled"), "storyflow-worker")
			defer func() {
				err := shutdownTracer(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
				}
			}()

			store, err := artifacts.NewFileStore(command.String("artifacts-path"))
			if err != nil {
				return err
			}

			pubSub, err := cmd.NewPubSub(command.String("event-bus"), "storyflow-worker", command.String("kafka-brokers"), logger)
			if err != nil {
				return err
			}

			eventBus := pubSub.EventBus()
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			worker := jobs.NewWorker(
				workerID,
				eventBus,
				store,
				jobs.NewPlaceholderGenerator(command.Duration("step-delay")),
				jobs.WithConcurrency(command.Int("concurrency")),
				jobs.WithTracer(tracer),
			)

			err = worker.Start(ctx)
			if err != nil {
				return err
			}

			err = eventBus.Subscribe(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

				return err
			}

			<-ctx.Done()
			logger.InfoContext(ctx, "Shutting down worker, waiting for running jobs")

			worker.Wait()

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("storyflow-worker failed", "error", err)
		os.Exit(1)
	}
}
