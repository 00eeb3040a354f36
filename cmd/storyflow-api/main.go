package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/cmd"
	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/jobs"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort     = 9091
	defaultSyncPort = 8081
)

func main() {
	logger := log.WithModule("api")

	cmd.LoadEnv(logger)

	command := &cli.Command{
		Name:                  "storyflow-api",
		Usage:                 "Serve the take API and the canvas sync hub",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the REST API on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.IntFlag{
				Name:    "sync-port",
				Usage:   "Port to run the websocket sync server on",
				Value:   defaultSyncPort,
				Sources: cli.EnvVars("SYNC_PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (file://, postgres://, redis://)",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
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
			&cli.StringFlag{
				Name:    "export-path",
				Usage:   "Directory takes are exported to (export disabled when empty)",
				Sources: cli.EnvVars("EXPORT_PATH"),
			},
			&cli.StringFlag{
				Name:    "checkpoint-schedule",
				Usage:   "Cron spec for persisting dirty projects",
				Value:   hub.DefaultCheckpointSchedule,
				Sources: cli.EnvVars("CHECKPOINT_SCHEDULE"),
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Usage:   "Origins accepted on the sync endpoint (any when empty)",
				Sources: cli.EnvVars("ALLOWED_ORIGINS"),
			},
			&cli.BoolFlag{
				Name:    "embedded-worker",
				Usage:   "Run the generation worker in this process",
				Sources: cli.EnvVars("EMBEDDED_WORKER"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Generation jobs run at once by the embedded worker",
				Value:   jobs.DefaultConcurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
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

			logger := log.WithModule("api")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing storyflow API")

			tracer, shutdownTracer := cmd.NewTracer(ctx, logger, command.Bool("otel-enabled"), "storyflow-api")
			defer func() {
				err := shutdownTracer(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			store, err := artifacts.NewFileStore(command.String("artifacts-path"))
			if err != nil {
				return err
			}

			pubSub, err := cmd.NewPubSub(command.String("event-bus"), "storyflow-api", command.String("kafka-brokers"), logger)
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

			api, err := NewAPI(logger, persistence, eventBus, store, tracer, Config{
				Port:               command.Int("port"),
				SyncPort:           command.Int("sync-port"),
				ExportRoot:         command.String("export-path"),
				CheckpointSchedule: command.String("checkpoint-schedule"),
				AllowedOrigins:     command.StringSlice("allowed-origins"),
			})
			if err != nil {
				return err
			}

			if command.Bool("embedded-worker") {
				worker := jobs.NewWorker(
					"embedded-"+uuid.New().String()[:8],
					eventBus,
					store,
					jobs.NewPlaceholderGenerator(jobs.DefaultStepDelay),
					jobs.WithConcurrency(command.Int("concurrency")),
					jobs.WithTracer(tracer),
				)

				err = worker.Start(ctx)
				if err != nil {
					return err
				}

				defer worker.Wait()
			}

			err = eventBus.Subscribe(ctx)
			if err != nil {
				return err
			}

			return api.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("storyflow-api failed", "error", err)
		os.Exit(1)
	}
}
