// Package main provides a headless storyflow sync client.
package main

import (
	"context"
	"os"

	"github.com/dukex/storyflow/pkg/cmd"
	"github.com/dukex/storyflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "Base URL of the sync server",
			Value:   "http://localhost:8081",
			Sources: cli.EnvVars("STORYFLOW_SERVER"),
		},
		&cli.StringFlag{
			Name:     "project",
			Usage:    "Project to join",
			Required: true,
			Sources:  cli.EnvVars("STORYFLOW_PROJECT"),
		},
		&cli.StringFlag{
			Name:    "user",
			Usage:   "User id announced to the other sessions",
			Value:   "cli",
			Sources: cli.EnvVars("STORYFLOW_USER"),
		},
		&cli.StringFlag{
			Name:    "name",
			Usage:   "Display name",
			Sources: cli.EnvVars("STORYFLOW_USER_NAME"),
		},
		&cli.StringFlag{
			Name:    "color",
			Usage:   "Presence color (#rrggbb), assigned by the server when empty",
			Sources: cli.EnvVars("STORYFLOW_COLOR"),
		},
	}
}

func main() {
	logger := log.WithModule("storyflow-cli")

	cmd.LoadEnv(logger)

	command := &cli.Command{
		Name:                  "storyflow-cli",
		Usage:                 "Join a storyflow project from the terminal",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewWatchCommand(),
			NewAddNodeCommand(),
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("storyflow-cli failed", "error", err)
		os.Exit(1)
	}
}
