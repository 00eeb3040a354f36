package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/storyflow/pkg/canvas"
	"github.com/dukex/storyflow/pkg/client"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/protocol"
	cli "github.com/urfave/cli/v3"
)

const pollInterval = 50 * time.Millisecond

func NewAddNodeCommand() *cli.Command {
	flags := append(sessionFlags(),
		&cli.StringFlag{
			Name:     "type",
			Usage:    "Node type (shot, scene, character, prompt, group)",
			Required: true,
		},
		&cli.FloatFlag{Name: "x", Usage: "Canvas x position"},
		&cli.FloatFlag{Name: "y", Usage: "Canvas y position"},
		&cli.StringFlag{Name: "data", Usage: "Node data as a JSON object"},
		&cli.StringFlag{Name: "parent", Usage: "Parent group node id"},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the server",
			Value: 10 * time.Second,
		},
	)

	return &cli.Command{
		Name:    "add-node",
		Aliases: []string{"a"},
		Usage:   "Add a node to a project and wait until the server holds it",
		Flags:   flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			nodeType := command.String("type")

			var data models.NodeData

			if raw := command.String("data"); raw != "" {
				decoded, err := models.DecodeNodeData(nodeType, []byte(raw))
				if err != nil {
					return fmt.Errorf("invalid node data: %w", err)
				}

				data = decoded
			}

			ctx, cancel := context.WithTimeout(ctx, command.Duration("timeout"))
			defer cancel()

			id, err := addNode(ctx, sessionConfig(command), canvas.NodeSpec{
				Type:     nodeType,
				Position: models.Position{X: command.Float("x"), Y: command.Float("y")},
				Data:     data,
				ParentID: command.String("parent"),
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, id)

			return nil
		},
	}
}

// addNode joins the project, adds the node and waits for a full sync that
// contains it.
func addNode(ctx context.Context, config client.Config, spec canvas.NodeSpec) (string, error) {
	rejected := make(chan protocol.Error, 1)

	session, err := client.New(config, client.WithHandlers(client.Handlers{
		OnError: func(e protocol.Error) {
			select {
			case rejected <- e:
			default:
			}
		},
	}))
	if err != nil {
		return "", err
	}

	session.Start(ctx)
	defer session.Close()

	err = waitFor(ctx, rejected, session.Synced)
	if err != nil {
		return "", err
	}

	var id string

	err = session.Do(func(engine *canvas.Engine) {
		id = engine.AddNode(spec)
	})
	if err != nil {
		return "", err
	}

	err = session.Resync()
	if err != nil {
		return "", err
	}

	err = waitFor(ctx, rejected, session.Synced)
	if err != nil {
		return "", err
	}

	graph, err := session.Graph()
	if err != nil {
		return "", err
	}

	if _, ok := graph.Node(id); !ok {
		return "", errors.New("node was not accepted by the server")
	}

	return id, nil
}

// waitFor polls done until it holds. Rejections reach the session before
// the full sync that follows them, so they are checked once done holds too.
func waitFor(ctx context.Context, rejected <-chan protocol.Error, done func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if done() {
			select {
			case e := <-rejected:
				return rejectedError(e)
			default:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("server did not answer: %w", ctx.Err())
		case e := <-rejected:
			return rejectedError(e)
		case <-ticker.C:
		}
	}
}

func rejectedError(e protocol.Error) error {
	return fmt.Errorf("rejected by server: %s: %s", e.Code, e.Message)
}
