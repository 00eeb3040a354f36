package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/storyflow/pkg/canvas"
	"github.com/dukex/storyflow/pkg/client"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/protocol"
	cli "github.com/urfave/cli/v3"
)

func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:    "watch",
		Aliases: []string{"w"},
		Usage:   "Print status, graph, presence and task events of a project",
		Flags:   sessionFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session, err := client.New(sessionConfig(command), client.WithHandlers(printer(os.Stdout)))
			if err != nil {
				return err
			}

			session.Start(ctx)
			defer session.Close()

			<-ctx.Done()

			return nil
		},
	}
}

func sessionConfig(command *cli.Command) client.Config {
	return client.Config{
		ServerURL: command.String("server"),
		ProjectID: command.String("project"),
		UserID:    command.String("user"),
		UserName:  command.String("name"),
		Color:     command.String("color"),
	}
}

// printer writes one line per session event.
func printer(out io.Writer) client.Handlers {
	return client.Handlers{
		OnStatus: func(status client.Status) {
			fmt.Fprintf(out, "status %s\n", status)
		},
		OnSync: func(graph models.Graph, version uint64) {
			fmt.Fprintf(out, "sync v%d nodes=%d edges=%d\n", version, len(graph.Nodes), len(graph.Edges))
		},
		OnRemoteChange: func(op canvas.Op, version uint64) {
			fmt.Fprintf(out, "change v%d %s %s\n", version, op.Kind, opTarget(op))
		},
		OnPresence: func(sessions []models.CollaborationSession) {
			fmt.Fprintf(out, "presence %d online\n", len(sessions))

			for _, session := range sessions {
				fmt.Fprintf(out, "  %s %s %s\n", session.UserID, session.UserName, session.Color)
			}
		},
		OnTaskProgress: func(progress protocol.TaskProgress) {
			fmt.Fprintf(out, "task %s node=%s %d%% %s\n", progress.TaskID, progress.NodeID, progress.Progress, progress.Step)
		},
		OnTaskSuccess: func(success protocol.TaskSuccess) {
			fmt.Fprintf(out, "task %s node=%s complete take=%s\n", success.TaskID, success.NodeID, success.Result.TakeID)
		},
		OnTaskFailed: func(failed protocol.TaskFailed) {
			fmt.Fprintf(out, "task %s node=%s failed: %s\n", failed.TaskID, failed.NodeID, failed.Error)
		},
		OnError: func(e protocol.Error) {
			fmt.Fprintf(out, "error %s: %s\n", e.Code, e.Message)
		},
	}
}

func opTarget(op canvas.Op) string {
	switch op.Kind {
	case canvas.OpPutNode:
		return op.Node.ID
	case canvas.OpPutEdge:
		return op.Edge.ID
	case canvas.OpRemoveEdge:
		return op.EdgeID
	case canvas.OpSetViewport:
		return fmt.Sprintf("zoom=%g", op.Viewport.Zoom)
	default:
		return op.NodeID
	}
}
