package main

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"govgate/internal/app"
	"govgate/internal/domain"
	"govgate/internal/engine"
	"govgate/internal/server"
)

func timelockCmd() *cobra.Command {
	t := &cobra.Command{Use: "timelock", Short: "Delayed one-shot operations"}
	t.AddCommand(timelockScheduleCmd())
	t.AddCommand(timelockListCmd())
	t.AddCommand(timelockShowCmd())
	t.AddCommand(timelockExecuteCmd())
	t.AddCommand(timelockCancelCmd())
	return t
}

func timelockScheduleCmd() *cobra.Command {
	var opType, delay, predecessor, salt string
	var targets []string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule an operation directly (timelock proposers only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			ts, err := parseTargets(targets)
			if err != nil {
				return err
			}
			req := engine.ScheduleRequest{OperationType: opType, Targets: ts, Salt: server.ParseSalt(salt), Actor: actor}
			if delay != "" {
				d, err := domain.ParseDuration(delay)
				if err != nil {
					return err
				}
				req.Delay = d.Duration
			}
			if predecessor != "" {
				h, err := domain.ParseHash(predecessor)
				if err != nil {
					return err
				}
				req.Predecessor = h
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				op, err := ws.Engine.Schedule(ctx, req)
				if err != nil {
					return err
				}
				return renderOperations(op, []domain.TimelockOperation{op})
			})
		},
	}
	cmd.Flags().StringVar(&opType, "op-type", "", "operation type")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "recipient=value or system recipient={json payload} (repeatable)")
	cmd.Flags().StringVar(&delay, "delay", "", "delay (defaults to the operation type delay)")
	cmd.Flags().StringVar(&predecessor, "predecessor", "", "operation id that must execute first")
	cmd.Flags().StringVar(&salt, "salt", "", "32-byte hex salt or text hashed into one")
	_ = cmd.MarkFlagRequired("op-type")
	return cmd
}

func timelockListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List timelock operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListOperations(ctx, domain.OperationStatus(status), limit)
				if err != nil {
					return err
				}
				return renderOperations(items, items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (scheduled, ready, executed, canceled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func timelockShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				op, err := ws.Engine.GetOperation(ctx, args[0])
				if err != nil {
					return err
				}
				rows := []table.Row{
					{"ID", op.ID},
					{"Status", stateFmt(string(op.Status))},
					{"Operation type", op.OperationType},
					{"Origin", string(op.OriginKind) + " " + op.OriginID},
					{"Targets", describeTargets(op.Targets)},
					{"Predecessor", op.Predecessor},
					{"Salt", op.Salt},
					{"Delay", op.Delay.String()},
					{"Ready at", formatTime(&op.ReadyAt)},
					{"Executed", formatTime(op.ExecutedAt)},
					{"Canceled", formatTime(op.CanceledAt)},
				}
				return render(op, table.Row{"Field", "Value"}, rows)
			})
		},
	}
}

type operationTransition func(engine.Engine, context.Context, string, string) (domain.TimelockOperation, error)

func operationTransitionCmd(use, short string, fn operationTransition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				op, err := fn(ws.Engine, ctx, args[0], actor)
				if err != nil {
					return err
				}
				return renderOperations(op, []domain.TimelockOperation{op})
			})
		},
	}
}

func timelockExecuteCmd() *cobra.Command {
	return operationTransitionCmd("execute", "Execute a ready operation", engine.Engine.ExecuteOperation)
}

func timelockCancelCmd() *cobra.Command {
	return operationTransitionCmd("cancel", "Cancel a pending operation (timelock cancellers only)", engine.Engine.CancelOperation)
}

func renderOperations(v any, items []domain.TimelockOperation) error {
	rows := make([]table.Row, 0, len(items))
	for _, op := range items {
		rows = append(rows, table.Row{shortHash(op.ID), stateFmt(string(op.Status)), op.OperationType, string(op.OriginKind), formatTime(&op.ReadyAt)})
	}
	return render(v, table.Row{"ID", "Status", "Type", "Origin", "Ready At"}, rows)
}

func shortHash(id string) string {
	if len(id) < 18 {
		return id
	}
	return id[:10] + "…" + id[len(id)-6:]
}
