package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"govgate/internal/app"
	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/domain"
)

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Aliases: []string{"policies"}, Short: "Versioned security policies"}
	p.AddCommand(policyListCmd())
	p.AddCommand(policyShowCmd())
	p.AddCommand(policySetCmd())
	return p
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active policy versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListPolicies(ctx)
				if err != nil {
					return err
				}
				return renderPolicies(items, items)
			})
		},
	}
}

func policyShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a policy (latest or a given version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var (
					p   domain.SecurityPolicy
					err error
				)
				if version > 0 {
					p, err = ws.Engine.PolicyVersion(ctx, args[0], version)
				} else {
					p, err = ws.Engine.GetPolicy(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return renderPolicies(p, []domain.SecurityPolicy{p})
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "policy version")
	return cmd
}

func policySetCmd() *cobra.Command {
	var scope, params []string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Submit a policy_change transaction installing a new policy version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			parameters, err := parsePolicyParams(params)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				target, err := ws.Engine.PolicyChangeTarget(args[0], scope, parameters)
				if err != nil {
					return err
				}
				t, err := ws.Engine.SubmitTransaction(ctx, actor, config.OpPolicyChange, []domain.Target{target})
				if err != nil {
					return err
				}
				return renderTransactions(t, []domain.MultiSigTransaction{t})
			})
		},
	}
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "operation types the policy applies to (default all)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "parameter key=value (repeatable); restricted_addresses takes a comma list")
	return cmd
}

func parsePolicyParams(specs []string) (map[string]any, error) {
	out := make(map[string]any, len(specs))
	for _, spec := range specs {
		key, value, ok := strings.Cut(spec, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", spec)
		}
		if key == config.ParamRestrictedAddresses {
			var list []string
			for _, addr := range strings.Split(value, ",") {
				if addr = strings.TrimSpace(addr); addr != "" {
					list = append(list, addr)
				}
			}
			out[key] = list
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func renderPolicies(v any, items []domain.SecurityPolicy) error {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		keys := make([]string, 0, len(p.Parameters))
		for k := range p.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		params := make([]string, 0, len(keys))
		for _, k := range keys {
			params = append(params, fmt.Sprintf("%s=%v", k, p.Parameters[k]))
		}
		scope := "*"
		if len(p.Scope) > 0 {
			scope = strings.Join(p.Scope, ",")
		}
		rows = append(rows, table.Row{p.Name, p.Version, scope, strings.Join(params, "\n"), p.UpdatedBy})
	}
	return render(v, table.Row{"Name", "Version", "Scope", "Parameters", "Updated By"}, rows)
}

func systemCmd() *cobra.Command {
	s := &cobra.Command{Use: "system", Short: "Paused subsystems and blocked operation types"}
	s.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Show paused subsystems and blocked operation types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st, err := ws.Engine.SystemState(ctx)
				if err != nil {
					return err
				}
				rows := []table.Row{
					{"Paused subsystems", strings.Join(st.PausedSubsystems, ", ")},
					{"Blocked operation types", strings.Join(st.BlockedOperationTypes, ", ")},
				}
				return render(st, table.Row{"Switch", "Values"}, rows)
			})
		},
	})
	s.AddCommand(systemSwitchCmd("pause <subsystem>", "Submit a transaction pausing a subsystem", func(arg string) (domain.Target, error) {
		return domain.Action{Kind: domain.ActionPauseSubsystem, Subsystem: arg}.Target()
	}))
	s.AddCommand(systemSwitchCmd("resume <subsystem>", "Submit a transaction resuming a subsystem", func(arg string) (domain.Target, error) {
		return domain.Action{Kind: domain.ActionResumeSubsystem, Subsystem: arg}.Target()
	}))
	s.AddCommand(systemSwitchCmd("block <operation-type>", "Submit a transaction blocking an operation type", func(arg string) (domain.Target, error) {
		return domain.Action{Kind: domain.ActionBlockOperationType, OperationType: arg}.Target()
	}))
	s.AddCommand(systemSwitchCmd("unblock <operation-type>", "Submit a transaction unblocking an operation type", func(arg string) (domain.Target, error) {
		return systemTarget(domain.RecipientBlock, domain.BlockPayload{OperationType: arg, Blocked: false})
	}))
	return s
}

func systemSwitchCmd(use, short string, build func(string) (domain.Target, error)) *cobra.Command {
	var opType string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			target, err := build(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.SubmitTransaction(ctx, actor, opType, []domain.Target{target})
				if err != nil {
					return err
				}
				return renderTransactions(t, []domain.MultiSigTransaction{t})
			})
		},
	}
	cmd.Flags().StringVar(&opType, "op-type", config.OpEmergencyAction, "operation type carrying the switch")
	return cmd
}

func triggerCmd() *cobra.Command {
	t := &cobra.Command{Use: "trigger", Aliases: []string{"triggers"}, Short: "Risk triggers and signals"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListTriggers(ctx)
				if err != nil {
					return err
				}
				return renderTriggers(items, items)
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				tr, err := ws.Engine.GetTrigger(ctx, args[0])
				if err != nil {
					return err
				}
				return renderTriggers(tr, []domain.Trigger{tr})
			})
		},
	})
	t.AddCommand(triggerSetCmd())
	t.AddCommand(triggerSignalCmd())
	return t
}

func triggerSetCmd() *cobra.Command {
	var threshold float64
	var cooldown time.Duration
	var actions []string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Register or replace a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			parsed, err := parseActions(actions)
			if err != nil {
				return err
			}
			tr := domain.Trigger{Name: args[0], ConfidenceThreshold: threshold, Cooldown: domain.NewDuration(cooldown), Actions: parsed}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				out, err := ws.Engine.RegisterTrigger(ctx, actor, tr)
				if err != nil {
					return err
				}
				return renderTriggers(out, []domain.Trigger{out})
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0.9, "confidence threshold in (0,1]")
	cmd.Flags().DurationVar(&cooldown, "cooldown", time.Hour, "minimum time between firings")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "pause_subsystem:<name>, resume_subsystem:<name>, block_operation_type:<type> or escalate_alert:<severity>[:message] (repeatable)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func parseActions(specs []string) ([]domain.Action, error) {
	out := make([]domain.Action, 0, len(specs))
	for _, spec := range specs {
		kind, arg, _ := strings.Cut(spec, ":")
		a := domain.Action{Kind: domain.ActionKind(strings.TrimSpace(kind))}
		switch a.Kind {
		case domain.ActionPauseSubsystem, domain.ActionResumeSubsystem:
			a.Subsystem = arg
		case domain.ActionBlockOperationType:
			a.OperationType = arg
		case domain.ActionEscalateAlert:
			a.Severity, a.Message, _ = strings.Cut(arg, ":")
		default:
			return nil, fmt.Errorf("unknown action kind %q", kind)
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func triggerSignalCmd() *cobra.Command {
	var confidence float64
	var evidence string
	cmd := &cobra.Command{
		Use:   "signal <name>",
		Short: "Feed a risk signal to a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				alert, err := ws.Engine.OnSignal(ctx, args[0], confidence, evidence)
				if err != nil {
					return err
				}
				if alert == nil {
					return render(map[string]bool{"fired": false}, table.Row{"Fired"}, []table.Row{{warnFmt("suppressed")}})
				}
				return renderAlerts(alert, []domain.Alert{*alert})
			})
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "signal confidence in (0,1]")
	cmd.Flags().StringVar(&evidence, "evidence", "", "free-form evidence")
	_ = cmd.MarkFlagRequired("confidence")
	return cmd
}

func renderTriggers(v any, items []domain.Trigger) error {
	rows := make([]table.Row, 0, len(items))
	for _, t := range items {
		kinds := make([]string, 0, len(t.Actions))
		for _, a := range t.Actions {
			kinds = append(kinds, string(a.Kind))
		}
		rows = append(rows, table.Row{t.Name, t.ConfidenceThreshold, t.Cooldown.String(), strings.Join(kinds, ", "), formatTime(t.LastFiredAt)})
	}
	return render(v, table.Row{"Name", "Threshold", "Cooldown", "Actions", "Last Fired"}, rows)
}

func alertCmd() *cobra.Command {
	var trigger string
	var limit int
	cmd := &cobra.Command{
		Use:     "alert",
		Aliases: []string{"alerts"},
		Short:   "List alerts raised by triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListAlerts(ctx, trigger, limit)
				if err != nil {
					return err
				}
				return renderAlerts(items, items)
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "filter by trigger")
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func renderAlerts(v any, items []domain.Alert) error {
	rows := make([]table.Row, 0, len(items))
	for _, a := range items {
		rows = append(rows, table.Row{a.ID, a.Trigger, a.Confidence, stateFmt(a.Outcome), a.TransactionID, a.Error, formatTime(&a.CreatedAt)})
	}
	return render(v, table.Row{"ID", "Trigger", "Confidence", "Outcome", "Transaction", "Error", "At"}, rows)
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit log"}
	var f audit.Filter
	var since, until string
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if f.Since, err = parseTimeFlag(since); err != nil {
				return err
			}
			if f.Until, err = parseTimeFlag(until); err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Audit.Query(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, evt := range events {
					ref := evt.EntityID
					if evt.OperationID != "" && evt.OperationID != ref {
						ref = strings.TrimSpace(ref + " " + shortHash(evt.OperationID))
					}
					rows = append(rows, table.Row{evt.ID, formatTime(&evt.TS), evt.Type, evt.EntityKind, ref, evt.ActorID, stateFmt(evt.Outcome), evt.ErrorCode})
				}
				return render(events, table.Row{"ID", "At", "Type", "Kind", "Ref", "Actor", "Outcome", "Code"}, rows)
			})
		},
	}
	list.Flags().StringVar(&f.Ref, "ref", "", "entity or operation id")
	list.Flags().StringVar(&f.Type, "type", "", "event type")
	list.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	list.Flags().StringVar(&f.Outcome, "outcome", "", "ok, rejected or failed")
	list.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	list.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	list.Flags().Int64Var(&f.Cursor, "cursor", 0, "continue after this event id")
	list.Flags().IntVar(&f.Limit, "limit", 20, "max results")
	a.AddCommand(list)
	return a
}

func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Checkpointed voting-token ledger"}
	var note string
	mint := &cobra.Command{
		Use:   "mint <account> <amount>",
		Short: "Mint voting tokens",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				cp, err := ws.Ledger.Mint(ctx, domain.NormalizeIdentity(args[0]), amount, note)
				if err != nil {
					return err
				}
				return renderCheckpoint(cp)
			})
		},
	}
	mint.Flags().StringVar(&note, "note", "mint", "checkpoint note")
	l.AddCommand(mint)
	l.AddCommand(&cobra.Command{
		Use:   "transfer <to> <amount>",
		Short: "Transfer tokens from the acting identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				cp, err := ws.Ledger.Transfer(ctx, actor, domain.NormalizeIdentity(args[0]), amount)
				if err != nil {
					return err
				}
				return renderCheckpoint(cp)
			})
		},
	})
	var checkpoint uint64
	balances := &cobra.Command{
		Use:   "balances",
		Short: "List balances at a checkpoint (default latest)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				cp := checkpoint
				if cp == 0 {
					latest, err := ws.Ledger.LatestCheckpoint(ctx)
					if err != nil {
						return err
					}
					cp = latest
				}
				items, err := ws.Ledger.Balances(ctx, cp)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, b := range items {
					rows = append(rows, table.Row{b.Account, b.Amount.String()})
				}
				return render(items, table.Row{"Account", "Balance @" + strconv.FormatUint(cp, 10)}, rows)
			})
		},
	}
	balances.Flags().Uint64Var(&checkpoint, "checkpoint", 0, "checkpoint number")
	l.AddCommand(balances)
	return l
}

func renderCheckpoint(cp uint64) error {
	return render(map[string]uint64{"checkpoint": cp}, table.Row{"Checkpoint"}, []table.Row{{cp}})
}

func systemTarget(recipient string, payload any) (domain.Target, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Target{}, err
	}
	return domain.Target{Recipient: recipient, Value: decimal.Zero, Payload: data}, nil
}
