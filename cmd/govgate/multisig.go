package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"govgate/internal/app"
	"govgate/internal/domain"
	"govgate/internal/engine"
	"govgate/internal/engine/auth"
	"govgate/internal/server"
)

func multisigCmd() *cobra.Command {
	m := &cobra.Command{Use: "multisig", Aliases: []string{"tx"}, Short: "Owner-approved operations with guardian veto"}
	m.PersistentFlags().String("signer-key", "", "hex secp256k1 key used to sign approvals (env GOVGATE_SIGNER_KEY)")
	_ = viper.BindPFlag("signer-key", m.PersistentFlags().Lookup("signer-key"))
	m.AddCommand(multisigSubmitCmd())
	m.AddCommand(multisigListCmd())
	m.AddCommand(multisigShowCmd())
	m.AddCommand(multisigDigestCmd())
	m.AddCommand(multisigSignCmd())
	m.AddCommand(multisigApproveCmd())
	m.AddCommand(multisigVetoCmd())
	m.AddCommand(multisigExecuteCmd())
	return m
}

func multisigSubmitCmd() *cobra.Command {
	var opType string
	var targets []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a typed operation for owner approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			ts, err := parseTargets(targets)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.SubmitTransaction(ctx, actor, opType, ts)
				if err != nil {
					return err
				}
				return renderTransactions(t, []domain.MultiSigTransaction{t})
			})
		},
	}
	cmd.Flags().StringVar(&opType, "op-type", "", "operation type (governance, emergency_action, protocol_upgrade, policy_change, ...)")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "recipient=value or system recipient={json payload} (repeatable)")
	_ = cmd.MarkFlagRequired("op-type")
	return cmd
}

func multisigListCmd() *cobra.Command {
	var states []string
	var opType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List multisig transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransactionListOptions{OperationType: opType, Limit: limit}
			for _, s := range states {
				opts.States = append(opts.States, domain.TransactionState(s))
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListTransactions(ctx, opts)
				if err != nil {
					return err
				}
				return renderTransactions(items, items)
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().StringVar(&opType, "op-type", "", "filter by operation type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func multisigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction with approvals and vetoes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.GetTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				approvals := make([]string, 0, len(t.Approvals))
				for _, a := range t.Approvals {
					approvals = append(approvals, a.Owner)
				}
				vetoes := make([]string, 0, len(t.Vetoes))
				for _, v := range t.Vetoes {
					vetoes = append(vetoes, fmt.Sprintf("%s (%s)", v.Guardian, v.Reason))
				}
				rows := []table.Row{
					{"ID", t.ID},
					{"State", stateFmt(string(t.State))},
					{"Operation type", t.OperationType},
					{"Proposer", t.Proposer},
					{"Targets", describeTargets(t.Targets)},
					{"Approvals", fmt.Sprintf("%d/%d %s", len(t.Approvals), t.RequiredApprovals, strings.Join(approvals, ", "))},
					{"Vetoes", strings.Join(vetoes, "\n")},
					{"Operation", t.OperationID},
					{"Expires", formatTime(t.ExpiresAt)},
					{"Executed", formatTime(t.ExecutedAt)},
				}
				return render(t, table.Row{"Field", "Value"}, rows)
			})
		},
	}
}

func approvalDigest(ctx context.Context, ws *app.Workspace, id string) (common.Hash, error) {
	t, err := ws.Engine.GetTransaction(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}
	return domain.ApprovalDigest(t.ID, t.OperationType, t.Targets), nil
}

func signApproval(ctx context.Context, ws *app.Workspace, id string) (string, string, error) {
	key, err := auth.LoadKey(viper.GetString("signer-key"))
	if err != nil {
		return "", "", fmt.Errorf("signer key: %w", err)
	}
	digest, err := approvalDigest(ctx, ws, id)
	if err != nil {
		return "", "", err
	}
	sig, err := auth.Sign(digest, key)
	if err != nil {
		return "", "", err
	}
	return sig.Hex(), auth.AddressOf(key), nil
}

func multisigDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest <id>",
		Short: "Print the EIP-191 digest owners sign to approve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				digest, err := approvalDigest(ctx, ws, args[0])
				if err != nil {
					return err
				}
				resp := server.DigestResponse{TransactionID: args[0], Digest: digest.Hex()}
				return render(resp, table.Row{"Transaction", "Digest"}, []table.Row{{resp.TransactionID, resp.Digest}})
			})
		},
	}
}

func multisigSignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign the approval digest with --signer-key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				sig, signer, err := signApproval(ctx, ws, args[0])
				if err != nil {
					return err
				}
				return render(map[string]string{"signer": signer, "signature": sig},
					table.Row{"Signer", "Signature"}, []table.Row{{signer, sig}})
			})
		},
	}
}

func multisigApproveCmd() *cobra.Command {
	var signature string
	var sign bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a transaction as an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if sign {
					sig, _, err := signApproval(ctx, ws, args[0])
					if err != nil {
						return err
					}
					signature = sig
				}
				t, err := ws.Engine.ApproveTransaction(ctx, actor, args[0], signature)
				if err != nil {
					return err
				}
				return renderTransactions(t, []domain.MultiSigTransaction{t})
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "hex signature over the approval digest")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the digest with --signer-key")
	cmd.MarkFlagsMutuallyExclusive("signature", "sign")
	return cmd
}

func multisigVetoCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "veto <id>",
		Short: "Veto a transaction as a guardian",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.VetoTransaction(ctx, actor, args[0], reason)
				if err != nil {
					return err
				}
				return renderTransactions(t, []domain.MultiSigTransaction{t})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "veto reason")
	return cmd
}

func multisigExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute an approved transaction, or queue it when its type is timelocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.ExecuteTransaction(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return renderTransactions(t, []domain.MultiSigTransaction{t})
			})
		},
	}
}

func renderTransactions(v any, items []domain.MultiSigTransaction) error {
	rows := make([]table.Row, 0, len(items))
	for _, t := range items {
		rows = append(rows, table.Row{
			t.ID, stateFmt(string(t.State)), t.OperationType, t.Proposer,
			fmt.Sprintf("%d/%d", len(t.Approvals), t.RequiredApprovals), len(t.Vetoes), t.OperationID,
		})
	}
	return render(v, table.Row{"ID", "State", "Type", "Proposer", "Approvals", "Vetoes", "Operation"}, rows)
}
