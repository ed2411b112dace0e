package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"govgate/internal/app"
	"govgate/internal/domain"
	"govgate/internal/engine"
)

func proposalCmd() *cobra.Command {
	p := &cobra.Command{Use: "proposal", Aliases: []string{"proposals"}, Short: "Token-weighted governance proposals"}
	p.AddCommand(proposalCreateCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalVoteCmd())
	p.AddCommand(proposalVotesCmd())
	p.AddCommand(proposalTransitionCmd("tally", "Record the outcome of a closed vote", engine.Engine.Tally))
	p.AddCommand(proposalTransitionCmd("queue", "Queue a succeeded proposal in the timelock", engine.Engine.QueueProposal))
	p.AddCommand(proposalTransitionCmd("execute", "Execute a queued proposal once its delay has passed", engine.Engine.ExecuteProposal))
	p.AddCommand(proposalTransitionCmd("cancel", "Cancel a proposal (proposer before voting, guardian any time)", engine.Engine.CancelProposal))
	p.AddCommand(proposalArchiveCmd())
	return p
}

func proposalCreateCmd() *cobra.Command {
	var targets []string
	var description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal",
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
				prop, err := ws.Engine.Propose(ctx, actor, ts, description)
				if err != nil {
					return err
				}
				return renderProposals(prop, []domain.Proposal{prop})
			})
		},
	}
	cmd.Flags().StringArrayVar(&targets, "target", nil, "recipient=value or system recipient={json payload} (repeatable)")
	cmd.Flags().StringVar(&description, "description", "", "proposal description")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var states []string
	var proposer string
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProposalListOptions{Proposer: proposer, IncludeArchived: all, Limit: limit}
			for _, s := range states {
				opts.States = append(opts.States, domain.ProposalState(s))
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListProposals(ctx, opts)
				if err != nil {
					return err
				}
				return renderProposals(items, items)
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().StringVar(&proposer, "proposer", "", "filter by proposer")
	cmd.Flags().BoolVar(&all, "all", false, "include archived proposals")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal and its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				prop, err := ws.Engine.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				rows := []table.Row{
					{"ID", prop.ID},
					{"State", stateFmt(string(prop.State))},
					{"Proposer", prop.Proposer},
					{"Description", prop.Description},
					{"Targets", describeTargets(prop.Targets)},
					{"Checkpoint", prop.CreationCheckpoint},
					{"Voting", fmt.Sprintf("%s → %s", formatTime(&prop.VotingStart), formatTime(&prop.VotingEnd))},
					{"For / Against / Abstain", fmt.Sprintf("%s / %s / %s", prop.VotesFor, prop.VotesAgainst, prop.VotesAbstain)},
					{"Quorum", prop.Quorum.String()},
					{"Operation", prop.OperationID},
					{"Archived", formatTime(prop.ArchivedAt)},
				}
				return render(prop, table.Row{"Field", "Value"}, rows)
			})
		},
	}
}

func proposalVoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote <id> <for|against|abstain>",
		Short: "Cast a vote weighted by the balance at the proposal checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := ws.Engine.CastVote(ctx, actor, args[0], domain.VoteSupport(args[1]))
				if err != nil {
					return err
				}
				return renderVotes(v, []domain.Vote{v})
			})
		},
	}
}

func proposalVotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "votes <id>",
		Short: "List votes cast on a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				votes, err := ws.Engine.ListVotes(ctx, args[0])
				if err != nil {
					return err
				}
				return renderVotes(votes, votes)
			})
		},
	}
}

type proposalTransition func(engine.Engine, context.Context, string, string) (domain.Proposal, error)

func proposalTransitionCmd(use, short string, fn proposalTransition) *cobra.Command {
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
				prop, err := fn(ws.Engine, ctx, args[0], actor)
				if err != nil {
					return err
				}
				return renderProposals(prop, []domain.Proposal{prop})
			})
		},
	}
}

func proposalArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive terminal proposals past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := ws.Engine.ArchiveProposals(ctx, actor)
				if err != nil {
					return err
				}
				return render(map[string]int{"archived": n}, table.Row{"Archived"}, []table.Row{{n}})
			})
		},
	}
}

func renderProposals(v any, items []domain.Proposal) error {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		rows = append(rows, table.Row{p.ID, stateFmt(string(p.State)), p.Proposer, p.VotesFor.String(), p.VotesAgainst.String(), p.Quorum.String(), formatTime(&p.VotingEnd)})
	}
	return render(v, table.Row{"ID", "State", "Proposer", "For", "Against", "Quorum", "Voting Ends"}, rows)
}

func renderVotes(v any, items []domain.Vote) error {
	rows := make([]table.Row, 0, len(items))
	for _, vote := range items {
		rows = append(rows, table.Row{vote.Voter, string(vote.Support), vote.Weight.String(), formatTime(&vote.CastAt)})
	}
	return render(v, table.Row{"Voter", "Support", "Weight", "Cast At"}, rows)
}
