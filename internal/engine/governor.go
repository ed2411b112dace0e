package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/domain"
	"govgate/internal/engine/auth"
	"govgate/internal/repo"
)

var hundred = decimal.NewFromInt(100)

// Propose opens a governance proposal. Voting power, quorum and vote weights are all
// taken at the latest checkpoint at creation time.
func (e Engine) Propose(ctx context.Context, proposer string, targets []domain.Target, description string) (domain.Proposal, error) {
	proposer = auth.Normalize(proposer)
	p := domain.Proposal{ID: uuid.NewString()}
	err := e.transition(ctx, audit.Entry{Type: audit.ProposalCreated, EntityKind: audit.EntityProposal, EntityID: p.ID, ActorID: proposer}, func(tx *sql.Tx) error {
		if proposer == "" {
			return fail(ErrInvalidInput, "proposer is required")
		}
		gov := e.Config.Governance
		cp, err := e.Ledger.LatestCheckpoint(ctx)
		if err != nil {
			return err
		}
		power, err := e.Ledger.VotingPowerOf(ctx, proposer, cp)
		if err != nil {
			return err
		}
		if power.LessThan(gov.ProposalThreshold) {
			return fail(ErrInsufficientVotingPower, "%s holds %s at checkpoint %d, threshold is %s", proposer, power, cp, gov.ProposalThreshold)
		}
		if err := e.admit(ctx, tx, admission{
			OperationType: config.OpGovernance,
			Targets:       targets,
			EntityKind:    audit.EntityProposal,
			EntityID:      p.ID,
			Actor:         proposer,
		}); err != nil {
			return err
		}
		supply, err := e.Ledger.TotalSupplyAt(ctx, cp)
		if err != nil {
			return err
		}
		quorum := supply.Mul(gov.QuorumPercent).Div(hundred)
		if gov.QuorumAmount.GreaterThan(quorum) {
			quorum = gov.QuorumAmount
		}
		now := e.now()
		p.Proposer = proposer
		p.Targets = targets
		p.Description = description
		p.DescriptionHash = domain.DescriptionHash(description).Hex()
		p.CreationCheckpoint = cp
		p.VotingStart = now.Add(gov.VotingDelay.Duration)
		p.VotingEnd = p.VotingStart.Add(gov.VotingPeriod.Duration)
		p.Quorum = quorum
		p.State = domain.ProposalPending
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.ProposalCreated, EntityKind: audit.EntityProposal, EntityID: p.ID, ActorID: proposer,
			Payload: audit.Payload{
				"checkpoint":       cp,
				"quorum":           quorum.String(),
				"targets":          len(targets),
				"description_hash": p.DescriptionHash,
				"voting_start":     repo.FormatTime(p.VotingStart),
				"voting_end":       repo.FormatTime(p.VotingEnd),
			},
		})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// proposalState derives the time dependent states. An untallied proposal stays
// Active after its voting window until Tally fixes the result.
func (e Engine) proposalState(ctx context.Context, tx *sql.Tx, p domain.Proposal) (domain.ProposalState, error) {
	now := e.now()
	switch p.State {
	case domain.ProposalPending:
		if now.Before(p.VotingStart) {
			return domain.ProposalPending, nil
		}
		return domain.ProposalActive, nil
	case domain.ProposalQueued:
		grace := e.Config.Governance.ExecutionGracePeriod.Duration
		if grace <= 0 || p.OperationID == "" {
			return p.State, nil
		}
		op, err := e.Repo.GetOperation(ctx, tx, p.OperationID)
		if err != nil {
			return "", err
		}
		if op.Status == domain.OperationScheduled && now.After(op.ReadyAt.Add(grace)) {
			return domain.ProposalExpired, nil
		}
	}
	return p.State, nil
}

func ensureProposalTransition(from, to domain.ProposalState) error {
	switch from {
	case domain.ProposalPending, domain.ProposalActive:
		if to == domain.ProposalSucceeded || to == domain.ProposalDefeated || to == domain.ProposalCanceled {
			return nil
		}
	case domain.ProposalSucceeded:
		if to == domain.ProposalQueued || to == domain.ProposalCanceled {
			return nil
		}
		if to == domain.ProposalExecuted {
			return fail(ErrNotReady, "proposal is not queued")
		}
	case domain.ProposalQueued:
		if to == domain.ProposalExecuted || to == domain.ProposalCanceled || to == domain.ProposalExpired {
			return nil
		}
	case domain.ProposalCanceled:
		return fail(ErrCanceled, "proposal canceled")
	case domain.ProposalExecuted:
		return fail(ErrAlreadyExecuted, "proposal executed")
	case domain.ProposalExpired:
		return fail(ErrExpired, "proposal expired")
	}
	return fail(ErrInvalidState, "proposal %s -> %s", from, to)
}

func (e Engine) loadProposal(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, tx, id)
	if err != nil {
		return p, notFound(err, "proposal", id)
	}
	p.State, err = e.proposalState(ctx, tx, p)
	return p, err
}

// CastVote records a weighted vote. Weight is the voter's balance at the
// proposal's creation checkpoint, so later transfers cannot change it.
func (e Engine) CastVote(ctx context.Context, voter, id string, support domain.VoteSupport) (domain.Vote, error) {
	voter = auth.Normalize(voter)
	var v domain.Vote
	err := e.transition(ctx, audit.Entry{Type: audit.ProposalVoted, EntityKind: audit.EntityProposal, EntityID: id, ActorID: voter}, func(tx *sql.Tx) error {
		if !support.Valid() {
			return fail(ErrInvalidInput, "support must be for, against or abstain, got %q", support)
		}
		p, err := e.Repo.GetProposal(ctx, tx, id)
		if err != nil {
			return notFound(err, "proposal", id)
		}
		now := e.now()
		if p.State != domain.ProposalPending || now.Before(p.VotingStart) || now.After(p.VotingEnd) {
			return fail(ErrVotingClosed, "proposal %s accepts votes from %s to %s", id, repo.FormatTime(p.VotingStart), repo.FormatTime(p.VotingEnd))
		}
		voted, err := e.Repo.HasVoted(ctx, tx, id, voter)
		if err != nil {
			return err
		}
		if voted {
			return fail(ErrAlreadyVoted, "%s on %s", voter, id)
		}
		weight, err := e.Ledger.VotingPowerOf(ctx, voter, p.CreationCheckpoint)
		if err != nil {
			return err
		}
		if !weight.IsPositive() {
			return fail(ErrInsufficientVotingPower, "%s held no voting power at checkpoint %d", voter, p.CreationCheckpoint)
		}
		v = domain.Vote{ProposalID: id, Voter: voter, Support: support, Weight: weight, CastAt: now}
		if err := e.Repo.InsertVote(ctx, tx, v); err != nil {
			return err
		}
		switch support {
		case domain.SupportFor:
			p.VotesFor = p.VotesFor.Add(weight)
		case domain.SupportAgainst:
			p.VotesAgainst = p.VotesAgainst.Add(weight)
		case domain.SupportAbstain:
			p.VotesAbstain = p.VotesAbstain.Add(weight)
		}
		p.UpdatedAt = now
		if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.ProposalVoted, EntityKind: audit.EntityProposal, EntityID: id, ActorID: voter,
			Payload: audit.Payload{"support": support, "weight": weight.String()},
		})
	})
	return v, err
}

// Tally fixes the outcome once voting ended. Calling it again returns the stored result.
func (e Engine) Tally(ctx context.Context, id, actor string) (domain.Proposal, error) {
	actor = auth.Normalize(actor)
	var p domain.Proposal
	err := e.transition(ctx, audit.Entry{Type: audit.ProposalTallied, EntityKind: audit.EntityProposal, EntityID: id, ActorID: actor}, func(tx *sql.Tx) error {
		var err error
		p, err = e.loadProposal(ctx, tx, id)
		if err != nil {
			return err
		}
		switch p.State {
		case domain.ProposalSucceeded, domain.ProposalDefeated, domain.ProposalQueued, domain.ProposalExecuted, domain.ProposalExpired:
			return nil
		case domain.ProposalCanceled:
			return fail(ErrCanceled, "proposal %s", id)
		}
		now := e.now()
		if !now.After(p.VotingEnd) {
			return fail(ErrVotingOpen, "voting ends at %s", repo.FormatTime(p.VotingEnd))
		}
		p.State = domain.ProposalDefeated
		if p.VotesFor.GreaterThan(p.VotesAgainst) && p.Participation().GreaterThanOrEqual(p.Quorum) {
			p.State = domain.ProposalSucceeded
		}
		p.UpdatedAt = now
		if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.ProposalTallied, EntityKind: audit.EntityProposal, EntityID: id, ActorID: actor,
			Payload: audit.Payload{
				"state":         p.State,
				"for":           p.VotesFor.String(),
				"against":       p.VotesAgainst.String(),
				"abstain":       p.VotesAbstain.String(),
				"participation": p.Participation().String(),
				"quorum":        p.Quorum.String(),
			},
		})
	})
	return p, err
}

// QueueProposal schedules the whole target batch of a succeeded proposal as one operation.
func (e Engine) QueueProposal(ctx context.Context, id, actor string) (domain.Proposal, error) {
	actor = auth.Normalize(actor)
	var p domain.Proposal
	err := e.transition(ctx, audit.Entry{Type: audit.ProposalQueued, EntityKind: audit.EntityProposal, EntityID: id, ActorID: actor}, func(tx *sql.Tx) error {
		var err error
		p, err = e.loadProposal(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.State == domain.ProposalQueued {
			return fail(ErrAlreadyScheduled, "proposal %s is queued as %s", id, p.OperationID)
		}
		if err := ensureProposalTransition(p.State, domain.ProposalQueued); err != nil {
			return err
		}
		ot, err := e.operationType(config.OpGovernance)
		if err != nil {
			return err
		}
		op, err := e.schedule(ctx, tx, scheduleParams{
			OperationType: config.OpGovernance,
			OriginKind:    domain.OriginProposal,
			OriginID:      p.ID,
			Targets:       p.Targets,
			Delay:         ot.Delay.Duration,
			Salt:          domain.SaltFrom(p.ID),
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		p.State = domain.ProposalQueued
		p.OperationID = op.ID
		p.UpdatedAt = e.now()
		if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Type: audit.ProposalQueued, EntityKind: audit.EntityProposal, EntityID: id, OperationID: op.ID, ActorID: actor,
			Payload: audit.Payload{"ready_at": repo.FormatTime(op.ReadyAt)},
		})
	})
	return p, err
}

// ExecuteProposal runs the queued batch once its operation is ready.
func (e Engine) ExecuteProposal(ctx context.Context, id, actor string) (domain.Proposal, error) {
	actor = auth.Normalize(actor)
	var p domain.Proposal
	err := e.transition(ctx, audit.Entry{Type: audit.ProposalExecuted, EntityKind: audit.EntityProposal, EntityID: id, ActorID: actor}, func(tx *sql.Tx) error {
		var err error
		p, err = e.executeProposal(ctx, tx, id, actor)
		return err
	})
	return p, err
}

func (e Engine) executeProposal(ctx context.Context, tx *sql.Tx, id, actor string) (domain.Proposal, error) {
	p, err := e.loadProposal(ctx, tx, id)
	if err != nil {
		return p, err
	}
	if err := ensureProposalTransition(p.State, domain.ProposalExecuted); err != nil {
		return p, err
	}
	if !e.roster.CanExecute(actor) {
		return p, fail(ErrUnauthorized, "%s is not a timelock executor", actor)
	}
	op, err := e.Repo.GetOperation(ctx, tx, p.OperationID)
	if err != nil {
		return p, err
	}
	if err := e.runOperation(ctx, tx, &op, actor); err != nil {
		return p, err
	}
	p.State = domain.ProposalExecuted
	p.UpdatedAt = e.now()
	if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
		return p, err
	}
	return p, e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.ProposalExecuted, EntityKind: audit.EntityProposal, EntityID: id, OperationID: op.ID, ActorID: actor,
	})
}

// CancelProposal is open to the proposer before the vote is decided and to any
// guardian until execution.
func (e Engine) CancelProposal(ctx context.Context, id, actor string) (domain.Proposal, error) {
	actor = auth.Normalize(actor)
	var p domain.Proposal
	err := e.transition(ctx, audit.Entry{Type: audit.ProposalCanceled, EntityKind: audit.EntityProposal, EntityID: id, ActorID: actor}, func(tx *sql.Tx) error {
		var err error
		p, err = e.loadProposal(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := ensureProposalTransition(p.State, domain.ProposalCanceled); err != nil {
			return err
		}
		early := p.State == domain.ProposalPending || p.State == domain.ProposalActive
		if !e.roster.IsGuardian(actor) && !(early && actor == p.Proposer) {
			return fail(ErrUnauthorized, "%s may not cancel a %s proposal", actor, p.State)
		}
		if err := e.cancelLinkedOperation(ctx, tx, p.OperationID, actor); err != nil {
			return err
		}
		return e.markProposalCanceled(ctx, tx, &p, actor, "")
	})
	return p, err
}

func (e Engine) markProposalCanceled(ctx context.Context, tx *sql.Tx, p *domain.Proposal, actor, reason string) error {
	state, err := e.proposalState(ctx, tx, *p)
	if err != nil {
		return err
	}
	if err := ensureProposalTransition(state, domain.ProposalCanceled); err != nil {
		return err
	}
	p.State = domain.ProposalCanceled
	p.UpdatedAt = e.now()
	if err := e.Repo.UpdateProposal(ctx, tx, *p); err != nil {
		return err
	}
	payload := audit.Payload{}
	if reason != "" {
		payload["reason"] = reason
	}
	return e.appendAudit(ctx, tx, audit.Entry{
		Type: audit.ProposalCanceled, EntityKind: audit.EntityProposal, EntityID: p.ID, OperationID: p.OperationID, ActorID: actor,
		Payload: payload,
	})
}

func (e Engine) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	if err := e.requireConfig(); err != nil {
		return domain.Proposal{}, err
	}
	return e.loadProposal(ctx, nil, id)
}

type ProposalListOptions struct {
	States          []domain.ProposalState
	Proposer        string
	IncludeArchived bool
	Limit           int
}

// ListProposals filters on stored state and reports derived state.
func (e Engine) ListProposals(ctx context.Context, opts ProposalListOptions) ([]domain.Proposal, error) {
	if err := e.requireConfig(); err != nil {
		return nil, err
	}
	ps, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
		States:          opts.States,
		Proposer:        auth.Normalize(opts.Proposer),
		IncludeArchived: opts.IncludeArchived,
		Limit:           opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	res := make([]domain.Proposal, 0, len(ps))
	for _, p := range ps {
		if p.State, err = e.proposalState(ctx, nil, p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (e Engine) ListVotes(ctx context.Context, id string) ([]domain.Vote, error) {
	votes, err := e.Repo.ListVotes(ctx, id)
	if err != nil {
		return nil, err
	}
	if votes == nil {
		votes = []domain.Vote{}
	}
	return votes, nil
}

// ArchiveProposals archives finished proposals older than the retention period.
// Proposals whose operation is still scheduled are kept, except expired ones whose
// dead operation is canceled first.
func (e Engine) ArchiveProposals(ctx context.Context, actor string) (int, error) {
	actor = auth.Normalize(actor)
	if actor == "" {
		actor = ConfigActor
	}
	archived := 0
	err := e.transition(ctx, audit.Entry{Type: audit.ProposalArchived, EntityKind: audit.EntityProposal, ActorID: actor}, func(tx *sql.Tx) error {
		retention := e.Config.Governance.Retention.Duration
		if retention <= 0 {
			return nil
		}
		now := e.now()
		cutoff := now.Add(-retention)
		candidates, err := e.Repo.ArchiveCandidates(ctx, tx, []domain.ProposalState{
			domain.ProposalCanceled, domain.ProposalDefeated, domain.ProposalExecuted, domain.ProposalQueued,
		}, now)
		if err != nil {
			return err
		}
		for _, p := range candidates {
			finishedAt := p.UpdatedAt
			if p.State == domain.ProposalQueued {
				state, err := e.proposalState(ctx, tx, p)
				if err != nil {
					return err
				}
				if state != domain.ProposalExpired {
					continue
				}
				op, err := e.Repo.GetOperation(ctx, tx, p.OperationID)
				if err != nil {
					return err
				}
				finishedAt = op.ReadyAt.Add(e.Config.Governance.ExecutionGracePeriod.Duration)
				if !finishedAt.Before(cutoff) {
					continue
				}
				if err := e.cancelOperation(ctx, tx, &op, actor); err != nil {
					return err
				}
				p.State = domain.ProposalExpired
			} else if !finishedAt.Before(cutoff) {
				continue
			} else if skip, err := e.operationPending(ctx, tx, p.OperationID); err != nil {
				return err
			} else if skip {
				continue
			}
			p.ArchivedAt = &now
			p.UpdatedAt = now
			if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
				return err
			}
			if err := e.appendAudit(ctx, tx, audit.Entry{
				Type: audit.ProposalArchived, EntityKind: audit.EntityProposal, EntityID: p.ID, OperationID: p.OperationID, ActorID: actor,
				Payload: audit.Payload{"state": p.State, "retention": retention.String()},
			}); err != nil {
				return err
			}
			archived++
		}
		return nil
	})
	return archived, err
}

func (e Engine) operationPending(ctx context.Context, tx *sql.Tx, opID string) (bool, error) {
	if opID == "" {
		return false, nil
	}
	op, err := e.Repo.GetOperation(ctx, tx, opID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return op.Status == domain.OperationScheduled, nil
}
