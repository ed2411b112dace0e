package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"govgate/internal/domain"
)

const proposalColumns = `id,proposer,targets_json,description,description_hash,creation_checkpoint,voting_start,voting_end,
votes_for,votes_against,votes_abstain,quorum,state,COALESCE(operation_id,''),created_at,updated_at,archived_at`

func scanProposal(s scanner) (domain.Proposal, error) {
	var (
		p                                       domain.Proposal
		targets, start, end, created, updated   string
		votesFor, votesAgainst, votesAbstain, q string
		archived                                sql.NullString
	)
	err := s.Scan(&p.ID, &p.Proposer, &targets, &p.Description, &p.DescriptionHash, &p.CreationCheckpoint,
		&start, &end, &votesFor, &votesAgainst, &votesAbstain, &q, &p.State, &p.OperationID, &created, &updated, &archived)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(targets), &p.Targets); err != nil {
		return p, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&p.VotingStart, start}, {&p.VotingEnd, end}, {&p.CreatedAt, created}, {&p.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return p, err
		}
	}
	if p.VotesFor, err = parseDecimal(votesFor); err != nil {
		return p, err
	}
	if p.VotesAgainst, err = parseDecimal(votesAgainst); err != nil {
		return p, err
	}
	if p.VotesAbstain, err = parseDecimal(votesAbstain); err != nil {
		return p, err
	}
	if p.Quorum, err = parseDecimal(q); err != nil {
		return p, err
	}
	p.ArchivedAt, err = parseNullTime(archived)
	return p, err
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	targets, err := marshalJSON(p.Targets)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO proposals(id,proposer,targets_json,description,description_hash,creation_checkpoint,
voting_start,voting_end,votes_for,votes_against,votes_abstain,quorum,state,operation_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Proposer, targets, p.Description, p.DescriptionHash, p.CreationCheckpoint,
		FormatTime(p.VotingStart), FormatTime(p.VotingEnd), p.VotesFor.String(), p.VotesAgainst.String(), p.VotesAbstain.String(),
		p.Quorum.String(), p.State, nullable(p.OperationID), FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

// UpdateProposal persists the mutable fields: tallies, state, operation id and archive stamp.
func (r Repo) UpdateProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET votes_for=?,votes_against=?,votes_abstain=?,state=?,operation_id=?,updated_at=?,archived_at=? WHERE id=?`,
		p.VotesFor.String(), p.VotesAgainst.String(), p.VotesAbstain.String(), p.State, nullable(p.OperationID),
		FormatTime(p.UpdatedAt), nullTime(p.ArchivedAt), p.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type ProposalFilters struct {
	States          []domain.ProposalState
	Proposer        string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.Proposer != "" {
		clauses = append(clauses, "proposer=?")
		args = append(args, f.Proposer)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ArchiveCandidates lists unarchived proposals in the given states last updated before cutoff.
func (r Repo) ArchiveCandidates(ctx context.Context, tx *sql.Tx, states []domain.ProposalState, cutoff time.Time) ([]domain.Proposal, error) {
	if len(states) == 0 {
		return nil, nil
	}
	marks := make([]string, len(states))
	args := make([]any, 0, len(states)+1)
	for i, s := range states {
		marks[i] = "?"
		args = append(args, s)
	}
	args = append(args, FormatTime(cutoff))
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE archived_at IS NULL AND state IN (`+strings.Join(marks, ",")+`) AND updated_at < ? ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertVote fails with a constraint error when the voter already voted.
func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO votes(proposal_id,voter,support,weight,cast_at) VALUES (?,?,?,?,?)`,
		v.ProposalID, v.Voter, v.Support, v.Weight.String(), FormatTime(v.CastAt))
	return err
}

func (r Repo) HasVoted(ctx context.Context, tx *sql.Tx, proposalID, voter string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE proposal_id=? AND voter=?`, proposalID, voter).Scan(&n)
	return n > 0, err
}

func (r Repo) ListVotes(ctx context.Context, proposalID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT proposal_id,voter,support,weight,cast_at FROM votes WHERE proposal_id=? ORDER BY cast_at, voter`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var weight, cast string
		if err := rows.Scan(&v.ProposalID, &v.Voter, &v.Support, &weight, &cast); err != nil {
			return nil, err
		}
		if v.Weight, err = parseDecimal(weight); err != nil {
			return nil, err
		}
		if v.CastAt, err = parseTime(cast); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
