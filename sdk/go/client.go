package govgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal govgate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Target is one call in a batch. Value is a decimal string.
type Target struct {
	Recipient string `json:"recipient"`
	Value     string `json:"value,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// Proposal represents the API proposal model (partial).
type Proposal struct {
	ID           string    `json:"id"`
	Proposer     string    `json:"proposer"`
	Targets      []Target  `json:"targets"`
	Description  string    `json:"description"`
	VotingStart  time.Time `json:"voting_start"`
	VotingEnd    time.Time `json:"voting_end"`
	VotesFor     string    `json:"votes_for"`
	VotesAgainst string    `json:"votes_against"`
	VotesAbstain string    `json:"votes_abstain"`
	Quorum       string    `json:"quorum"`
	State        string    `json:"state"`
	OperationID  string    `json:"operation_id,omitempty"`
}

// Vote is a recorded ballot.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	Voter      string    `json:"voter"`
	Support    string    `json:"support"`
	Weight     string    `json:"weight"`
	CastAt     time.Time `json:"cast_at"`
}

// Approval is an owner's sign-off on a transaction.
type Approval struct {
	Owner      string    `json:"owner"`
	Signature  string    `json:"signature,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Transaction represents a multisig transaction.
type Transaction struct {
	ID                string     `json:"id"`
	OperationType     string     `json:"operation_type"`
	Proposer          string     `json:"proposer"`
	Targets           []Target   `json:"targets"`
	Approvals         []Approval `json:"approvals"`
	RequiredApprovals int        `json:"required_approvals"`
	State             string     `json:"state"`
	OperationID       string     `json:"operation_id,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// Operation represents a timelock operation.
type Operation struct {
	ID            string     `json:"id"`
	OperationType string     `json:"operation_type"`
	OriginKind    string     `json:"origin_kind"`
	OriginID      string     `json:"origin_id,omitempty"`
	Targets       []Target   `json:"targets"`
	Predecessor   string     `json:"predecessor,omitempty"`
	Salt          string     `json:"salt"`
	Delay         string     `json:"delay"`
	ReadyAt       time.Time  `json:"ready_at"`
	Status        string     `json:"status"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
}

// ScheduleInput schedules an operation directly. Empty fields take server defaults.
type ScheduleInput struct {
	OperationType string   `json:"operation_type"`
	Targets       []Target `json:"targets"`
	Delay         string   `json:"delay,omitempty"`
	Predecessor   string   `json:"predecessor,omitempty"`
	Salt          string   `json:"salt,omitempty"`
}

// Alert is raised when a trigger fires.
type Alert struct {
	ID            string    `json:"id"`
	Trigger       string    `json:"trigger"`
	Confidence    float64   `json:"confidence"`
	Evidence      string    `json:"evidence,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SignalResult reports whether a signal fired its trigger.
type SignalResult struct {
	Fired bool   `json:"fired"`
	Alert *Alert `json:"alert,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          time.Time      `json:"ts"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Outcome     string         `json:"outcome"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps audit listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// AuditQuery filters the audit log. Zero values are omitted.
type AuditQuery struct {
	Ref        string
	Type       string
	EntityKind string
	Outcome    string
	Cursor     string
	Limit      int
}

// APIError wraps non-2xx responses. Code is the server error code when the body
// carries the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Propose creates a governance proposal.
func (c *Client) Propose(ctx context.Context, targets []Target, description string) (Proposal, error) {
	body := map[string]any{"targets": targets, "description": description}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	return resp, err
}

// Proposal fetches a proposal with its current state.
func (c *Client) Proposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Vote casts a ballot: for, against or abstain.
func (c *Client) Vote(ctx context.Context, proposalID, support string) (Vote, error) {
	var resp Vote
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/votes", url.PathEscape(proposalID)), map[string]any{"support": support}, &resp)
	return resp, err
}

// ProposalAction runs tally, queue, execute or cancel on a proposal.
func (c *Client) ProposalAction(ctx context.Context, proposalID, action string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/%s", url.PathEscape(proposalID), action), nil, &resp)
	return resp, err
}

// SubmitTransaction submits a typed operation for owner approval.
func (c *Client) SubmitTransaction(ctx context.Context, operationType string, targets []Target) (Transaction, error) {
	body := map[string]any{"operation_type": operationType, "targets": targets}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "multisig/transactions", body, &resp)
	return resp, err
}

// Transaction fetches a multisig transaction.
func (c *Client) Transaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "multisig/transactions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ApprovalDigest returns the hex digest owners sign to approve.
func (c *Client) ApprovalDigest(ctx context.Context, id string) (string, error) {
	var resp struct {
		Digest string `json:"digest"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("multisig/transactions/%s/digest", url.PathEscape(id)), nil, &resp)
	return resp.Digest, err
}

// Approve records the caller's approval. signature may be empty when the
// deployment does not require signatures.
func (c *Client) Approve(ctx context.Context, id, signature string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("multisig/transactions/%s/approve", url.PathEscape(id)), map[string]any{"signature": signature}, &resp)
	return resp, err
}

// Veto cancels a transaction as a guardian.
func (c *Client) Veto(ctx context.Context, id, reason string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("multisig/transactions/%s/veto", url.PathEscape(id)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ExecuteTransaction executes or queues an approved transaction.
func (c *Client) ExecuteTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("multisig/transactions/%s/execute", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Schedule schedules a timelock operation.
func (c *Client) Schedule(ctx context.Context, in ScheduleInput) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodPost, "timelock/operations", in, &resp)
	return resp, err
}

// Operation fetches a timelock operation by id.
func (c *Client) Operation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodGet, "timelock/operations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ExecuteOperation executes a ready operation.
func (c *Client) ExecuteOperation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("timelock/operations/%s/execute", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CancelOperation cancels a pending operation.
func (c *Client) CancelOperation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("timelock/operations/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Signal feeds a risk signal to a trigger. The client identity must be a configured signaler.
func (c *Client) Signal(ctx context.Context, trigger string, confidence float64, evidence string) (SignalResult, error) {
	body := map[string]any{"confidence": confidence, "evidence": evidence}
	var resp SignalResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("triggers/%s/signals", url.PathEscape(trigger)), body, &resp)
	return resp, err
}

// Audit returns one page of the audit log, newest first.
func (c *Client) Audit(ctx context.Context, q AuditQuery) (PaginatedEvents, error) {
	params := url.Values{}
	for key, value := range map[string]string{
		"ref":         q.Ref,
		"type":        q.Type,
		"entity_kind": q.EntityKind,
		"outcome":     q.Outcome,
		"cursor":      q.Cursor,
	} {
		if value != "" {
			params.Set(key, value)
		}
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "audit"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
