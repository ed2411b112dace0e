package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"govgate/internal/audit"
	"govgate/internal/domain"
	"govgate/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_violation"`
	Message string         `json:"message" example:"policy treasury_limits violated (max_value): batch value 2000000 exceeds 1000000"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"policy\":\"treasury_limits\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type out[T any] struct {
	Body T
}

func reply[T any](v T) *out[T] { return &out[T]{Body: v} }

// New returns an HTTP handler exposing the govgate API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("server: engine has no config")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, log))
	hcfg := huma.DefaultConfig("govgate API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerSystem(group, e)
	registerProposals(group, e)
	registerMultisig(group, e)
	registerTimelock(group, e)
	registerPolicies(group, e)
	registerTriggers(group, e)
	registerAlerts(group, e)
	registerAudit(group, e)
	if cfg.Auth.EnableTokenEndpoint {
		registerTokens(group, e, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "invalid_input", msg, details)
}

// handleError maps engine error classes onto HTTP statuses: admission 400 or 403,
// state 409 or 404, execution 502.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := strings.ToLower(engine.CodeOf(err))
	msg := err.Error()
	switch engine.ClassOf(err) {
	case engine.ClassAdmission:
		var pv *engine.PolicyViolationError
		if errors.As(err, &pv) {
			return newAPIError(http.StatusBadRequest, code, msg, map[string]any{"policy": pv.Policy, "rule": pv.Rule})
		}
		switch {
		case errors.Is(err, engine.ErrNotAnOwner),
			errors.Is(err, engine.ErrNotAGuardian),
			errors.Is(err, engine.ErrUnauthorized),
			errors.Is(err, engine.ErrInvalidSignature):
			return newAPIError(http.StatusForbidden, code, msg, nil)
		}
		return newAPIError(http.StatusBadRequest, code, msg, nil)
	case engine.ClassState:
		if errors.Is(err, engine.ErrNotFound) {
			return newAPIError(http.StatusNotFound, code, msg, nil)
		}
		return newAPIError(http.StatusConflict, code, msg, nil)
	case engine.ClassExecution:
		var be *engine.BatchExecutionError
		if errors.As(err, &be) {
			return newAPIError(http.StatusBadGateway, code, msg, map[string]any{"index": be.Index, "recipient": be.Recipient})
		}
		return newAPIError(http.StatusBadGateway, code, msg, nil)
	}
	engine.LoggerFrom(ctx).Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>govgate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;. The token subject is the acting identity.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerSystem(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "system-state",
		Method:      http.MethodGet,
		Path:        "/system/state",
		Summary:     "Paused subsystems and blocked operation types",
	}, func(ctx context.Context, _ *struct{}) (*out[domain.SystemState], error) {
		state, err := e.SystemState(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		state.PausedSubsystems = nonNilSlice(state.PausedSubsystems)
		state.BlockedOperationTypes = nonNilSlice(state.BlockedOperationTypes)
		return reply(state), nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create a governance proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ProposeRequest
	}) (*out[ProposalResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		targets, err := toTargets(input.Body.Targets)
		if err != nil {
			return nil, badRequest("invalid target value", map[string]any{"error": err.Error()})
		}
		p, err := e.Propose(ctx, actor, targets, input.Body.Description)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(proposalResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		State           []string `query:"state" doc:"Filter by state, comma separated"`
		Proposer        string   `query:"proposer"`
		IncludeArchived bool     `query:"include_archived"`
		Limit           int      `query:"limit" default:"50"`
	}) (*out[[]ProposalResponse], error) {
		states := make([]domain.ProposalState, 0, len(input.State))
		for _, s := range input.State {
			states = append(states, domain.ProposalState(s))
		}
		items, err := e.ListProposals(ctx, engine.ProposalListOptions{
			States:          states,
			Proposer:        input.Proposer,
			IncludeArchived: input.IncludeArchived,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(mapSlice(items, proposalResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal with derived state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[ProposalResponse], error) {
		p, err := e.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(proposalResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/proposals/{id}/votes",
		Summary:       "Cast a vote weighted at the creation checkpoint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body VoteRequest
	}) (*out[VoteResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CastVote(ctx, actor, input.ID, domain.VoteSupport(input.Body.Support))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(voteResponse(v)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}/votes",
		Summary:     "List votes on a proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[[]VoteResponse], error) {
		votes, err := e.ListVotes(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(mapSlice(votes, voteResponse)), nil
	})

	proposalAction := func(opID, suffix, summary string, fn func(ctx context.Context, id, actor string) (domain.Proposal, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/proposals/{id}/" + suffix,
			Summary:     summary,
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
		}, func(ctx context.Context, input *idPath) (*out[ProposalResponse], error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			p, err := fn(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			return reply(proposalResponse(p)), nil
		})
	}
	proposalAction("tally-proposal", "tally", "Tally a proposal after voting ends", e.Tally)
	proposalAction("queue-proposal", "queue", "Queue a succeeded proposal on the timelock", e.QueueProposal)
	proposalAction("execute-proposal", "execute", "Execute a queued proposal once ready", e.ExecuteProposal)
	proposalAction("cancel-proposal", "cancel", "Cancel a proposal", e.CancelProposal)

	huma.Register(api, huma.Operation{
		OperationID: "archive-proposals",
		Method:      http.MethodPost,
		Path:        "/proposals/archive",
		Summary:     "Archive finished proposals past retention",
	}, func(ctx context.Context, _ *struct{}) (*out[ArchiveResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ArchiveProposals(ctx, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(ArchiveResponse{Archived: n}), nil
	})
}

func registerMultisig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-transaction",
		Method:        http.MethodPost,
		Path:          "/multisig/transactions",
		Summary:       "Submit a multisig transaction",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SubmitTransactionRequest
	}) (*out[TransactionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		targets, err := toTargets(input.Body.Targets)
		if err != nil {
			return nil, badRequest("invalid target value", map[string]any{"error": err.Error()})
		}
		t, err := e.SubmitTransaction(ctx, actor, input.Body.OperationType, targets)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(transactionResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/multisig/transactions",
		Summary:     "List multisig transactions",
	}, func(ctx context.Context, input *struct {
		State         []string `query:"state"`
		OperationType string   `query:"operation_type"`
		Limit         int      `query:"limit" default:"50"`
	}) (*out[[]TransactionResponse], error) {
		states := make([]domain.TransactionState, 0, len(input.State))
		for _, s := range input.State {
			states = append(states, domain.TransactionState(s))
		}
		items, err := e.ListTransactions(ctx, engine.TransactionListOptions{
			States:        states,
			OperationType: input.OperationType,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(mapSlice(items, transactionResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/multisig/transactions/{id}",
		Summary:     "Get a multisig transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[TransactionResponse], error) {
		t, err := e.GetTransaction(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(transactionResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transaction-digest",
		Method:      http.MethodGet,
		Path:        "/multisig/transactions/{id}/digest",
		Summary:     "Approval digest owners sign",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[DigestResponse], error) {
		t, err := e.GetTransaction(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		digest := domain.ApprovalDigest(t.ID, t.OperationType, t.Targets)
		return reply(DigestResponse{TransactionID: t.ID, Digest: digest.Hex()}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-transaction",
		Method:      http.MethodPost,
		Path:        "/multisig/transactions/{id}/approve",
		Summary:     "Approve as an owner",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ApproveRequest
	}) (*out[TransactionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveTransaction(ctx, actor, input.ID, input.Body.Signature)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(transactionResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "veto-transaction",
		Method:      http.MethodPost,
		Path:        "/multisig/transactions/{id}/veto",
		Summary:     "Veto as a guardian",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body VetoRequest
	}) (*out[TransactionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.VetoTransaction(ctx, actor, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(transactionResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-transaction",
		Method:      http.MethodPost,
		Path:        "/multisig/transactions/{id}/execute",
		Summary:     "Execute an approved or ready transaction",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *idPath) (*out[TransactionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ExecuteTransaction(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(transactionResponse(t)), nil
	})
}

func registerTimelock(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-operation",
		Method:        http.MethodPost,
		Path:          "/timelock/operations",
		Summary:       "Schedule a batch directly on the timelock",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ScheduleRequest
	}) (*out[OperationResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := scheduleRequest(input.Body)
		if err != nil {
			return nil, badRequest(err.Error(), nil)
		}
		req.Actor = actor
		op, err := e.Schedule(ctx, req)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(operationResponse(op)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/timelock/operations",
		Summary:     "List timelock operations",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"scheduled,ready,executed,canceled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*out[[]OperationResponse], error) {
		ops, err := e.ListOperations(ctx, domain.OperationStatus(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(mapSlice(ops, operationResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/timelock/operations/{id}",
		Summary:     "Get a timelock operation with derived status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[OperationResponse], error) {
		op, err := e.GetOperation(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(operationResponse(op)), nil
	})

	operationAction := func(opID, suffix, summary string, fn func(ctx context.Context, id, actor string) (domain.TimelockOperation, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/timelock/operations/{id}/" + suffix,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
		}, func(ctx context.Context, input *idPath) (*out[OperationResponse], error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			op, err := fn(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			return reply(operationResponse(op)), nil
		})
	}
	operationAction("execute-operation", "execute", "Execute a ready operation", e.ExecuteOperation)
	operationAction("cancel-operation", "cancel", "Cancel a scheduled operation", e.CancelOperation)
}

func scheduleRequest(body ScheduleRequest) (engine.ScheduleRequest, error) {
	targets, err := toTargets(body.Targets)
	if err != nil {
		return engine.ScheduleRequest{}, fmt.Errorf("invalid target value: %w", err)
	}
	req := engine.ScheduleRequest{OperationType: body.OperationType, Targets: targets}
	if body.Delay != "" {
		d, err := domain.ParseDuration(body.Delay)
		if err != nil {
			return req, fmt.Errorf("invalid delay: %w", err)
		}
		req.Delay = d.Duration
	}
	if body.Predecessor != "" {
		h, err := domain.ParseHash(body.Predecessor)
		if err != nil {
			return req, fmt.Errorf("invalid predecessor: %w", err)
		}
		req.Predecessor = h
	}
	req.Salt = ParseSalt(body.Salt)
	return req, nil
}

// ParseSalt accepts a 32-byte hex salt or hashes free text into one.
func ParseSalt(s string) common.Hash {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.ZeroHash
	}
	if h, err := domain.ParseHash(s); err == nil {
		return h
	}
	return domain.SaltFrom(s)
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "Current version of every security policy",
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.SecurityPolicy], error) {
		policies, err := e.ListPolicies(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(policies), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{name}",
		Summary:     "Get a security policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name    string `path:"name"`
		Version int    `query:"version" doc:"Historical version; current when omitted"`
	}) (*out[domain.SecurityPolicy], error) {
		var (
			p   domain.SecurityPolicy
			err error
		)
		if input.Version > 0 {
			p, err = e.PolicyVersion(ctx, input.Name, input.Version)
		} else {
			p, err = e.GetPolicy(ctx, input.Name)
		}
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "policy-target",
		Method:      http.MethodPost,
		Path:        "/policies/{name}/target",
		Summary:     "Build the system target that installs a new policy version",
		Description: "Policies only change through an executed proposal or policy_change transaction. Submit the returned target through one of those.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body PolicyTargetRequest
	}) (*out[TargetBody], error) {
		t, err := e.PolicyChangeTarget(input.Name, input.Body.Scope, input.Body.Parameters)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(targetBodies([]domain.Target{t})[0]), nil
	})
}

func registerTriggers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List triggers",
	}, func(ctx context.Context, _ *struct{}) (*out[[]TriggerResponse], error) {
		ts, err := e.ListTriggers(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(mapSlice(ts, triggerResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trigger",
		Method:      http.MethodGet,
		Path:        "/triggers/{name}",
		Summary:     "Get a trigger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*out[TriggerResponse], error) {
		t, err := e.GetTrigger(ctx, input.Name)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(triggerResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-trigger",
		Method:      http.MethodPut,
		Path:        "/triggers/{name}",
		Summary:     "Register or replace a trigger",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body TriggerRequest
	}) (*out[TriggerResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t := domain.Trigger{
			Name:                input.Name,
			ConfidenceThreshold: input.Body.ConfidenceThreshold,
			Actions:             input.Body.Actions,
		}
		if input.Body.Cooldown != "" {
			d, err := domain.ParseDuration(input.Body.Cooldown)
			if err != nil {
				return nil, badRequest("invalid cooldown", map[string]any{"error": err.Error()})
			}
			t.Cooldown = d
		}
		t, err := e.RegisterTrigger(ctx, actor, t)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(triggerResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-trigger",
		Method:      http.MethodPost,
		Path:        "/triggers/{name}/signals",
		Summary:     "Push a risk signal",
		Description: "Returns fired=false when the signal is below the trigger threshold. Only configured signalers may call it.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body SignalRequest
	}) (*out[SignalResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		alert, err := e.Signal(ctx, actor, input.Name, input.Body.Confidence, input.Body.Evidence)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(SignalResponse{Fired: alert != nil, Alert: alert}), nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List alerts, newest first",
	}, func(ctx context.Context, input *struct {
		Trigger string `query:"trigger"`
		Limit   int    `query:"limit" default:"50"`
	}) (*out[[]domain.Alert], error) {
		alerts, err := e.ListAlerts(ctx, input.Trigger, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(alerts), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Ref        string `query:"ref" doc:"Entity id or operation id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"proposal,transaction,operation,policy,trigger,system"`
		Outcome    string `query:"outcome" enum:"ok,rejected,failed"`
		Since      string `query:"since" doc:"RFC3339"`
		Until      string `query:"until" doc:"RFC3339"`
		Cursor     string `query:"cursor"`
		Limit      int    `query:"limit" default:"50"`
	}) (*out[paginatedAudit], error) {
		limit := normalizeLimit(input.Limit)
		f := audit.Filter{
			Ref:        input.Ref,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			Outcome:    input.Outcome,
			Limit:      limit + 1,
		}
		var err error
		if f.Since, err = parseTimeParam(input.Since); err != nil {
			return nil, badRequest("invalid since", map[string]any{"since": input.Since})
		}
		if f.Until, err = parseTimeParam(input.Until); err != nil {
			return nil, badRequest("invalid until", map[string]any{"until": input.Until})
		}
		if input.Cursor != "" {
			f.Cursor, err = strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		items, err := e.Audit.Query(ctx, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedAudit{Items: []AuditEventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, auditEventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerTokens(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "DEV ONLY: mint a token for an identity",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest
	}) (*out[TokenResponse], error) {
		var ttl time.Duration
		if input.Body.TTL != "" {
			d, err := domain.ParseDuration(input.Body.TTL)
			if err != nil {
				return nil, badRequest("invalid ttl", map[string]any{"ttl": input.Body.TTL})
			}
			ttl = d.Duration
		}
		now := time.Now().UTC()
		if e.Now != nil {
			now = e.Now()
		}
		token, expires, err := SignToken(authCfg.JWTSecret, input.Body.Actor, ttl, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(TokenResponse{Token: token, ExpiresAt: expires}), nil
	})
}

func parseTimeParam(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
