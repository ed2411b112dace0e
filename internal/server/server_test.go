package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govgate/internal/config"
	"govgate/internal/db"
	"govgate/internal/domain"
	"govgate/internal/engine"
	"govgate/internal/migrate"
	"govgate/internal/notify"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "govgate.db"))
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("alice")
	cfg.Multisig.Owners = []string{"alice", "bob"}
	cfg.Multisig.Guardians = []string{"guardian"}
	cfg.Automation.Signalers = []string{"detector"}
	require.NoError(t, cfg.Validate())

	e := engine.New(conn, cfg)
	require.NoError(t, e.SeedFromConfig(context.Background()))
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret, EnableTokenEndpoint: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e}
}

func token(t *testing.T, actor string) string {
	t.Helper()
	tok, _, err := SignToken(testSecret, actor, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, srv *testServer, method, path, actor string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, actor))
	}
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv, http.MethodGet, "/v1/system/state", "", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)
}

func TestRejectsForgedToken(t *testing.T) {
	srv := newTestServer(t)
	forged, _, err := SignToken("other-secret", "alice", time.Hour, time.Now())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/system/state", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTokenEndpoint(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv, http.MethodPost, "/v1/auth/token", "", TokenRequest{Actor: "Bob", TTL: "1h"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tok := decode[TokenResponse](t, data)

	p, err := authenticateJWT(tok.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Actor)
}

func TestMultisigFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions", "alice", SubmitTransactionRequest{
		OperationType: config.OpEmergencyAction,
		Targets:       []TargetBody{{Recipient: "system:pause", Payload: `{"subsystem":"bridge","paused":true}`}},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	tx := decode[TransactionResponse](t, data)
	assert.Equal(t, "proposed", tx.State)

	res, data = doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions/"+tx.ID+"/approve", "mallory", ApproveRequest{})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "not_an_owner", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions/"+tx.ID+"/execute", "alice", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "not_ready", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions/"+tx.ID+"/approve", "bob", ApproveRequest{})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "approved", decode[TransactionResponse](t, data).State)

	res, data = doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions/"+tx.ID+"/execute", "bob", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "executed", decode[TransactionResponse](t, data).State)

	res, data = doJSON(t, srv, http.MethodGet, "/v1/system/state", "bob", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	state := decode[domain.SystemState](t, data)
	assert.Equal(t, []string{"bridge"}, state.PausedSubsystems)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   any
		status int
		code   string
	}{
		{"missing proposal", http.MethodGet, "/v1/proposals/nope", "alice", nil, http.StatusNotFound, "not_found"},
		{"no voting power", http.MethodPost, "/v1/proposals", "alice", ProposeRequest{Targets: []TargetBody{{Recipient: "vendor", Value: "1"}}, Description: "pay"}, http.StatusBadRequest, "insufficient_voting_power"},
		{"unknown type", http.MethodPost, "/v1/multisig/transactions", "alice", SubmitTransactionRequest{OperationType: "nope", Targets: []TargetBody{{Recipient: "vendor"}}}, http.StatusBadRequest, "unknown_operation_type"},
		{"bad value", http.MethodPost, "/v1/multisig/transactions", "alice", SubmitTransactionRequest{OperationType: config.OpEmergencyAction, Targets: []TargetBody{{Recipient: "vendor", Value: "ten"}}}, http.StatusBadRequest, "invalid_input"},
		{"not a proposer", http.MethodPost, "/v1/timelock/operations", "alice", ScheduleRequest{OperationType: config.OpPolicyChange, Targets: []TargetBody{{Recipient: "vendor"}}}, http.StatusForbidden, "unauthorized"},
		{"policy violation", http.MethodPost, "/v1/multisig/transactions", "alice", SubmitTransactionRequest{OperationType: config.OpProtocolUpgrade, Targets: []TargetBody{{Recipient: "vendor", Value: "2000000"}}}, http.StatusBadRequest, "policy_violation"},
		{"unknown trigger", http.MethodPost, "/v1/triggers/nope/signals", "detector", SignalRequest{Confidence: 0.5}, http.StatusNotFound, "not_found"},
		{"not a signaler", http.MethodPost, "/v1/triggers/high_risk_transaction/signals", "alice", SignalRequest{Confidence: 0.99}, http.StatusForbidden, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, data := doJSON(t, srv, tt.method, tt.path, tt.actor, tt.body)
			require.Equal(t, tt.status, res.StatusCode, string(data))
			assert.Equal(t, tt.code, decode[errorEnvelope](t, data).Error.Code)
		})
	}
}

func TestBatchFailureMapsToBadGateway(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions", "alice", SubmitTransactionRequest{
		OperationType: config.OpEmergencyAction,
		Targets:       []TargetBody{{Recipient: "vendor", Value: "5"}},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	tx := decode[TransactionResponse](t, data)
	res, data = doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions/"+tx.ID+"/approve", "alice", ApproveRequest{})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv, http.MethodPost, "/v1/multisig/transactions/"+tx.ID+"/execute", "alice", nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "batch_execution_failed", env.Error.Code)
	assert.EqualValues(t, 0, env.Error.Details["index"])
	assert.Equal(t, "vendor", env.Error.Details["recipient"])
}

func TestSignalAndAuditQuery(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv, http.MethodPost, "/v1/triggers/high_risk_transaction/signals", "detector", SignalRequest{Confidence: 0.5})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.False(t, decode[SignalResponse](t, data).Fired)

	res, data = doJSON(t, srv, http.MethodPost, "/v1/triggers/high_risk_transaction/signals", "detector", SignalRequest{Confidence: 0.95, Evidence: "tx:0xabc"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	signal := decode[SignalResponse](t, data)
	require.True(t, signal.Fired)
	assert.Equal(t, "executed", signal.Alert.Outcome)

	res, data = doJSON(t, srv, http.MethodGet, "/v1/audit?limit=2", "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedAudit](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "trigger.fired", page.Items[0].Type)

	res, data = doJSON(t, srv, http.MethodGet, "/v1/audit?limit=200&cursor="+page.NextCursor, "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rest := decode[paginatedAudit](t, data)
	require.NotEmpty(t, rest.Items)
	assert.Less(t, rest.Items[0].ID, page.Items[1].ID)
	assert.Empty(t, rest.NextCursor)
}

func TestSignalRequiresSignaler(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv, http.MethodPost, "/v1/triggers/high_risk_transaction/signals", "voter", SignalRequest{Confidence: 0.99, Evidence: "tx:0xabc"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv, http.MethodGet, "/v1/system/state", "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[domain.SystemState](t, data).PausedSubsystems)

	res, data = doJSON(t, srv, http.MethodGet, "/v1/audit?ref=high_risk_transaction&outcome=rejected", "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedAudit](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "trigger.fired", page.Items[0].Type)
	assert.Equal(t, "voter", page.Items[0].ActorID)
	assert.Equal(t, "UNAUTHORIZED", page.Items[0].ErrorCode)

	res, data = doJSON(t, srv, http.MethodPost, "/v1/triggers/high_risk_transaction/signals", "detector", SignalRequest{Confidence: 0.99})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.True(t, decode[SignalResponse](t, data).Fired)

	res, data = doJSON(t, srv, http.MethodGet, "/v1/audit?ref=high_risk_transaction&type=trigger.fired&outcome=ok", "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	fired := decode[paginatedAudit](t, data)
	require.NotEmpty(t, fired.Items)
	for _, ev := range fired.Items {
		assert.Equal(t, "detector", ev.ActorID)
	}
}

func TestAuditForwarder(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []string
		fail   = true
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body forwardedEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, body.Type, r.Header.Get(notify.HeaderEvent))
		events = append(events, body.Type)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	fwd := NewAuditForwarder(srv.Engine.Audit, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"system.paused", "trigger.fired"}},
		{URL: "http://alerts.invalid", Alerts: true},
	}, nil)
	require.Len(t, fwd.Webhooks, 1)
	fwd.ForwardOnce(ctx)

	_, err := srv.Engine.OnSignal(ctx, "high_risk_transaction", 0.95, "")
	require.NoError(t, err)

	fwd.ForwardOnce(ctx)
	fwd.ForwardOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"system.paused", "trigger.fired"}, events)
}
