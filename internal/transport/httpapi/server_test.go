package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"workflowTrader/internal/adapters/memory"
	"workflowTrader/internal/analytics"
	"workflowTrader/internal/app"
	"workflowTrader/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

const buyBody = `{
	"wallet_id": "wallet-1",
	"name": "spike buyer",
	"type": "BUY",
	"chain": {
		"trigger": {"model_id": "7", "min_probability": 0.7},
		"conditions": [{"model_id": "3", "operator": "lt", "threshold": 0.4}]
	},
	"amount": {"amount": "0.05", "currency": "SOL"},
	"cooldown_seconds": 60,
	"max_open_positions": 2
}`

const sellBody = `{
	"wallet_id": "wallet-1",
	"name": "exit",
	"type": "SELL",
	"chain": {"rules": [{"kind": "stop_loss", "percent": -5}, {"kind": "take_profit", "percent": 20}]},
	"amount": {"percent": "50"}
}`

type testAPI struct {
	store  *memory.Store
	server *Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memory.NewStore()
	log := &mockLogger{}
	svc, err := app.NewWorkflowService(app.WorkflowServiceConfig{Repo: store, Logger: log})
	require.NoError(t, err)
	stats, err := analytics.NewAnalyzer(store, log)
	require.NoError(t, err)
	srv, err := New(Config{Workflows: svc, Ledger: store, Stats: stats, Logger: log, Debug: true})
	require.NoError(t, err)
	return &testAPI{store: store, server: srv}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	api.server.checks = map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
		"exchange": func(ctx context.Context) error { return errors.New("ping failed") },
	}
	rec = api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, map[string]interface{}{"exchange": "ping failed"}, body["failed"])
}

func TestWorkflowCRUD(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/workflows", buyBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[WorkflowView](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.WorkflowBuy, created.Type)
	assert.True(t, created.Active)
	require.NotNil(t, created.Chain.Trigger)
	assert.Equal(t, "7", created.Chain.Trigger.ModelID)
	require.Len(t, created.Chain.Conditions, 1)
	require.NotNil(t, created.Amount.Amount)
	assert.Equal(t, "0.05", created.Amount.Amount.String())

	rec = api.do(t, http.MethodPost, "/workflows", sellBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sell := decode[WorkflowView](t, rec)
	require.Len(t, sell.Chain.Rules, 2)
	assert.Equal(t, domain.RuleStopLoss, sell.Chain.Rules[0].Kind)

	rec = api.do(t, http.MethodGet, "/workflows?type=buy&wallet=wallet-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pageView[WorkflowView]](t, rec)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, domain.DefaultPageSize, page.PageSize)
	require.Len(t, page.Items, 1)
	assert.Equal(t, created.ID, page.Items[0].ID)

	rec = api.do(t, http.MethodPost, "/workflows/"+created.ID+"/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[WorkflowView](t, rec).Active)

	updated := strings.Replace(buyBody, `"spike buyer"`, `"spike buyer v2"`, 1)
	rec = api.do(t, http.MethodPut, "/workflows/"+created.ID, updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[WorkflowView](t, rec)
	assert.Equal(t, "spike buyer v2", got.Name)
	assert.False(t, got.Active, "update without active keeps the flag")

	rec = api.do(t, http.MethodDelete, "/workflows/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodGet, "/workflows/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowErrors(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/workflows", `{"name":`, http.StatusBadRequest},
		{"stop loss must be negative", http.MethodPost, "/workflows", strings.Replace(sellBody, "-5", "5", 1), http.StatusBadRequest},
		{"buy chain with rules", http.MethodPost, "/workflows", strings.Replace(buyBody, `"conditions"`, `"rules": [{"kind":"timeout","minutes":5}], "conditions"`, 1), http.StatusBadRequest},
		{"unknown type filter", http.MethodGet, "/workflows?type=HOLD", "", http.StatusBadRequest},
		{"bad page", http.MethodGet, "/workflows?page=abc", "", http.StatusBadRequest},
		{"get missing", http.MethodGet, "/workflows/missing", "", http.StatusNotFound},
		{"update missing", http.MethodPut, "/workflows/missing", buyBody, http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/workflows/missing", "", http.StatusNotFound},
		{"toggle missing", http.MethodPost, "/workflows/missing/toggle", "", http.StatusNotFound},
		{"stats missing", http.MethodGet, "/workflows/missing/stats", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestLedgerRoutes(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	rec := api.do(t, http.MethodPost, "/workflows", buyBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decode[WorkflowView](t, rec)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, r := range []domain.ExecutionResult{domain.ResultExecuted, domain.ResultRejected, domain.ResultRejected} {
		_, err := api.store.AppendExecution(ctx, &domain.WorkflowExecution{
			WorkflowID:   wf.ID,
			WalletID:     "wallet-1",
			WorkflowType: domain.WorkflowBuy,
			EventID:      "ev-" + string(rune('a'+i)),
			Asset:        "BONK",
			Trace:        []string{"trigger model 7: 0.8000 >= 0.7000 met"},
			Result:       r,
			CreatedAt:    at.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	pos := &domain.Position{WalletID: "wallet-1", WorkflowID: wf.ID, Asset: "BONK", EntryPrice: 1, TokensHeld: 10, CreatedAt: at}
	_, err := api.store.OpenPosition(ctx, pos, 0)
	require.NoError(t, err)

	rec = api.do(t, http.MethodGet, "/executions?workflow_id="+wf.ID+"&result=rejected&page_size=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	execs := decode[pageView[ExecutionView]](t, rec)
	assert.Equal(t, 2, execs.Total)
	require.Len(t, execs.Items, 1)
	assert.Equal(t, "ev-c", execs.Items[0].EventID, "newest first")
	assert.Equal(t, domain.ResultRejected, execs.Items[0].Result)

	rec = api.do(t, http.MethodGet, "/executions?result=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/positions?wallet=wallet-1&status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decode[pageView[PositionView]](t, rec)
	require.Len(t, positions.Items, 1)
	assert.Equal(t, domain.StatusOpen, positions.Items[0].Status)
	assert.Nil(t, positions.Items[0].PeakPrice)
	assert.Nil(t, positions.Items[0].ClosedAt)

	rec = api.do(t, http.MethodGet, "/positions?status=gone", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/workflows/"+wf.ID+"/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[analytics.WorkflowStats](t, rec)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, 1, stats.Counts[domain.ResultExecuted])
	assert.Equal(t, 2, stats.Counts[domain.ResultRejected])
	require.NotNil(t, stats.LastExecutedAt)
	assert.Equal(t, at, stats.LastExecutedAt.UTC())
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	api := newTestAPI(t)
	api.server.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- api.server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
