package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowcore/internal/engine"
	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/internal/server"
	"github.com/petrijr/flowcore/pkg/api"
)

type testEnv struct {
	engine api.Engine
	router *gin.Engine
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	eng := engine.NewInMemoryEngine()
	t.Cleanup(func() { _ = eng.Close() })

	err := eng.RegisterFlow(api.FlowDefinition{
		StreamID: "greet-v1",
		Nodes: []api.FlowNode{
			{ID: "start", Type: api.NodeStart, Events: []api.FlowEvent{{TargetID: "greet"}}},
			{ID: "greet", Type: api.NodeState, Executor: "greet", Events: []api.FlowEvent{{TargetID: "end"}}},
			{ID: "end", Type: api.NodeEnd},
		},
	}, api.Executors{
		"greet": api.EachFunc(func(_ context.Context, d api.Data) (api.Data, error) {
			out := d.Clone()
			out["greeting"] = "hello " + d["name"].(string)
			return out, nil
		}),
	})
	require.NoError(t, err)

	err = eng.RegisterFlow(api.FlowDefinition{
		StreamID: "approval-v1",
		Nodes: []api.FlowNode{
			{ID: "start", Type: api.NodeStart, Events: []api.FlowEvent{{TargetID: "review"}}},
			{ID: "review", Type: api.NodeState, Executor: "review", Events: []api.FlowEvent{{TargetID: "end"}}},
			{ID: "end", Type: api.NodeEnd},
		},
	}, api.Executors{
		"review": api.TaskFunc(func(context.Context, []api.Data) ([]api.Data, error) {
			return nil, api.ErrAsync
		}),
	})
	require.NoError(t, err)

	srv := server.NewServer(eng, nil)
	return &testEnv{engine: eng, router: srv.SetupRoutes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) waitClosed(t *testing.T, traceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		tr, err := e.engine.GetTrace(context.Background(), traceID)
		return err == nil && tr.Status.Closed()
	}, 5*time.Second, 10*time.Millisecond)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var res T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	res := decode[server.HealthResponse](t, w)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "flowd", res.Service)
}

func TestOfferAndFinished(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/streams/greet-v1/traces", server.OfferRequest{
		Data: []api.Data{{"name": "ada"}, {"name": "bob"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	offer := decode[server.OfferResponse](t, w)
	require.NotEmpty(t, offer.TraceID)

	env.waitClosed(t, offer.TraceID)

	w = env.do(t, http.MethodGet, "/traces/"+offer.TraceID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	trace := decode[server.TraceResponse](t, w)
	assert.Equal(t, string(api.TraceSuccess), trace.Status)
	assert.Equal(t, "greet-v1", trace.StreamID)
	assert.NotNil(t, trace.EndTime)
	assert.Empty(t, trace.ContextPool)

	w = env.do(t, http.MethodGet, "/contexts/finished?trace_id="+offer.TraceID+"&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[server.PageResponse](t, w)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Limit)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "end", page.Items[0].Position)
	assert.Contains(t, page.Items[0].Data["greeting"], "hello ")
}

func TestOfferUnknownStream(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/streams/missing/traces", server.OfferRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	res := decode[server.ErrorResponse](t, w)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Contains(t, res.Error, "unknown stream")
}

type unwritableRepo struct {
	persistence.Repository
}

func (unwritableRepo) BatchCreate(context.Context, []*api.FlowContext) error {
	return errors.New("disk full")
}

func TestOfferStoreFailure(t *testing.T) {
	repo := persistence.NewInMemoryStore()
	eng := engine.NewEngineWithConfig(engine.Config{Repo: unwritableRepo{repo}})
	t.Cleanup(func() { _ = eng.Close() })
	require.NoError(t, eng.RegisterFlow(api.FlowDefinition{
		StreamID: "ping-v1",
		Nodes: []api.FlowNode{
			{ID: "start", Type: api.NodeStart, Events: []api.FlowEvent{{TargetID: "end"}}},
			{ID: "end", Type: api.NodeEnd},
		},
	}, nil))
	router := server.NewServer(eng, nil).SetupRoutes()

	env := &testEnv{engine: eng, router: router}
	w := env.do(t, http.MethodPost, "/streams/ping-v1/traces", server.OfferRequest{})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	res := decode[server.ErrorResponse](t, w)
	assert.Contains(t, res.Error, "disk full")

	traces, err := repo.ListTraces(context.Background(), api.TraceFilter{StreamID: "ping-v1"})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, api.TraceError, traces[0].Status)
}

func TestOfferInvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/streams/greet-v1/traces",
		bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTraceNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/traces/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOfferTraceReopens(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/streams/greet-v1/traces", server.OfferRequest{
		Data: []api.Data{{"name": "ada"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	traceID := decode[server.OfferResponse](t, w).TraceID
	env.waitClosed(t, traceID)

	w = env.do(t, http.MethodPost, "/traces/"+traceID+"/offer", server.OfferRequest{
		Data: []api.Data{{"name": "cy"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	res := decode[server.OfferResponse](t, w)
	assert.Equal(t, traceID, res.TraceID)
	require.NotEmpty(t, res.TransID)
	env.waitClosed(t, traceID)

	w = env.do(t, http.MethodGet, "/contexts/finished?trans_id="+res.TransID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[server.PageResponse](t, w)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hello cy", page.Items[0].Data["greeting"])
}

func TestCompleteAndTerminate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/streams/approval-v1/traces", server.OfferRequest{
		Data: []api.Data{{"doc": 1}, {"doc": 2}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	traceID := decode[server.OfferResponse](t, w).TraceID

	var running []server.ContextResponse
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/contexts/running?trace_id="+traceID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		running = decode[[]server.ContextResponse](t, w)
		if len(running) != 2 {
			return false
		}
		for _, c := range running {
			if !c.Sent {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	w = env.do(t, http.MethodPost, "/streams/approval-v1/complete", server.CompleteRequest{
		IDs: []string{running[0].ID},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/streams/approval-v1/complete", server.CompleteRequest{
		IDs: []string{running[0].ID},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/traces/"+traceID+"/terminate", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/traces/"+traceID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(api.TraceTerminated), decode[server.TraceResponse](t, w).Status)

	w = env.do(t, http.MethodPost, "/traces/"+traceID+"/offer", server.OfferRequest{
		Data: []api.Data{{"doc": 3}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCompleteRequiresIDs(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/streams/approval-v1/complete", server.CompleteRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContextQueryValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/contexts/running", "/contexts/finished", "/contexts/errors"} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w := env.do(t, http.MethodGet, "/contexts/errors?trace_id=x&page=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[server.SweepResponse](t, w).Woken)
}
