package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvlscope/tvlscope/app/query/types"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap/zaptest"
)

type fakeRegistry struct {
	protocols []tvl.Protocol
	err       error
	calls     int
}

func (f *fakeRegistry) ListProtocols(context.Context) ([]tvl.Protocol, error) {
	f.calls++
	out := make([]tvl.Protocol, len(f.protocols))
	copy(out, f.protocols)
	return out, f.err
}

type fakeComputer struct {
	res   tvl.Result
	calls int
	modes []bool
}

func (f *fakeComputer) Compute(_ context.Context, _ tvl.Protocol, useNew bool) tvl.Result {
	f.calls++
	f.modes = append(f.modes, useNew)
	return f.res
}

type fakeResults struct {
	mu     sync.Mutex
	stored map[string]tvl.Result
	getErr error
}

func resultsKey(id string, useNew bool) string {
	if useNew {
		return id + "/new"
	}
	return id + "/legacy"
}

func (f *fakeResults) Get(_ context.Context, id string, useNew bool) (tvl.Result, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return tvl.Result{}, false, f.getErr
	}
	res, ok := f.stored[resultsKey(id, useNew)]
	return res, ok, nil
}

func (f *fakeResults) Put(_ context.Context, id string, useNew bool, res tvl.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[resultsKey(id, useNew)] = res
	return nil
}

func tvlOf(v float64) *float64 { return &v }

func completeResult(v float64) tvl.Result {
	return tvl.Result{
		Entry:     tvl.Entry{Tvl: tvlOf(v)},
		ChainTvls: map[tvl.Key]tvl.Entry{tvl.ChainKey("Ethereum"): {Tvl: tvlOf(v)}},
		Status:    tvl.StatusComplete,
	}
}

func newTestRouter(t *testing.T, app *types.App) http.Handler {
	t.Helper()
	if app.Protocols == nil {
		app.Protocols = xsync.NewMap[string, tvl.Protocol]()
	}
	app.Logger = zaptest.NewLogger(t)
	router, err := NewController(app).NewRouter()
	require.NoError(t, err)
	return WithCORS(router)
}

func serve(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestProtocolTvlComputesOnCacheMiss(t *testing.T) {
	registry := &fakeRegistry{protocols: []tvl.Protocol{{ID: "aave", Chains: []string{"Ethereum"}}}}
	computer := &fakeComputer{res: completeResult(100)}
	results := &fakeResults{stored: map[string]tvl.Result{}}
	h := newTestRouter(t, &types.App{Registry: registry, Aggregator: computer, Results: results})

	rec := serve(h, "/protocols/aave/tvl?newChainNames=false")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "complete", rec.Header().Get(statusHeader))
	assert.Equal(t, "miss", rec.Header().Get(cacheHeader))
	assert.Equal(t, []bool{false}, computer.modes)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 100.0, body["tvl"])
	assert.Contains(t, body["chainTvls"], "Ethereum")

	_, cached := results.stored["aave/legacy"]
	assert.True(t, cached)

	// second call is served from the cache
	rec = serve(h, "/protocols/aave/tvl?newChainNames=false")
	assert.Equal(t, "hit", rec.Header().Get(cacheHeader))
	assert.Equal(t, 1, computer.calls)
}

func TestProtocolTvlDoesNotCachePartialResults(t *testing.T) {
	registry := &fakeRegistry{protocols: []tvl.Protocol{{ID: "aave"}}}
	partial := completeResult(5)
	partial.Status = tvl.StatusPartial
	partial.Err = errors.New("clickhouse timeout")
	results := &fakeResults{stored: map[string]tvl.Result{}}
	h := newTestRouter(t, &types.App{Registry: registry, Aggregator: &fakeComputer{res: partial}, Results: results})

	rec := serve(h, "/protocols/aave/tvl")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Header().Get(statusHeader))
	assert.Empty(t, results.stored)
}

func TestProtocolTvlWithoutRedis(t *testing.T) {
	registry := &fakeRegistry{protocols: []tvl.Protocol{{ID: "aave"}}}
	computer := &fakeComputer{res: completeResult(1)}
	h := newTestRouter(t, &types.App{Registry: registry, Aggregator: computer})

	rec := serve(h, "/protocols/aave/tvl")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true}, computer.modes)
}

func TestProtocolTvlCacheErrorFallsBackToCompute(t *testing.T) {
	registry := &fakeRegistry{protocols: []tvl.Protocol{{ID: "aave"}}}
	computer := &fakeComputer{res: completeResult(1)}
	results := &fakeResults{stored: map[string]tvl.Result{}, getErr: errors.New("redis down")}
	h := newTestRouter(t, &types.App{Registry: registry, Aggregator: computer, Results: results})

	rec := serve(h, "/protocols/aave/tvl")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, computer.calls)
}

func TestProtocolTvlErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   int
	}{
		{name: "unknown protocol", target: "/protocols/nope/tvl", code: http.StatusNotFound},
		{name: "bad flag", target: "/protocols/aave/tvl?newChainNames=maybe", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := &fakeRegistry{protocols: []tvl.Protocol{{ID: "aave"}}}
			computer := &fakeComputer{}
			h := newTestRouter(t, &types.App{Registry: registry, Aggregator: computer})

			rec := serve(h, tt.target)
			assert.Equal(t, tt.code, rec.Code)
			assert.Zero(t, computer.calls)
		})
	}
}

func TestLoadProtocolRefreshesOnMiss(t *testing.T) {
	registry := &fakeRegistry{protocols: []tvl.Protocol{{ID: "aave"}}}
	app := &types.App{Registry: registry, Aggregator: &fakeComputer{res: completeResult(1)}}
	h := newTestRouter(t, app)

	serve(h, "/protocols/aave/tvl")
	serve(h, "/protocols/aave/tvl")
	assert.Equal(t, 1, registry.calls)

	registry.protocols = nil
	app.Protocols.Delete("aave")
	rec := serve(h, "/protocols/aave/tvl")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 2, registry.calls)
}

func TestProtocolsPaging(t *testing.T) {
	registry := &fakeRegistry{protocols: []tvl.Protocol{{ID: "c"}, {ID: "a"}, {ID: "b"}}}
	h := newTestRouter(t, &types.App{Registry: registry})

	tests := []struct {
		target string
		ids    []string
		next   string
	}{
		{target: "/protocols", ids: []string{"a", "b", "c"}},
		{target: "/protocols?limit=2", ids: []string{"a", "b"}, next: "b"},
		{target: "/protocols?limit=2&cursor=b", ids: []string{"c"}},
		{target: "/protocols?sort=desc&limit=1&cursor=c", ids: []string{"b"}, next: "b"},
		{target: "/protocols?cursor=z", ids: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := serve(h, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)

			var body protocolsResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			ids := make([]string, 0, len(body.Data))
			for _, p := range body.Data {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, tt.next, body.NextCursor)
		})
	}

	assert.Equal(t, http.StatusBadRequest, serve(h, "/protocols?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, "/protocols?sort=up").Code)
}

func TestHealth(t *testing.T) {
	failing := false
	app := &types.App{HealthChecks: map[string]func(context.Context) error{
		"database": func(context.Context) error {
			if failing {
				return errors.New("down")
			}
			return nil
		},
	}}
	h := newTestRouter(t, app)

	assert.Equal(t, http.StatusOK, serve(h, "/health").Code)

	failing = true
	rec := serve(h, "/health")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "database connection error")
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(t, &types.App{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/protocols", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
