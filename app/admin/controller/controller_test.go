package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvlscope/tvlscope/app/admin/types"
	"github.com/tvlscope/tvlscope/pkg/db/models/snapshot"
	"github.com/tvlscope/tvlscope/pkg/db/protocols"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type memProtocols struct {
	mu        sync.Mutex
	protocols map[string]tvl.Protocol
	metadata  map[string]tvl.Metadata

	upsertErr  error
	txCount    int
	txMetadata int // metadata writes made inside BeginFunc
	rolledBack int
}

type memTxKey struct{}

// BeginFunc restores the metadata map when fn fails.
func (m *memProtocols) BeginFunc(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	m.txCount++
	saved := make(map[string]tvl.Metadata, len(m.metadata))
	for k, v := range m.metadata {
		saved[k] = v
	}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.metadata = saved
		m.rolledBack++
		m.mu.Unlock()
		return err
	}
	return nil
}

func newMemProtocols(ps ...tvl.Protocol) *memProtocols {
	m := &memProtocols{protocols: map[string]tvl.Protocol{}, metadata: map[string]tvl.Metadata{}}
	for _, p := range ps {
		m.protocols[p.ID] = p
	}
	return m
}

func (m *memProtocols) UpsertProtocol(_ context.Context, p tvl.Protocol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocols[p.ID] = p
	return nil
}

func (m *memProtocols) GetProtocol(_ context.Context, id string) (*tvl.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.protocols[id]
	if !ok {
		return nil, fmt.Errorf("protocol %s: %w", id, protocols.ErrNotFound)
	}
	return &p, nil
}

func (m *memProtocols) ListProtocols(context.Context) ([]tvl.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tvl.Protocol, 0, len(m.protocols))
	for _, p := range m.protocols {
		out = append(out, p)
	}
	return out, nil
}

func (m *memProtocols) UpsertMetadata(ctx context.Context, id string, md tvl.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if ctx.Value(memTxKey{}) != nil {
		m.txMetadata++
	}
	m.metadata[id] = md
	return nil
}

func (m *memProtocols) Metadata(_ context.Context, id string) (*tvl.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.metadata[id]
	if !ok {
		return nil, fmt.Errorf("metadata %s: %w", id, tvl.ErrMetadataNotFound)
	}
	return &md, nil
}

type memSnapshots struct {
	tvl    []*snapshot.HourlyTvl
	tokens []*snapshot.HourlyTokensUsd
}

func (m *memSnapshots) InsertHourlyTvl(_ context.Context, rows []*snapshot.HourlyTvl) error {
	m.tvl = append(m.tvl, rows...)
	return nil
}

func (m *memSnapshots) InsertHourlyTokensUsd(_ context.Context, rows []*snapshot.HourlyTokensUsd) error {
	m.tokens = append(m.tokens, rows...)
	return nil
}

type recordingInvalidator struct {
	ids []string
	err error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, protocolID string) error {
	r.ids = append(r.ids, protocolID)
	return r.err
}

const testToken = "test-token"

func setupTestController(t *testing.T, store *memProtocols, snaps *memSnapshots) (*Controller, http.Handler) {
	t.Helper()

	hash := func(pw string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)
		return string(h)
	}

	c := &Controller{
		App: &types.App{
			Protocols: store,
			Snapshots: snaps,
			Logger:    zaptest.NewLogger(t),
		},
		AdminToken: testToken,
		Users: map[string]types.User{
			"root":   {Username: "root", Hash: hash("rootpw"), Role: types.RoleAdmin},
			"reader": {Username: "reader", Hash: hash("readerpw"), Role: types.RoleViewer},
		},
		JWTSecret: []byte("test-secret"),
	}
	router, err := c.NewRouter()
	require.NoError(t, err)
	return c, WithCORS(router)
}

func do(h http.Handler, method, target, body string, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for _, mod := range mods {
		mod(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookies(cookies []*http.Cookie) func(*http.Request) {
	return func(r *http.Request) {
		for _, ck := range cookies {
			r.AddCookie(ck)
		}
	}
}

func login(t *testing.T, h http.Handler, user, password string) []*http.Cookie {
	t.Helper()
	rec := do(h, http.MethodPost, "/api/auth/login", fmt.Sprintf(`{"username":%q,"password":%q}`, user, password))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return rec.Result().Cookies()
}

func TestLogin(t *testing.T) {
	_, h := setupTestController(t, newMemProtocols(), &memSnapshots{})

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "bad json", body: "{", code: http.StatusBadRequest},
		{name: "unknown user", body: `{"username":"nobody","password":"x"}`, code: http.StatusUnauthorized},
		{name: "wrong password", body: `{"username":"root","password":"nope"}`, code: http.StatusUnauthorized},
		{name: "ok", body: `{"username":"root","password":"rootpw"}`, code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/api/auth/login", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestAuthorization(t *testing.T) {
	_, h := setupTestController(t, newMemProtocols(tvl.Protocol{ID: "aave", Chains: []string{"Ethereum"}}), &memSnapshots{})
	adminCookies := login(t, h, "root", "rootpw")
	viewerCookies := login(t, h, "reader", "readerpw")
	body := `{"id":"lido","chains":["Ethereum"]}`

	tests := []struct {
		name   string
		method string
		target string
		mod    func(*http.Request)
		code   int
	}{
		{name: "read anonymous", method: http.MethodGet, target: "/api/protocols", mod: func(*http.Request) {}, code: http.StatusUnauthorized},
		{name: "read viewer", method: http.MethodGet, target: "/api/protocols", mod: withCookies(viewerCookies), code: http.StatusOK},
		{name: "write anonymous", method: http.MethodPost, target: "/api/protocols", mod: func(*http.Request) {}, code: http.StatusUnauthorized},
		{name: "write viewer", method: http.MethodPost, target: "/api/protocols", mod: withCookies(viewerCookies), code: http.StatusForbidden},
		{name: "write admin", method: http.MethodPost, target: "/api/protocols", mod: withCookies(adminCookies), code: http.StatusOK},
		{name: "write token", method: http.MethodPost, target: "/api/protocols", mod: bearer(testToken), code: http.StatusOK},
		{name: "wrong token", method: http.MethodPost, target: "/api/protocols", mod: bearer("guess"), code: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.method, tt.target, body, tt.mod)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestSessionRejectsForeignSignature(t *testing.T) {
	c, h := setupTestController(t, newMemProtocols(), &memSnapshots{})
	cookies := login(t, h, "root", "rootpw")

	c.JWTSecret = []byte("rotated")
	rec := do(h, http.MethodGet, "/api/protocols", "", withCookies(cookies))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	_, h := setupTestController(t, newMemProtocols(), &memSnapshots{})

	rec := do(h, http.MethodPost, "/api/auth/logout", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestProtocolUpsertNormalizes(t *testing.T) {
	store := newMemProtocols()
	_, h := setupTestController(t, store, &memSnapshots{})

	rec := do(h, http.MethodPost, "/api/protocols",
		`{"id":" aave ","chains":["Ethereum"," Arbitrum","Ethereum"],"tokensExcludedFromParent":{"Ethereum":["USDC","USDC"]}}`,
		bearer(testToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	saved, ok := store.protocols["aave"]
	require.True(t, ok)
	assert.Equal(t, "aave", saved.Name)
	assert.Equal(t, []string{"Ethereum", "Arbitrum"}, saved.Chains)
	assert.Equal(t, map[string][]string{"Ethereum": {"USDC"}}, saved.TokensExcludedFromParent)
}

func TestNormalizeProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		in   tvl.Protocol
		err  string
	}{
		{name: "missing id", in: tvl.Protocol{Chains: []string{"Ethereum"}}, err: "id is required"},
		{name: "slash in id", in: tvl.Protocol{ID: "a/b", Chains: []string{"Ethereum"}}, err: "slashes"},
		{name: "no chains", in: tvl.Protocol{ID: "aave", Chains: []string{" "}}, err: "at least one chain"},
		{name: "empty exclusion chain", in: tvl.Protocol{ID: "aave", Chains: []string{"Ethereum"}, TokensExcludedFromParent: map[string][]string{"": {"X"}}}, err: "empty chain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeProtocol(tt.in)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestProtocolDetailAndMetadata(t *testing.T) {
	store := newMemProtocols(tvl.Protocol{ID: "lido", Name: "Lido", Chains: []string{"Ethereum"}})
	_, h := setupTestController(t, store, &memSnapshots{})
	auth := bearer(testToken)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/protocols/lido", "", auth).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/protocols/nope", "", auth).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/protocols/lido/metadata", "", auth).Code)

	rec := do(h, http.MethodPut, "/api/protocols/lido/metadata", `{"category":"Liquid Staking","isLiquidStaking":true}`, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tvl.Metadata{Category: "Liquid Staking", IsLiquidStaking: true}, store.metadata["lido"])

	rec = do(h, http.MethodGet, "/api/protocols/lido/metadata", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var md tvl.Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.True(t, md.IsLiquidStaking)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPut, "/api/protocols/nope/metadata", `{}`, auth).Code)
}

func TestMetadataPutIsTransactional(t *testing.T) {
	store := newMemProtocols(tvl.Protocol{ID: "lido", Chains: []string{"Ethereum"}})
	c, h := setupTestController(t, store, &memSnapshots{})
	cache := &recordingInvalidator{}
	c.App.MetadataCache = cache
	auth := bearer(testToken)

	rec := do(h, http.MethodPut, "/api/protocols/lido/metadata", `{"category":"Liquid Staking","isDoublecounted":true}`, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, store.txCount)
	assert.Equal(t, 1, store.txMetadata, "write joins the transaction")
	assert.Equal(t, []string{"lido"}, cache.ids)

	rec = do(h, http.MethodPut, "/api/protocols/nope/metadata", `{"category":"Dexs"}`, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, store.rolledBack)
	assert.NotContains(t, store.metadata, "nope")
	assert.Equal(t, []string{"lido"}, cache.ids, "nothing to evict after a failed write")

	store.upsertErr = errors.New("connection reset")
	rec = do(h, http.MethodPut, "/api/protocols/lido/metadata", `{"category":"Dexs"}`, auth)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 2, store.rolledBack)
	assert.True(t, store.metadata["lido"].IsDoublecounted, "previous flags survive")
	assert.Len(t, cache.ids, 1)
}

func TestMetadataPutToleratesEvictionFailure(t *testing.T) {
	store := newMemProtocols(tvl.Protocol{ID: "lido", Chains: []string{"Ethereum"}})
	c, h := setupTestController(t, store, &memSnapshots{})
	c.App.MetadataCache = &recordingInvalidator{err: errors.New("redis down")}

	rec := do(h, http.MethodPut, "/api/protocols/lido/metadata", `{"category":"Liquid Staking"}`, bearer(testToken))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Liquid Staking", store.metadata["lido"].Category)
}

func TestSnapshotIngest(t *testing.T) {
	store := newMemProtocols(tvl.Protocol{ID: "aave", Chains: []string{"Ethereum"}})
	snaps := &memSnapshots{}
	_, h := setupTestController(t, store, snaps)

	body := `{
		"protocolId": "aave",
		"hour": "2026-01-01T10:42:00Z",
		"tvl": {"tvl": 100, "Ethereum": 60, "Arbitrum": 40, "doublecounted": 10},
		"tokensUsd": {"Ethereum": {"USDC": 60}}
	}`
	rec := do(h, http.MethodPost, "/api/snapshots", body, bearer(testToken))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, snaps.tvl, 4)
	chains := make([]string, 0, len(snaps.tvl))
	for _, row := range snaps.tvl {
		chains = append(chains, row.Chain)
		assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), row.SnapshotHour)
	}
	assert.Equal(t, []string{"Arbitrum", "Ethereum", "doublecounted", "tvl"}, chains)

	require.Len(t, snaps.tokens, 1)
	assert.JSONEq(t, `{"USDC":60}`, snaps.tokens[0].Tokens)
}

func TestSnapshotIngestRejects(t *testing.T) {
	store := newMemProtocols(tvl.Protocol{ID: "aave", Chains: []string{"Ethereum"}})
	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "bad json", body: `{`, code: http.StatusBadRequest},
		{name: "missing total", body: `{"protocolId":"aave","hour":"2026-01-01T00:00:00Z","tvl":{"Ethereum":1}}`, code: http.StatusBadRequest},
		{name: "missing hour", body: `{"protocolId":"aave","tvl":{"tvl":1}}`, code: http.StatusBadRequest},
		{name: "future hour", body: `{"protocolId":"aave","hour":"2999-01-01T00:00:00Z","tvl":{"tvl":1}}`, code: http.StatusBadRequest},
		{name: "null token section", body: `{"protocolId":"aave","hour":"2026-01-01T00:00:00Z","tvl":{"tvl":1},"tokensUsd":{"Ethereum":null}}`, code: http.StatusBadRequest},
		{name: "unknown protocol", body: `{"protocolId":"nope","hour":"2026-01-01T00:00:00Z","tvl":{"tvl":1}}`, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps := &memSnapshots{}
			_, h := setupTestController(t, store, snaps)
			rec := do(h, http.MethodPost, "/api/snapshots", tt.body, bearer(testToken))
			assert.Equal(t, tt.code, rec.Code)
			assert.Empty(t, snaps.tvl)
		})
	}
}

func TestHealth(t *testing.T) {
	c, h := setupTestController(t, newMemProtocols(), &memSnapshots{})
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "").Code)

	c.App.HealthChecks = map[string]func(context.Context) error{
		"database": func(context.Context) error { return fmt.Errorf("down") },
	}
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/api/health", "").Code)
}
