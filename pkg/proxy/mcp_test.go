package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-getgather/mcp-gateway/pkg/auth"
	"github.com/mcp-getgather/mcp-gateway/pkg/container"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

func TestDiscoverRoutes(t *testing.T) {
	standby, _ := worker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/docs-mcp", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"getgather","route":"/mcp/getgather"},{"name":"other","route":"/mcp/other"}]`))
	}))
	mcp := NewMCP(proxyConfig(), &fakeResolver{standby: standby})

	routes, err := mcp.DiscoverRoutes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []MCPRoute{
		{Name: "getgather", Route: "/mcp/getgather"},
		{Name: "other", Route: "/mcp/other"},
	}, routes)
}

func TestDiscoverRoutesWaitsForPool(t *testing.T) {
	standby, _ := worker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"getgather","route":"/mcp/getgather"}]`))
	}))
	resolver := &fakeResolver{standby: standby, standbyErrs: []error{errors.New("no standby container available")}}
	mcp := NewMCP(proxyConfig(), resolver)

	var slept time.Duration
	mcp.sleep = func(d time.Duration) { slept = d }

	routes, err := mcp.DiscoverRoutes(context.Background())
	require.NoError(t, err)
	assert.Len(t, routes, 1)
	assert.Equal(t, 20*time.Second, slept)
}

func TestDiscoverRoutesGivesUpAfterRetry(t *testing.T) {
	resolver := &fakeResolver{standbyErrs: []error{errors.New("empty"), errors.New("still empty")}}
	mcp := NewMCP(proxyConfig(), resolver)
	mcp.sleep = func(time.Duration) {}

	_, err := mcp.DiscoverRoutes(context.Background())
	assert.Error(t, err)
}

func TestDiscoverRoutesRejectsBadStatus(t *testing.T) {
	standby, _ := worker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	mcp := NewMCP(proxyConfig(), &fakeResolver{standby: standby})

	_, err := mcp.DiscoverRoutes(context.Background())
	assert.Error(t, err)
}

func TestMCPHandlerStreamsToUserContainer(t *testing.T) {
	var gotProto, gotHost, gotAuth, gotLocation, gotPath string
	target, _ := worker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProto = r.Header.Get("x-forwarded-proto")
		gotHost = r.Header.Get("x-forwarded-host")
		gotAuth = r.Header.Get("Authorization")
		gotLocation = r.Header.Get("x-location")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: pong\n\n"))
	}))
	resolver := &fakeResolver{user: target}
	egress := &fakeEgress{}
	mcp := NewMCP(proxyConfig(), resolver).WithEgress(egress)

	handler := mcp.Handler(MCPRoute{Name: "getgather", Route: "/mcp/getgather"})
	user := types.AuthUser{Sub: "octo", AuthProvider: types.ProviderGitHub}
	req := httptest.NewRequest(http.MethodPost, "/mcp/getgather", nil)
	req.Header.Set("Authorization", "Bearer gho_secret")
	req.Header.Set("x-location", "city_portland_country_us")
	req.Header.Set("x-proxy-type", "oxylabs")
	req = req.WithContext(auth.ContextWithUser(req.Context(), user))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: pong\n\n", rec.Body.String())
	assert.Equal(t, "https", gotProto)
	assert.Equal(t, "gw.example.com", gotHost)
	assert.Empty(t, gotAuth, "bearer must not leak to the worker")
	assert.Equal(t, "city_portland_country_us", gotLocation, "validated location passes through")
	assert.Equal(t, "/mcp/getgather", gotPath)
	assert.Equal(t, []string{"octo.github"}, resolver.gotUsers)
	assert.Equal(t, []string{"abc234"}, egress.gotHostnames)
	assert.Equal(t, []string{"oxylabs"}, egress.gotTypes)
}

type fakeEgress struct {
	err          error
	gotHostnames []string
	gotTypes     []string
}

func (f *fakeEgress) Apply(ctx context.Context, hostname, proxyType, location string) error {
	f.gotHostnames = append(f.gotHostnames, hostname)
	f.gotTypes = append(f.gotTypes, proxyType)
	return f.err
}

func TestMCPHandlerStripsUnvalidatedLocation(t *testing.T) {
	var gotLocation string
	target, _ := worker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLocation = r.Header.Get("x-location")
	}))
	mcp := NewMCP(proxyConfig(), &fakeResolver{user: target}).
		WithEgress(&fakeEgress{err: errors.New("all levels failed")})

	user := types.AuthUser{Sub: "octo", AuthProvider: types.ProviderGitHub}
	req := httptest.NewRequest(http.MethodPost, "/mcp/getgather", nil)
	req.Header.Set("x-location", "city_nowhere_country_zz")
	req = req.WithContext(auth.ContextWithUser(req.Context(), user))

	rec := httptest.NewRecorder()
	mcp.Handler(MCPRoute{Name: "getgather", Route: "/mcp/getgather"}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, gotLocation)
}

func TestMCPHandlerRequiresUser(t *testing.T) {
	mcp := NewMCP(proxyConfig(), &fakeResolver{})
	handler := mcp.Handler(MCPRoute{Name: "getgather", Route: "/mcp/getgather"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/getgather", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMCPHandlerReportsPoolExhaustion(t *testing.T) {
	mcp := NewMCP(proxyConfig(), &fakeResolver{userErr: fmt.Errorf("failed to assign: %w", container.ErrNoStandby)})
	handler := mcp.Handler(MCPRoute{Name: "getgather", Route: "/mcp/getgather"})

	user := types.AuthUser{Sub: "octo", AuthProvider: types.ProviderGitHub}
	req := httptest.NewRequest(http.MethodPost, "/mcp/getgather", nil)
	req = req.WithContext(auth.ContextWithUser(req.Context(), user))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMCPHandlerReportsResolveFailure(t *testing.T) {
	mcp := NewMCP(proxyConfig(), &fakeResolver{userErr: errors.New("engine down")})
	handler := mcp.Handler(MCPRoute{Name: "getgather", Route: "/mcp/getgather"})

	user := types.AuthUser{Sub: "octo", AuthProvider: types.ProviderGitHub}
	req := httptest.NewRequest(http.MethodPost, "/mcp/getgather", nil)
	req = req.WithContext(auth.ContextWithUser(req.Context(), user))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
