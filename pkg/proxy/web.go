// Package proxy forwards gateway traffic into the per-user worker containers.
// The web proxy serves hosted link pages and static assets, the MCP proxy
// streams MCP sessions to the authenticated user's own worker.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/metrics"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

// Resolver maps requests to worker containers. Implemented by the container
// manager.
type Resolver interface {
	GetUserContainer(ctx context.Context, user types.AuthUser) (*types.Container, error)
	GetContainerByHostname(ctx context.Context, hostname string) (*types.Container, error)
	GetUnassignedContainer(ctx context.Context) (*types.Container, error)
}

// hostedLinkPaths are served by the specific worker that generated the link.
// staticPaths and the home page can be served by any standby worker.
var (
	hostedLinkPaths = []string{"/link", "/api/auth", "/api/link", "/dpage"}
	staticPaths     = []string{"/__assets", "/__static"}
)

// Web proxies browser-facing pages to worker containers.
type Web struct {
	resolver Resolver
	client   *http.Client
	logger   zerolog.Logger
}

// NewWeb creates the web proxy. Connection setup is bounded by the proxy
// timeout, the full exchange by the read timeout.
func NewWeb(cfg *config.Config, resolver Resolver) *Web {
	return &Web{
		resolver: resolver,
		client: &http.Client{
			Timeout: cfg.ProxyReadTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: cfg.ProxyTimeout}).DialContext,
				ResponseHeaderTimeout: cfg.ProxyReadTimeout,
			},
			// the worker's redirects belong to the browser, not the proxy
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: log.WithComponent("web-proxy"),
	}
}

// Middleware intercepts hosted link and static paths and proxies them to the
// right worker; everything else continues down the handler chain.
func (p *Web) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !hasAnyPrefix(path, hostedLinkPaths) && !hasAnyPrefix(path, staticPaths) && path != "/" {
			next.ServeHTTP(w, r)
			return
		}

		container, err := p.target(r.Context(), path)
		if err != nil {
			p.logger.Warn().Err(err).Str("path", path).Msg("Failed to resolve web proxy target")
			http.Error(w, "Invalid url", http.StatusBadRequest)
			return
		}
		p.forward(w, r, container)
	})
}

// target picks the worker for a path: hosted links go to the worker encoded
// in the link id, everything else to a random standby.
func (p *Web) target(ctx context.Context, path string) (*types.Container, error) {
	if hasAnyPrefix(path, staticPaths) || path == "/" {
		return p.resolver.GetUnassignedContainer(ctx)
	}
	hostname, err := HostnameFromLink(path)
	if err != nil {
		return nil, err
	}
	return p.resolver.GetContainerByHostname(ctx, hostname)
}

func (p *Web) forward(w http.ResponseWriter, r *http.Request, container *types.Container) {
	timer := metrics.NewTimer()

	url := fmt.Sprintf("http://%s%s", container.IP, r.URL.Path)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	p.logger.Info().Str("container", container.Dump()).Str("path", r.URL.Path).Msg("Proxy web request")

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error().Err(err).Str("hostname", container.Hostname).Msg("Web proxy request failed")
		metrics.ProxyRequestsTotal.WithLabelValues("web", "error").Inc()
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	metrics.ProxyRequestsTotal.WithLabelValues("web", strconv.Itoa(resp.StatusCode)).Inc()
	timer.ObserveDurationVec(metrics.ProxyRequestDuration, "web")
}

// HostnameFromLink extracts the worker hostname from a hosted link path.
// Links end with a link id shaped "{hostname}-{id}"; hostnames may themselves
// contain dashes, the id never does.
func HostnameFromLink(path string) (string, error) {
	segments := strings.Split(strings.TrimRight(path, "/"), "/")
	linkID := segments[len(segments)-1]
	parts := strings.Split(linkID, "-")
	if len(parts) < 2 || parts[0] == "" {
		return "", fmt.Errorf("invalid link id: %s", linkID)
	}
	return strings.Join(parts[:len(parts)-1], "-"), nil
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
