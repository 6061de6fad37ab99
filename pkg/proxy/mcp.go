package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcp-getgather/mcp-gateway/pkg/auth"
	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/container"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/metrics"
)

// MCPRoute is one MCP server exposed by the worker image, discovered from a
// running worker at startup.
type MCPRoute struct {
	Name  string `json:"name"`
	Route string `json:"route"`
}

// EgressApplier validates a requested egress location for a worker and
// installs it. Implemented by the egress manager.
type EgressApplier interface {
	Apply(ctx context.Context, hostname, proxyType, location string) error
}

// MCP proxies MCP sessions to the authenticated user's worker container.
// Responses stream; a session stays open up to the proxy read timeout.
type MCP struct {
	resolver     Resolver
	egress       EgressApplier
	client       *http.Client
	logger       zerolog.Logger
	readTimeout  time.Duration
	forwardProto string
	forwardHost  string
	sleep        func(time.Duration)
}

// WithEgress attaches the egress manager so x-location headers take effect.
func (p *MCP) WithEgress(egress EgressApplier) *MCP {
	p.egress = egress
	return p
}

// NewMCP creates the MCP proxy. The forwarded-proto and host headers sent
// upstream come from the configured gateway origin, so links the worker
// renders point back at the gateway.
func NewMCP(cfg *config.Config, resolver Resolver) *MCP {
	proto, host := "http", "localhost:9000"
	if origin, err := url.Parse(cfg.GatewayOrigin); err == nil && origin.Host != "" {
		proto, host = origin.Scheme, origin.Host
	}
	return &MCP{
		resolver:     resolver,
		client:       &http.Client{Timeout: cfg.ProxyTimeout},
		logger:       log.WithComponent("mcp-proxy"),
		readTimeout:  cfg.ProxyReadTimeout,
		forwardProto: proto,
		forwardHost:  host,
		sleep:        time.Sleep,
	}
}

// DiscoverRoutes asks a standby worker which MCP servers the image exposes.
// Right after boot the pool may still be warming up, so an empty pool waits
// out one startup window before the single retry.
func (p *MCP) DiscoverRoutes(ctx context.Context) ([]MCPRoute, error) {
	standby, err := p.resolver.GetUnassignedContainer(ctx)
	if err != nil {
		p.logger.Info().Dur("wait", container.StartupWindow).Msg("No standby for route discovery, waiting for pool")
		p.sleep(container.StartupWindow)
		standby, err = p.resolver.GetUnassignedContainer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to find a standby for route discovery: %v", err)
		}
	}

	url := fmt.Sprintf("http://%s/api/docs-mcp", standby.IP)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build route discovery request: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mcp routes: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("route discovery returned %d", resp.StatusCode)
	}

	var routes []MCPRoute
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		return nil, fmt.Errorf("failed to parse mcp routes: %v", err)
	}
	p.logger.Info().Int("routes", len(routes)).Msg("Discovered MCP routes")
	return routes, nil
}

// Handler serves one MCP route. Each request resolves the caller's container,
// which assigns, restores or refreshes it as needed, then streams the
// exchange to the worker.
func (p *MCP) Handler(route MCPRoute) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		c, err := p.resolver.GetUserContainer(r.Context(), user)
		if err != nil {
			p.logger.Error().Err(err).Str("user_id", user.UserID()).Msg("Failed to resolve user container")
			metrics.ProxyRequestsTotal.WithLabelValues("mcp", "error").Inc()
			if errors.Is(err, container.ErrNoStandby) {
				http.Error(w, "No container available", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "Bad gateway", http.StatusBadGateway)
			return
		}
		p.logger.Info().
			Str("user_id", user.UserID()).
			Str("hostname", c.Hostname).
			Str("ip", c.IP).
			Str("route", route.Route).
			Msg("Proxy MCP request")

		// x-location only reaches the worker once the egress proxy for that
		// location has been validated and installed
		if location := r.Header.Get("x-location"); location != "" {
			if p.egress == nil {
				r.Header.Del("x-location")
			} else if err := p.egress.Apply(r.Context(), c.Hostname, r.Header.Get("x-proxy-type"), location); err != nil {
				p.logger.Warn().Err(err).Str("hostname", c.Hostname).Msg("Egress location rejected")
				r.Header.Del("x-location")
			}
		}

		target := &url.URL{Scheme: "http", Host: c.IP, Path: route.Route}
		timer := metrics.NewTimer()
		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.Out.URL = target
				pr.Out.URL.RawQuery = pr.In.URL.RawQuery
				pr.Out.Host = target.Host
				pr.Out.Header.Set("x-forwarded-proto", p.forwardProto)
				pr.Out.Header.Set("x-forwarded-host", p.forwardHost)
				// the bearer authenticated against the gateway, not the worker
				pr.Out.Header.Del("Authorization")
			},
			// event streams must not buffer
			FlushInterval: -1,
			ModifyResponse: func(resp *http.Response) error {
				metrics.ProxyRequestsTotal.WithLabelValues("mcp", strconv.Itoa(resp.StatusCode)).Inc()
				timer.ObserveDurationVec(metrics.ProxyRequestDuration, "mcp")
				return nil
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				p.logger.Error().Err(err).Str("hostname", c.Hostname).Msg("MCP proxy request failed")
				metrics.ProxyRequestsTotal.WithLabelValues("mcp", "error").Inc()
				http.Error(w, "Bad gateway", http.StatusBadGateway)
			},
		}

		ctx, cancel := context.WithTimeout(r.Context(), p.readTimeout)
		defer cancel()
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}
