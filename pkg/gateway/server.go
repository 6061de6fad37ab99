// Package gateway hosts the public HTTP surface: health and admin endpoints,
// the sign-in and account pages, the OAuth facade, and the web and MCP
// proxies, served by one listener per configured origin.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-getgather/mcp-gateway/pkg/auth"
	"github.com/mcp-getgather/mcp-gateway/pkg/auth/oauth"
	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/events"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/manager"
	"github.com/mcp-getgather/mcp-gateway/pkg/metrics"
	"github.com/mcp-getgather/mcp-gateway/pkg/proxy"
	"github.com/mcp-getgather/mcp-gateway/pkg/proxy/egress"
)

// defaultPort is used when a configured origin names no explicit port.
const defaultPort = "9000"

// accountClientID is the facade client the gateway's own account flow uses.
const accountClientID = "gateway-account"

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Config  *config.Config
	Manager *manager.Manager
	Facade  *oauth.Facade
	Tokens  *auth.Router
	Web     *proxy.Web
	MCP     *proxy.MCP
	Egress  *egress.Manager
	Broker  *events.Broker
	Routes  []proxy.MCPRoute
}

// Server is the gateway HTTP host.
type Server struct {
	cfg    *config.Config
	mgr    *manager.Manager
	facade *oauth.Facade
	tokens *auth.Router
	web    *proxy.Web
	mcp    *proxy.MCP
	egress *egress.Manager
	broker *events.Broker
	routes []proxy.MCPRoute
	logger zerolog.Logger
}

// New builds the server and registers the internal account flow client with
// the OAuth facade.
func New(deps Deps) (*Server, error) {
	s := &Server{
		cfg:    deps.Config,
		mgr:    deps.Manager,
		facade: deps.Facade,
		tokens: deps.Tokens,
		web:    deps.Web,
		mcp:    deps.MCP,
		egress: deps.Egress,
		broker: deps.Broker,
		routes: deps.Routes,
		logger: log.WithComponent("gateway"),
	}

	if s.facade != nil {
		var redirects []string
		for _, origin := range deps.Config.Origins {
			redirects = append(redirects, origin.Origin+"/client/auth/callback")
		}
		err := s.facade.EnsureClient(&oauth.Client{
			ID:           accountClientID,
			Name:         "Gateway Account",
			RedirectURIs: redirects,
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Router assembles the handler chain. The web proxy runs before auth so
// hosted link pages stay public; MCP routes sit behind the bearer middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.web.Middleware)
	r.Use(auth.Middleware(s.tokens))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/admin/reload", s.handleAdminReload)
	r.Get("/signin", s.handleSignin)
	r.Get("/account/{mcp_name}", s.handleAccount)
	r.Get("/client/auth/callback", s.handleCallback)

	if s.facade != nil {
		paths := make([]string, 0, len(s.routes))
		for _, route := range s.routes {
			paths = append(paths, route.Route)
		}
		s.facade.Mount(r, paths)
	}

	for _, route := range s.routes {
		handler := s.mcp.Handler(route)
		r.Handle(route.Route, handler)
		r.Handle(route.Route+"/*", handler)
	}
	return r
}

// Run serves every configured origin and runs the maintenance loop until the
// context is cancelled, then shuts the listeners down gracefully.
func (s *Server) Run(ctx context.Context) error {
	handler := s.Router()

	var servers []*http.Server
	for _, addr := range s.listenAddrs() {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			s.logger.Info().Str("addr", srv.Addr).Msg("Listener started")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		s.maintenanceLoop(ctx)
		return nil
	})
	if s.broker != nil && s.egress != nil {
		g.Go(func() error {
			s.consumeEvents(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		s.logger.Info().Msg("Listeners stopped")
		return nil
	})

	return g.Wait()
}

// listenAddrs derives the set of ports to bind from the configured origins.
// Origins without an explicit port (public hostnames behind a load balancer)
// share the default port.
func (s *Server) listenAddrs() []string {
	seen := make(map[string]bool)
	var addrs []string
	add := func(port string) {
		if port == "" {
			port = defaultPort
		}
		if !seen[port] {
			seen[port] = true
			addrs = append(addrs, ":"+port)
		}
	}

	for _, origin := range s.cfg.Origins {
		parsed, err := url.Parse(origin.Origin)
		if err != nil {
			continue
		}
		add(parsed.Port())
	}
	if len(addrs) == 0 {
		add(defaultPort)
	}
	return addrs
}

// maintenanceLoop sleeps one TTL, then expires overdue active containers,
// until shutdown.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ttl := s.cfg.ActiveTTL
	for {
		select {
		case <-ctx.Done():
			// drain outstanding release tasks before exiting
			s.mgr.PerformMaintenance(context.WithoutCancel(ctx))
			return
		case <-time.After(ttl):
		}
		ttl = s.mgr.PerformMaintenance(ctx)
	}
}

// consumeEvents clears egress sessions when their container goes away.
func (s *Server) consumeEvents(ctx context.Context) {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			switch event.Type {
			case events.EventContainerReleased, events.EventContainerPurged:
				if hostname := event.Metadata["hostname"]; hostname != "" {
					s.egress.Release(hostname)
				}
			}
		}
	}
}

// requestLogger logs one line per request with status and duration. Health
// and metrics probes log at debug to keep the stream readable.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.logger.Info()
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			event = s.logger.Debug()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}
