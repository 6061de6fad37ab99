package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcp-getgather/mcp-gateway/pkg/auth"
	"github.com/mcp-getgather/mcp-gateway/pkg/auth/oauth"
	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/container"
	"github.com/mcp-getgather/mcp-gateway/pkg/engine"
	"github.com/mcp-getgather/mcp-gateway/pkg/events"
	"github.com/mcp-getgather/mcp-gateway/pkg/gateway"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/manager"
	"github.com/mcp-getgather/mcp-gateway/pkg/proxy"
	"github.com/mcp-getgather/mcp-gateway/pkg/proxy/egress"
)

const containerLogMaxBytes = 10 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Start the gateway: warm the standby container pool, discover the
MCP routes exposed by the worker image, and serve every configured
origin until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.LogsDir(), 0o755); err != nil {
			return fmt.Errorf("failed to create logs directory: %v", err)
		}
		if err := log.Init(log.Config{
			Level:                log.Level(cfg.LogLevel),
			JSONOutput:           cfg.Environment != "local",
			ContainerLogFile:     filepath.Join(cfg.LogsDir(), "containers.log"),
			ContainerLogMaxBytes: containerLogMaxBytes,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %v", err)
		}
		logger := log.WithComponent("serve")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		client := engine.NewClient(cfg.ContainerEngine, cfg.NetworkName())
		svc := container.NewService(cfg, container.WithBroker(broker))
		mgr := manager.New(cfg, svc, client, manager.WithBroker(broker))

		store, err := oauth.OpenStore(filepath.Join(cfg.DataDir, "oauth.db"))
		if err != nil {
			return fmt.Errorf("failed to open oauth store: %v", err)
		}
		defer store.Close()
		facade, err := oauth.NewFacade(cfg, store)
		if err != nil {
			return fmt.Errorf("failed to build oauth facade: %v", err)
		}

		egressMgr, err := egress.NewManager(cfg, svc.MountDir)
		if err != nil {
			return fmt.Errorf("failed to build egress manager: %v", err)
		}

		web := proxy.NewWeb(cfg, mgr)
		mcp := proxy.NewMCP(cfg, mgr)
		if egressMgr.Enabled() {
			mcp = mcp.WithEgress(egressMgr)
		}

		if err := mgr.InitActiveAssignedPool(ctx); err != nil {
			return fmt.Errorf("failed to init active pool: %v", err)
		}
		if err := mgr.RefreshStandbyPool(ctx); err != nil {
			return fmt.Errorf("failed to warm standby pool: %v", err)
		}
		routes, err := mcp.DiscoverRoutes(ctx)
		if err != nil {
			return fmt.Errorf("failed to discover MCP routes: %v", err)
		}
		for _, route := range routes {
			logger.Info().Str("name", route.Name).Str("route", route.Route).Msg("Discovered MCP route")
		}

		srv, err := gateway.New(gateway.Deps{
			Config:  cfg,
			Manager: mgr,
			Facade:  facade,
			Tokens:  auth.NewRouter(cfg),
			Web:     web,
			MCP:     mcp,
			Egress:  egressMgr,
			Broker:  broker,
			Routes:  routes,
		})
		if err != nil {
			return err
		}

		logger.Info().Str("rev", cfg.GitRev).Msg("Gateway starting")
		return srv.Run(ctx)
	},
}

var pullImageCmd = &cobra.Command{
	Use:   "pull-image",
	Short: "Pull and retag the worker image",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := log.Init(log.Config{Level: log.Level(cfg.LogLevel)}); err != nil {
			return err
		}

		client := engine.NewClient(cfg.ContainerEngine, cfg.NetworkName())
		svc := container.NewService(cfg)
		mgr := manager.New(cfg, svc, client)
		return mgr.PullImage(cmd.Context())
	},
}
