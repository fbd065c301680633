package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/goxec-cluster/internal/cluster"
	"github.com/dontdude/goxec-cluster/internal/config"
	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/gateway"
	"github.com/dontdude/goxec-cluster/internal/platform/discovery"
	"github.com/dontdude/goxec-cluster/internal/platform/queue"
	"github.com/dontdude/goxec-cluster/internal/platform/web"
)

const shutdownTimeout = 10 * time.Second

// CLI is the gateway's command line.
type CLI struct {
	Config   string `short:"c" help:"Path to a YAML config file." type:"path"`
	Port     int    `help:"Override server.port."`
	LogLevel string `help:"Override log.level (debug, info, warn, error)."`
}

func main() {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("goxec-server"),
		kong.Description("Gateway node: accepts code submissions and dispatches them to worker pools."),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.Parse(os.Args[1:]); err != nil {
		parser.FatalIfErrorf(err)
	}

	if err := run(cli); err != nil {
		slog.Error("Gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	// 1. Configuration and logger
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	nodeID := cfg.NodeID(domain.RoleGateway)
	logger = logger.With("nodeID", nodeID)
	logger.Info("Starting Goxec gateway...", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Redis: task streams, replies and discovery
	client, err := queue.Dial(ctx, queue.Options{
		Addr:     cfg.Cluster.RedisAddr,
		Password: cfg.Cluster.RedisPassword,
		DB:       cfg.Cluster.RedisDB,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	q := queue.NewRedisQueue(client, queue.ConsumerGroup, nodeID, logger)
	registry := discovery.NewRedisRegistry(client, cfg.Cluster.NodeTTL)
	membership := discovery.NewRedisMembership(client, cfg.Cluster.NodeTTL, logger)

	// 3. Cluster membership
	node := cluster.NewNode(domain.ClusterNode{ID: nodeID, Role: domain.RoleGateway, Addr: cfg.Node.Addr},
		membership, registry, cfg.Cluster.ServiceKey, cfg.Cluster.HeartbeatInterval, logger)
	if err := node.Join(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// 4. Pool discovery and balancers
	watcher := cluster.NewPoolWatcher(registry, membership, cfg.Cluster.ServiceKey, cfg.Cluster.RefreshInterval, logger)
	gw := gateway.New(gateway.Options{
		NodeID:       nodeID,
		ReplyTo:      queue.ReplyChannel(nodeID),
		Balancers:    cfg.Gateway.Balancers,
		ReplyTimeout: cfg.Gateway.ReplyTimeout,
	}, q, watcher, logger)
	if err := gw.Start(gctx); err != nil {
		return err
	}

	// 5. HTTP front
	var limiter *web.RateLimiter
	if cfg.Gateway.RateLimit.Enabled {
		limiter = web.NewRateLimiter(cfg.Gateway.RateLimit.Rate, cfg.Gateway.RateLimit.Burst, cfg.Gateway.RateLimit.TrustProxy)
		g.Go(func() error {
			limiter.Run(gctx)
			return nil
		})
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: gateway.NewHandler(gw, watcher, gateway.HandlerOptions{
			NodeID:       nodeID,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			Languages:    cfg.Languages,
			Limiter:      limiter,
			MetricsPath:  metricsPath,
		}, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		logger.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gateway...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := node.Leave(shutdownCtx); err != nil {
			logger.Warn("Failed to leave cluster", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Gateway stopped")
	return err
}
