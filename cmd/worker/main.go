package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/goxec-cluster/internal/cluster"
	"github.com/dontdude/goxec-cluster/internal/config"
	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/discovery"
	"github.com/dontdude/goxec-cluster/internal/platform/docker"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
	"github.com/dontdude/goxec-cluster/internal/platform/queue"
	"github.com/dontdude/goxec-cluster/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// CLI is the worker's command line.
type CLI struct {
	Config   string `short:"c" help:"Path to a YAML config file." type:"path"`
	Port     int    `help:"Override server.port (health and metrics)."`
	PoolSize int    `help:"Override worker.pool_size."`
	LogLevel string `help:"Override log.level (debug, info, warn, error)."`
}

func main() {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("goxec-worker"),
		kong.Description("Worker node: runs submitted code in sandbox containers."),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.Parse(os.Args[1:]); err != nil {
		parser.FatalIfErrorf(err)
	}

	if err := run(cli); err != nil {
		slog.Error("Worker failed", "error", err)
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
	if cli.PoolSize != 0 {
		cfg.Worker.PoolSize = cli.PoolSize
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	nodeID := cfg.NodeID(domain.RoleWorker)
	logger = logger.With("nodeID", nodeID)
	logger.Info("Starting Goxec worker...", "poolSize", cfg.Worker.PoolSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Sandbox runtime. Fails fast if Docker is not available.
	sandbox, err := docker.NewSandbox(ctx, docker.Config{
		Timeout:        cfg.Sandbox.Timeout,
		MemoryBytes:    cfg.Sandbox.MemoryBytes,
		CPUShares:      cfg.Sandbox.CPUShares,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		MountPath:      cfg.Sandbox.MountPath,
		BindSource:     cfg.Sandbox.BindSource,
		PullImages:     cfg.Sandbox.PullImages,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("Docker sandbox initialized")

	stager, err := worker.NewStager(cfg.Worker.StagingDir, logger)
	if err != nil {
		return err
	}

	// 3. Redis
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

	// 4. Worker pool. Sandbox runs get their own context so in-flight
	// tasks can finish while the node drains.
	poolID := nodeID + "-" + uuid.NewString()[:8]
	handle := domain.PoolHandle{ID: poolID, NodeID: nodeID, Stream: queue.StreamName(poolID), Size: cfg.Worker.PoolSize}
	pool := worker.NewPool(poolID, worker.PoolConfig{
		Size:        cfg.Worker.PoolSize,
		MailboxSize: cfg.Worker.MailboxSize,
		Languages:   cfg.Languages,
	}, sandbox, stager, logger)
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	pool.Start(runCtx)

	node := cluster.NewNode(domain.ClusterNode{ID: nodeID, Role: domain.RoleWorker, Addr: cfg.Node.Addr},
		membership, registry, cfg.Cluster.ServiceKey, cfg.Cluster.HeartbeatInterval, logger)
	if err := node.Join(ctx); err != nil {
		return err
	}
	if err := node.Publish(ctx, handle); err != nil {
		return err
	}

	// 5. Health and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"node":   nodeID,
			"role":   domain.RoleWorker,
			"pool":   poolID,
			"size":   pool.Size(),
		})
	})
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      metrics.Middleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.NewConsumer(q, pool, handle, logger).Run(gctx) })
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error {
		q.StartRecoveryRoutine(gctx, handle, cfg.Worker.RecoveryInterval, cfg.Gateway.ReplyTimeout+cfg.Sandbox.Timeout)
		return nil
	})
	g.Go(func() error {
		logger.Info("Health server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Leave first so gateways stop routing here while the pool drains.
		if err := node.Leave(shutdownCtx); err != nil {
			logger.Warn("Failed to leave cluster", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	pool.Stop()
	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if dropErr := q.Drop(cleanupCtx, handle); dropErr != nil {
		logger.Warn("Failed to drop pool stream", "stream", handle.Stream, "error", dropErr)
	}
	logger.Info("Worker stopped")
	return err
}
