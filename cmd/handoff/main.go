package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/handoff/internal/application/orchestrator"
	"github.com/aescanero/handoff/internal/config"
	"github.com/aescanero/handoff/pkg/adapters/agent"
	memoryevents "github.com/aescanero/handoff/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/handoff/pkg/adapters/events/redis"
	"github.com/aescanero/handoff/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/aescanero/handoff/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/handoff/pkg/adapters/storage/redis"
	"github.com/aescanero/handoff/pkg/adapters/telemetry"
	"github.com/aescanero/handoff/pkg/api/grpc"
	"github.com/aescanero/handoff/pkg/api/http"
	"github.com/aescanero/handoff/pkg/api/websocket"
	"github.com/aescanero/handoff/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting handoff orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("backend", cfg.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, bus, closeBackend, err := initBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize backend", zap.Error(err))
	}
	defer closeBackend()

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := prometheus.NewCollector(registry)

	executor, err := agent.NewExecutor(&agent.Config{
		Provider:  cfg.Agent.Provider,
		APIKey:    cfg.Agent.APIKey,
		Model:     cfg.Agent.Model,
		MaxTokens: cfg.Agent.MaxTokens,
		NoopDelay: cfg.Agent.NoopDelay,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to create agent executor", zap.Error(err))
	}

	sink := telemetry.Multi{telemetry.NewBusSink(bus, logger)}

	orchestratorMgr := orchestrator.NewManager(
		executor,
		store,
		sink,
		metricsCollector,
		logger,
		cfg.Orchestrator(),
	)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	healthMonitor := orchestrator.NewHealthMonitor(
		orchestratorMgr,
		metricsCollector,
		grpcServer.SetServing,
		cfg.Timeouts.HealthCheckInterval,
		logger,
	)

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Health:       healthMonitor,
		Gatherer:     registry,
		APIToken:     cfg.APIToken,
		Logger:       logger,
	})

	resolveTask := func(ctx context.Context, runID string) (string, error) {
		state, err := orchestratorMgr.GetRun(ctx, runID)
		if err != nil {
			return "", err
		}
		return state.TaskID, nil
	}
	wsHandler := websocket.NewHandler(bus, telemetry.Topic, resolveTask, logger)
	httpServer.SetupWebSocket(wsHandler.HandleRunStream)

	healthMonitor.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()

		healthMonitor.Stop()

		if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
			logger.Error("orchestrator shutdown error", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("gRPC server shutdown error", zap.Error(err))
		}
		return nil
	})

	logger.Info("handoff orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("max_parallel_agents", cfg.Dispatch.MaxParallelAgents))

	if err := g.Wait(); err != nil {
		logger.Error("server failed", zap.Error(err))
	}

	logger.Info("handoff orchestrator shut down complete")
}

// initBackend builds the run store and event bus for the configured backend.
// The returned func releases backend resources.
func initBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.RunStore, ports.EventBus, func(), error) {
	if cfg.Backend == config.BackendMemory {
		bus := memoryevents.NewInMemoryEventBus(logger)
		return memorystorage.NewRunStore(), bus, func() { _ = bus.Close() }, nil
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	bus, err := redisevents.NewStreamsEventBus(
		redisClient,
		cfg.Redis.ConsumerGroup,
		fmt.Sprintf("handoff-%d", os.Getpid()),
		cfg.Redis.StreamMaxLen,
		logger,
	)
	if err != nil {
		_ = redisClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	store := redisstorage.NewRunStore(redisClient, cfg.Redis.TTL, logger)

	release := func() {
		if err := bus.Close(); err != nil {
			logger.Error("event bus close error", zap.Error(err))
		}
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}
	return store, bus, release, nil
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
