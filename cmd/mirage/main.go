// Command mirage runs the MIRAGE query orchestration service: the HTTP API,
// the metrics listener, and the orchestrator core with its collaborators.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/TedBerlin/MIRAGE-v2/internal/agents"
	"github.com/TedBerlin/MIRAGE-v2/internal/audit"
	"github.com/TedBerlin/MIRAGE-v2/internal/cache"
	"github.com/TedBerlin/MIRAGE-v2/internal/circuitbreaker"
	"github.com/TedBerlin/MIRAGE-v2/internal/config"
	"github.com/TedBerlin/MIRAGE-v2/internal/health"
	"github.com/TedBerlin/MIRAGE-v2/internal/httpapi"
	"github.com/TedBerlin/MIRAGE-v2/internal/humanloop"
	"github.com/TedBerlin/MIRAGE-v2/internal/llm"
	"github.com/TedBerlin/MIRAGE-v2/internal/orchestrator"
	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
	"github.com/TedBerlin/MIRAGE-v2/internal/retrieval"
	"github.com/TedBerlin/MIRAGE-v2/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mirage: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager, err := config.NewManager(configPath, zap.NewNop())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Current()

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Shared prompt builder; config reloads swap templates atomically and
	// every agent observes the swap on its next call.
	builder := prompts.NewBuilder()
	builder.Swap(cfg.Prompts)
	manager.OnReload(func(next *config.Config) {
		builder.Swap(next.Prompts)
		logger.Info("Prompt templates reloaded")
	})

	// LLM stack: HTTP transport under retry, rate limiting and a breaker.
	llmHTTP := llm.NewHTTPClient(cfg.LLM.BaseURL, logger)
	llmClient := llm.NewResilient(
		llmHTTP,
		llm.RetryPolicy{
			MaxRetries:  cfg.LLM.MaxRetries,
			BaseDelay:   cfg.LLM.RetryBaseDelay,
			Multiplier:  2,
			JitterRatio: 0.2,
		},
		cfg.LLM.RatePerSecond,
		logger,
	)
	agentOpts := llm.Options{
		Timeout:   cfg.LLM.CallTimeout,
		MaxTokens: cfg.LLM.MaxTokens,
	}

	retriever := retrieval.NewHTTPClient(cfg.Retrieval.BaseURL, cfg.Retrieval.Timeout, logger)

	var redisWrapper *circuitbreaker.RedisWrapper
	if cfg.Cache.RedisAddr != "" {
		redisWrapper = circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{
			Addr:         cfg.Cache.RedisAddr,
			Password:     cfg.Cache.RedisPassword,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}), logger)
		defer func() { _ = redisWrapper.Close() }()
	}
	responseCache := cache.New(cfg.Cache.TTL, redisWrapper, logger)
	responseCache.StartSweep(cfg.Cache.SweepInterval)
	defer responseCache.Close()

	humanLoop := humanloop.NewManager(cfg.HumanLoop.Timeout, logger)

	var sink audit.Sink
	var pgSink *audit.PostgresSink
	if cfg.Audit.PostgresDSN != "" {
		pgSink, err = audit.NewPostgresSink(cfg.Audit.PostgresDSN, logger)
		if err != nil {
			return fmt.Errorf("connect audit sink: %w", err)
		}
		defer func() { _ = pgSink.Close() }()
		sink = pgSink
	} else {
		sink = audit.NewLogSink(logger)
	}

	svc := orchestrator.New(orchestrator.Config{
		MaxIterations:            cfg.Orchestrator.MaxIterations,
		VerifierApproveThreshold: cfg.Orchestrator.VerifierApproveThreshold,
		VerifierRejectThreshold:  cfg.Orchestrator.VerifierRejectThreshold,
		CacheTTL:                 cfg.Cache.TTL,
		WorkflowTimeout:          cfg.Orchestrator.WorkflowTimeout,
		EnableHumanLoopDefault:   cfg.Orchestrator.EnableHumanLoopDefault,
	}, orchestrator.Deps{
		Generator:  agents.NewGenerator(llmClient, builder, agentOpts, logger),
		Verifier:   agents.NewVerifier(llmClient, builder, agentOpts, logger),
		Reformer:   agents.NewReformer(llmClient, builder, agentOpts, logger),
		Translator: agents.NewTranslator(llmClient, builder, agentOpts, logger),
		Retriever:  retriever,
		Cache:      responseCache,
		HumanLoop:  humanLoop,
		Audit:      sink,
		Logger:     logger,
	})

	healthMgr := health.NewManager(logger)
	healthMgr.Register(health.Checker{
		Name: "llm", Critical: true,
		Probe: llmHTTP.Healthy,
	})
	healthMgr.Register(health.Checker{
		Name: "retrieval", Critical: false,
		Probe: retriever.Healthy,
	})
	healthMgr.Register(health.Checker{
		Name: "cache", Critical: false,
		Probe: responseCache.Healthy,
	})
	healthMgr.Register(health.Checker{
		Name: "human_loop", Critical: false,
		Probe: func(ctx context.Context) error {
			_ = humanLoop.Statistics()
			return nil
		},
	})
	healthMgr.Register(health.Checker{
		Name: "orchestrator", Critical: true,
		Probe: func(ctx context.Context) error { return nil },
	})
	if pgSink != nil {
		healthMgr.Register(health.Checker{
			Name: "audit", Critical: false,
			Probe: pgSink.Healthy,
		})
	}

	api := httpapi.NewHandler(svc, humanLoop, healthMgr, cfg.Server.AdminToken, logger)
	apiServer := api.Server(cfg.Server.Port)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
