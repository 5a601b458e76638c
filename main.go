package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/agent"
	"github.com/quantra-labs/frontdoor/internal/cache/router"
	"github.com/quantra-labs/frontdoor/internal/cache/semantic"
	"github.com/quantra-labs/frontdoor/internal/cache/toolcache"
	"github.com/quantra-labs/frontdoor/internal/collector"
	"github.com/quantra-labs/frontdoor/internal/config"
	"github.com/quantra-labs/frontdoor/internal/dispatcher"
	"github.com/quantra-labs/frontdoor/internal/embeddings"
	"github.com/quantra-labs/frontdoor/internal/httpapi"
	"github.com/quantra-labs/frontdoor/internal/llm"
	"github.com/quantra-labs/frontdoor/internal/memory"
	"github.com/quantra-labs/frontdoor/internal/metrics"
	"github.com/quantra-labs/frontdoor/internal/orchestration"
	"github.com/quantra-labs/frontdoor/internal/pricing"
	"github.com/quantra-labs/frontdoor/internal/tracing"
	"github.com/quantra-labs/frontdoor/internal/vectorstore"
	"github.com/quantra-labs/frontdoor/internal/workflow"
)

func main() {
	configPath := flag.String("config", "config/frontdoor.yaml", "path to service configuration")
	modelsPath := flag.String("models", "config/models.yaml", "path to pricing table")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Configuration load failed", zap.Error(err))
	}

	tp, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("Tracing init failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer func() { _ = client.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("Redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	table, err := pricing.LoadTable(*modelsPath, logger)
	if err != nil {
		logger.Fatal("Pricing table load failed", zap.Error(err))
	}
	watcher, err := table.Watch(logger)
	if err != nil {
		logger.Warn("Pricing hot-reload unavailable", zap.Error(err))
	} else {
		defer func() { _ = watcher.Close() }()
	}

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: apiKey, BaseURL: cfg.LLM.BaseURL}, logger)

	store := vectorstore.NewRedisStore(client, logger)
	embedder := embeddings.NewService(embeddings.Config{
		Model:    cfg.LLM.EmbeddingModel,
		Dim:      cfg.SemanticCache.EmbeddingDim,
		CacheTTL: cfg.SemanticTTL(),
	}, provider, embeddings.NewRedisCache(client), logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()

	sem := semantic.New(store, table, semantic.Config{
		SimilarityThreshold: cfg.SemanticCache.SimilarityThreshold,
		TTL:                 cfg.SemanticTTL(),
		Dim:                 cfg.SemanticCache.EmbeddingDim,
	}, logger)
	if err := sem.EnsureIndex(startCtx); err != nil {
		logger.Fatal("Semantic cache index init failed", zap.Error(err))
	}

	registry := workflow.NewRegistry()
	for _, w := range workflow.Builtin() {
		if err := registry.Register(w); err != nil {
			logger.Fatal("Workflow registration failed", zap.String("workflow", w.Name), zap.Error(err))
		}
	}
	if err := registry.RequireDefault(); err != nil {
		logger.Fatal("Workflow registry incomplete", zap.Error(err))
	}

	var rules []router.PatternRule
	for _, rp := range registry.RoutePatterns() {
		rules = append(rules, router.PatternRule{Pattern: rp.Pattern, Workflow: rp.Workflow})
	}
	rtr := router.New(store, table, router.Config{
		SimilarityThreshold: cfg.RouterCache.SimilarityThreshold,
		Dim:                 cfg.SemanticCache.EmbeddingDim,
		ChatModel:           cfg.LLM.ChatModel,
	}, rules, registry.Names(), logger)
	if err := rtr.EnsureIndex(startCtx); err != nil {
		logger.Fatal("Router cache index init failed", zap.Error(err))
	}

	toolCache := toolcache.New(client, time.Duration(cfg.ToolCache.DefaultTTLSeconds)*time.Second, logger)
	runtime := agent.NewRuntime(table, toolCache, cfg.AgentTimeout(), logger)

	model := cfg.LLM.ChatModel
	agents := map[string]agent.Agent{}
	for _, a := range []agent.Agent{
		agent.NewMarketDataAgent(provider, model),
		agent.NewNewsAgent(provider, model),
		agent.NewSentimentAgent(provider, model),
		agent.NewRiskAgent(provider, model),
		agent.NewFundamentalsAgent(provider, model),
		agent.NewSynthesisAgent(provider, model),
		agent.NewTriageAgent(provider, model, []string{"NewsAgent", "FundamentalsAgent", "SentimentAgent"}),
	} {
		agents[a.ID()] = a
	}
	engine := orchestration.New(runtime, agents, orchestration.Config{
		ConcurrentCap: cfg.ConcurrentCap(),
		MaxHops:       cfg.Orchestration.HandoffMaxHops,
	}, logger)

	mem := memory.NewService(client, cfg.Memory.MaxTurnsPerUser, logger)
	snap := metrics.NewSnapshot()

	disp := dispatcher.New(dispatcher.Config{
		ConcurrencyCap:  cfg.Dispatcher.ConcurrencyCap,
		RequestDeadline: cfg.RequestDeadline(),
		ChatModel:       cfg.LLM.ChatModel,
		Targets: collector.Targets{
			LatencyMs: cfg.Targets.LatencyMs,
			CostUSD:   cfg.Targets.CostUSD,
		},
	}, embedder, sem, rtr, registry, engine, mem, table, snap, logger)

	api := httpapi.NewServer(disp, snap, table, cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst, logger)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.Port),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Front door listening",
			zap.Int("port", cfg.Service.Port),
			zap.Strings("workflows", registry.Names()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
