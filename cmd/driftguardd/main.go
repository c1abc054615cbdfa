// Command driftguardd is the enforcement-core process entrypoint: it wires
// the encoder/session/policy/decision components into one HTTP listener
// implementing the routes of spec §6.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/circuitbreaker"
	"github.com/fencio-dev/driftguard/internal/config"
	"github.com/fencio-dev/driftguard/internal/db"
	"github.com/fencio-dev/driftguard/internal/decisionclient"
	"github.com/fencio-dev/driftguard/internal/embeddings"
	"github.com/fencio-dev/driftguard/internal/health"
	"github.com/fencio-dev/driftguard/internal/intent"
	"github.com/fencio-dev/driftguard/internal/orchestrator"
	"github.com/fencio-dev/driftguard/internal/policy"
	"github.com/fencio-dev/driftguard/internal/policyapi"
	"github.com/fencio-dev/driftguard/internal/semantics"
	"github.com/fencio-dev/driftguard/internal/session"
	"github.com/fencio-dev/driftguard/internal/telemetry"
	"github.com/fencio-dev/driftguard/internal/tracing"
	"github.com/fencio-dev/driftguard/internal/vectordb"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("tracing init failed, continuing without it", zap.Error(err))
	}

	// Health manager and its mux are brought up first so the process
	// answers /health even while the rest of the wiring below is settling.
	hm := health.NewManager(logger)
	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)

	dbClient, err := db.NewClient(&db.Config{
		Path:            cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		IdleConnections: cfg.Database.IdleConnections,
		MaxLifetime:     cfg.Database.MaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()
	_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.GetDB(), dbClient.Wrapper(), logger))

	var embedCache embeddings.EmbeddingCache
	if cfg.Redis.Enabled {
		redisCache, err := embeddings.NewRedisCache(cfg.Redis.Addr)
		if err != nil {
			logger.Warn("redis embedding cache unavailable, falling back to LRU-only", zap.Error(err))
		} else {
			embedCache = redisCache
			_ = hm.RegisterChecker(health.NewRedisHealthChecker(redisCache.Client(), redisCache.Wrapper(), logger))
		}
	}
	embeddings.Initialize(embeddings.Config{
		BaseURL:      cfg.Embeddings.BaseURL,
		DefaultModel: cfg.Embeddings.Model,
		Timeout:      cfg.Embeddings.Timeout,
		Chunking: embeddings.ChunkingConfig{
			Enabled:       cfg.Embeddings.Chunking.Enabled,
			MaxTokens:     cfg.Embeddings.Chunking.MaxTokens,
			OverlapTokens: cfg.Embeddings.Chunking.OverlapTokens,
			TokenizerMode: cfg.Embeddings.Chunking.TokenizerMode,
		},
	}, embedCache)
	_ = hm.RegisterChecker(health.NewEmbeddingServiceHealthChecker(cfg.Embeddings.BaseURL, logger))

	vectordb.Initialize(vectordb.Config{
		Enabled:          cfg.VectorDB.Enabled,
		Host:             cfg.VectorDB.Host,
		Port:             cfg.VectorDB.Port,
		CollectionPrefix: cfg.VectorDB.CollectionPrefix,
	}, logger)

	decisionClient := decisionclient.NewClient(decisionclient.Config{
		BaseURL: cfg.DecisionService.BaseURL,
		Timeout: cfg.DecisionService.Timeout,
	}, logger)
	_ = hm.RegisterChecker(health.NewDecisionServiceHealthChecker(cfg.DecisionService.BaseURL, logger))

	semanticsEnc := semantics.NewEncoder(embeddings.Get(), cfg.Embeddings.Model)
	intentEnc := intent.NewEncoder(semanticsEnc)
	policyEnc := policy.NewEncoder(semanticsEnc)

	sessions := session.NewManager(dbClient, logger)
	policies := policy.NewStore(dbClient, vectordb.Get(), decisionClient, policyEnc, logger)
	engine := orchestrator.New(intentEnc, sessions, decisionClient, logger)
	if cfg.RateLimit.Enabled {
		engine.SetRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	registerEnforceRoute(mux, engine, logger)
	policyapi.New(policies, logger).RegisterRoutes(mux)
	telemetry.New(sessions, decisionClient, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	go runSessionCleanup(ctx, sessions, cfg.Session.CleanupIntervalSec, logger)

	go func() {
		_ = hm.Start(ctx)
	}()

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("driftguard listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down driftguard")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	_ = hm.Stop()
}

func runSessionCleanup(ctx context.Context, sessions *session.Manager, intervalSec int, logger *zap.Logger) {
	if intervalSec <= 0 {
		intervalSec = 300
	}
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := sessions.CleanupExpired(ctx)
			if n > 0 {
				logger.Info("expired sessions reaped", zap.Int("count", n))
			}
		}
	}
}

