// Command coachd runs the memory substrate's HTTP and WebSocket surface:
// write/query/comply/trace endpoints (rate-limited query/comply), the
// session router, and the background idempotent-outcome worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"salesmesh/internal/audit"
	"salesmesh/internal/bus"
	"salesmesh/internal/compliance"
	"salesmesh/internal/config"
	"salesmesh/internal/health"
	"salesmesh/internal/httpapi"
	"salesmesh/internal/observability"
	"salesmesh/internal/outcomes"
	"salesmesh/internal/persistence/databases"
	"salesmesh/internal/rag/embedder"
	"salesmesh/internal/ratelimit"
	"salesmesh/internal/redisgw"
	"salesmesh/internal/retrieve"
	"salesmesh/internal/wsrouter"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	observability.InitLogger("coachd.log", "info")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	shutdownOTel, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthRegistry := health.NewRegistry()

	var rc *redisgw.Client
	if cfg.Redis.UseRedisBus || cfg.WS.ManagerType == "redis" {
		rc, err = redisgw.New(ctx, cfg.Redis.URL)
		if err != nil {
			healthRegistry.Register("redis", err.Error())
			log.Warn().Err(err).Msg("redis connection failed, falling back to in-memory bus/session store")
			rc = nil
		}
	}

	eventBus := newBus(rc, cfg)

	mgr, err := databases.NewManager(ctx, cfg.Databases)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init database backends")
	}
	defer mgr.Close()

	strategyVec, err := newStrategyVectorStore(cfg.Databases, mgr.Vector)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init strategy vector store")
	}

	emb := embedder.NewClient(cfg.Embedding, cfg.Embedding.Dimensions)
	recorder := audit.NewRecorder(mgr.Audit, observability.ZerologLogger{}, cfg.AuditLogEnabled)

	retrieverOpts := []retrieve.Option{
		retrieve.WithLogger(observability.ZerologLogger{}),
		retrieve.WithHalfLife(time.Duration(cfg.RAG.DecayHalfLifeHours * float64(time.Hour))),
	}
	if cfg.RAG.RerankerEnabled {
		retrieverOpts = append(retrieverOpts, retrieve.WithReranker(retrieve.NewHTTPReranker(cfg.RAG), true))
	}
	retriever := retrieve.NewRetriever(
		mgr.Knowledge, mgr.Strategy, mgr.Event,
		mgr.Vector, strategyVec,
		emb, recorder,
		retrieverOpts...,
	)

	scanner := compliance.NewScanner(cfg.Compliance.SensitiveWords, cfg.Compliance.InjectionRegexes, cfg.Compliance.GuaranteedReturnKeywords)
	complianceChecker := compliance.NewChecker(scanner, mgr.Strategy, recorder, eventBus, compliance.WithLogger(observability.ZerologLogger{}))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled && rc != nil {
		limiter = ratelimit.NewLimiter(rc, eventBus, cfg.RateLimit.Max, cfg.RateLimit.Window, ratelimit.WithLogger(observability.ZerologLogger{}))
	}

	if rc != nil {
		aggregator := outcomes.NewAggregator(rc, mgr.Strategy, mgr.Event, outcomes.WithLogger(observability.ZerologLogger{}))
		go func() {
			if err := aggregator.Run(ctx, eventBus, "outcomes", 2); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("outcome aggregator stopped")
			}
		}()
	}

	sessionStore := newSessionStore(rc)
	broadcaster := newBroadcaster(rc)
	wsRouterOpts := []wsrouter.Option{
		wsrouter.WithLogger(observability.ZerologLogger{}),
		wsrouter.WithSocketTuning(cfg.WS.PingInterval, cfg.WS.PongWait, cfg.WS.WriteWait, cfg.WS.MaxMessageBytes),
	}
	router := wsrouter.NewRouter(sessionStore, broadcaster, eventBus, wsRouterOpts...)
	go router.RunRetransmitLoop(ctx)
	go router.RunTurnGuardSweepLoop(ctx)

	server := httpapi.NewServer(httpapi.Deps{
		Config:     cfg,
		Retriever:  retriever,
		Compliance: complianceChecker,
		Health:     healthRegistry,
		Recorder:   recorder,
		Events:     mgr.Event,
		Outcomes:   mgr.Outcome,
		Persona:    mgr.Persona,
		Knowledge:  mgr.Knowledge,
		Strategy:   mgr.Strategy,
		AuditRows:  mgr.Audit,
		Bus:        eventBus,
		WS:         router,
		RateLimit:  limiter,
		Log:        observability.ZerologLogger{},
		Metrics:    observability.NewOtelMetrics(config.ServiceName),
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Handler(),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("coachd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("coachd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	if rc != nil {
		if err := rc.Close(); err != nil {
			log.Error().Err(err).Msg("redis client close failed")
		}
	}
}

func newBus(rc *redisgw.Client, cfg config.Config) bus.Bus {
	if cfg.Redis.UseRedisBus && rc != nil {
		return bus.NewRedisBus(rc, bus.WithLogger(observability.ZerologLogger{}))
	}
	return bus.NewMemoryBus()
}

func newSessionStore(rc *redisgw.Client) wsrouter.SessionStore {
	if rc != nil {
		return wsrouter.NewRedisSessionStore(rc)
	}
	return wsrouter.NewMemorySessionStore()
}

func newBroadcaster(rc *redisgw.Client) wsrouter.Broadcaster {
	if rc != nil {
		return wsrouter.NewRedisBroadcaster(rc)
	}
	return wsrouter.NewMemoryBroadcaster()
}

// newStrategyVectorStore builds the strategy recall collection's
// VectorStore, mirroring databases.NewManager's vector-backend switch but
// pinned to a distinct Qdrant collection so strategy units and knowledge
// chunks never share a similarity index. Postgres/pgvector uses a single
// shared "embeddings" table keyed by id, so it reuses the primary
// manager's store directly rather than opening a second pool; knowledge
// and strategy ids are namespaced by the caller and never collide there.
func newStrategyVectorStore(cfg config.DBConfig, knowledgeVec databases.VectorStore) (databases.VectorStore, error) {
	const strategyCollection = "salesmesh_strategy"
	switch cfg.Vector.Backend {
	case "", "memory", "none", "disabled":
		return databases.NewMemoryVector(), nil
	case "qdrant":
		return databases.NewQdrantVector(cfg.Vector.DSN, strategyCollection, cfg.Vector.Dimensions, cfg.Vector.Metric)
	default:
		return knowledgeVec, nil
	}
}
