package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/rulesearch/internal/config"
	"github.com/kailas-cloud/rulesearch/internal/corpus"
	dbValkey "github.com/kailas-cloud/rulesearch/internal/db/valkey"
	"github.com/kailas-cloud/rulesearch/internal/domain"
	logpkg "github.com/kailas-cloud/rulesearch/internal/logger"
	"github.com/kailas-cloud/rulesearch/internal/metrics"
	collectionrepo "github.com/kailas-cloud/rulesearch/internal/repository/collection"
	"github.com/kailas-cloud/rulesearch/internal/repository/embcache"
	chiTransport "github.com/kailas-cloud/rulesearch/internal/transport/chi"
	openaiEmb "github.com/kailas-cloud/rulesearch/internal/transport/openai"
	embeddinguc "github.com/kailas-cloud/rulesearch/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/rulesearch/internal/usecase/health"
	searchuc "github.com/kailas-cloud/rulesearch/internal/usecase/search"
	semanticuc "github.com/kailas-cloud/rulesearch/internal/usecase/semantic"
	"github.com/kailas-cloud/rulesearch/internal/version"
)

const usage = `usage: rulesearch [serve]
       rulesearch query <text>`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		serve()
	case "query":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(query(strings.Join(args, " ")))
	case "version":
		fmt.Println(version.String())
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

// app holds the wired components shared by both commands.
type app struct {
	store  *dbValkey.Store
	engine *searchuc.Engine
	health *healthuc.Service
}

func serve() {
	// Load configuration based on ENV
	env := config.GetEnv()
	cfg := config.MustLoad(env)

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting rulesearch API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("corpus", cfg.Corpus.Path),
	)

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterSearchMetrics()
	metrics.RegisterHTTPMetrics()

	a, err := build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.store.Close()

	// Warm up in the background; a failure here is retried by the first query.
	go func() {
		if err := a.engine.Ready(context.Background()); err != nil {
			logger.Warn("Initial index build failed, will retry on first query", zap.Error(err))
		}
	}()

	server := chiTransport.NewServer(a.engine, a.health, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(cfg.HTTP.APIKeys),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown; SIGHUP reloads the corpus.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

wait:
	for {
		select {
		case <-hup:
			logger.Info("Received SIGHUP, reloading corpus")
			if err := a.engine.Reload(context.Background()); err != nil {
				logger.Error("Reload failed, keeping previous corpus", zap.Error(err))
			}
		case <-quit:
			break wait
		}
	}
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// query answers one question on stdout and returns the exit code.
func query(text string) int {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return 1
	}

	logger, err := logpkg.NewLogger("cli")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize:", err)
		return 1
	}
	defer a.store.Close()

	fmt.Println(a.engine.SearchRules(ctx, text))
	return 0
}

// build wires the store, embedders, semantic index and search engine.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	store, err := dbValkey.NewStore(dbValkey.Config{
		Addrs:      cfg.Database.Addrs,
		Username:   cfg.Database.Username,
		Password:   cfg.Database.Password,
		DB:         cfg.Database.DB,
		BareSearch: cfg.Database.Driver == "redis",
	})
	if err != nil {
		return nil, fmt.Errorf("create database store: %w", err)
	}

	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		store.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}
	logger.Info("Connected to database")

	docEmbedder := buildEmbedder(cfg.Embedding, cfg.Embedding.DocumentInstruction, store, logger)
	queryEmbedder := buildEmbedder(cfg.Embedding, cfg.Embedding.QueryInstruction, store, logger)
	logger.Info("Embedders created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	collRepo := collectionrepo.New(store).WithHNSW(collectionrepo.HNSWConfig{
		M:           cfg.Database.HNSWM,
		EFConstruct: cfg.Database.HNSWEFConstruct,
	})

	semantic := semanticuc.New(collRepo, docEmbedder, queryEmbedder, semanticuc.Config{
		Collection:      cfg.Search.Collection,
		VectorDim:       cfg.Embedding.Dimensions,
		Timeout:         time.Duration(cfg.Search.TimeoutSec) * time.Second,
		PopulateTimeout: time.Duration(cfg.Search.PopulateTimeoutSec) * time.Second,
	}, logger)

	corpusOpts := corpus.Options{TextField: cfg.Corpus.TextField, MaxWords: cfg.Corpus.MaxWords}
	source := searchuc.SourceFunc(func() ([]domain.Chunk, error) {
		return corpus.Load(cfg.Corpus.Path, corpusOpts)
	})

	engine := searchuc.New(source, semantic, searchuc.Config{
		DefaultK:         cfg.Search.DefaultK,
		DegradeToLexical: *cfg.Search.DegradeToLexical,
		PruneStale:       *cfg.Search.PruneStale,
		Lowercase:        cfg.Search.Lowercase,
		K1:               cfg.Search.BM25K1,
		B:                *cfg.Search.BM25B,
		RRFC:             cfg.Search.RRFConstant,
	}, logger)

	health := healthuc.New(store, newEmbeddingHealthChecker(docEmbedder), engine)

	return &app{store: store, engine: engine, health: health}, nil
}

// embeddingHealthChecker wraps domain.Embedder to implement health.EmbeddingChecker.
type embeddingHealthChecker struct {
	embedder domain.Embedder
}

func newEmbeddingHealthChecker(embedder domain.Embedder) *embeddingHealthChecker {
	return &embeddingHealthChecker{embedder: embedder}
}

func (h *embeddingHealthChecker) HealthCheck(ctx context.Context) error {
	if hc, ok := h.embedder.(domain.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding health check: %w", err)
		}
	}
	return nil
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instrumented -> Instruction
func buildEmbedder(
	embCfg config.EmbeddingConfig,
	instruction string,
	store *dbValkey.Store,
	logger *zap.Logger,
) domain.Embedder {
	// Base provider (with transport metrics built-in)
	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:         embCfg.APIKey,
		BaseURL:        embCfg.BaseURL,
		Model:          embCfg.Model,
		Dimensions:     embCfg.Dimensions,
		SendDimensions: embCfg.SendDimensions,
		Provider:       embCfg.Provider,
		Timeout:        time.Duration(embCfg.TimeoutSec) * time.Second,
		Logger:         logger,
	})

	var embedder domain.Embedder = base
	if *embCfg.Cache.Enabled {
		ttl := time.Duration(embCfg.Cache.TTLHours) * time.Hour
		embedder = embcache.New(base, store, embCfg.Model, ttl, metrics.EmbeddingCacheTotal, logger)
	}

	embedder = embeddinguc.NewInstrumentedEmbedder(embedder, embCfg.Provider, embCfg.Model, logger)

	// Instruction prefix (outermost, so the cache key includes it)
	if instruction != "" {
		return domain.NewInstructionEmbedder(embedder, instruction)
	}

	return embedder
}
