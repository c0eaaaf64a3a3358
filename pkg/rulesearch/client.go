package rulesearch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/rulesearch/internal/corpus"
	dbValkey "github.com/kailas-cloud/rulesearch/internal/db/valkey"
	"github.com/kailas-cloud/rulesearch/internal/domain"
	"github.com/kailas-cloud/rulesearch/internal/metrics"
	collectionrepo "github.com/kailas-cloud/rulesearch/internal/repository/collection"
	"github.com/kailas-cloud/rulesearch/internal/repository/embcache"
	openaiEmb "github.com/kailas-cloud/rulesearch/internal/transport/openai"
	healthuc "github.com/kailas-cloud/rulesearch/internal/usecase/health"
	searchuc "github.com/kailas-cloud/rulesearch/internal/usecase/search"
	semanticuc "github.com/kailas-cloud/rulesearch/internal/usecase/semantic"
)

const defaultReadinessTimeout = 10 * time.Second

// Internal interfaces, swapped out in tests.
type searchEngine interface {
	Search(ctx context.Context, query string, k int) ([]domain.RankedResult, error)
	SearchRules(ctx context.Context, query string) string
	Reload(ctx context.Context) error
	Ready(ctx context.Context) error
}

type healthUseCase interface {
	Check(ctx context.Context) healthuc.Report
}

// Result is one ranked rule.
type Result struct {
	ChunkID int
	Text    string
	// Score is the fused reciprocal rank score.
	Score float64
	// LexicalRank and SemanticRank are 1-based; 0 means the ranking did not place the rule.
	LexicalScore  float64
	LexicalRank   int
	SemanticScore float64
	SemanticRank  int
	// Degraded is set when the result comes from the lexical ranking alone.
	Degraded bool
}

// HealthStatus represents the aggregated system health.
type HealthStatus struct {
	Status string            // "ok", "degraded", "error"
	Checks map[string]string // component -> "ok"/"error"
}

// Client is the rulesearch library entry point.
type Client struct {
	store  *dbValkey.Store
	engine searchEngine
	health healthUseCase
	obs    *observer
}

// New creates a Client and connects to the database. The corpus is loaded
// and indexed lazily on first use, or eagerly via Ready.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o.apply(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	store, err := dbValkey.NewStore(dbValkey.Config{
		Addrs:      cfg.addrs,
		Password:   cfg.password,
		BareSearch: cfg.driver == "redis",
	})
	if err != nil {
		return nil, fmt.Errorf("rulesearch: create %s store: %w", cfg.driver, err)
	}

	if err := store.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
		store.Close()
		return nil, fmt.Errorf("rulesearch: database not ready: %w", err)
	}

	return wireClient(store, cfg, obs), nil
}

func (c *clientConfig) validate() error {
	if len(c.addrs) == 0 {
		return errors.New("rulesearch: database address required (use WithValkey or WithRedis)")
	}
	if c.corpusPath == "" && c.rules == nil {
		return errors.New("rulesearch: corpus required (use WithCorpusFile or WithRules)")
	}
	if c.embedder == nil && c.openAI == nil {
		return errors.New("rulesearch: embedder required (use WithEmbedder or WithOpenAI)")
	}
	if c.vectorDimensions <= 0 {
		return fmt.Errorf("rulesearch: vector dimensions must be positive, got %d", c.vectorDimensions)
	}
	return nil
}

func wireClient(store *dbValkey.Store, cfg *clientConfig, obs *observer) *Client {
	var embedder domain.Embedder
	if cfg.openAI != nil {
		base := openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     cfg.openAI.apiKey,
			BaseURL:    cfg.openAI.baseURL,
			Model:      cfg.openAI.model,
			Dimensions: cfg.vectorDimensions,
			Provider:   "openai",
			Logger:     obs.logger,
		})
		embedder = embcache.New(base, store, cfg.openAI.model, 0, metrics.EmbeddingCacheTotal, obs.logger)
	} else {
		embedder = &embedderAdapter{inner: cfg.embedder}
	}

	collRepo := collectionrepo.New(store)
	if cfg.hnswM > 0 || cfg.hnswEFConstruct > 0 {
		collRepo = collRepo.WithHNSW(collectionrepo.HNSWConfig{
			M:           cfg.hnswM,
			EFConstruct: cfg.hnswEFConstruct,
		})
	}

	collection := cfg.collection
	if collection == "" {
		collection = "rules"
	}
	semantic := semanticuc.New(collRepo, embedder, nil, semanticuc.Config{
		Collection: collection,
		VectorDim:  cfg.vectorDimensions,
	}, obs.logger)

	engineCfg := searchuc.DefaultConfig()
	engineCfg.DegradeToLexical = !cfg.strictSemantic
	if cfg.defaultK > 0 {
		engineCfg.DefaultK = cfg.defaultK
	}
	engine := searchuc.New(cfg.source(), semantic, engineCfg, obs.logger)

	return &Client{
		store:  store,
		engine: engine,
		health: healthuc.New(store, nil, engine),
		obs:    obs,
	}
}

// source returns the corpus loader for the configured corpus.
func (c *clientConfig) source() searchuc.Source {
	if c.rules != nil {
		rules := c.rules
		return searchuc.SourceFunc(func() ([]domain.Chunk, error) {
			chunks := make([]domain.Chunk, len(rules))
			for i, r := range rules {
				chunks[i] = domain.Chunk{ID: i, Text: r}
			}
			return chunks, nil
		})
	}

	path, opts := c.corpusPath, corpus.Options{TextField: c.textField, MaxWords: c.maxWords}
	return searchuc.SourceFunc(func() ([]domain.Chunk, error) {
		return corpus.Load(path, opts)
	})
}

// Ready loads and indexes the corpus now instead of on the first query.
func (c *Client) Ready(ctx context.Context) error {
	start := time.Now()
	err := c.engine.Ready(ctx)
	c.obs.observe("ready", start, err)
	return err //nolint:wrapcheck // already carries context
}

// Search returns the top k rules for query. k <= 0 uses the default.
func (c *Client) Search(ctx context.Context, query string, k int) ([]Result, error) {
	start := time.Now()
	results, err := c.engine.Search(ctx, query, k)
	c.obs.observe("search", start, err)
	if err != nil {
		return nil, err //nolint:wrapcheck // already carries context
	}

	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = resultFromDomain(r)
	}
	return out, nil
}

// Answer returns the agent-facing text for query. It never fails; errors
// are rendered into the text.
func (c *Client) Answer(ctx context.Context, query string) string {
	start := time.Now()
	answer := c.engine.SearchRules(ctx, query)
	c.obs.observe("answer", start, nil)
	return answer
}

// Reload re-reads the corpus and rebuilds both indices. Queries keep being
// served from the previous corpus until the new one is complete.
func (c *Client) Reload(ctx context.Context) error {
	start := time.Now()
	err := c.engine.Reload(ctx)
	c.obs.observe("reload", start, err)
	return err //nolint:wrapcheck // already carries context
}

// Health checks the health of all system components. The index reports an
// error until the corpus is built, by Ready or the first query.
func (c *Client) Health(ctx context.Context) HealthStatus {
	report := c.health.Check(ctx)
	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	return HealthStatus{
		Status: string(report.Status),
		Checks: checks,
	}
}

// Close releases the database connection.
func (c *Client) Close() {
	if c.store != nil {
		c.store.Close()
	}
}

func resultFromDomain(r domain.RankedResult) Result {
	out := Result{
		ChunkID:  r.ChunkID,
		Text:     r.Text,
		Score:    r.FusedScore,
		Degraded: r.Degraded,
	}
	if r.Lexical.Present {
		out.LexicalScore, out.LexicalRank = r.Lexical.Score, r.Lexical.Rank+1
	}
	if r.Semantic.Present {
		out.SemanticScore, out.SemanticRank = r.Semantic.Score, r.Semantic.Rank+1
	}
	return out
}
