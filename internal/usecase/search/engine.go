// Package search answers rule queries by fusing a lexical and a semantic
// ranking of the corpus.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/rulesearch/internal/corpus"
	"github.com/kailas-cloud/rulesearch/internal/domain"
	"github.com/kailas-cloud/rulesearch/internal/lexical"
	"github.com/kailas-cloud/rulesearch/internal/metrics"
	"github.com/kailas-cloud/rulesearch/internal/usecase/fusion"
)

// DefaultK is the number of results returned when the caller asks for none.
const DefaultK = 3

// Config tunes the engine.
type Config struct {
	DefaultK int
	// DegradeToLexical answers from the lexical ranking alone when the
	// embedding provider or vector store fails at query time.
	DegradeToLexical bool
	// PruneStale drops collections of other corpus versions after the first
	// setup. Leave it off when several instances share one store.
	PruneStale bool
	Lowercase  bool
	K1         float64
	B          float64
	RRFC       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultK:         DefaultK,
		DegradeToLexical: true,
		K1:               lexical.DefaultK1,
		B:                lexical.DefaultB,
		RRFC:             fusion.DefaultC,
	}
}

// state is one fully built corpus version. Only stale changes after publishing.
type state struct {
	chunks      []domain.Chunk
	lexical     *lexical.Index
	fingerprint string
	collection  string // empty for an empty corpus

	// stale is set once the collection is found missing from the store;
	// the next call rebuilds while this state keeps answering.
	stale atomic.Bool
}

// Engine is the search facade. Setup happens lazily on the first query.
type Engine struct {
	source   Source
	semantic SemanticIndex
	fusion   fusion.RRF
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex // serializes setup and reload
	current atomic.Pointer[state]
}

// New creates an engine. Nothing is loaded until the first Search, Ready or Reload.
func New(source Source, semantic SemanticIndex, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	return &Engine{
		source:   source,
		semantic: semantic,
		fusion:   fusion.New(cfg.RRFC),
		cfg:      cfg,
		logger:   logger,
	}
}

// Ready runs setup if it has not completed yet.
func (e *Engine) Ready(ctx context.Context) error {
	_, err := e.ensureReady(ctx)
	return err
}

// Built reports whether a corpus version has been published. It never blocks.
func (e *Engine) Built() bool {
	return e.current.Load() != nil
}

// Len returns the number of chunks in the active corpus, 0 before setup.
func (e *Engine) Len() int {
	st := e.current.Load()
	if st == nil {
		return 0
	}
	return len(st.chunks)
}

// Search returns the top k chunks for query. k <= 0 means the configured default.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]domain.RankedResult, error) {
	start := time.Now()
	results, degraded, err := e.search(ctx, query, k)

	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case degraded:
		outcome = metrics.OutcomeDegraded
	}
	metrics.ObserveSearch(outcome, time.Since(start).Seconds())

	return results, err
}

func (e *Engine) search(ctx context.Context, query string, k int) ([]domain.RankedResult, bool, error) {
	if k <= 0 {
		k = e.cfg.DefaultK
	}

	st, err := e.ensureReady(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(st.chunks) == 0 {
		return []domain.RankedResult{}, false, nil
	}

	lex, sem, err := e.rank(ctx, st, query)
	if err != nil {
		if errors.Is(err, domain.ErrIndexNotBuilt) && st.stale.CompareAndSwap(false, true) {
			e.logger.Warn("Semantic collection missing, scheduling rebuild",
				zap.String("collection", st.collection),
			)
		}
		if ctx.Err() != nil || !e.cfg.DegradeToLexical || !degradable(err) {
			return nil, false, fmt.Errorf("semantic ranking: %w", err)
		}
		e.logger.Warn("Semantic ranking unavailable, answering from lexical ranking",
			zap.String("collection", st.collection),
			zap.Error(err),
		)
		return st.fill(e.fusion.Rank(lex, k)), true, nil
	}

	return st.fill(e.fusion.Fuse(lex, sem, k)), false, nil
}

// rank runs both rankings concurrently. The lexical ranking is always
// returned; err reports a semantic failure.
func (e *Engine) rank(ctx context.Context, st *state, query string) (lex, sem []domain.Scored, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lex = st.lexical.Score(query)
		return nil
	})

	var semErr error
	g.Go(func() error {
		sem, semErr = e.semantic.Query(gctx, st.collection, query, len(st.chunks))
		return nil
	})

	if waitErr := g.Wait(); waitErr != nil {
		return lex, nil, waitErr
	}
	if semErr != nil {
		return lex, nil, semErr
	}
	return lex, st.known(sem), nil
}

// Reload re-reads the corpus and rebuilds both indices. The new version
// becomes visible only once complete; on failure the previous one keeps
// serving.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.build(ctx)
	if err != nil {
		metrics.IndexBuildsTotal.WithLabelValues("reload", "error").Inc()
		return fmt.Errorf("reload: %w", err)
	}
	metrics.IndexBuildsTotal.WithLabelValues("reload", "ok").Inc()

	prev := e.current.Swap(st)
	metrics.CorpusChunks.Set(float64(len(st.chunks)))

	e.logger.Info("Corpus reloaded",
		zap.Int("chunks", len(st.chunks)),
		zap.String("fingerprint", st.fingerprint),
	)

	if prev != nil && prev.collection != "" && prev.collection != st.collection {
		if err := e.semantic.Drop(ctx, prev.collection); err != nil {
			e.logger.Warn("Failed to drop previous collection",
				zap.String("collection", prev.collection),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (e *Engine) ensureReady(ctx context.Context) (*state, error) {
	if st := e.current.Load(); st != nil && !st.stale.Load() {
		return st, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.current.Load()
	if prev != nil && !prev.stale.Load() {
		return prev, nil
	}

	phase := "setup"
	if prev != nil {
		phase = "repair"
	}

	st, err := e.build(ctx)
	if err != nil {
		metrics.IndexBuildsTotal.WithLabelValues(phase, "error").Inc()
		if prev != nil {
			e.logger.Warn("Failed to rebuild semantic collection, serving previous state",
				zap.String("collection", prev.collection),
				zap.Error(err),
			)
			return prev, nil
		}
		return nil, fmt.Errorf("setup: %w", err)
	}
	metrics.IndexBuildsTotal.WithLabelValues(phase, "ok").Inc()

	e.current.Store(st)
	metrics.CorpusChunks.Set(float64(len(st.chunks)))
	e.logger.Info("Search engine ready",
		zap.String("phase", phase),
		zap.Int("chunks", len(st.chunks)),
		zap.String("collection", st.collection),
	)

	// A repair never prunes: the collection may have been dropped by an
	// instance serving another corpus version.
	if e.cfg.PruneStale && prev == nil && st.collection != "" {
		n, err := e.semantic.Prune(ctx, st.collection)
		if err != nil {
			e.logger.Warn("Failed to prune stale collections", zap.Error(err))
		} else if n > 0 {
			e.logger.Info("Pruned stale collections", zap.Int("dropped", n))
		}
	}
	return st, nil
}

// build loads the corpus and builds both indices without publishing them.
func (e *Engine) build(ctx context.Context) (*state, error) {
	chunks, err := e.source.Load()
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	e.logger.Info("Corpus loaded", zap.Int("chunks", len(chunks)))

	st := &state{
		chunks: chunks,
		lexical: lexical.Build(chunks,
			lexical.WithK1(e.cfg.K1),
			lexical.WithB(e.cfg.B),
			lexical.WithLowercase(e.cfg.Lowercase),
		),
		fingerprint: corpus.Fingerprint(chunks),
	}

	if len(chunks) == 0 {
		e.logger.Warn("Corpus is empty, semantic index skipped")
		return st, nil
	}

	st.collection, err = e.semantic.Prepare(ctx, chunks, st.fingerprint)
	if err != nil {
		return nil, fmt.Errorf("semantic index: %w", err)
	}
	return st, nil
}

// known drops hits for chunk ids outside the corpus.
func (st *state) known(hits []domain.Scored) []domain.Scored {
	out := hits[:0]
	for _, h := range hits {
		if h.ChunkID >= 0 && h.ChunkID < len(st.chunks) {
			out = append(out, h)
		}
	}
	return out
}

func (st *state) fill(results []domain.RankedResult) []domain.RankedResult {
	for i := range results {
		results[i].Text = st.chunks[results[i].ChunkID].Text
	}
	return results
}

func degradable(err error) bool {
	return errors.Is(err, domain.ErrEmbeddingProviderUnavailable) ||
		errors.Is(err, domain.ErrVectorStoreUnavailable) ||
		errors.Is(err, domain.ErrIndexNotBuilt)
}
