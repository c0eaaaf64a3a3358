// Package semantic keeps the corpus embedded in a vector collection and
// answers nearest-neighbour queries against it.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// Default timeouts for external calls.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultPopulateTimeout = 5 * time.Minute
)

// fingerprintLen is how much of the corpus fingerprint goes into a
// collection name.
const fingerprintLen = 12

// Config holds the collection settings.
type Config struct {
	// Collection is the base name; each corpus version is stored under
	// "<Collection>:<fingerprint prefix>".
	Collection string
	VectorDim  int
	// Timeout bounds each query-path call (embed, KNN, metadata reads).
	Timeout time.Duration
	// PopulateTimeout bounds embedding and uploading the whole corpus.
	PopulateTimeout time.Duration
}

// Service manages the semantic collections of one corpus.
type Service struct {
	repo    Repository
	docs    domain.Embedder
	queries domain.Embedder
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a semantic index service. docs embeds chunk texts, queries
// embeds search text; they differ only for instruction-tuned models.
func New(repo Repository, docs, queries domain.Embedder, cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PopulateTimeout <= 0 {
		cfg.PopulateTimeout = DefaultPopulateTimeout
	}
	if queries == nil {
		queries = docs
	}
	return &Service{
		repo:    repo,
		docs:    docs,
		queries: queries,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// CollectionFor names the collection holding the corpus with the given
// fingerprint. Each corpus version gets its own collection so a rebuild
// never disturbs queries served from the previous one.
func (s *Service) CollectionFor(fingerprint string) string {
	if fingerprint == "" {
		return s.cfg.Collection
	}
	if len(fingerprint) > fingerprintLen {
		fingerprint = fingerprint[:fingerprintLen]
	}
	return s.cfg.Collection + ":" + fingerprint
}

// Prepare makes the collection for this corpus version exist and hold every
// chunk, returning its name.
func (s *Service) Prepare(ctx context.Context, chunks []domain.Chunk, fingerprint string) (string, error) {
	name := s.CollectionFor(fingerprint)
	if _, err := s.EnsureCollection(ctx, name); err != nil {
		return "", err
	}
	if err := s.EnsurePopulated(ctx, name, chunks, fingerprint); err != nil {
		return "", err
	}
	return name, nil
}

// EnsureCollection returns the named collection, creating it with the
// configured dimension and cosine metric when absent. Losing a create race
// is success.
func (s *Service) EnsureCollection(ctx context.Context, name string) (domain.Collection, error) {
	col, found, err := s.get(ctx, name)
	if err != nil {
		return domain.Collection{}, err
	}
	if found {
		if col.VectorDim != s.cfg.VectorDim {
			return domain.Collection{}, fmt.Errorf("collection %s has dimension %d, configured %d: %w",
				name, col.VectorDim, s.cfg.VectorDim, domain.ErrVectorDimMismatch)
		}
		return col, nil
	}

	col = domain.Collection{
		Name:      name,
		VectorDim: s.cfg.VectorDim,
		Metric:    domain.DistanceCosine,
		CreatedAt: s.now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.repo.Create(ctx, col); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			s.logger.Info("Collection created concurrently", zap.String("collection", name))
			return col, nil
		}
		return domain.Collection{}, fmt.Errorf("create collection: %w", err)
	}

	s.logger.Info("Collection created",
		zap.String("collection", name),
		zap.Int("vector_dim", col.VectorDim),
	)
	return col, nil
}

// EnsurePopulated uploads every chunk unless the collection already holds
// exactly len(chunks) points. All vectors are computed before anything is
// written, so an embedding failure uploads nothing. Upload is not retried.
func (s *Service) EnsurePopulated(ctx context.Context, name string, chunks []domain.Chunk, fingerprint string) error {
	count, err := s.count(ctx, name)
	if err != nil {
		return err
	}
	if count == len(chunks) {
		s.logger.Debug("Collection already populated",
			zap.String("collection", name),
			zap.Int("points", count),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PopulateTimeout)
	defer cancel()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	res, err := domain.EmbedAll(ctx, s.docs, texts)
	if err != nil {
		return embedErr("embed corpus", err)
	}
	if len(res.Embeddings) != len(chunks) {
		return fmt.Errorf("embed corpus: got %d vectors for %d chunks: %w",
			len(res.Embeddings), len(chunks), domain.ErrEmbeddingProviderUnavailable)
	}

	points := make([]domain.Point, len(chunks))
	for i, c := range chunks {
		if err := s.checkDim(res.Embeddings[i]); err != nil {
			return fmt.Errorf("embed chunk %d: %w", c.ID, err)
		}
		points[i] = domain.Point{ChunkID: c.ID, Vector: res.Embeddings[i], Text: c.Text}
	}

	if err := s.repo.Upsert(ctx, name, points); err != nil {
		return fmt.Errorf("populate collection: %w", err)
	}
	if err := s.repo.SetFingerprint(ctx, name, fingerprint); err != nil {
		return fmt.Errorf("record fingerprint: %w", err)
	}

	s.logger.Info("Collection populated",
		zap.String("collection", name),
		zap.Int("points", len(points)),
		zap.Int("previous_points", count),
		zap.Int("total_tokens", res.TotalTokens),
	)
	return nil
}

// Drop removes the named collection with all its points.
func (s *Service) Drop(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PopulateTimeout)
	defer cancel()

	if err := s.repo.Drop(ctx, name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	s.logger.Info("Collection dropped", zap.String("collection", name))
	return nil
}

// Prune drops every collection of this corpus family except keep and
// returns how many were removed.
func (s *Service) Prune(ctx context.Context, keep string) (int, error) {
	names, err := s.list(ctx)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, name := range names {
		if name == keep || !s.owns(name) {
			continue
		}
		if err := s.Drop(ctx, name); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// Query embeds text and returns up to limit chunks of the named collection
// by descending similarity.
func (s *Service) Query(ctx context.Context, name, text string, limit int) ([]domain.Scored, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res, err := s.queries.Embed(ctx, text)
	if err != nil {
		return nil, embedErr("embed query", err)
	}
	if err := s.checkDim(res.Embedding); err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.repo.Query(ctx, name, res.Embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}
	return hits, nil
}

func (s *Service) owns(name string) bool {
	return name == s.cfg.Collection || strings.HasPrefix(name, s.cfg.Collection+":")
}

func (s *Service) get(ctx context.Context, name string) (domain.Collection, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	col, found, err := s.repo.Get(ctx, name)
	if err != nil {
		return domain.Collection{}, false, fmt.Errorf("get collection: %w", err)
	}
	return col, found, nil
}

func (s *Service) list(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	names, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

func (s *Service) count(ctx context.Context, name string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	n, err := s.repo.Count(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return n, nil
}

func (s *Service) checkDim(v []float32) error {
	if len(v) != s.cfg.VectorDim {
		return fmt.Errorf("vector has %d dimensions, want %d: %w", len(v), s.cfg.VectorDim, domain.ErrVectorDimMismatch)
	}
	return nil
}

// embedErr classifies any provider failure not already classified as
// domain.ErrEmbeddingProviderUnavailable.
func embedErr(op string, err error) error {
	if errors.Is(err, domain.ErrEmbeddingProviderUnavailable) || errors.Is(err, domain.ErrVectorDimMismatch) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrEmbeddingProviderUnavailable, err)
}
