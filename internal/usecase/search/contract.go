package search

import (
	"context"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// Source produces the chunked corpus. Each call re-reads it from scratch.
type Source interface {
	Load() ([]domain.Chunk, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() ([]domain.Chunk, error)

// Load calls f.
func (f SourceFunc) Load() ([]domain.Chunk, error) { return f() }

// SemanticIndex keeps corpus versions embedded in named collections.
type SemanticIndex interface {
	Prepare(ctx context.Context, chunks []domain.Chunk, fingerprint string) (string, error)
	Query(ctx context.Context, collection, text string, limit int) ([]domain.Scored, error)
	Drop(ctx context.Context, collection string) error
	Prune(ctx context.Context, keep string) (int, error)
}
