package semantic

import (
	"context"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// Repository defines the vector store contract for semantic collections.
type Repository interface {
	Get(ctx context.Context, name string) (domain.Collection, bool, error)
	Create(ctx context.Context, col domain.Collection) error
	List(ctx context.Context) ([]string, error)
	Count(ctx context.Context, name string) (int, error)
	Upsert(ctx context.Context, name string, points []domain.Point) error
	Query(ctx context.Context, name string, vector []float32, limit int) ([]domain.Scored, error)
	Drop(ctx context.Context, name string) error
	SetFingerprint(ctx context.Context, name, fingerprint string) error
}
