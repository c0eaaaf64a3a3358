package chi

import (
	"context"

	"github.com/kailas-cloud/rulesearch/internal/domain"
	healthuc "github.com/kailas-cloud/rulesearch/internal/usecase/health"
)

// SearchEngine answers rule queries.
type SearchEngine interface {
	Search(ctx context.Context, query string, k int) ([]domain.RankedResult, error)
	SearchRules(ctx context.Context, query string) string
	Reload(ctx context.Context) error
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}
