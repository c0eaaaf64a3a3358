package rulesearch

import "github.com/kailas-cloud/rulesearch/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrCorpusNotFound               = domain.ErrCorpusNotFound
	ErrCorpusMalformed              = domain.ErrCorpusMalformed
	ErrEmbeddingProviderUnavailable = domain.ErrEmbeddingProviderUnavailable
	ErrVectorStoreUnavailable       = domain.ErrVectorStoreUnavailable
	ErrUploadFailed                 = domain.ErrUploadFailed
	ErrVectorDimMismatch            = domain.ErrVectorDimMismatch
)
