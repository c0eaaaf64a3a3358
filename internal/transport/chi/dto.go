package chi

import "github.com/kailas-cloud/rulesearch/internal/domain"

// ErrorCode is a machine-readable error kind.
type ErrorCode string

// Error codes returned in ErrorResponse.
const (
	ErrorCodeBadRequest             ErrorCode = "bad_request"
	ErrorCodeUnauthorized           ErrorCode = "unauthorized"
	ErrorCodeCorpusUnavailable      ErrorCode = "corpus_unavailable"
	ErrorCodeEmbeddingUnavailable   ErrorCode = "embedding_unavailable"
	ErrorCodeVectorStoreUnavailable ErrorCode = "vector_store_unavailable"
	ErrorCodeIndexUnavailable       ErrorCode = "index_unavailable"
	ErrorCodeInternal               ErrorCode = "internal_error"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ComponentScore is one ranking's view of a result.
type ComponentScore struct {
	Score float64 `json:"score"`
	Rank  int     `json:"rank"` // 1-based
}

// SearchResultItem is one ranked rule.
type SearchResultItem struct {
	ChunkID  int             `json:"chunk_id"`
	Text     string          `json:"text"`
	Score    float64         `json:"score"`
	Lexical  *ComponentScore `json:"lexical,omitempty"`
	Semantic *ComponentScore `json:"semantic,omitempty"`
}

// SearchResponse is the body of GET /v1/rules/search.
type SearchResponse struct {
	Query    string             `json:"query"`
	Degraded bool               `json:"degraded"`
	Results  []SearchResultItem `json:"results"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func searchResultToDTO(r domain.RankedResult) SearchResultItem {
	return SearchResultItem{
		ChunkID:  r.ChunkID,
		Text:     r.Text,
		Score:    r.FusedScore,
		Lexical:  componentToDTO(r.Lexical),
		Semantic: componentToDTO(r.Semantic),
	}
}

func componentToDTO(c domain.Component) *ComponentScore {
	if !c.Present {
		return nil
	}
	return &ComponentScore{Score: c.Score, Rank: c.Rank + 1}
}
