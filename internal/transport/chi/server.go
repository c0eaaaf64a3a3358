// Package chi exposes the rule search engine over HTTP.
package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/rulesearch/internal/domain"
	logpkg "github.com/kailas-cloud/rulesearch/internal/logger"
	"github.com/kailas-cloud/rulesearch/internal/metrics"
	healthuc "github.com/kailas-cloud/rulesearch/internal/usecase/health"
)

// MaxK caps the number of results one request may ask for.
const MaxK = 50

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Server serves the rule search API.
type Server struct {
	engine        SearchEngine
	health        HealthChecker
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(engine SearchEngine, health HealthChecker, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		health: health,
		logger: logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrCorpusNotFound, http.StatusServiceUnavailable, ErrorCodeCorpusUnavailable),
		sentinelHandler(domain.ErrCorpusMalformed, http.StatusServiceUnavailable, ErrorCodeCorpusUnavailable),
		sentinelHandler(domain.ErrEmbeddingProviderUnavailable, http.StatusServiceUnavailable, ErrorCodeEmbeddingUnavailable),
		sentinelHandler(domain.ErrVectorStoreUnavailable, http.StatusServiceUnavailable, ErrorCodeVectorStoreUnavailable),
		sentinelHandler(domain.ErrUploadFailed, http.StatusServiceUnavailable, ErrorCodeIndexUnavailable),
		sentinelHandler(domain.ErrIndexNotBuilt, http.StatusServiceUnavailable, ErrorCodeIndexUnavailable),
	}
	return s
}

// Router builds the chi router with the middleware chain. apiKeys enables
// bearer authentication when non-empty.
func (s *Server) Router(apiKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(JSONRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(WideEventMiddleware(s.logger))
	r.Use(BearerAuthMiddleware(apiKeys))
	r.Use(metrics.Middleware())

	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/rules", func(r chi.Router) {
		r.Get("/search", s.SearchRules)
		r.Get("/answer", s.AnswerRules)
		r.Post("/reload", s.Reload)
	})
	return r
}

// SearchRules handles GET /v1/rules/search?q=&k=.
func (s *Server) SearchRules(w http.ResponseWriter, r *http.Request) {
	query, ok := queryParam(w, r)
	if !ok {
		return
	}

	k := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxK {
			writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "k must be an integer between 1 and "+strconv.Itoa(MaxK))
			return
		}
		k = n
	}

	results, err := s.engine.Search(r.Context(), query, k)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	resp := SearchResponse{
		Query:   query,
		Results: make([]SearchResultItem, 0, len(results)),
	}
	for _, res := range results {
		resp.Degraded = resp.Degraded || res.Degraded
		resp.Results = append(resp.Results, searchResultToDTO(res))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AnswerRules handles GET /v1/rules/answer?q=. It always answers 200 with
// the agent-facing text, errors included.
func (s *Server) AnswerRules(w http.ResponseWriter, r *http.Request) {
	query, ok := queryParam(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.engine.SearchRules(r.Context(), query)))
}

// Reload handles POST /v1/rules/reload.
func (s *Server) Reload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(r.Context()); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

func queryParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "query parameter q is required")
		return "", false
	}
	return q, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// sentinelHandler maps a sentinel to a status; the sentinel text is the
// only part of the error shown to clients.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error())
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	logpkg.FromContext(r.Context()).Error("Request failed", zap.Error(err))

	for _, h := range s.errorHandlers {
		if h(w, err) {
			return
		}
	}
	writeError(w, http.StatusInternalServerError, ErrorCodeInternal, "internal error")
}
