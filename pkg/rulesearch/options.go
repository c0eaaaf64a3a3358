package rulesearch

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type openAIConfig struct {
	apiKey  string
	baseURL string
	model   string
}

type clientConfig struct {
	driver   string // "valkey" or "redis"
	addrs    []string
	password string

	corpusPath string
	rules      []string
	textField  string
	maxWords   int

	embedder         Embedder
	openAI           *openAIConfig
	vectorDimensions int

	collection      string
	defaultK        int
	strictSemantic  bool
	hnswM           int
	hnswEFConstruct int

	logger     *zap.Logger
	metricsReg prometheus.Registerer
}

// WithValkey configures the client to connect to a Valkey instance.
func WithValkey(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "valkey"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithRedis configures the client to connect to a Redis instance.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "redis"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithCorpusFile reads rules from a JSON, JSONL, YAML, Parquet or plain text file.
// The file is re-read on every Reload.
func WithCorpusFile(path string) Option {
	return optionFunc(func(c *clientConfig) {
		c.corpusPath = path
	})
}

// WithRules uses an in-memory corpus, one chunk per rule.
func WithRules(rules ...string) Option {
	return optionFunc(func(c *clientConfig) {
		c.rules = append([]string(nil), rules...)
	})
}

// WithTextField sets the record field holding rule text in structured corpora.
// Default: "text".
func WithTextField(field string) Option {
	return optionFunc(func(c *clientConfig) {
		c.textField = field
	})
}

// WithMaxWords sets the chunk size bound for plain text corpora. Default: 100.
func WithMaxWords(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxWords = n
	})
}

// WithEmbedder sets the text embedding provider and its vector dimension.
func WithEmbedder(e Embedder, dimensions int) Option {
	return optionFunc(func(c *clientConfig) {
		c.embedder = e
		c.openAI = nil
		c.vectorDimensions = dimensions
	})
}

// WithOpenAI embeds through an OpenAI-compatible API. Vectors are cached in
// the vector store. baseURL may be empty for api.openai.com.
func WithOpenAI(apiKey, baseURL, model string, dimensions int) Option {
	return optionFunc(func(c *clientConfig) {
		c.embedder = nil
		c.openAI = &openAIConfig{apiKey: apiKey, baseURL: baseURL, model: model}
		c.vectorDimensions = dimensions
	})
}

// WithCollection sets the base collection name. Default: "rules".
func WithCollection(name string) Option {
	return optionFunc(func(c *clientConfig) {
		c.collection = name
	})
}

// WithDefaultK sets how many results Answer returns. Default: 3.
func WithDefaultK(k int) Option {
	return optionFunc(func(c *clientConfig) {
		c.defaultK = k
	})
}

// WithStrictSemantic fails queries when semantic ranking is unavailable
// instead of answering from the lexical ranking alone.
func WithStrictSemantic() Option {
	return optionFunc(func(c *clientConfig) {
		c.strictSemantic = true
	})
}

// WithHNSW configures HNSW index parameters (M and EF construction).
// Defaults: M=16, EFConstruct=200.
func WithHNSW(m, efConstruct int) Option {
	return optionFunc(func(c *clientConfig) {
		c.hnswM = m
		c.hnswEFConstruct = efConstruct
	})
}

// WithLogger enables structured logging. Pass nil to disable (default).
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers client metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}
