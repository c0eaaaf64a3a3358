package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the rulesearch configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Search    SearchConfig    `yaml:"search"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
	// APIKeys enables bearer authentication on /v1 routes when non-empty.
	APIKeys []string `yaml:"api_keys"`
}

// DatabaseConfig holds vector store connection and index settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	HNSWM            int      `yaml:"hnsw_m"`
	HNSWEFConstruct  int      `yaml:"hnsw_ef_construction"`
}

// EmbeddingConfig holds the embedding provider and model settings.
type EmbeddingConfig struct {
	Provider            string      `yaml:"provider"`
	APIKey              string      `yaml:"api_key"`
	BaseURL             string      `yaml:"base_url"`
	Model               string      `yaml:"model"`
	Dimensions          int         `yaml:"dimensions"`
	SendDimensions      bool        `yaml:"send_dimensions"`
	DocumentInstruction string      `yaml:"document_instruction"`
	QueryInstruction    string      `yaml:"query_instruction"`
	TimeoutSec          int         `yaml:"timeout_sec"`
	Cache               CacheConfig `yaml:"cache"`
}

// CacheConfig holds embedding cache settings.
type CacheConfig struct {
	Enabled  *bool `yaml:"enabled"`   // default: true
	TTLHours int   `yaml:"ttl_hours"` // 0 = no expiry
}

// CorpusConfig locates the rules corpus.
type CorpusConfig struct {
	Path      string `yaml:"path"`
	TextField string `yaml:"text_field"`
	MaxWords  int    `yaml:"max_words"`
}

// SearchConfig holds ranking and fusion settings.
type SearchConfig struct {
	Collection         string   `yaml:"collection"`
	DefaultK           int      `yaml:"default_k"`
	DegradeToLexical   *bool    `yaml:"degrade_to_lexical"` // default: true
	PruneStale         *bool    `yaml:"prune_stale"`        // default: false
	Lowercase          bool     `yaml:"lowercase"`
	BM25K1             float64  `yaml:"bm25_k1"`
	BM25B              *float64 `yaml:"bm25_b"`
	RRFConstant        int      `yaml:"rrf_constant"`
	TimeoutSec         int      `yaml:"timeout_sec"`
	PopulateTimeoutSec int      `yaml:"populate_timeout_sec"`
}

// Load reads configuration from a YAML file by environment name (local, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from the YAML file at configPath.
func LoadFile(configPath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics. Used by the long-running server,
// where a bad config is a startup fault.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "valkey"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.HNSWM <= 0 {
		c.Database.HNSWM = 16
	}
	if c.Database.HNSWEFConstruct <= 0 {
		c.Database.HNSWEFConstruct = 200
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 30
	}
	if c.Embedding.Cache.Enabled == nil {
		c.Embedding.Cache.Enabled = ptr(true)
	}
	if c.Corpus.TextField == "" {
		c.Corpus.TextField = "text"
	}
	if c.Corpus.MaxWords <= 0 {
		c.Corpus.MaxWords = 100
	}
	if c.Search.Collection == "" {
		c.Search.Collection = "rules"
	}
	if c.Search.DefaultK <= 0 {
		c.Search.DefaultK = 3
	}
	if c.Search.DegradeToLexical == nil {
		c.Search.DegradeToLexical = ptr(true)
	}
	if c.Search.PruneStale == nil {
		c.Search.PruneStale = ptr(false)
	}
	if c.Search.BM25K1 <= 0 {
		c.Search.BM25K1 = 1.5
	}
	if c.Search.BM25B == nil {
		c.Search.BM25B = ptr(0.75)
	}
	if c.Search.RRFConstant <= 0 {
		c.Search.RRFConstant = 60
	}
	if c.Search.TimeoutSec <= 0 {
		c.Search.TimeoutSec = 10
	}
	if c.Search.PopulateTimeoutSec <= 0 {
		c.Search.PopulateTimeoutSec = 300
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "valkey", "redis":
	default:
		return fmt.Errorf("database.driver must be \"valkey\" or \"redis\", got %q", c.Database.Driver)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Corpus.Path == "" {
		return fmt.Errorf("corpus.path is required")
	}
	if b := c.Search.BM25B; b != nil && (*b < 0 || *b > 1) {
		return fmt.Errorf("search.bm25_b must be between 0 and 1, got %g", *b)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
