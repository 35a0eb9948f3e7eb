package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// Backend and provider names accepted by Validate.
const (
	LexicalBackendScan  = "scan"
	LexicalBackendBleve = "bleve"

	VectorBackendHNSW     = "hnsw"
	VectorBackendPgVector = "pgvector"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderStatic = "static"
)

// ProjectConfigNames are the file names Load looks for in the working directory.
var ProjectConfigNames = []string{"amanrag.yaml", "amanrag.yml"}

// Config is the complete amanrag configuration.
type Config struct {
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Lexical   LexicalConfig   `yaml:"lexical" json:"lexical"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Corpus    CorpusConfig    `yaml:"corpus" json:"corpus"`
	Rerank    RerankConfig    `yaml:"rerank" json:"rerank"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// RetrievalConfig tunes the hybrid fan-out and fusion.
type RetrievalConfig struct {
	// VectorTopK and LexicalTopK are the candidates requested from each leg.
	VectorTopK  int `yaml:"vector_top_k" json:"vector_top_k"`
	LexicalTopK int `yaml:"lexical_top_k" json:"lexical_top_k"`

	// RRFConstant is the RRF smoothing parameter K in 1/(K+rank).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// DefaultK is the result count when a request does not ask for one.
	DefaultK int `yaml:"default_k" json:"default_k"`

	VectorTimeout  time.Duration `yaml:"vector_timeout" json:"vector_timeout"`
	LexicalTimeout time.Duration `yaml:"lexical_timeout" json:"lexical_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// LexicalConfig selects and tunes the keyword leg.
type LexicalConfig struct {
	// Backend is "scan" (BM25 over a corpus scan) or "bleve" (in-memory inverted index).
	Backend   string  `yaml:"backend" json:"backend"`
	ScanLimit int     `yaml:"scan_limit" json:"scan_limit"`
	K1        float64 `yaml:"k1" json:"k1"`
	B         float64 `yaml:"b" json:"b"`
	Workers   int     `yaml:"workers" json:"workers"`
}

// VectorConfig selects and tunes the dense leg.
type VectorConfig struct {
	// Backend is "hnsw" (in-process graph) or "pgvector" (Postgres).
	Backend     string `yaml:"backend" json:"backend"`
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	Table       string `yaml:"table" json:"table"`
	HNSWM       int    `yaml:"hnsw_m" json:"hnsw_m"`
	EfSearch    int    `yaml:"ef_search" json:"ef_search"`
}

// CorpusConfig points at the chunk corpus. At most one source may be set.
type CorpusConfig struct {
	// Path is a JSONL snapshot of chunks with optional embeddings.
	Path string `yaml:"path" json:"path"`
	// SQLitePath is a SQLite database with a chunks table.
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
}

// RerankConfig configures the optional cross-encoder stage.
type RerankConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	TopK     int           `yaml:"top_k" json:"top_k"`
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Model    string        `yaml:"model" json:"model"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// EmbeddingConfig configures the query embedding provider and its cache.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider" json:"provider"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`

	CacheCapacity int           `yaml:"cache_capacity" json:"cache_capacity"`
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// TelemetryConfig configures query metrics. SQLitePath empty keeps counters in memory.
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	SQLitePath    string        `yaml:"sqlite_path" json:"sqlite_path"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Retrieval: RetrievalConfig{
			VectorTopK:     12,
			LexicalTopK:    12,
			RRFConstant:    60,
			DefaultK:       8,
			VectorTimeout:  2 * time.Second,
			LexicalTimeout: 2 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Lexical: LexicalConfig{
			Backend:   LexicalBackendScan,
			ScanLimit: 1000,
			K1:        1.2,
			B:         0.75,
			Workers:   4,
		},
		Vector: VectorConfig{
			Backend:  VectorBackendHNSW,
			Table:    "chunks",
			HNSWM:    16,
			EfSearch: 20,
		},
		Rerank: RerankConfig{
			Enabled: false,
			TopK:    8,
			Model:   "cross-encoder/ms-marco-MiniLM-L-6-v2",
			Timeout: 5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:      ProviderStatic,
			Model:         "text-embedding-3-small",
			Dimensions:    1536,
			Timeout:       10 * time.Second,
			MaxRetries:    3,
			CacheCapacity: 1000,
			CacheTTL:      time.Hour,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			FlushInterval: 60 * time.Second,
		},
	}
}

// GetUserConfigPath returns the user-level configuration file:
//   - $XDG_CONFIG_HOME/amanrag/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/amanrag/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amanrag", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "amanrag", "config.yaml")
	}
	return filepath.Join(home, ".config", "amanrag", "config.yaml")
}

// Load resolves configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/amanrag/config.yaml)
//  3. Project config: path if given, else amanrag.yaml in the working directory
//  4. .env in the working directory (never overrides variables already set)
//  5. Environment variables (AMANRAG_*, OPENAI_API_KEY)
//
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated resolves configuration like Load but skips Validate, for
// callers that report validation problems themselves.
func LoadUnvalidated(path string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	} else {
		for _, name := range ProjectConfigNames {
			if fileExists(name) {
				if err := cfg.loadYAML(name); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if !fileExists(p) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return amerrors.New(amerrors.ErrCodeConfigLoadFailed,
				fmt.Sprintf("failed to load env file %s", p), err)
		}
	}
	return nil
}

// loadYAML decodes a YAML file over the current values. Keys absent from
// the file keep their previous value, so explicit zeros and false are honored.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeConfigLoadFailed,
			fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return amerrors.New(amerrors.ErrCodeConfigLoadFailed,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// applyEnvOverrides applies AMANRAG_* environment variable overrides.
// Unparseable values are logged and ignored.
func (c *Config) applyEnvOverrides() {
	if v, ok := lookupEnv("AMANRAG_RERANK_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Rerank.Enabled = b
		} else {
			warnEnv("AMANRAG_RERANK_ENABLED", v, err)
		}
	}
	envInt("AMANRAG_RERANK_TOP_K", &c.Rerank.TopK)
	envString("AMANRAG_RERANK_ENDPOINT", &c.Rerank.Endpoint)

	envString("AMANRAG_EMBEDDING_PROVIDER", &c.Embedding.Provider)
	envString("AMANRAG_EMBEDDING_MODEL", &c.Embedding.Model)
	envString("AMANRAG_EMBEDDING_ENDPOINT", &c.Embedding.Endpoint)
	envInt("AMANRAG_EMBEDDING_DIMENSIONS", &c.Embedding.Dimensions)
	envString("OPENAI_API_KEY", &c.Embedding.APIKey)

	envString("AMANRAG_VECTOR_BACKEND", &c.Vector.Backend)
	envString("AMANRAG_POSTGRES_DSN", &c.Vector.PostgresDSN)
	envString("AMANRAG_LEXICAL_BACKEND", &c.Lexical.Backend)

	envString("AMANRAG_CORPUS_PATH", &c.Corpus.Path)
	envString("AMANRAG_CORPUS_SQLITE_PATH", &c.Corpus.SQLitePath)

	envInt("AMANRAG_RRF_CONSTANT", &c.Retrieval.RRFConstant)
	envInt("AMANRAG_SERVER_PORT", &c.Server.Port)
	envString("AMANRAG_LOG_LEVEL", &c.Logging.Level)
	envString("AMANRAG_TELEMETRY_SQLITE_PATH", &c.Telemetry.SQLitePath)
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func envString(key string, dst *string) {
	if v, ok := lookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warnEnv(key, v, err)
		return
	}
	*dst = n
}

func warnEnv(key, value string, err error) {
	slog.Warn("config_env_ignored",
		slog.String("key", key),
		slog.String("value", value),
		slog.String("error", err.Error()))
}

// Validate checks ranges and cross-field constraints. All problems are
// reported together in one ERR_102_CONFIG_INVALID error.
func (c *Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	r := c.Retrieval
	check(r.VectorTopK > 0, "retrieval.vector_top_k must be positive, got %d", r.VectorTopK)
	check(r.LexicalTopK > 0, "retrieval.lexical_top_k must be positive, got %d", r.LexicalTopK)
	check(r.RRFConstant > 0, "retrieval.rrf_constant must be positive, got %d", r.RRFConstant)
	check(r.DefaultK > 0, "retrieval.default_k must be positive, got %d", r.DefaultK)
	check(r.VectorTimeout > 0, "retrieval.vector_timeout must be positive, got %s", r.VectorTimeout)
	check(r.LexicalTimeout > 0, "retrieval.lexical_timeout must be positive, got %s", r.LexicalTimeout)
	check(r.RequestTimeout > 0, "retrieval.request_timeout must be positive, got %s", r.RequestTimeout)

	l := c.Lexical
	check(l.Backend == LexicalBackendScan || l.Backend == LexicalBackendBleve,
		"lexical.backend must be %q or %q, got %q", LexicalBackendScan, LexicalBackendBleve, l.Backend)
	check(l.ScanLimit > 0, "lexical.scan_limit must be positive, got %d", l.ScanLimit)
	check(l.K1 >= 0, "lexical.k1 must be non-negative, got %g", l.K1)
	check(l.B >= 0 && l.B <= 1, "lexical.b must be between 0 and 1, got %g", l.B)
	check(l.Workers > 0, "lexical.workers must be positive, got %d", l.Workers)

	v := c.Vector
	check(v.Backend == VectorBackendHNSW || v.Backend == VectorBackendPgVector,
		"vector.backend must be %q or %q, got %q", VectorBackendHNSW, VectorBackendPgVector, v.Backend)
	if v.Backend == VectorBackendPgVector {
		check(v.PostgresDSN != "", "vector.postgres_dsn is required when vector.backend is %q", VectorBackendPgVector)
		check(v.Table != "", "vector.table is required when vector.backend is %q", VectorBackendPgVector)
	}

	check(c.Corpus.Path == "" || c.Corpus.SQLitePath == "",
		"corpus.path and corpus.sqlite_path are mutually exclusive")

	check(c.Rerank.TopK > 0, "rerank.top_k must be positive, got %d", c.Rerank.TopK)
	if c.Rerank.Enabled {
		check(c.Rerank.Endpoint != "", "rerank.endpoint is required when reranking is enabled")
	}

	e := c.Embedding
	switch strings.ToLower(e.Provider) {
	case ProviderOpenAI, ProviderOllama, ProviderStatic:
	default:
		check(false, "embedding.provider must be %q, %q or %q, got %q",
			ProviderOpenAI, ProviderOllama, ProviderStatic, e.Provider)
	}
	check(e.Dimensions > 0, "embedding.dimensions must be positive, got %d", e.Dimensions)
	check(e.CacheCapacity > 0, "embedding.cache_capacity must be positive, got %d", e.CacheCapacity)
	check(e.CacheTTL >= 0, "embedding.cache_ttl must be non-negative, got %s", e.CacheTTL)
	check(e.MaxRetries >= 0, "embedding.max_retries must be non-negative, got %d", e.MaxRetries)

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be in 1-65535, got %d", c.Server.Port)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	check(validLevels[strings.ToLower(c.Logging.Level)],
		"logging.level must be 'debug', 'info', 'warn', or 'error', got %q", c.Logging.Level)

	check(c.Telemetry.FlushInterval >= 0, "telemetry.flush_interval must be non-negative, got %s", c.Telemetry.FlushInterval)

	if len(problems) > 0 {
		return amerrors.ConfigError("invalid configuration", errors.Join(problems...))
	}
	return nil
}

// Redacted returns a copy safe to print: secrets are masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Embedding.APIKey != "" {
		out.Embedding.APIKey = "****"
	}
	if out.Vector.PostgresDSN != "" {
		out.Vector.PostgresDSN = "****"
	}
	return &out
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
