// Package config holds the service configuration: defaults, optional YAML or
// JSON file, environment overrides and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hannes/kiji-rag/src/backend/agents"
	"github.com/hannes/kiji-rag/src/backend/index"
	"github.com/hannes/kiji-rag/src/backend/rag"
)

const TRUE = "true"

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level         string `json:"level" yaml:"level"`
	Development   bool   `json:"development" yaml:"development"`
	LogRequests   bool   `json:"log_requests" yaml:"log_requests"`       // Log masked request content
	LogResponses  bool   `json:"log_responses" yaml:"log_responses"`     // Log masked response content
	LogPIIChanges bool   `json:"log_pii_changes" yaml:"log_pii_changes"` // Log PII detection and restoration
	LogVerbose    bool   `json:"log_verbose" yaml:"log_verbose"`         // Log original values next to pseudonyms
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver       string `json:"driver" yaml:"driver"` // sqlite or postgres
	Path         string `json:"path" yaml:"path"`     // SQLite file
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	Database     string `json:"database" yaml:"database"`
	Username     string `json:"username" yaml:"username"`
	Password     string `json:"-" yaml:"password"`
	SSLMode      string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime" yaml:"max_lifetime"` // seconds
}

// DSN builds the Postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
}

// DetectorConfig selects the PII detector
type DetectorConfig struct {
	Name              string  `json:"name" yaml:"name"` // onnx_model_detector, regex_detector or analyzer_detector
	ModelDirectory    string  `json:"model_directory" yaml:"model_directory"`
	SharedLibraryPath string  `json:"shared_library_path" yaml:"shared_library_path"`
	AnalyzerURL       string  `json:"analyzer_url" yaml:"analyzer_url"`
	ScoreThreshold    float64 `json:"score_threshold" yaml:"score_threshold"`
	Language          string  `json:"language" yaml:"language"`
	WatchModel        bool    `json:"watch_model" yaml:"watch_model"`
	// WithRegex adds the regex detector next to the primary one
	WithRegex bool `json:"with_regex" yaml:"with_regex"`
}

// ProviderConfig configures one LLM provider
type ProviderConfig struct {
	Type              string            `json:"type" yaml:"type"`
	APIDomain         string            `json:"api_domain" yaml:"api_domain"`
	APIKey            string            `json:"-" yaml:"api_key"`
	Model             string            `json:"model" yaml:"model"`
	AdditionalHeaders map[string]string `json:"additional_headers" yaml:"additional_headers"`
	TimeoutSeconds    int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	RequestsPerSecond float64           `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int               `json:"burst" yaml:"burst"`
}

// EmbeddingConfig configures the embedder
type EmbeddingConfig struct {
	Provider  string `json:"provider" yaml:"provider"`
	Model     string `json:"model" yaml:"model"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKey    string `json:"-" yaml:"api_key"`
	TaskType  string `json:"task_type" yaml:"task_type"`
	// QueryTaskType embeds search queries, TaskType embeds documents
	QueryTaskType string `json:"query_task_type" yaml:"query_task_type"`
	CachePath     string `json:"cache_path" yaml:"cache_path"`
}

// IndexConfig selects the vector index
type IndexConfig struct {
	Backend   string `json:"backend" yaml:"backend"` // weaviate or memory
	Host      string `json:"host" yaml:"host"`
	Scheme    string `json:"scheme" yaml:"scheme"`
	APIKey    string `json:"-" yaml:"api_key"`
	ClassName string `json:"class_name" yaml:"class_name"`
}

// RerankerConfig selects the cross encoder
type RerankerConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // onnx, http or none
	URL           string `json:"url" yaml:"url"`
	ModelPath     string `json:"model_path" yaml:"model_path"`
	TokenizerPath string `json:"tokenizer_path" yaml:"tokenizer_path"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port              string   `json:"port" yaml:"port"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int      `json:"burst" yaml:"burst"`
	WorkerPoolSize    int      `json:"worker_pool_size" yaml:"worker_pool_size"`
	ContextMasking    bool     `json:"context_masking" yaml:"context_masking"`
}

// RetentionConfig controls idle session deletion
type RetentionConfig struct {
	SessionTTLHours int    `json:"session_ttl_hours" yaml:"session_ttl_hours"` // 0 disables the sweep
	Schedule        string `json:"schedule" yaml:"schedule"`                   // cron expression
}

// TelemetryConfig configures Sentry
type TelemetryConfig struct {
	SentryDSN   string  `json:"-" yaml:"sentry_dsn"`
	Environment string  `json:"environment" yaml:"environment"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// Config holds all configuration for the service
type Config struct {
	SecretKey string              `json:"-" yaml:"secret_key"`
	Server    ServerConfig        `json:"server" yaml:"server"`
	Database  DatabaseConfig      `json:"database" yaml:"database"`
	Logging   LoggingConfig       `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Detector  DetectorConfig      `json:"detector" yaml:"detector"`
	LLM       ProviderConfig      `json:"llm" yaml:"llm"`
	Embedding EmbeddingConfig     `json:"embedding" yaml:"embedding"`
	Index     IndexConfig         `json:"index" yaml:"index"`
	Reranker  RerankerConfig      `json:"reranker" yaml:"reranker"`
	RAG       rag.Options         `json:"rag" yaml:"rag"`
	Router    agents.RouterConfig `json:"router" yaml:"router"`
	History   int                 `json:"max_history" yaml:"max_history"`
	Retention RetentionConfig     `json:"retention" yaml:"retention"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".kiji-rag")

	return &Config{
		Server: ServerConfig{
			Port:              ":8080",
			CORSOrigins:       []string{"http://localhost:3000"},
			RequestsPerSecond: 10,
			Burst:             20,
			ContextMasking:    true,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			Path:         filepath.Join(dataDir, "kiji-rag.db"),
			Host:         "localhost",
			Port:         5432,
			Database:     "kiji_rag",
			Username:     "postgres",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
		},
		Logging: LoggingConfig{
			Level:         "info",
			LogRequests:   true,
			LogResponses:  true,
			LogPIIChanges: true,
		},
		Telemetry: TelemetryConfig{Environment: "development", SampleRate: 1.0},
		Detector: DetectorConfig{
			Name:           "onnx_model_detector",
			ModelDirectory: "model/quantized",
			ScoreThreshold: 0.5,
			Language:       "en",
		},
		LLM: ProviderConfig{
			Type:           "openai",
			APIDomain:      "api.openai.com",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Embedding: EmbeddingConfig{
			Provider:  "genai",
			Model:     "text-embedding-004",
			TaskType:      "RETRIEVAL_DOCUMENT",
			QueryTaskType: "RETRIEVAL_QUERY",
			CachePath:     filepath.Join(dataDir, "embeddings.db"),
		},
		Index: IndexConfig{
			Backend:   "weaviate",
			Host:      "localhost:8081",
			Scheme:    "http",
			ClassName: "DocumentChunk",
		},
		Reranker:  RerankerConfig{Backend: "none"},
		RAG:       rag.DefaultOptions(),
		Router:    agents.DefaultRouterConfig(),
		History:   agents.DefaultMaxHistory,
		Retention: RetentionConfig{SessionTTLHours: 24 * 30, Schedule: "@hourly"},
	}
}

// LoadFile decodes a YAML or JSON (by extension) file over cfg
func LoadFile(path string, cfg *Config) error {
	// #nosec G304 - config file path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

// LoadFromEnv overrides cfg with environment variables
func LoadFromEnv(cfg *Config) {
	loadDatabaseConfig(cfg)
	loadApplicationConfig(cfg)
	loadPIIDetectorConfig(cfg)
	loadLoggingConfig(cfg)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == TRUE
	}
}

// loadDatabaseConfig loads database configuration from environment variables
func loadDatabaseConfig(cfg *Config) {
	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.Path, "DB_PATH")
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.Username, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.SSLMode, "DB_SSL_MODE")
	setInt(&cfg.Retention.SessionTTLHours, "SESSION_TTL_HOURS")
}

// loadApplicationConfig loads application configuration from environment variables
func loadApplicationConfig(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.SecretKey, "SECRET_KEY")
	setString(&cfg.Telemetry.SentryDSN, "SENTRY_DSN")

	setString(&cfg.LLM.Type, "LLM_PROVIDER")
	setString(&cfg.LLM.APIDomain, "LLM_API_DOMAIN")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Type {
		case "openai":
			setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
		case "anthropic":
			setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
		case "mistral":
			setString(&cfg.LLM.APIKey, "MISTRAL_API_KEY")
		case "gemini":
			setString(&cfg.LLM.APIKey, "GOOGLE_API_KEY")
		}
	}

	setString(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setString(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	if cfg.Embedding.APIKey == "" {
		if cfg.Embedding.Provider == "openai" {
			setString(&cfg.Embedding.APIKey, "OPENAI_API_KEY")
		} else {
			setString(&cfg.Embedding.APIKey, "GOOGLE_API_KEY")
		}
	}

	setString(&cfg.Index.Backend, "INDEX_BACKEND")
	setString(&cfg.Index.Host, "WEAVIATE_HOST")
	setString(&cfg.Index.Scheme, "WEAVIATE_SCHEME")
	setString(&cfg.Index.APIKey, "WEAVIATE_API_KEY")
	setString(&cfg.Reranker.Backend, "RERANKER_BACKEND")
	setString(&cfg.Reranker.URL, "RERANKER_URL")
}

// loadPIIDetectorConfig loads PII detector configuration from environment variables
func loadPIIDetectorConfig(cfg *Config) {
	setString(&cfg.Detector.Name, "DETECTOR_NAME")
	setString(&cfg.Detector.ModelDirectory, "MODEL_DIRECTORY")
	setString(&cfg.Detector.AnalyzerURL, "MODEL_BASE_URL")
	setString(&cfg.Detector.SharedLibraryPath, "ONNXRUNTIME_SHARED_LIBRARY_PATH")
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(cfg *Config) {
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setBool(&cfg.Logging.Development, "LOG_DEVELOPMENT")
	setBool(&cfg.Logging.LogPIIChanges, "LOG_PII_CHANGES")
	setBool(&cfg.Logging.LogVerbose, "LOG_VERBOSE")
	setBool(&cfg.Logging.LogRequests, "LOG_REQUESTS")
	setBool(&cfg.Logging.LogResponses, "LOG_RESPONSES")
}

// GetLogPIIChanges returns whether to log PII changes
func (lc LoggingConfig) GetLogPIIChanges() bool {
	return lc.LogPIIChanges
}

// GetLogVerbose returns whether to log verbose PII details
func (lc LoggingConfig) GetLogVerbose() bool {
	return lc.LogVerbose
}

// GetLogResponses returns whether to log response content
func (lc LoggingConfig) GetLogResponses() bool {
	return lc.LogResponses
}

// ProviderTimeout returns the provider timeout as a duration
func (p ProviderConfig) ProviderTimeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

var (
	domainPattern     = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}(:\d+)?$|^localhost(:\d+)?$`)
	headerNamePattern = regexp.MustCompile(`^[!#$%&'*+\-.^_` + "`" + `|~0-9A-Za-z]+$`)
)

func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	n, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, n)
	}
	return nil
}

func validateDomain(domain, fieldName string) error {
	if domain == "" {
		return fmt.Errorf("%s: domain cannot be empty", fieldName)
	}
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return fmt.Errorf("%s: domain must not include protocol 'http://' or 'https://' (current value: %s)", fieldName, domain)
	}
	if !domainPattern.MatchString(domain) {
		return fmt.Errorf("%s: domain format is invalid (current value: %s)", fieldName, domain)
	}
	return nil
}

func validateAdditionalHeaders(headers map[string]string, fieldName string) error {
	for name := range headers {
		if name == "" {
			return fmt.Errorf("%s: header name cannot be empty", fieldName)
		}
		if !headerNamePattern.MatchString(name) {
			return fmt.Errorf("%s: header name '%s' contains invalid characters", fieldName, name)
		}
	}
	return nil
}

func validateProviderConfig(p ProviderConfig, providerName string) error {
	// gemini is reached through the genai SDK and has no domain to check
	if p.Type != "gemini" {
		if err := validateDomain(p.APIDomain, providerName+".APIDomain"); err != nil {
			return err
		}
	}
	return validateAdditionalHeaders(p.AdditionalHeaders, providerName+".AdditionalHeaders")
}

func validateUnit(v float64, fieldName string) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s: must be between 0 and 1 (current value: %v)", fieldName, v)
	}
	return nil
}

func validateOneOf(v, fieldName string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: must be one of %s (current value: %s)", fieldName, strings.Join(allowed, ", "), v)
}

// ValidateConfig reports every invalid field, joined with "; "
func (c *Config) ValidateConfig() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(validatePort(c.Server.Port, "Server.Port"))
	add(validateOneOf(c.LLM.Type, "LLM.Type", "openai", "anthropic", "gemini", "mistral"))
	add(validateProviderConfig(c.LLM, "LLM"))
	add(validateOneOf(c.Database.Driver, "Database.Driver", "sqlite", "postgres"))
	add(validateOneOf(c.Detector.Name, "Detector.Name", "onnx_model_detector", "regex_detector", "analyzer_detector"))
	add(validateOneOf(c.Embedding.Provider, "Embedding.Provider", "genai", "gemini", "openai"))
	add(validateOneOf(c.Index.Backend, "Index.Backend", "weaviate", "memory"))
	add(validateOneOf(c.Reranker.Backend, "Reranker.Backend", "onnx", "http", "none"))
	add(validateOneOf(string(c.RAG.Mode), "RAG.Mode", string(index.SearchHybrid), string(index.SearchVector)))
	add(validateUnit(float64(c.RAG.Alpha), "RAG.Alpha"))
	add(validateUnit(c.RAG.MinRetrievalConfidence, "RAG.MinRetrievalConfidence"))
	add(validateUnit(c.Router.ConfidenceThreshold, "Router.ConfidenceThreshold"))
	if c.RAG.TopK <= 0 {
		add(fmt.Errorf("RAG.TopK: must be positive (current value: %d)", c.RAG.TopK))
	}
	if c.RAG.RerankTopK <= 0 {
		add(fmt.Errorf("RAG.RerankTopK: must be positive (current value: %d)", c.RAG.RerankTopK))
	}
	if c.History <= 0 {
		add(fmt.Errorf("MaxHistory: must be positive (current value: %d)", c.History))
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ErrMissingSecret is returned by RequireSecret
var ErrMissingSecret = errors.New("SECRET_KEY is required for pseudonym generation")

// RequireSecret checks the secret needed by commands that mint pseudonyms
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return ErrMissingSecret
	}
	return nil
}
