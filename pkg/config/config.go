// Package config loads the service configuration from the process
// environment. Every recognized key is documented on the field that
// consumes it; defaults are applied by SetDefaults and checked by
// Validate before any component is constructed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the root configuration for the service.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Graph     GraphConfig
	Cache     CacheConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Agent     AgentConfig
	Ingest    IngestConfig
	Metrics   MetricsConfig
}

// AppConfig controls the process environment and HTTP bind address.
type AppConfig struct {
	Env  string // APP_ENV: development | staging | production
	Host string // APP_HOST
	Port int    // APP_PORT
}

func (c *AppConfig) SetDefaults() {
	if c.Env == "" {
		c.Env = EnvDevelopment
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8058
	}
}

func (c *AppConfig) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid APP_ENV: %s", c.Env)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid APP_PORT: %d", c.Port)
	}
	return nil
}

// IsProduction reports whether the dev-tenant fallback is forbidden.
func (c *AppConfig) IsProduction() bool { return c.Env == EnvProduction }

// DatabaseConfig holds the chunk store DSN and pool bounds.
type DatabaseConfig struct {
	URL          string // DATABASE_URL
	MinConns     int
	MaxConns     int
	QueryTimeout time.Duration
}

func (c *DatabaseConfig) SetDefaults() {
	if c.MinConns == 0 {
		c.MinConns = 5
	}
	if c.MaxConns == 0 {
		c.MaxConns = 20
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 60 * time.Second
	}
}

func (c *DatabaseConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("database pool min (%d) exceeds max (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// GraphConfig holds the graph store connection settings.
type GraphConfig struct {
	URI          string // NEO4J_URI
	User         string // NEO4J_USER
	Password     string // NEO4J_PASSWORD
	QueryTimeout time.Duration
}

func (c *GraphConfig) SetDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 60 * time.Second
	}
}

func (c *GraphConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("NEO4J_URI is required")
	}
	return nil
}

// CacheConfig holds the optional result/embedding cache settings.
// An empty URL disables caching; every cache operation degrades to a
// miss rather than failing the request.
type CacheConfig struct {
	URL            string // REDIS_URL (optional)
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
}

func (c *CacheConfig) SetDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 5 * time.Second
	}
}

// Enabled reports whether a cache backend is configured.
func (c *CacheConfig) Enabled() bool { return c.URL != "" }

// LLMConfig selects the agent model provider.
type LLMConfig struct {
	Provider string // LLM_PROVIDER
	APIKey   string // LLM_API_KEY
	Model    string // LLM_CHOICE
	BaseURL  string // LLM_BASE_URL
	Timeout  time.Duration
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
}

func (c *LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	return nil
}

// EmbeddingConfig selects the embedding provider and dimension D.
type EmbeddingConfig struct {
	Provider  string // EMBEDDING_PROVIDER
	APIKey    string // EMBEDDING_API_KEY
	Model     string // EMBEDDING_MODEL
	BaseURL   string // EMBEDDING_BASE_URL
	Dimension int    // VECTOR_DIMENSION: must match stored D
	Offline   bool   // EMBEDDINGS_OFFLINE: deterministic local vectors
	Timeout   time.Duration
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *EmbeddingConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("VECTOR_DIMENSION must be positive, got %d", c.Dimension)
	}
	if !c.Offline && c.APIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY is required unless EMBEDDINGS_OFFLINE=1")
	}
	return nil
}

// AgentConfig controls the conversation runtime.
type AgentConfig struct {
	HistoryMessages    int    // messages loaded per turn
	PromptTokenBudget  int    // in-prompt prefix budget
	DisablePersistence bool   // DISABLE_DB_PERSISTENCE
	DevTenantUUID      string // DEV_TENANT_UUID (non-production fallback)
	DevSessionUUID     string // DEV_SESSION_UUID
}

func (c *AgentConfig) SetDefaults() {
	if c.HistoryMessages == 0 {
		c.HistoryMessages = 10
	}
	if c.PromptTokenBudget == 0 {
		c.PromptTokenBudget = 2000
	}
}

// IngestConfig controls the ingestion pipeline.
type IngestConfig struct {
	StreamingThresholdBytes int64
	MaxSectionSize          int
	Concurrency             int
	GraphWriteDelay         time.Duration
	SectionSoftTimeout      time.Duration
	StaleProcessingAfter    time.Duration
}

func (c *IngestConfig) SetDefaults() {
	if c.StreamingThresholdBytes == 0 {
		c.StreamingThresholdBytes = 5 << 20
	}
	if c.MaxSectionSize == 0 {
		c.MaxSectionSize = 2000
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.GraphWriteDelay == 0 {
		c.GraphWriteDelay = 500 * time.Millisecond
	}
	if c.SectionSoftTimeout == 0 {
		c.SectionSoftTimeout = 30 * time.Second
	}
	if c.StaleProcessingAfter == 0 {
		c.StaleProcessingAfter = 2 * time.Hour
	}
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool // ENABLE_METRICS
	Port    int  // METRICS_PORT (0 = share the app port)
}

// LoadEnvFiles loads .env.local and .env if present.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment and applies
// defaults. Validation is left to the caller so that commands can
// decide which subsystems they actually need.
func Load() *Config {
	cfg := &Config{
		App: AppConfig{
			Env:  os.Getenv("APP_ENV"),
			Host: os.Getenv("APP_HOST"),
			Port: envInt("APP_PORT"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Graph: GraphConfig{
			URI:      os.Getenv("NEO4J_URI"),
			User:     os.Getenv("NEO4J_USER"),
			Password: os.Getenv("NEO4J_PASSWORD"),
		},
		Cache: CacheConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		LLM: LLMConfig{
			Provider: os.Getenv("LLM_PROVIDER"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    os.Getenv("LLM_CHOICE"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		},
		Embedding: EmbeddingConfig{
			Provider:  os.Getenv("EMBEDDING_PROVIDER"),
			APIKey:    os.Getenv("EMBEDDING_API_KEY"),
			Model:     os.Getenv("EMBEDDING_MODEL"),
			BaseURL:   os.Getenv("EMBEDDING_BASE_URL"),
			Dimension: envInt("VECTOR_DIMENSION"),
			Offline:   envBool("EMBEDDINGS_OFFLINE"),
		},
		Agent: AgentConfig{
			DisablePersistence: envBool("DISABLE_DB_PERSISTENCE"),
			DevTenantUUID:      os.Getenv("DEV_TENANT_UUID"),
			DevSessionUUID:     os.Getenv("DEV_SESSION_UUID"),
		},
		Metrics: MetricsConfig{
			Enabled: envBool("ENABLE_METRICS"),
			Port:    envInt("METRICS_PORT"),
		},
	}

	cfg.App.SetDefaults()
	cfg.Database.SetDefaults()
	cfg.Graph.SetDefaults()
	cfg.Cache.SetDefaults()
	cfg.LLM.SetDefaults()
	cfg.Embedding.SetDefaults()
	cfg.Agent.SetDefaults()
	cfg.Ingest.SetDefaults()

	return cfg
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}
