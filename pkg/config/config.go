// Package config parses HermesIndex's declarative YAML configuration and
// exposes the immutable, name-indexed source registry built from it.
//
// Configuration is YAML (gopkg.in/yaml.v3), with an environment variable
// overlay for secrets applied on top of the parsed document: an env var
// only wins when set and non-empty, so the YAML document remains the
// source of truth for everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hermesindex/hermesindex/pkg/errkind"
	"gopkg.in/yaml.v3"
)

// Source is one logical stream feeding the index.
type Source struct {
	Name            string   `yaml:"name"`
	TableOrView     string   `yaml:"table_or_view"`
	IDField         string   `yaml:"id_field"`
	TextField       string   `yaml:"text_field"`
	UpdatedAtField  string   `yaml:"updated_at_field"`
	ExtraFields     []string `yaml:"extra_fields"`
	TMDBEnrich      bool     `yaml:"tmdb_enrich"`
	KeywordSearch   bool     `yaml:"keyword_search"`
	BatchSize       int      `yaml:"batch_size"`
	ContentType     string   `yaml:"content_type"`
}

// Postgres holds the upstream torrent-metadata database connection.
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// Bitmagnet holds the third-party schema qualifier for the upstream tables.
type Bitmagnet struct {
	Schema string `yaml:"schema"`
}

// VectorStoreKind selects the vector store backend variant.
type VectorStoreKind string

const (
	VectorStoreHNSW   VectorStoreKind = "hnsw"
	VectorStoreRemote VectorStoreKind = "remote"
)

// VectorStore configures the Vector Store Adapter.
type VectorStore struct {
	Type              VectorStoreKind `yaml:"type"`
	Path              string          `yaml:"path"`
	URL               string          `yaml:"url"`
	Collection        string          `yaml:"collection"`
	Dim               int             `yaml:"dim"`
	TimeoutSeconds    int             `yaml:"timeout_seconds"`
	HTTPTimeoutSecs   int             `yaml:"http_timeout_seconds"`
	EfSearch          int             `yaml:"ef_search"`
}

func (v VectorStore) Timeout() time.Duration {
	return time.Duration(orDefault(v.TimeoutSeconds, 5)) * time.Second
}

func (v VectorStore) HTTPTimeout() time.Duration {
	return time.Duration(orDefault(v.HTTPTimeoutSecs, 10)) * time.Second
}

// Embedding configures the Embedding Client.
type Embedding struct {
	URL             string `yaml:"url"`
	Model           string `yaml:"model"`
	Dim             int    `yaml:"dim"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	QueryPrefix     string `yaml:"query_prefix"`
	DocumentPrefix  string `yaml:"document_prefix"`
	MaxBatch        int    `yaml:"max_batch"`
	LocalModelPath  string `yaml:"local_model_path"`
	MaxInFlight     int    `yaml:"max_in_flight"`
	QueueDepth      int    `yaml:"queue_depth"`
}

func (e Embedding) Timeout() time.Duration {
	return time.Duration(orDefault(e.TimeoutSeconds, 10)) * time.Second
}

// TMDB configures the enrichment worker and query expander.
type TMDB struct {
	AutoEnrich           bool    `yaml:"auto_enrich"`
	QueryExpand          bool    `yaml:"query_expand"`
	QueryExpandTimeoutMS int     `yaml:"query_expand_timeout_ms"`
	Limit                int     `yaml:"limit"`
	SleepSeconds         int     `yaml:"sleep_seconds"`
	BaseURL              string  `yaml:"base_url"`
	APIKey               string  `yaml:"api_key"`
	RatePerSecond        float64 `yaml:"rate_per_second"`
	Burst                int     `yaml:"burst"`
}

func (t TMDB) QueryExpandTimeout() time.Duration {
	return time.Duration(orDefault(t.QueryExpandTimeoutMS, 1500)) * time.Millisecond
}

func (t TMDB) SleepInterval() time.Duration {
	return time.Duration(orDefault(t.SleepSeconds, 60)) * time.Second
}

// Search holds serve-side tunables.
type Search struct {
	TopK               int  `yaml:"topk"`
	FetchK             int  `yaml:"fetch_k"`
	GPUTimeoutSeconds  int  `yaml:"gpu_timeout_seconds"`
	ExcludeNSFWDefault bool `yaml:"exclude_nsfw_default"`
}

// Auth is parsed and validated but the authenticator itself is an external
// collaborator; see pkg/httpapi.Authenticator.
type Auth struct {
	Enabled         bool   `yaml:"enabled"`
	AdminUser       string `yaml:"admin_user"`
	AdminPassword   string `yaml:"admin_password"`
	UserStorePath   string `yaml:"user_store_path"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
}

// SyncConfig holds sync pipeline / compaction tunables.
type SyncConfig struct {
	CompactionCron string `yaml:"compaction_cron"`
}

// StateConfig holds state store tunables.
type StateConfig struct {
	CacheEnabled bool   `yaml:"cache_enabled"`
	CachePath    string `yaml:"cache_path"`
}

// HTTPConfig holds the daemon's listen address.
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Config is the top-level HermesIndex configuration document.
type Config struct {
	Postgres    Postgres    `yaml:"postgres"`
	Bitmagnet   Bitmagnet   `yaml:"bitmagnet"`
	VectorStore VectorStore `yaml:"vector_store"`
	Embedding   Embedding   `yaml:"embedding"`
	Sources     []Source    `yaml:"sources"`
	TMDB        TMDB        `yaml:"tmdb"`
	Search      Search      `yaml:"search"`
	Auth        Auth        `yaml:"auth"`
	Sync        SyncConfig  `yaml:"sync"`
	State       StateConfig `yaml:"state"`
	HTTP        HTTPConfig  `yaml:"http"`
}

// Load reads a YAML config file from path, applies defaults, overlays
// environment variables for secrets, and validates the result.
//
// An env var only wins when set and non-empty, so the YAML document
// remains the source of truth for everything else.
func Load(path string) (*Config, *Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.ConfigInvalid, "read config file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, errkind.Wrap(errkind.ConfigInvalid, "parse config yaml", err)
	}

	applyDefaults(&cfg)
	applyEnvOverlay(&cfg)

	registry, err := newRegistry(cfg.Sources)
	if err != nil {
		return nil, nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, nil, err
	}

	return &cfg, registry, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bitmagnet.Schema == "" {
		cfg.Bitmagnet.Schema = "hermes"
	}
	if cfg.Search.TopK == 0 {
		cfg.Search.TopK = 20
	}
	if cfg.Search.FetchK == 0 {
		cfg.Search.FetchK = 200
	}
	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Embedding.MaxBatch == 0 {
		cfg.Embedding.MaxBatch = 32
	}
	if cfg.Embedding.MaxInFlight == 0 {
		cfg.Embedding.MaxInFlight = 4
	}
	if cfg.Embedding.QueueDepth == 0 {
		cfg.Embedding.QueueDepth = 64
	}
	if cfg.TMDB.RatePerSecond == 0 {
		cfg.TMDB.RatePerSecond = 4
	}
	if cfg.TMDB.Burst == 0 {
		cfg.TMDB.Burst = 8
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].BatchSize == 0 {
			cfg.Sources[i].BatchSize = 500
		}
	}
}

func applyEnvOverlay(cfg *Config) {
	cfg.Postgres.DSN = getEnv("HERMESINDEX_POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Embedding.URL = getEnv("HERMESINDEX_EMBEDDING_URL", cfg.Embedding.URL)
	cfg.VectorStore.URL = getEnv("HERMESINDEX_VECTOR_STORE_URL", cfg.VectorStore.URL)
	cfg.Auth.AdminPassword = getEnv("HERMESINDEX_ADMIN_PASSWORD", cfg.Auth.AdminPassword)
	cfg.Auth.Enabled = getEnvBool("HERMESINDEX_AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.TMDB.APIKey = getEnv("HERMESINDEX_TMDB_API_KEY", cfg.TMDB.APIKey)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errkind.New(errkind.ConfigInvalid, "postgres.dsn is required")
	}
	if cfg.VectorStore.Type != VectorStoreHNSW && cfg.VectorStore.Type != VectorStoreRemote {
		return errkind.New(errkind.ConfigInvalid, fmt.Sprintf("vector_store.type must be %q or %q", VectorStoreHNSW, VectorStoreRemote))
	}
	if cfg.VectorStore.Type == VectorStoreHNSW && cfg.VectorStore.Path == "" {
		return errkind.New(errkind.ConfigInvalid, "vector_store.path is required for hnsw")
	}
	if cfg.VectorStore.Type == VectorStoreRemote && cfg.VectorStore.URL == "" {
		return errkind.New(errkind.ConfigInvalid, "vector_store.url is required for remote")
	}
	if cfg.VectorStore.Dim <= 0 {
		return errkind.New(errkind.ConfigInvalid, "vector_store.dim must be > 0")
	}
	if len(cfg.Sources) == 0 {
		return errkind.New(errkind.ConfigInvalid, "at least one source is required")
	}
	return nil
}
