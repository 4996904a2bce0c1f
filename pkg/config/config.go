// Package config provides unified configuration for the labflow server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (LABFLOW_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the labflow server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Storage       StorageConfig       `yaml:"storage"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Engine        EngineConfig        `yaml:"engine"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 0 (event streams are long-lived)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10 MB
	StreamKeepAlive time.Duration `yaml:"stream_keepalive"` // SSE comment interval, default: 15s
}

// CatalogConfig locates the protocol catalog.
type CatalogConfig struct {
	Path  string `yaml:"path"`  // YAML file or directory, required
	Watch bool   `yaml:"watch"` // reload on change, default: false
}

// StorageConfig holds session, capture, and audit persistence settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres", or "sqlite", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string        `yaml:"dsn"`
	DSNFile          string        `yaml:"dsn_file"`          // _file variant for dsn
	MaxConns         int32         `yaml:"max_conns"`         // default: 25
	MinConns         int32         `yaml:"min_conns"`         // default: 2
	StatementTimeout time.Duration `yaml:"statement_timeout"` // zero keeps the server default
	MigrateOnStart   bool          `yaml:"migrate_on_start"`  // default: false
}

// SQLiteConfig holds embedded database settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // default: "labflow.db"
}

// AnalysisConfig selects the analysis backend.
type AnalysisConfig struct {
	Provider   string        `yaml:"provider"`     // "none" or "openai", default: "none"
	BackendURL string        `yaml:"backend_url"`  // required for openai
	APIKey     string        `yaml:"api_key"`      // optional
	APIKeyFile string        `yaml:"api_key_file"` // _file variant for api_key
	Model      string        `yaml:"model"`        // required for openai
	Timeout    time.Duration `yaml:"timeout"`      // default: 30s
	Services   []string      `yaml:"services"`     // service names routed to the backend
}

// EngineConfig holds step executor policy.
type EngineConfig struct {
	BlockOnAnalysisFailure bool `yaml:"block_on_analysis_failure"` // default: false
	ClearForwardOnRegress  bool `yaml:"clear_forward_on_regress"`  // default: false
	EventBuffer            int  `yaml:"event_buffer"`              // default: 64
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey", or "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Restrictions maps route patterns such as "DELETE /v1/sessions/{id}"
	// to the roles (or "scope:<name>" grants) allowed to call them.
	Restrictions map[string][]string `yaml:"restrictions"`

	// Operator names the identity used when Type is "none".
	Operator OperatorConfig `yaml:"operator"`
}

// OperatorConfig is the fixed identity of an unauthenticated bench.
type OperatorConfig struct {
	Subject string `yaml:"subject"` // default: "anonymous"
	Role    string `yaml:"role"`
	Site    string `yaml:"site"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key     string   `yaml:"key" json:"key"`
	KeyFile string   `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject string   `yaml:"subject" json:"subject"`
	Role    string   `yaml:"role" json:"role"`
	Site    string   `yaml:"site" json:"site"`
	Scopes  []string `yaml:"scopes" json:"scopes"`
}

// JWTConfig holds JWT/OIDC validation settings.
type JWTConfig struct {
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	JWKSURL   string        `yaml:"jwks_url"`
	RoleClaim string        `yaml:"role_claim"` // default: "role"
	SiteClaim string        `yaml:"site_claim"` // default: "site"
	Roles     []string      `yaml:"roles"`      // permitted roles, empty allows any
	Leeway    time.Duration `yaml:"leeway"`     // clock skew tolerance
}

// RateLimitConfig bounds requests per subject. Zero means unlimited.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm"`
	Roles      map[string]int `yaml:"roles"` // role -> requests per minute
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Debug  string `yaml:"debug"`  // comma-separated debug categories
	Format string `yaml:"format"` // "text" or "json", default: "text"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     10 << 20,
			StreamKeepAlive: 15 * time.Second,
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
			SQLite: SQLiteConfig{
				Path: "labflow.db",
			},
		},
		Analysis: AnalysisConfig{
			Provider: "none",
			Timeout:  30 * time.Second,
		},
		Engine: EngineConfig{
			EventBuffer: 64,
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}
