package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	if c.Server.StreamKeepAlive < 0 {
		errs = append(errs, fmt.Errorf("server.stream_keepalive must be >= 0, got %s", c.Server.StreamKeepAlive))
	}

	if c.Catalog.Path == "" {
		errs = append(errs, fmt.Errorf("catalog.path is required"))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
		if p := c.Storage.Postgres; p.MinConns > p.MaxConns && p.MaxConns > 0 {
			errs = append(errs, fmt.Errorf("storage.postgres.min_conns (%d) exceeds max_conns (%d)", p.MinConns, p.MaxConns))
		}
		if c.Storage.Postgres.StatementTimeout < 0 {
			errs = append(errs, fmt.Errorf("storage.postgres.statement_timeout must be >= 0, got %s", c.Storage.Postgres.StatementTimeout))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite.path is required when storage.type is \"sqlite\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\", or \"sqlite\", got %q", c.Storage.Type))
	}

	switch c.Analysis.Provider {
	case "none", "":
	case "openai":
		if c.Analysis.BackendURL == "" {
			errs = append(errs, fmt.Errorf("analysis.backend_url is required when analysis.provider is \"openai\""))
		}
		if c.Analysis.Model == "" {
			errs = append(errs, fmt.Errorf("analysis.model is required when analysis.provider is \"openai\""))
		}
		if len(c.Analysis.Services) == 0 {
			errs = append(errs, fmt.Errorf("analysis.services must name at least one service when analysis.provider is \"openai\""))
		}
	default:
		errs = append(errs, fmt.Errorf("analysis.provider must be \"none\" or \"openai\", got %q", c.Analysis.Provider))
	}
	if c.Analysis.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout must be > 0, got %s", c.Analysis.Timeout))
	}

	if c.Engine.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("engine.event_buffer must be >= 0, got %d", c.Engine.EventBuffer))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].key or key_file is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
		if c.Auth.JWT.Leeway < 0 {
			errs = append(errs, fmt.Errorf("auth.jwt.leeway must be >= 0, got %s", c.Auth.JWT.Leeway))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}
	if c.Auth.RateLimit.DefaultRPM < 0 {
		errs = append(errs, fmt.Errorf("auth.rate_limit.default_rpm must be >= 0, got %d", c.Auth.RateLimit.DefaultRPM))
	}
	for pattern, grants := range c.Auth.Restrictions {
		if len(grants) == 0 {
			errs = append(errs, fmt.Errorf("auth.restrictions[%q] must list at least one role", pattern))
		}
	}

	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with \"/\", got %q", c.Observability.Metrics.Path))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "", "ERROR", "WARN", "INFO", "DEBUG", "TRACE":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of ERROR, WARN, INFO, DEBUG, TRACE, got %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}
