package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/labflow/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, LABFLOW_CONFIG env, ./config.yaml, /etc/labflow/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log(debug.Config, "loaded config file", "path", filePath)
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. LABFLOW_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/labflow/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("LABFLOW_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/labflow/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps LABFLOW_* environment variables to config fields.
// Malformed numeric and duration values are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	envString("LABFLOW_CATALOG_PATH", &cfg.Catalog.Path)
	envBool("LABFLOW_CATALOG_WATCH", &cfg.Catalog.Watch)

	envInt("LABFLOW_PORT", &cfg.Server.Port)

	envString("LABFLOW_STORAGE", &cfg.Storage.Type)
	envInt("LABFLOW_STORAGE_SIZE", &cfg.Storage.MaxSize)
	envString("LABFLOW_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	envString("LABFLOW_SQLITE_PATH", &cfg.Storage.SQLite.Path)

	envString("LABFLOW_ANALYSIS_PROVIDER", &cfg.Analysis.Provider)
	envString("LABFLOW_BACKEND_URL", &cfg.Analysis.BackendURL)
	envString("LABFLOW_API_KEY", &cfg.Analysis.APIKey)
	envString("LABFLOW_MODEL", &cfg.Analysis.Model)
	envDuration("LABFLOW_ANALYSIS_TIMEOUT", &cfg.Analysis.Timeout)
	if v := os.Getenv("LABFLOW_ANALYSIS_SERVICES"); v != "" {
		cfg.Analysis.Services = splitList(v)
	}

	envBool("LABFLOW_BLOCK_ON_ANALYSIS_FAILURE", &cfg.Engine.BlockOnAnalysisFailure)
	envBool("LABFLOW_CLEAR_FORWARD_ON_REGRESS", &cfg.Engine.ClearForwardOnRegress)

	envString("LABFLOW_AUTH_TYPE", &cfg.Auth.Type)
	envString("LABFLOW_JWKS_URL", &cfg.Auth.JWT.JWKSURL)

	// LABFLOW_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("LABFLOW_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			slog.Warn("ignoring LABFLOW_API_KEYS", "error", err)
		} else if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	envString("LABFLOW_LOG_LEVEL", &cfg.Logging.Level)
	envString("LABFLOW_DEBUG", &cfg.Logging.Debug)
	envString("LABFLOW_LOG_FORMAT", &cfg.Logging.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("ignoring malformed integer", "env", key, "value", v)
			return
		}
		*dst = n
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("ignoring malformed boolean", "env", key, "value", v)
			return
		}
		*dst = b
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring malformed duration", "env", key, "value", v)
			return
		}
		*dst = d
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// analysis.api_key_file -> analysis.api_key
	if cfg.Analysis.APIKeyFile != "" && cfg.Analysis.APIKey == "" {
		val, err := readSecretFile(cfg.Analysis.APIKeyFile)
		if err != nil {
			return fmt.Errorf("analysis.api_key_file: %w", err)
		}
		cfg.Analysis.APIKey = val
	}

	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
