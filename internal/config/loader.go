package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "gateway.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "GATEWAY_PORT")
	setString(&cfg.Server.BindAddress, "GATEWAY_BIND_ADDRESS")
	setString(&cfg.Server.CORSOrigin, "GATEWAY_CORS_ORIGIN")
	setString(&cfg.Server.StateDir, "GATEWAY_STATE_DIR")
	setString(&cfg.Server.TLSCertFile, "GATEWAY_TLS_CERT_FILE")
	setString(&cfg.Server.TLSKeyFile, "GATEWAY_TLS_KEY_FILE")

	setString(&cfg.Auth.TokenEnvVar, "GATEWAY_AUTH_TOKEN_ENV_VAR")
	setString(&cfg.Auth.TokenFile, "GATEWAY_AUTH_TOKEN_FILE")

	setString(&cfg.Logging.Level, "GATEWAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "GATEWAY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "GATEWAY_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "GATEWAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "GATEWAY_BREAKER_TIMEOUT")

	setDuration(&cfg.Approval.DefaultTimeout, "GATEWAY_APPROVAL_DEFAULT_TIMEOUT")
	setDuration(&cfg.Approval.CancelDrainWait, "GATEWAY_APPROVAL_CANCEL_DRAIN_WAIT")

	setString(&cfg.Runtime.Endpoint, "GATEWAY_RUNTIME_ENDPOINT")
	setString(&cfg.Bundles.Endpoint, "GATEWAY_BUNDLES_ENDPOINT")

	setInt64(&cfg.Cache.MaxSizeMB, "GATEWAY_CACHE_MAX_SIZE_MB")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.StateDir == "" {
		return errors.New("server.state_dir is required")
	}
	if cfg.Runtime.Endpoint == "" {
		return errors.New("runtime.endpoint is required")
	}
	if cfg.Bundles.Endpoint == "" {
		return errors.New("bundles.endpoint is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Cache.MaxSizeMB < 1 {
		return errors.New("cache.max_size_mb must be >= 1")
	}
	return nil
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
