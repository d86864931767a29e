package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8765" {
		t.Errorf("expected port 8765, got %s", cfg.Server.Port)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Approval.DefaultTimeout != 5*time.Minute {
		t.Errorf("expected approval default timeout 5m, got %v", cfg.Approval.DefaultTimeout)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
runtime:
  endpoint: "http://runtime.local:9000"
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.Runtime.Endpoint != "http://runtime.local:9000" {
		t.Errorf("expected runtime endpoint override, got %s", cfg.Runtime.Endpoint)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.Bundles.Endpoint != "http://127.0.0.1:9100/sse" {
		t.Errorf("expected default bundles endpoint, got %s", cfg.Bundles.Endpoint)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("GATEWAY_RUNTIME_ENDPOINT", "http://runtime:9000")
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("GATEWAY_BREAKER_TIMEOUT", "1m")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Runtime.Endpoint != "http://runtime:9000" {
		t.Errorf("expected runtime endpoint override, got %s", cfg.Runtime.Endpoint)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty state dir",
			modify: func(c *Config) { c.Server.StateDir = "" },
			errMsg: "server.state_dir is required",
		},
		{
			name:   "empty runtime endpoint",
			modify: func(c *Config) { c.Runtime.Endpoint = "" },
			errMsg: "runtime.endpoint is required",
		},
		{
			name:   "empty bundles endpoint",
			modify: func(c *Config) { c.Bundles.Endpoint = "" },
			errMsg: "bundles.endpoint is required",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero cache size",
			modify: func(c *Config) { c.Cache.MaxSizeMB = 0 },
			errMsg: "cache.max_size_mb must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestAuthDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Auth.TokenEnvVar != "GATEWAY_WEB_TOKEN" {
		t.Errorf("expected default token env var, got %q", cfg.Auth.TokenEnvVar)
	}
	if cfg.Auth.TokenFile != "web-auth.json" {
		t.Errorf("expected default token file, got %q", cfg.Auth.TokenFile)
	}
}

func TestAuthYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")
	content := `
auth:
  token_env_var: "MY_TOKEN"
  token_file: "token.json"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Auth.TokenEnvVar != "MY_TOKEN" {
		t.Errorf("expected 'MY_TOKEN', got %q", cfg.Auth.TokenEnvVar)
	}
	if cfg.Auth.TokenFile != "token.json" {
		t.Errorf("expected 'token.json', got %q", cfg.Auth.TokenFile)
	}
}
