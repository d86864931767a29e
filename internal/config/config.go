// Package config provides hierarchical configuration loading for the
// gateway. Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the gateway process.
type Config struct {
	Server   Server    `yaml:"server"`
	Auth     Auth      `yaml:"auth"`
	Logging  Logging   `yaml:"logging"`
	Breaker  Breaker   `yaml:"breaker"`
	Approval Approval  `yaml:"approval"`
	Runtime  RuntimeUp `yaml:"runtime"`
	Bundles  Bundles   `yaml:"bundles"`
	Cache    Cache     `yaml:"cache"`
}

// Server holds HTTP/WebSocket listener configuration.
type Server struct {
	Port        string `yaml:"port"`
	BindAddress string `yaml:"bind_address"` // "127.0.0.1" for loopback-only
	CORSOrigin  string `yaml:"cors_origin"`
	StateDir    string `yaml:"state_dir"` // holds session store, token file, TLS cert/key
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// Auth holds single-user bearer-token authentication configuration.
type Auth struct {
	TokenEnvVar string `yaml:"token_env_var"` // env var checked before the persisted file
	TokenFile   string `yaml:"token_file"`    // relative to Server.StateDir unless absolute
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker tunes the circuit breaker shared by the runtime and bundle
// collaborator clients.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Approval tunes how long a pending approval waits before falling back to
// its configured default, and how long a cooperative cancel waits for an
// in-flight turn to drain before giving up.
type Approval struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	CancelDrainWait time.Duration `yaml:"cancel_drain_wait"`
}

// RuntimeUp holds the upstream agent runtime collaborator's connection
// details.
type RuntimeUp struct {
	Endpoint string `yaml:"endpoint"`
}

// Bundles holds the bundle-catalog collaborator's connection details.
type Bundles struct {
	Endpoint string `yaml:"endpoint"`
}

// Cache tunes the in-process cache used for bundle-prepare results.
type Cache struct {
	MaxSizeMB int64 `yaml:"max_size_mb"`
}

// Defaults returns a Config with sensible default values for local
// development, matching a single loopback-bound gateway process.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:        "8765",
			BindAddress: "127.0.0.1",
			CORSOrigin:  "http://localhost:8765",
			StateDir:    "~/.gateway",
			TLSCertFile: "tls.crt",
			TLSKeyFile:  "tls.key",
		},
		Auth: Auth{
			TokenEnvVar: "GATEWAY_WEB_TOKEN",
			TokenFile:   "web-auth.json",
		},
		Logging: Logging{
			Level:   "info",
			Service: "gateway",
			Async:   false,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Approval: Approval{
			DefaultTimeout:  5 * time.Minute,
			CancelDrainWait: 10 * time.Second,
		},
		Runtime: RuntimeUp{
			Endpoint: "http://127.0.0.1:9000",
		},
		Bundles: Bundles{
			Endpoint: "http://127.0.0.1:9100/sse",
		},
		Cache: Cache{
			MaxSizeMB: 64,
		},
	}
}
