// Package config loads and holds all process configuration for Oblivion.
// Settings are layered: defaults → oblivion-config.json → environment
// variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the full process configuration.
type Config struct {
	ListenAddress     string `json:"listenAddress"`
	ManagementAddress string `json:"managementAddress"`
	ManagementToken   string `json:"managementToken"`

	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`

	UpstreamAddress string `json:"upstreamAddress"`

	RateLimitCapacity    float64 `json:"rateLimitCapacity"`
	RateLimitPerSecond   float64 `json:"rateLimitPerSecond"`
	RateLimitIdleTTLSecs int     `json:"rateLimitIdleTtlSecs"`
	RateLimitShards      int     `json:"rateLimitShards"`

	HeaderReadTimeoutSecs      int `json:"headerReadTimeoutSecs"`
	TLSHandshakeTimeoutSecs    int `json:"tlsHandshakeTimeoutSecs"`
	FullRequestTimeoutSecs     int `json:"fullRequestTimeoutSecs"`
	UpstreamConnectTimeoutSecs int `json:"upstreamConnectTimeoutSecs"`

	MaxHeaderBytes int   `json:"maxHeaderBytes"`
	MaxBodyBytes   int64 `json:"maxBodyBytes"`

	LogLevel string `json:"logLevel"`
}

// Load returns config with defaults overridden by oblivion-config.json and
// env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "oblivion-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ListenAddress:     "0.0.0.0:4433",
		ManagementAddress: "127.0.0.1:4434",
		ManagementToken:   "",

		CertFile: "cert.pem",
		KeyFile:  "key.pem",

		UpstreamAddress: "127.0.0.1:8000",

		RateLimitCapacity:    50,
		RateLimitPerSecond:   25,
		RateLimitIdleTTLSecs: 60,
		RateLimitShards:      16,

		HeaderReadTimeoutSecs:      5,
		TLSHandshakeTimeoutSecs:    10,
		FullRequestTimeoutSecs:     30,
		UpstreamConnectTimeoutSecs: 5,

		MaxHeaderBytes: 8 * 1024,
		MaxBodyBytes:   10 * 1024 * 1024,

		LogLevel: "info",
	}
}

// HeaderReadTimeout returns the configured header-read deadline.
func (c *Config) HeaderReadTimeout() time.Duration {
	return time.Duration(c.HeaderReadTimeoutSecs) * time.Second
}

// TLSHandshakeTimeout returns the configured TLS handshake deadline.
func (c *Config) TLSHandshakeTimeout() time.Duration {
	return time.Duration(c.TLSHandshakeTimeoutSecs) * time.Second
}

// FullRequestTimeout returns the configured end-to-end request deadline.
func (c *Config) FullRequestTimeout() time.Duration {
	return time.Duration(c.FullRequestTimeoutSecs) * time.Second
}

// UpstreamConnectTimeout returns the configured upstream dial deadline.
func (c *Config) UpstreamConnectTimeout() time.Duration {
	return time.Duration(c.UpstreamConnectTimeoutSecs) * time.Second
}

// RateLimitIdleTTL returns the configured bucket idle eviction window.
func (c *Config) RateLimitIdleTTL() time.Duration {
	return time.Duration(c.RateLimitIdleTTLSecs) * time.Second
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("MANAGEMENT_ADDRESS"); v != "" {
		cfg.ManagementAddress = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("CERT_FILE"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("UPSTREAM_ADDRESS"); v != "" {
		cfg.UpstreamAddress = v
	}
	if v := os.Getenv("RATE_LIMIT_CAPACITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitCapacity = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitPerSecond = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_IDLE_TTL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitIdleTTLSecs = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitShards = n
		}
	}
	if v := os.Getenv("HEADER_READ_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeaderReadTimeoutSecs = n
		}
	}
	if v := os.Getenv("TLS_HANDSHAKE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TLSHandshakeTimeoutSecs = n
		}
	}
	if v := os.Getenv("FULL_REQUEST_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FullRequestTimeoutSecs = n
		}
	}
	if v := os.Getenv("UPSTREAM_CONNECT_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UpstreamConnectTimeoutSecs = n
		}
	}
	if v := os.Getenv("MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
