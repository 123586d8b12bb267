// Package config defines the YAML-backed configuration structs for every
// tunable: client connection timeouts, wrapper call timeout, server
// processor limits, and pool executor sizing. Parsed with gopkg.in/yaml.v3.
// cmd/wrpcd loads a Config as its base configuration via Load, then layers
// Cobra/Viper flags and environment variables on top for overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConnection holds the client-connection-level tunables from
// the configuration table.
type ClientConnection struct {
	ConnectTimeoutMS        int `yaml:"connect_timeout_ms"`
	ReadTimeoutMS           int `yaml:"read_timeout_ms"`
	WriteTimeoutMS          int `yaml:"write_timeout_ms"`
	DefaultRequestTimeoutMS int `yaml:"default_request_timeout_ms"`
	MaxHeaderSize           int `yaml:"max_header_size"`
	MaxBodySize             int `yaml:"max_body_size"`
	MaxChunkSize            int `yaml:"max_chunk_size"`
	MaxNumChunks            int `yaml:"max_num_chunks"`
}

// DefaultRequestTimeout returns DefaultRequestTimeoutMS as a
// time.Duration, falling back to a 5s default when
// unset.
func (c ClientConnection) DefaultRequestTimeout() time.Duration {
	if c.DefaultRequestTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DefaultRequestTimeoutMS) * time.Millisecond
}

// Wrapper holds the service-wrapper-level tunables.
type Wrapper struct {
	CallTimeoutMS int `yaml:"call_timeout_ms"`
}

// CallTimeout returns CallTimeoutMS as a time.Duration, defaulting to 5s.
func (w Wrapper) CallTimeout() time.Duration {
	if w.CallTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(w.CallTimeoutMS) * time.Millisecond
}

// ServerProcessor holds the HTTP/TCP processor-level tunables.
type ServerProcessor struct {
	// EnableAutoForms turns on httpserver's optional /__forms debug
	// affordance; see httpserver.Options.EnableDebugForms.
	EnableAutoForms              bool   `yaml:"enable_auto_forms"`
	MaxConcurrentRequests        int    `yaml:"max_concurrent_requests"`
	MaxConcurrentRequestsPerConn int    `yaml:"max_concurrent_requests_per_connection"`
	MaxReplyBufferSize           int    `yaml:"max_reply_buffer_size"`
	IPClassRestriction           string `yaml:"ip_class_restriction"`
	PathPrefix                   string `yaml:"path_prefix"`
}

// Executor holds the pool executor's tunables. MaxConcurrentQueries
// defaults to 999.
type Executor struct {
	WorkerCount          int   `yaml:"worker_count"`
	MaxConcurrentQueries int64 `yaml:"max_concurrent_queries"`
}

// MaxConcurrentQueriesOrDefault returns the configured cap, or 999 if
// unset.
func (e Executor) MaxConcurrentQueriesOrDefault() int64 {
	if e.MaxConcurrentQueries <= 0 {
		return 999
	}
	return e.MaxConcurrentQueries
}

// Config is the top-level document loaded from a single YAML file.
type Config struct {
	Client   ClientConnection `yaml:"client"`
	Wrapper  Wrapper          `yaml:"wrapper"`
	Server   ServerProcessor  `yaml:"server"`
	Executor Executor         `yaml:"executor"`

	LogLevel string `yaml:"log_level"`
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wrpc/config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("wrpc/config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
