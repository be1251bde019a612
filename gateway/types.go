package gateway

import (
	"fmt"
	"net"
	"time"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/pkg/tlsutil"
	"github.com/c360/attrstream/replication"
)

// Defaults applied by Validate
const (
	DefaultListenAddr     = ":8080"
	DefaultMaxRequestSize = 1024 * 1024
	DefaultRequestTimeout = 10 * time.Second
	maxRequestSizeLimit   = 100 * 1024 * 1024
)

// Config holds the HTTP gateway configuration
type Config struct {
	// ListenAddr is the host:port the gateway listens on
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// PathPrefix is prepended to every route, e.g. "/api"
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"`

	// EnableCORS enables CORS headers (requires explicit cors_origins)
	EnableCORS bool `json:"enable_cors" yaml:"enable_cors"`

	// CORSOrigins lists allowed CORS origins. Use ["*"] for development only.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// MaxRequestSize limits request bodies, replicas included (default 1MB)
	MaxRequestSize int64 `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`

	// RequestTimeoutStr bounds each request (default "10s")
	RequestTimeoutStr string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// ReplicaCompression is used for replicas served by GET (none, lz4, zstd)
	ReplicaCompression string `json:"replica_compression,omitempty" yaml:"replica_compression,omitempty"`

	// TLS serves the gateway, websocket notifications included, over HTTPS
	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// Validate checks the configuration and fills defaults
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate",
			"parse listen_addr")
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = DefaultMaxRequestSize
	}
	if c.MaxRequestSize > maxRequestSizeLimit {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}

	if c.RequestTimeoutStr != "" {
		timeout, err := time.ParseDuration(c.RequestTimeoutStr)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("invalid timeout format: %s", c.RequestTimeoutStr))
		}
		if timeout < 100*time.Millisecond || timeout > 5*time.Minute {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"request_timeout must be between 100ms and 5m")
		}
	}

	if c.ReplicaCompression != "" {
		if _, err := replication.ParseCompression(c.ReplicaCompression); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "parse replica_compression")
		}
	}

	if err := c.TLS.Validate(); err != nil {
		return err
	}

	// CORS requires explicit origin configuration
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}

	return nil
}

// RequestTimeout returns the parsed request timeout
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutStr == "" {
		return DefaultRequestTimeout
	}
	timeout, err := time.ParseDuration(c.RequestTimeoutStr)
	if err != nil || timeout <= 0 {
		return DefaultRequestTimeout
	}
	return timeout
}

// Compression returns the configured replica compression, lz4 when unset
func (c *Config) Compression() replication.Compression {
	if c.ReplicaCompression == "" {
		return replication.CompressionLZ4
	}
	comp, err := replication.ParseCompression(c.ReplicaCompression)
	if err != nil {
		return replication.CompressionLZ4
	}
	return comp
}

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:        DefaultListenAddr,
		RequestTimeoutStr: DefaultRequestTimeout.String(),
		MaxRequestSize:    DefaultMaxRequestSize,
	}
}
