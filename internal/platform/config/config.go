// Package config provides configuration loading and validation.
package config

// Config holds the client configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`

	// OutboundHTTP configuration for the transport used by the dispatcher.
	OutboundHTTP OutboundHTTPConfig `toml:"outbound_http"`

	// Envelope holds the application envelope codes.
	Envelope EnvelopeConfig `toml:"envelope"`

	// Download configuration
	Download DownloadConfig `toml:"download"`

	// Probe configures network-availability detection.
	Probe ProbeConfig `toml:"probe"`

	// Cache configuration
	Cache CacheConfig `toml:"cache"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: info in strict mode, debug in dev mode.
	Level string `toml:"level"`
}

// OutboundHTTPConfig holds outbound HTTP client settings.
type OutboundHTTPConfig struct {
	// TimeoutMS bounds a whole exchange. Downloads should use a generous value
	// or 0 (no overall timeout).
	TimeoutMS int `toml:"timeout_ms"`

	// ConnectTimeoutMS bounds the TCP dial.
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`

	// ReadIdleTimeoutMS enables HTTP/2 health-check pings on idle connections.
	// 0 disables them.
	ReadIdleTimeoutMS int `toml:"read_idle_timeout_ms"`

	// MaxRedirects caps redirect chains. 0 disables redirect following.
	MaxRedirects int `toml:"max_redirects"`

	// MaxResponseBytes bounds buffered (non-download) response bodies.
	MaxResponseBytes int64 `toml:"max_response_bytes"`

	// InsecureSkipVerify disables TLS certificate verification (dev only).
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	// UserAgent is sent when a request carries no User-Agent of its own.
	UserAgent string `toml:"user_agent"`
}

// EnvelopeConfig holds the codes of the application response envelope.
type EnvelopeConfig struct {
	SuccessCode     int `toml:"success_code"`
	AuthInvalidCode int `toml:"auth_invalid_code"`
	FailureCode     int `toml:"failure_code"`
}

// DownloadConfig holds download settings.
type DownloadConfig struct {
	// BufferSize is the chunk size of the copy loop in bytes.
	BufferSize int `toml:"buffer_size"`
}

// ProbeConfig holds network-availability probe settings.
type ProbeConfig struct {
	// Mode: dial, always, never.
	Mode string `toml:"mode"`

	// Address is the host:port dialed in dial mode.
	Address string `toml:"address"`

	// TimeoutMS bounds one probe dial.
	TimeoutMS int `toml:"timeout_ms"`

	// CacheTTLSeconds is how long a probe result is reused.
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: "memory" (default).
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration.
	// Example: [cache.drivers.memory] ...
	Drivers map[string]any `toml:"drivers"`
}

// DriverConfig returns the raw config map for the named cache driver, or nil.
func (c CacheConfig) DriverConfig(name string) map[string]any {
	if c.Drivers == nil {
		return nil
	}
	m, _ := c.Drivers[name].(map[string]any)
	return m
}
