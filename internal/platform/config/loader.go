package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Mode represents the client operating mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeDev    Mode = "dev"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "dev":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of strict, dev", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// ModeFlag is the --mode flag value (overrides config file mode).
	ModeFlag string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
// A nil or empty pointer leaves the loaded value alone.
type FlagOverrides struct {
	LoggingLevel *string
	ProbeMode    *string
	ProbeAddress *string
	UserAgent    *string
}

// fileConfig mirrors Config but with pointer fields to detect presence.
type fileConfig struct {
	Mode string `toml:"mode"`

	Logging      *LoggingConfig      `toml:"logging"`
	OutboundHTTP *outboundHTTPConfig `toml:"outbound_http"`
	Envelope     *envelopeConfig     `toml:"envelope"`
	Download     *DownloadConfig     `toml:"download"`
	Probe        *probeConfig        `toml:"probe"`
	Cache        *CacheConfig        `toml:"cache"`
}

type outboundHTTPConfig struct {
	TimeoutMS          *int   `toml:"timeout_ms"`
	ConnectTimeoutMS   *int   `toml:"connect_timeout_ms"`
	ReadIdleTimeoutMS  *int   `toml:"read_idle_timeout_ms"`
	MaxRedirects       *int   `toml:"max_redirects"`
	MaxResponseBytes   *int64 `toml:"max_response_bytes"`
	InsecureSkipVerify *bool  `toml:"insecure_skip_verify"`
	UserAgent          string `toml:"user_agent"`
}

// envelopeConfig uses pointers because 0 is a meaningful code.
type envelopeConfig struct {
	SuccessCode     *int `toml:"success_code"`
	AuthInvalidCode *int `toml:"auth_invalid_code"`
	FailureCode     *int `toml:"failure_code"`
}

type probeConfig struct {
	Mode            string `toml:"mode"`
	Address         string `toml:"address"`
	TimeoutMS       int    `toml:"timeout_ms"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > mode in config file > default (strict)
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay CLI flags
//  5. Validate enum and range fields
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid TOML,
// Load returns an error. Unknown TOML keys produce a warning but do not fail.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var fc fileConfig

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}

	modeStr := "strict"
	if fc.Mode != "" {
		modeStr = fc.Mode
	}
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}

	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)

	if opts.ConfigPath != "" {
		overlayFileConfig(cfg, &fc)
	}

	overlayFlags(cfg, opts.FlagOverrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// presetForMode returns the base config for a given mode.
func presetForMode(mode Mode) *Config {
	if mode == ModeDev {
		return DevConfig()
	}
	return StrictConfig()
}

// StrictConfig returns production defaults.
func StrictConfig() *Config {
	return &Config{
		Mode: string(ModeStrict),
		Logging: LoggingConfig{
			Level: "info",
		},
		OutboundHTTP: OutboundHTTPConfig{
			TimeoutMS:          30000,
			ConnectTimeoutMS:   5000,
			ReadIdleTimeoutMS:  15000,
			MaxRedirects:       5,
			MaxResponseBytes:   4 << 20,
			InsecureSkipVerify: false,
			UserAgent:          "reqscope/1",
		},
		Envelope: EnvelopeConfig{
			SuccessCode:     0,
			AuthInvalidCode: 1002,
			FailureCode:     -1,
		},
		Download: DownloadConfig{
			BufferSize: 2048,
		},
		Probe: ProbeConfig{
			Mode:            "dial",
			Address:         "1.1.1.1:53",
			TimeoutMS:       1500,
			CacheTTLSeconds: 5,
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
	}
}

// DevConfig returns development defaults: verbose logging, no TLS
// verification and a probe that always reports the network as up.
func DevConfig() *Config {
	cfg := StrictConfig()
	cfg.Mode = string(ModeDev)
	cfg.Logging.Level = "debug"
	cfg.OutboundHTTP.InsecureSkipVerify = true
	cfg.Probe.Mode = "always"
	return cfg
}

// overlayFileConfig applies values present in the TOML file.
func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if fc.Logging != nil && fc.Logging.Level != "" {
		cfg.Logging.Level = fc.Logging.Level
	}

	if h := fc.OutboundHTTP; h != nil {
		if h.TimeoutMS != nil {
			cfg.OutboundHTTP.TimeoutMS = *h.TimeoutMS
		}
		if h.ConnectTimeoutMS != nil {
			cfg.OutboundHTTP.ConnectTimeoutMS = *h.ConnectTimeoutMS
		}
		if h.ReadIdleTimeoutMS != nil {
			cfg.OutboundHTTP.ReadIdleTimeoutMS = *h.ReadIdleTimeoutMS
		}
		if h.MaxRedirects != nil {
			cfg.OutboundHTTP.MaxRedirects = *h.MaxRedirects
		}
		if h.MaxResponseBytes != nil {
			cfg.OutboundHTTP.MaxResponseBytes = *h.MaxResponseBytes
		}
		if h.InsecureSkipVerify != nil {
			cfg.OutboundHTTP.InsecureSkipVerify = *h.InsecureSkipVerify
		}
		if h.UserAgent != "" {
			cfg.OutboundHTTP.UserAgent = h.UserAgent
		}
	}

	if e := fc.Envelope; e != nil {
		if e.SuccessCode != nil {
			cfg.Envelope.SuccessCode = *e.SuccessCode
		}
		if e.AuthInvalidCode != nil {
			cfg.Envelope.AuthInvalidCode = *e.AuthInvalidCode
		}
		if e.FailureCode != nil {
			cfg.Envelope.FailureCode = *e.FailureCode
		}
	}

	if fc.Download != nil && fc.Download.BufferSize != 0 {
		cfg.Download.BufferSize = fc.Download.BufferSize
	}

	if p := fc.Probe; p != nil {
		if p.Mode != "" {
			cfg.Probe.Mode = p.Mode
		}
		if p.Address != "" {
			cfg.Probe.Address = p.Address
		}
		if p.TimeoutMS != 0 {
			cfg.Probe.TimeoutMS = p.TimeoutMS
		}
		if p.CacheTTLSeconds != 0 {
			cfg.Probe.CacheTTLSeconds = p.CacheTTLSeconds
		}
	}

	if c := fc.Cache; c != nil {
		if c.Driver != "" {
			cfg.Cache.Driver = c.Driver
		}
		if c.Drivers != nil {
			cfg.Cache.Drivers = c.Drivers
		}
	}
}

// overlayFlags applies CLI flag overrides.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
	if f.ProbeMode != nil && *f.ProbeMode != "" {
		cfg.Probe.Mode = *f.ProbeMode
	}
	if f.ProbeAddress != nil && *f.ProbeAddress != "" {
		cfg.Probe.Address = *f.ProbeAddress
	}
	if f.UserAgent != nil && *f.UserAgent != "" {
		cfg.OutboundHTTP.UserAgent = *f.UserAgent
	}
}

// validate checks enum and range fields.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: must be one of trace, debug, info, warn, error", cfg.Logging.Level)
	}

	switch cfg.Probe.Mode {
	case "dial":
		if _, _, err := net.SplitHostPort(cfg.Probe.Address); err != nil {
			return fmt.Errorf("invalid probe.address %q: %w", cfg.Probe.Address, err)
		}
	case "always", "never":
	default:
		return fmt.Errorf("invalid probe.mode %q: must be one of dial, always, never", cfg.Probe.Mode)
	}

	if cfg.Download.BufferSize <= 0 {
		return fmt.Errorf("invalid download.buffer_size %d: must be positive", cfg.Download.BufferSize)
	}
	if cfg.OutboundHTTP.MaxResponseBytes <= 0 {
		return fmt.Errorf("invalid outbound_http.max_response_bytes %d: must be positive", cfg.OutboundHTTP.MaxResponseBytes)
	}
	if cfg.OutboundHTTP.MaxRedirects < 0 {
		return fmt.Errorf("invalid outbound_http.max_redirects %d: must not be negative", cfg.OutboundHTTP.MaxRedirects)
	}

	e := cfg.Envelope
	if e.SuccessCode == e.AuthInvalidCode {
		return fmt.Errorf("invalid envelope codes: success_code and auth_invalid_code are both %d", e.SuccessCode)
	}

	return nil
}
