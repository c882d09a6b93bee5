// Package config loads the resolver daemon's declarative configuration
// (§1's design note: a YAML struct in place of the original system's
// embedded scripting runtime). It mirrors safing-portmaster's and
// other_examples/warren's own plain-struct-plus-yaml.v3 config idiom rather
// than introducing a dedicated config-management framework.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietloop/dnscore/rlog"
)

// Config is the complete daemon configuration, loaded from a single YAML
// file.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Cache   CacheConfig   `yaml:"cache"`
	Worker  WorkerConfig  `yaml:"worker"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	// TrustAnchors seeds anchor.Store with configured (VALID from the
	// start) keys, e.g. the root zone's KSK.
	TrustAnchors []TrustAnchorConfig `yaml:"trust_anchors"`

	// Blocklist is a set of domain names (and their subdomains) the policy
	// layer refuses to resolve (§4's added blocking/policy capability).
	Blocklist []string `yaml:"blocklist"`
}

// ListenConfig is the client-facing listen addresses (§6).
type ListenConfig struct {
	UDP string `yaml:"udp"`
	TCP string `yaml:"tcp"`
}

// CacheConfig selects the cache backend (§4.1, §6's on-disk format).
type CacheConfig struct {
	// Path to a bbolt file. Empty selects the in-memory backend, which does
	// not survive a restart.
	Path string `yaml:"path"`
}

// WorkerConfig tunes the worker engine (§4.5). MAX_PENDING itself is a
// fixed per-task constant (worker.DefaultMaxPending), not configurable
// here; Threshold instead tunes THRESHOLD, the global concurrency level
// above which new tasks are admitted without FlagNoThrottle and run with
// a halved per-task I/O cap (§4.5 "Throttling").
type WorkerConfig struct {
	Threshold    int           `yaml:"threshold"`
	RTTCacheSize int           `yaml:"rtt_cache_size"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// LoggingConfig selects the logger's level and encoding (rlog.Setup).
type LoggingConfig struct {
	Level  string      `yaml:"level"`
	Format rlog.Format `yaml:"format"`
}

// MetricsConfig holds a Prometheus exposition listen address. resolver.Core
// does not read it and starts no metrics endpoint; the counter sets are
// reachable through Core.CacheStats/WorkerStats and their WritePrometheus.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TrustAnchorConfig is one configured trust anchor key, given as a DNSKEY
// record in presentation format (so it round-trips through dns.NewRR just
// like any other RR the resolver handles).
type TrustAnchorConfig struct {
	Zone   string `yaml:"zone"`
	DNSKEY string `yaml:"dnskey"`
}

// Default returns the out-of-the-box configuration: loopback listeners, an
// in-memory cache, and info-level auto-format logging.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			UDP: "127.0.0.1:53",
			TCP: "127.0.0.1:53",
		},
		Worker: WorkerConfig{
			Threshold:    0, // 0 selects worker.DefaultThreshold
			RTTCacheSize: 0, // 0 selects the iterator's own default
			TickInterval: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: rlog.FormatAuto,
		},
	}
}

// Load reads and parses the YAML configuration file at path over a copy of
// Default(), so that a partial file only overrides the fields it sets.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot start
// with.
func (c *Config) Validate() error {
	if c.Listen.UDP == "" && c.Listen.TCP == "" {
		return fmt.Errorf("config: at least one of listen.udp or listen.tcp must be set")
	}
	for _, ta := range c.TrustAnchors {
		if ta.Zone == "" || ta.DNSKEY == "" {
			return fmt.Errorf("config: trust_anchors entries require both zone and dnskey")
		}
	}
	return nil
}

// LogLevel parses Logging.Level into a slog.Level, defaulting to Info on an
// empty or unrecognized value.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
