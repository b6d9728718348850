// Package mxconfig defines the recognized configuration options (spec §6)
// and a layered loader built on koanf: compiled-in defaults, then an
// optional YAML/JSON file, then MXRMQ_*-prefixed environment variables.
package mxconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config holds every recognized mx-rmq option, each with the default named
// in spec §6.
type Config struct {
	RedisURL  string `koanf:"redis_url"`
	RedisHost string `koanf:"redis_host"`
	RedisPort int    `koanf:"redis_port"`

	QueuePrefix string `koanf:"queue_prefix"`

	MaxWorkers    int `koanf:"max_workers"`
	TaskQueueSize int `koanf:"task_queue_size"`

	ProcessingTimeout time.Duration `koanf:"processing_timeout"`
	LeaseMS           time.Duration `koanf:"lease_ms"`

	MaxRetries        int           `koanf:"max_retries"`
	RetryBaseBackoff  time.Duration `koanf:"retry_base_backoff"`
	RetryMaxBackoff   time.Duration `koanf:"retry_max_backoff"`

	PromoteInterval time.Duration `koanf:"promote_interval"`
	ReclaimInterval time.Duration `koanf:"reclaim_interval"`
	GCInterval      time.Duration `koanf:"gc_interval"`

	CompletedRetention time.Duration `koanf:"completed_retention"`
	DeadRetention      time.Duration `koanf:"dead_retention"`

	ConnectTimeout     time.Duration `koanf:"connect_timeout"`
	BlockingPopTimeout time.Duration `koanf:"blocking_pop_timeout"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`

	PromoteBatch int `koanf:"promote_batch"`
	ReclaimBatch int `koanf:"reclaim_batch"`
	GCBatch      int `koanf:"gc_batch"`
}

// defaultsJSON is the compiled-in defaults layer, loaded via
// koanf/providers/rawbytes the same way a file would be, so the merge
// precedence (defaults -> file -> env) is uniform regardless of source.
const defaultsJSON = `{
	"redis_url": "redis://127.0.0.1:6379/0",
	"queue_prefix": "mxrmq",
	"max_workers": 4,
	"task_queue_size": 10,
	"processing_timeout": "30s",
	"lease_ms": "30s",
	"max_retries": 3,
	"retry_base_backoff": "5s",
	"retry_max_backoff": "10m",
	"promote_interval": "1s",
	"reclaim_interval": "5s",
	"gc_interval": "60s",
	"completed_retention": "1h",
	"dead_retention": "168h",
	"connect_timeout": "5s",
	"blocking_pop_timeout": "1s",
	"shutdown_timeout": "30s",
	"promote_batch": 200,
	"reclaim_batch": 100,
	"gc_batch": 500
}`

// Default returns the built-in defaults with no file or environment layer
// applied, useful for tests and embedders that configure programmatically.
func Default() Config {
	cfg, err := Load()
	if err != nil {
		// defaultsJSON is a fixed literal validated by this package's own
		// tests; a parse failure here would be a programming error, not a
		// runtime condition callers need to handle.
		panic(fmt.Sprintf("mxconfig: invalid built-in defaults: %v", err))
	}
	return cfg
}

// FileFormat selects the parser used for an optional config file layer.
type FileFormat int

const (
	FormatYAML FileFormat = iota
	FormatJSON
)

func parserFor(format FileFormat) koanf.Parser {
	if format == FormatJSON {
		return json.Parser()
	}
	return yaml.Parser()
}

// Load builds a Config by layering, in order: compiled-in defaults, then
// each of extra (in the order given, e.g. a file layer), then
// MXRMQ_*-prefixed environment variables. Later layers override earlier
// ones. Precedence conflicts (redis_url vs redis_host) are resolved
// silently; use LoadWithLogger to have them logged.
func Load(extra ...layer) (Config, error) {
	return LoadWithLogger(mxlog.NewNop(), extra...)
}

// LoadWithLogger is Load, but logs a warning via log when redis_url and
// redis_host are both set and redis_url wins, per the documented
// precedence rule.
func LoadWithLogger(log mxlog.Sink, extra ...layer) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultsJSON)), json.Parser()); err != nil {
		return Config{}, fmt.Errorf("mxconfig: loading defaults: %w", err)
	}

	for _, l := range extra {
		if err := k.Load(l.provider, l.parser); err != nil {
			return Config{}, fmt.Errorf("mxconfig: loading layer: %w", err)
		}
	}

	if err := k.Load(env.Provider("MXRMQ_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "MXRMQ_"))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("mxconfig: loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("mxconfig: unmarshal: %w", err)
	}

	resolveRedisAddress(&cfg, log)
	return cfg, nil
}

// layer is a config source paired with the parser that understands it.
type layer struct {
	provider koanf.Provider
	parser   koanf.Parser
}

// WithFile adds a YAML or JSON file's raw bytes as a config layer.
func WithFile(format FileFormat, data []byte) layer {
	return layer{provider: rawbytes.Provider(data), parser: parserFor(format)}
}

// resolveRedisAddress implements the Open Question decision in DESIGN.md:
// redis_url is canonical; redis_host(+redis_port) is tolerated and folded
// into a URL when redis_url wasn't explicitly overridden to something else.
// When both are set to conflicting values, redis_url wins and log carries
// a warning about the ignored redis_host/redis_port.
func resolveRedisAddress(cfg *Config, log mxlog.Sink) {
	if cfg.RedisHost == "" {
		return
	}
	port := cfg.RedisPort
	if port == 0 {
		port = 6379
	}
	synthesized := fmt.Sprintf("redis://%s:%s/0", cfg.RedisHost, strconv.Itoa(port))
	if cfg.RedisURL == "" || cfg.RedisURL == "redis://127.0.0.1:6379/0" {
		cfg.RedisURL = synthesized
		return
	}
	if cfg.RedisURL != synthesized {
		log.Warn("redis_url_overrides_redis_host",
			mxlog.F("redis_url", cfg.RedisURL),
			mxlog.F("redis_host", cfg.RedisHost),
			mxlog.F("redis_port", port),
		)
	}
}
