package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Seconds is a duration that also accepts a bare integer number of seconds.
type Seconds time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Seconds) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		*s = Seconds(time.Duration(n * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value)
	}
	*s = Seconds(d)
	return nil
}

// UnmarshalYAML accepts the same forms as UnmarshalText.
func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	return s.UnmarshalText([]byte(node.Value))
}

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// Config is the worker configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	DryRun      bool   `yaml:"dry_run" env:"DRY_RUN"`

	PollInterval Seconds `yaml:"poll_interval" env:"WORKER_POLL_INTERVAL"`
	BusyInterval Seconds `yaml:"busy_interval" env:"WORKER_BUSY_INTERVAL"`
	BatchSize    int     `yaml:"batch_size" env:"WORKER_BATCH_SIZE"`
	RetryBackoff Seconds `yaml:"retry_backoff" env:"WORKER_RETRY_BACKOFF"`
	DedupWindow  Seconds `yaml:"dedup_window" env:"WORKER_DEDUP_WINDOW"`

	ModbusPort    int     `yaml:"modbus_port" env:"MODBUS_PORT"`
	ModbusTimeout Seconds `yaml:"modbus_timeout" env:"MODBUS_TIMEOUT"`

	RedisURL string  `yaml:"redis_url" env:"REDIS_URL"`
	LeaseKey string  `yaml:"lease_key" env:"WORKER_LEASE_KEY"`
	LeaseTTL Seconds `yaml:"lease_ttl" env:"WORKER_LEASE_TTL"`

	NATSURL     string `yaml:"nats_url" env:"NATS_URL"`
	NATSSubject string `yaml:"nats_subject" env:"NATS_SUBJECT"`

	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"`

	// Warnings lists values Load ignored in favour of the defaults.
	Warnings []string `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		PollInterval:  Seconds(5 * time.Second),
		BusyInterval:  Seconds(time.Second),
		BatchSize:     20,
		RetryBackoff:  Seconds(time.Second),
		DedupWindow:   Seconds(5 * time.Minute),
		ModbusPort:    502,
		ModbusTimeout: Seconds(3 * time.Second),
		LeaseKey:      "lock:breaker-worker",
		LeaseTTL:      Seconds(10 * time.Minute),
		NATSSubject:   "energy.devices.events",
		MetricsAddr:   ":9102",
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Options controls where Load reads from.
type Options struct {
	// File is a YAML file; empty uses WORKER_CONFIG.
	File string
	// DotEnv files are loaded into the environment without overriding it.
	DotEnv []string
	// Environment replaces os.Environ when set.
	Environment map[string]string
}

// Load builds the configuration from defaults, an optional YAML file, optional
// .env files and the environment, in increasing precedence.
func Load(opts Options) (Config, error) {
	cfg := Defaults()

	if len(opts.DotEnv) > 0 {
		existing := make([]string, 0, len(opts.DotEnv))
		for _, path := range opts.DotEnv {
			if _, err := os.Stat(path); err == nil {
				existing = append(existing, path)
			}
		}
		if len(existing) > 0 {
			if err := godotenv.Load(existing...); err != nil {
				return cfg, fmt.Errorf("load dotenv: %w", err)
			}
		}
	}

	lookup := os.Getenv
	if opts.Environment != nil {
		lookup = func(key string) string { return opts.Environment[key] }
	}

	path := opts.File
	if path == "" {
		path = lookup("WORKER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	environment := opts.Environment
	if environment == nil {
		environment = environMap(os.Environ())
	}
	if raw, ok := environment["WORKER_POLL_INTERVAL"]; ok {
		var probe Seconds
		if err := probe.UnmarshalText([]byte(raw)); err != nil {
			environment = without(environment, "WORKER_POLL_INTERVAL")
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring WORKER_POLL_INTERVAL=%q, using %s", raw, cfg.PollInterval.Duration()))
		}
	}
	envOpts := env.Options{Environment: environment}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = lookup("PG_DSN")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func environMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if key, value, ok := strings.Cut(pair, "="); ok {
			out[key] = value
		}
	}
	return out
}

func without(m map[string]string, key string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" && !c.DryRun {
		errs = append(errs, errors.New("config: DATABASE_URL or PG_DSN is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("config: poll interval must be positive"))
	}
	if c.BusyInterval <= 0 {
		errs = append(errs, errors.New("config: busy interval must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("config: batch size must be positive"))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, errors.New("config: retry backoff must not be negative"))
	}
	if c.DedupWindow <= 0 {
		errs = append(errs, errors.New("config: dedup window must be positive"))
	}
	if c.ModbusPort <= 0 || c.ModbusPort > 65535 {
		errs = append(errs, fmt.Errorf("config: invalid modbus port %d", c.ModbusPort))
	}
	return errors.Join(errs...)
}
