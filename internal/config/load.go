package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "d7bot.yaml"

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	path     string
	loadedAt time.Time
}

// Source returns the origin for the given dotted field, e.g. "redis.url".
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Path is the file that was read, empty when none was.
func (m Metadata) Path() string {
	return m.path
}

func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides carries caller values that win over every other source.
type Overrides struct {
	TelegramToken *string
	RedisURL      *string
	KeyPrefix     *string
	LogLevel      *string
	LogFormat     *string
	MetricsPort   *int
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath reads configuration from path. A missing explicit path is an error.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// Load merges defaults, the YAML file, D7BOT_* environment variables and
// overrides, in that order. The result is not validated.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.envLookup == nil {
		options.envLookup = func(string) (string, bool) { return "", false }
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Default()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options.envLookup); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)
	return cfg, meta, nil
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		if value, ok := opts.envLookup(envConfigPath); ok && value != "" {
			path, explicit = value, true
		} else {
			path = DefaultPath
		}
	}

	data, err := opts.readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	meta.path = path
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var fields map[string]any
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	markSources(meta, "", fields, SourceFile)
	return nil
}

func markSources(meta *Metadata, prefix string, node map[string]any, source ValueSource) {
	for key, value := range node {
		field := key
		if prefix != "" {
			field = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			markSources(meta, field, child, source)
			continue
		}
		meta.sources[field] = source
	}
}

func applyOverrides(cfg *Config, meta *Metadata, o Overrides) {
	set := func(field string) { meta.sources[field] = SourceOverride }
	if o.TelegramToken != nil {
		cfg.Telegram.Token = *o.TelegramToken
		set("telegram.token")
	}
	if o.RedisURL != nil {
		cfg.Redis.URL = *o.RedisURL
		set("redis.url")
	}
	if o.KeyPrefix != nil {
		cfg.Redis.KeyPrefix = *o.KeyPrefix
		set("redis.key_prefix")
	}
	if o.LogLevel != nil {
		cfg.Observability.Logging.Level = *o.LogLevel
		set("observability.logging.level")
	}
	if o.LogFormat != nil {
		cfg.Observability.Logging.Format = *o.LogFormat
		set("observability.logging.format")
	}
	if o.MetricsPort != nil {
		cfg.Observability.Metrics.PrometheusPort = *o.MetricsPort
		cfg.Observability.Metrics.Enabled = *o.MetricsPort > 0
		set("observability.metrics.prometheus_port")
	}
}

// Encode renders cfg as YAML.
func Encode(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
