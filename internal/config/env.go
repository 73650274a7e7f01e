package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const envConfigPath = "D7BOT_CONFIG"

// DefaultEnvAliases maps canonical variables to the legacy names also accepted.
func DefaultEnvAliases() map[string][]string {
	return map[string][]string{
		"D7BOT_TELEGRAM_TOKEN": {"TELEGRAM_BOT_TOKEN", "BOT_TOKEN"},
		"D7BOT_REDIS_URL":      {"REDIS_URL"},
	}
}

// AliasEnvLookup wraps an EnvLookup with additional alias keys.
func AliasEnvLookup(base EnvLookup, aliases map[string][]string) EnvLookup {
	if base == nil {
		base = DefaultEnvLookup
	}
	return func(key string) (string, bool) {
		if value, ok := base(key); ok && value != "" {
			return value, true
		}
		for _, alias := range aliases[key] {
			if value, ok := base(alias); ok && value != "" {
				return value, true
			}
		}
		return "", false
	}
}

// DefaultEnvLookupWithAliases composes DefaultEnvLookup with DefaultEnvAliases.
func DefaultEnvLookupWithAliases() EnvLookup {
	return AliasEnvLookup(DefaultEnvLookup, DefaultEnvAliases())
}

type envBinding struct {
	key   string
	field string
	apply func(cfg *Config, raw string) error
}

func stringVar(target func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		*target(cfg) = raw
		return nil
	}
}

func boolVar(target func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*target(cfg) = v
		return nil
	}
}

func intVar(target func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*target(cfg) = v
		return nil
	}
}

func floatVar(target func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*target(cfg) = v
		return nil
	}
}

func durationVar(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*target(cfg) = v
		return nil
	}
}

var envBindings = []envBinding{
	{"D7BOT_TELEGRAM_TOKEN", "telegram.token", stringVar(func(c *Config) *string { return &c.Telegram.Token })},
	{"D7BOT_TELEGRAM_API_ENDPOINT", "telegram.api_endpoint", stringVar(func(c *Config) *string { return &c.Telegram.APIEndpoint })},
	{"D7BOT_TELEGRAM_POLL_TIMEOUT", "telegram.poll_timeout", durationVar(func(c *Config) *time.Duration { return &c.Telegram.PollTimeout })},
	{"D7BOT_TELEGRAM_RATE_PER_SECOND", "telegram.rate_per_second", floatVar(func(c *Config) *float64 { return &c.Telegram.RatePerSecond })},
	{"D7BOT_TELEGRAM_DEBUG", "telegram.debug", boolVar(func(c *Config) *bool { return &c.Telegram.Debug })},
	{"D7BOT_REDIS_URL", "redis.url", stringVar(func(c *Config) *string { return &c.Redis.URL })},
	{"D7BOT_REDIS_KEY_PREFIX", "redis.key_prefix", stringVar(func(c *Config) *string { return &c.Redis.KeyPrefix })},
	{"D7BOT_VOTING_REPOST_COOLDOWN", "voting.repost_cooldown", durationVar(func(c *Config) *time.Duration { return &c.Voting.RepostCooldown })},
	{"D7BOT_VOTING_CHECK_MEMBERSHIP", "voting.check_membership", boolVar(func(c *Config) *bool { return &c.Voting.CheckMembership })},
	{"D7BOT_TASKS_TICK", "tasks.tick", durationVar(func(c *Config) *time.Duration { return &c.Tasks.Tick })},
	{"D7BOT_RO_VOTING_ENABLED", "ro_voting.enabled", boolVar(func(c *Config) *bool { return &c.ROVote.Enabled })},
	{"D7BOT_RO_VOTING_NUMBER_OF_VOTES", "ro_voting.number_of_votes", intVar(func(c *Config) *int { return &c.ROVote.DefaultThreshold })},
	{"D7BOT_LOG_LEVEL", "observability.logging.level", stringVar(func(c *Config) *string { return &c.Observability.Logging.Level })},
	{"D7BOT_LOG_FORMAT", "observability.logging.format", stringVar(func(c *Config) *string { return &c.Observability.Logging.Format })},
	{"D7BOT_METRICS_ENABLED", "observability.metrics.enabled", boolVar(func(c *Config) *bool { return &c.Observability.Metrics.Enabled })},
	{"D7BOT_METRICS_PORT", "observability.metrics.prometheus_port", intVar(func(c *Config) *int { return &c.Observability.Metrics.PrometheusPort })},
	{"D7BOT_TRACING_ENABLED", "observability.tracing.enabled", boolVar(func(c *Config) *bool { return &c.Observability.Tracing.Enabled })},
	{"D7BOT_TRACING_EXPORTER", "observability.tracing.exporter", stringVar(func(c *Config) *string { return &c.Observability.Tracing.Exporter })},
	{"D7BOT_TRACING_OTLP_ENDPOINT", "observability.tracing.otlp_endpoint", stringVar(func(c *Config) *string { return &c.Observability.Tracing.OTLPEndpoint })},
	{"D7BOT_TRACING_ZIPKIN_ENDPOINT", "observability.tracing.zipkin_endpoint", stringVar(func(c *Config) *string { return &c.Observability.Tracing.ZipkinEndpoint })},
}

// EnvKeys lists every variable Load reads besides D7BOT_CONFIG.
func EnvKeys() []string {
	keys := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		keys = append(keys, b.key)
	}
	return keys
}

func applyEnv(cfg *Config, meta *Metadata, lookup EnvLookup) error {
	if lookup == nil {
		return nil
	}
	for _, b := range envBindings {
		raw, ok := lookup(b.key)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := b.apply(cfg, raw); err != nil {
			return fmt.Errorf("parse %s: %w", b.key, err)
		}
		meta.sources[b.field] = SourceEnv
	}
	return nil
}
