package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"d7bot/internal/observability"
)

// Config is the complete bot configuration.
type Config struct {
	Telegram      TelegramConfig       `yaml:"telegram"`
	Redis         RedisConfig          `yaml:"redis"`
	Voting        VotingConfig         `yaml:"voting"`
	Throttle      ThrottleConfig       `yaml:"throttle"`
	Tasks         TasksConfig          `yaml:"tasks"`
	ROVote        ROVoteConfig         `yaml:"ro_voting"`
	Observability observability.Config `yaml:"observability"`
}

type TelegramConfig struct {
	Token         string        `yaml:"token"`
	APIEndpoint   string        `yaml:"api_endpoint"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Debug         bool          `yaml:"debug"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
	// ConnectTimeout bounds the startup retry loop.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type VotingConfig struct {
	RepostCooldown  time.Duration `yaml:"repost_cooldown"`
	ExpiryGrace     time.Duration `yaml:"expiry_grace"`
	CheckMembership bool          `yaml:"check_membership"`
}

type ThrottleConfig struct {
	MinInterval       time.Duration `yaml:"min_interval"`
	RetryMargin       time.Duration `yaml:"retry_margin"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
}

type TasksConfig struct {
	Tick time.Duration `yaml:"tick"`
}

type ROVoteConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DefaultThreshold int           `yaml:"number_of_votes"`
	Restriction      time.Duration `yaml:"restriction"`
	PollTTL          time.Duration `yaml:"poll_ttl"`
	AnnouncementTTL  time.Duration `yaml:"announcement_ttl"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{
			PollTimeout:   60 * time.Second,
			RatePerSecond: 25,
			Burst:         5,
		},
		Redis: RedisConfig{
			URL:            "redis://127.0.0.1:6379",
			KeyPrefix:      "d7bot",
			ConnectTimeout: 30 * time.Second,
		},
		Voting: VotingConfig{
			RepostCooldown: 5 * time.Minute,
			ExpiryGrace:    time.Hour,
		},
		Throttle: ThrottleConfig{
			MinInterval:       time.Second,
			RetryMargin:       100 * time.Millisecond,
			DefaultRetryAfter: time.Second,
		},
		Tasks: TasksConfig{Tick: time.Second},
		ROVote: ROVoteConfig{
			Enabled:          true,
			DefaultThreshold: 5,
			Restriction:      24 * time.Hour,
			PollTTL:          time.Hour,
			AnnouncementTTL:  5 * time.Minute,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	if c.Telegram.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("telegram.rate_per_second must not be negative, got %v", c.Telegram.RatePerSecond))
	}
	if tick := c.Tasks.Tick; tick < 0 || tick%time.Second != 0 {
		errs = append(errs, fmt.Errorf("tasks.tick must be a whole number of seconds, got %s", tick))
	}
	if c.Throttle.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("throttle.min_interval must not be negative, got %s", c.Throttle.MinInterval))
	}
	if c.ROVote.Enabled && c.ROVote.DefaultThreshold <= 0 {
		errs = append(errs, fmt.Errorf("ro_voting.number_of_votes must be positive, got %d", c.ROVote.DefaultThreshold))
	}
	if rate := c.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_rate must be within [0,1], got %v", rate))
	}
	return errors.Join(errs...)
}
