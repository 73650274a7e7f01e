package telegram

import "time"

// Config captures Telegram adapter behavior.
type Config struct {
	Token       string
	APIEndpoint string // defaults to the public Bot API
	BotUsername string // resolved from getMe when empty
	PollTimeout time.Duration
	// RatePerSecond caps outbound Bot API calls across all chats.
	RatePerSecond float64
	Burst         int
	Debug         bool
}

const (
	defaultPollTimeout   = 60 * time.Second
	defaultRatePerSecond = 25
	defaultBurst         = 5
)

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultRatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	return c
}
