package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"d7bot/internal/channels/telegram"
	"d7bot/internal/config"
	boterrors "d7bot/internal/errors"
	"d7bot/internal/logging"
)

func connectBackoff(ctx context.Context, maxElapsed time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.WithContext(b, ctx)
}

// ConnectRedis opens a client for cfg.URL and waits until it answers PING.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, logger logging.Logger) (*redis.Client, error) {
	logger = logging.OrNop(logger)
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	attempt := 0
	ping := func() error {
		attempt++
		if err := client.Ping(ctx).Err(); err != nil {
			if !boterrors.IsTransient(err) {
				return backoff.Permanent(err)
			}
			logger.Warn("Redis ping %d to %s failed: %v", attempt, opts.Addr, err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, connectBackoff(ctx, cfg.ConnectTimeout)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	logger.Info("Connected to redis at %s (db=%d)", opts.Addr, opts.DB)
	return client, nil
}

// ConnectTelegram authenticates against the Bot API, retrying network failures.
func ConnectTelegram(ctx context.Context, cfg config.TelegramConfig, maxElapsed time.Duration, logger logging.Logger) (*tgbotapi.BotAPI, error) {
	logger = logging.OrNop(logger)
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	var bot *tgbotapi.BotAPI
	connect := func() error {
		var err error
		bot, err = telegram.NewBotAPI(TelegramConfig(cfg), logger)
		if err != nil {
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == 401 {
				return backoff.Permanent(err)
			}
			logger.Warn("Telegram getMe failed: %v", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(connect, connectBackoff(ctx, maxElapsed)); err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	logger.Info("Authorized on Telegram as @%s", bot.Self.UserName)
	return bot, nil
}

// TelegramConfig maps the file config onto the adapter config.
func TelegramConfig(cfg config.TelegramConfig) telegram.Config {
	return telegram.Config{
		Token:         cfg.Token,
		APIEndpoint:   cfg.APIEndpoint,
		PollTimeout:   cfg.PollTimeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		Debug:         cfg.Debug,
	}
}
