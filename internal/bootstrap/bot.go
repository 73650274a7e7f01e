package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"d7bot/internal/channels/telegram"
	"d7bot/internal/config"
	"d7bot/internal/features/rovote"
	"d7bot/internal/logging"
	"d7bot/internal/observability"
	"d7bot/internal/storage/redisstore"
	"d7bot/internal/tasks"
	"d7bot/internal/throttle"
	"d7bot/internal/voting"
)

const shutdownTimeout = 5 * time.Second

// Deps are the connected external resources a Bot is assembled from.
type Deps struct {
	Redis       redis.UniversalClient
	API         telegram.BotAPI
	BotUsername string
	Logger      *logging.SlogLogger
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
}

// Bot owns every long-running component.
type Bot struct {
	Store     *redisstore.Store
	Client    *telegram.Client
	Gateway   *telegram.Gateway
	Throttler *throttle.Throttler
	Runner    *tasks.Runner
	Registry  *voting.Registry
	ROVote    *rovote.Feature
	Degraded  *DegradedComponents

	metrics *observability.Metrics
	logger  logging.Logger
}

// Assemble wires the components on top of deps without touching the network.
func Assemble(cfg config.Config, deps Deps) (*Bot, error) {
	if deps.Redis == nil || deps.API == nil {
		return nil, errors.New("bootstrap requires redis and telegram clients")
	}
	root := deps.Logger
	if root == nil {
		root = logging.New(logging.Config{
			Level:  cfg.Observability.Logging.Level,
			Format: cfg.Observability.Logging.Format,
		})
	}
	bot := &Bot{
		Degraded: NewDegradedComponents(),
		metrics:  deps.Metrics,
		logger:   root.Component("bootstrap"),
	}

	tgCfg := TelegramConfig(cfg.Telegram)
	tgCfg.BotUsername = deps.BotUsername

	stages := []Stage{
		{Name: "store", Required: true, Init: func() (err error) {
			bot.Store, err = redisstore.New(deps.Redis, cfg.Redis.KeyPrefix)
			return err
		}},
		{Name: "telegram", Required: true, Init: func() (err error) {
			bot.Client = telegram.NewClient(deps.API, tgCfg, root.Component("telegram"))
			bot.Gateway, err = telegram.NewGateway(deps.API, bot.Client, tgCfg, root.Component("gateway"))
			return err
		}},
		{Name: "throttle", Required: true, Init: func() error {
			bot.Throttler = throttle.New(bot.Client, throttle.Config{
				MinInterval:       cfg.Throttle.MinInterval,
				RetryMargin:       cfg.Throttle.RetryMargin,
				DefaultRetryAfter: cfg.Throttle.DefaultRetryAfter,
			}, throttle.WithLogger(root.Component("throttle")), throttle.WithMetrics(deps.Metrics))
			return nil
		}},
		{Name: "tasks", Required: true, Init: func() error {
			bot.Runner = tasks.New(tasks.Config{Tick: cfg.Tasks.Tick}, root.Component("tasks"), deps.Metrics)
			return nil
		}},
		{Name: "voting", Required: true, Init: func() (err error) {
			bot.Registry, err = voting.New(voting.Config{
				RepostCooldown:  cfg.Voting.RepostCooldown,
				ExpiryGrace:     cfg.Voting.ExpiryGrace,
				CheckMembership: cfg.Voting.CheckMembership,
			}, voting.Deps{
				Store:     bot.Store,
				Messenger: bot.Client,
				Renderer:  bot.Throttler,
				Scheduler: bot.Runner,
				Logger:    root.Component("voting"),
				Metrics:   deps.Metrics,
				Tracer:    deps.Tracer,
			})
			if err != nil {
				return err
			}
			bot.Gateway.HandleCallbacks(bot.Registry.HandleCallback)
			bot.Gateway.HandleCommand(voting.RepostCommandName, bot.Registry.RepostCommand())
			return nil
		}},
		{Name: "ro_voting", Required: false, Init: func() (err error) {
			if !cfg.ROVote.Enabled {
				return nil
			}
			bot.ROVote, err = rovote.New(rovote.Config{
				DefaultThreshold: cfg.ROVote.DefaultThreshold,
				Restriction:      cfg.ROVote.Restriction,
				PollTTL:          cfg.ROVote.PollTTL,
				AnnouncementTTL:  cfg.ROVote.AnnouncementTTL,
			}, rovote.Deps{
				Registry:   bot.Registry,
				Settings:   bot.Store,
				Messenger:  bot.Client,
				Restrictor: bot.Client,
				Admins:     bot.Client,
				Scheduler:  bot.Runner,
				Logger:     root.Component(rovote.Module),
			})
			if err != nil {
				return err
			}
			return bot.ROVote.Install(bot.Gateway)
		}},
	}
	if err := RunStages(stages, bot.Degraded, bot.logger); err != nil {
		return nil, err
	}
	return bot, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (b *Bot) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := b.Runner.Start(ctx); err != nil {
		return fmt.Errorf("start task runner: %w", err)
	}
	b.Throttler.Start(ctx)

	g.Go(func() error {
		return b.Gateway.Start(ctx)
	})
	g.Go(func() error {
		return b.metrics.Serve(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		b.Throttler.Stop()
		b.Runner.Stop()
		return nil
	})

	if !b.Degraded.IsEmpty() {
		b.logger.Warn("Running with degraded components: %s", b.Degraded)
	}
	b.logger.Info("d7bot running")
	err := g.Wait()
	b.logger.Info("d7bot stopped")
	return err
}

// Start connects to Redis and Telegram, assembles the bot and runs it until
// ctx is cancelled.
func Start(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	log := logger.Component("bootstrap")

	metrics, err := observability.NewMetrics(cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tracing, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		log.Warn("Tracing disabled: %v", err)
		tracing, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown: %v", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics shutdown: %v", err)
		}
	}()

	redisClient, err := ConnectRedis(ctx, cfg.Redis, logger.Component("redis"))
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	api, err := ConnectTelegram(ctx, cfg.Telegram, cfg.Redis.ConnectTimeout, logger.Component("telegram"))
	if err != nil {
		return err
	}

	bot, err := Assemble(cfg, Deps{
		Redis:       redisClient,
		API:         api,
		BotUsername: api.Self.UserName,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracing.Tracer(),
	})
	if err != nil {
		return err
	}
	return bot.Run(ctx)
}
