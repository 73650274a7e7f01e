package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"d7bot/internal/bootstrap"
	"d7bot/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const redactedToken = "<redacted>"

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("D7BOT")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "d7bot",
		Short:         "Telegram chat-moderation bot with button polls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "path to the YAML config file (default d7bot.yaml when present)")
	flags.String("redis-url", "", "redis connection URL")
	flags.String("key-prefix", "", "redis key prefix")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")
	flags.Int("metrics-port", 0, "serve Prometheus metrics on this port")
	for _, name := range []string{"config", "redis-url", "key-prefix", "log-level", "log-format", "metrics-port"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(newRunCommand(v))
	root.AddCommand(newConfigCommand(v))
	root.AddCommand(newVersionCommand())
	return root
}

// loadConfig layers CLI flags over the file and environment.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (config.Config, config.Metadata, error) {
	opts := []config.Option{config.WithEnv(config.DefaultEnvLookupWithAliases())}
	if path := v.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}

	var overrides config.Overrides
	flags := cmd.Flags()
	if flags.Changed("redis-url") {
		s := v.GetString("redis-url")
		overrides.RedisURL = &s
	}
	if flags.Changed("key-prefix") {
		s := v.GetString("key-prefix")
		overrides.KeyPrefix = &s
	}
	if flags.Changed("log-level") {
		s := v.GetString("log-level")
		overrides.LogLevel = &s
	}
	if flags.Changed("log-format") {
		s := v.GetString("log-format")
		overrides.LogFormat = &s
	}
	if flags.Changed("metrics-port") {
		n := v.GetInt("metrics-port")
		overrides.MetricsPort = &n
	}
	opts = append(opts, config.WithOverrides(overrides))
	return config.Load(opts...)
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Telegram and Redis and serve polls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bootstrap.Start(ctx, cfg)
		},
	}
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var defaults, showSecrets bool
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if !defaults {
				loaded, meta, err := loadConfig(cmd, v)
				if err != nil {
					return err
				}
				cfg = loaded
				if path := meta.Path(); path != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", path)
				}
			}
			if !showSecrets && cfg.Telegram.Token != "" {
				cfg.Telegram.Token = redactedToken
			}
			data, err := config.Encode(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	printCmd.Flags().BoolVar(&defaults, "defaults", false, "print built-in defaults, ignoring file and environment")
	printCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "do not redact the bot token")
	cmd.AddCommand(printCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "d7bot %s\n", version)
		},
	}
}
