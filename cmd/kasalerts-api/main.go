package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kasalerts-api",
		Short: "Live alert snapshots, push streams and notification settings",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newNotifyCommand(),
		newIngestCommand(),
		newWatchCommand(),
		newTickersCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres, mysql)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.Int("database-max-open-conns", defaults.GetInt("database.max_open_conns"), "Maximum open database connections")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", defaults.GetString("log.file"), "Optional rotated log file")
	flags.String("feed-source", defaults.GetString("feed.source"), "Change feed source (database, redis)")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the stream feed")
	flags.Int("stream-buffer-size", defaults.GetInt("stream.buffer_size"), "Per-subscriber queue size")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("telegram-bot-token", "", "Telegram bot token (overrides env)")
	flags.String("notify-category", defaults.GetString("notify.category"), "Category the notifier watches")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.max_open_conns", "database-max-open-conns")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "feed.source", "feed-source")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "stream.buffer_size", "stream-buffer-size")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.telegram_bot_token", "telegram-bot-token")
	bindFlag(cmd, "notify.category", "notify-category")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
