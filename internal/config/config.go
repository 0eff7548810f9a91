package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "KASALERTS"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "kasalerts.db"
	defaultMaxOpenConns    = 1
	defaultLogLevel        = "info"
	defaultFeedSource      = "database"
	defaultPollIntervalMS  = 500
	defaultGapTimeoutMS    = 2000
	defaultRedisAddress    = "127.0.0.1:6379"
	defaultStreamBuffer    = 32
	defaultHeartbeatSecond = 15
	defaultSnapshotLimit   = 100
	defaultAuthMaxAge      = 86400
	defaultTokenTTLMinutes = 60 * 24
	defaultNotifyCategory  = "price"
)

// AppConfig captures runtime configuration for the API server and its companion commands.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver       string
	DatabaseDSN          string
	DatabaseMaxOpenConns int

	LogLevel string
	LogFile  string

	FeedSource       string
	FeedPollInterval time.Duration
	FeedGapTimeout   time.Duration

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	StreamBufferSize        int
	StreamHeartbeatInterval time.Duration
	SnapshotLimit           int

	SigningSecret    string
	TelegramBotToken string
	AuthMaxAge       time.Duration
	TokenTTL         time.Duration

	TokenInfoURL string
	TokenListURL string

	NotifyCategory string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("feed.source", defaultFeedSource)
	configViper.SetDefault("feed.poll_interval_ms", defaultPollIntervalMS)
	configViper.SetDefault("feed.gap_timeout_ms", defaultGapTimeoutMS)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("stream.buffer_size", defaultStreamBuffer)
	configViper.SetDefault("stream.heartbeat_seconds", defaultHeartbeatSecond)
	configViper.SetDefault("snapshot.limit", defaultSnapshotLimit)
	configViper.SetDefault("auth.max_age_seconds", defaultAuthMaxAge)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("market.token_info_url", "https://api.kasplex.org/v1/krc20/token")
	configViper.SetDefault("market.token_list_url", "https://api.kasplex.org/v1/krc20/tokenlist")
	configViper.SetDefault("notify.category", defaultNotifyCategory)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		DatabaseDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:             configViper.GetString("database.dsn"),
		DatabaseMaxOpenConns:    configViper.GetInt("database.max_open_conns"),
		LogLevel:                configViper.GetString("log.level"),
		LogFile:                 configViper.GetString("log.file"),
		FeedSource:              strings.ToLower(strings.TrimSpace(configViper.GetString("feed.source"))),
		FeedPollInterval:        time.Duration(configViper.GetInt("feed.poll_interval_ms")) * time.Millisecond,
		FeedGapTimeout:          time.Duration(configViper.GetInt("feed.gap_timeout_ms")) * time.Millisecond,
		RedisAddress:            configViper.GetString("redis.address"),
		RedisPassword:           configViper.GetString("redis.password"),
		RedisDB:                 configViper.GetInt("redis.db"),
		StreamBufferSize:        configViper.GetInt("stream.buffer_size"),
		StreamHeartbeatInterval: time.Duration(configViper.GetInt("stream.heartbeat_seconds")) * time.Second,
		SnapshotLimit:           configViper.GetInt("snapshot.limit"),
		SigningSecret:           configViper.GetString("auth.signing_secret"),
		TelegramBotToken:        configViper.GetString("auth.telegram_bot_token"),
		AuthMaxAge:              time.Duration(configViper.GetInt("auth.max_age_seconds")) * time.Second,
		TokenTTL:                time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		TokenInfoURL:            configViper.GetString("market.token_info_url"),
		TokenListURL:            configViper.GetString("market.token_list_url"),
		NotifyCategory:          configViper.GetString("notify.category"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.FeedSource {
	case "database":
	case "redis":
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required when feed.source is redis")
		}
	default:
		return fmt.Errorf("feed.source %q is not supported", c.FeedSource)
	}
	if c.FeedPollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval_ms must be positive")
	}
	if c.FeedGapTimeout < 0 {
		return fmt.Errorf("feed.gap_timeout_ms must not be negative")
	}
	if c.StreamBufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive")
	}
	if c.SnapshotLimit <= 0 || c.SnapshotLimit > 100 {
		return fmt.Errorf("snapshot.limit must be between 1 and 100")
	}
	return nil
}
