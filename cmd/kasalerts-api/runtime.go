package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/config"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/database"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runtime owns the process-wide resources shared by the commands.
type runtime struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *prometheus.Registry
}

func newRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver:       appConfig.DatabaseDriver,
		DSN:          appConfig.DatabaseDSN,
		MaxOpenConns: appConfig.DatabaseMaxOpenConns,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	rt := &runtime{cfg: appConfig, logger: logger, db: db}
	if appConfig.FeedSource == "redis" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
	}
	return rt, nil
}

func (rt *runtime) feedSource() (feed.Source, error) {
	switch rt.cfg.FeedSource {
	case "redis":
		return feed.NewRedisSource(feed.RedisSourceConfig{
			Client: rt.redis,
			Logger: rt.logger.Named("feed"),
		})
	case "database":
		return feed.NewStoreSource(feed.StoreSourceConfig{
			Database:     rt.db,
			PollInterval: rt.cfg.FeedPollInterval,
			GapTimeout:   rt.cfg.FeedGapTimeout,
			Logger:       rt.logger.Named("feed"),
		})
	default:
		return nil, fmt.Errorf("feed.source %q is not supported", rt.cfg.FeedSource)
	}
}

// newHub builds the broadcaster with its metrics on the runtime's registry.
func (rt *runtime) newHub() (*broadcast.Hub, error) {
	source, err := rt.feedSource()
	if err != nil {
		return nil, err
	}
	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics, err := broadcast.NewMetrics(rt.registry)
	if err != nil {
		return nil, err
	}
	return broadcast.NewHub(broadcast.HubConfig{
		Source:     source,
		BufferSize: rt.cfg.StreamBufferSize,
		Logger:     rt.logger.Named("broadcast"),
		Metrics:    metrics,
	})
}

func (rt *runtime) close() error {
	var err error
	if rt.redis != nil {
		err = multierr.Append(err, rt.redis.Close())
	}
	if rt.db != nil {
		if sqlDB, dbErr := rt.db.DB(); dbErr != nil {
			err = multierr.Append(err, dbErr)
		} else {
			err = multierr.Append(err, sqlDB.Close())
		}
	}
	_ = rt.logger.Sync()
	return err
}
