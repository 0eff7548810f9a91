package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/feed"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ingestOptions struct {
	category  string
	subject   string
	value     string
	change    float64
	message   string
	timestamp int64
}

func newIngestCommand() *cobra.Command {
	options := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record one alert and publish it to the change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), options)
		},
	}
	cmd.Flags().StringVar(&options.category, "category", "price", "Alert category (price, velocity, whale, nft)")
	cmd.Flags().StringVar(&options.subject, "subject", "", "Ticker, wallet or collection the alert is about")
	cmd.Flags().StringVar(&options.value, "value", "0", "Numeric payload")
	cmd.Flags().Float64Var(&options.change, "change", 0, "Percentage change")
	cmd.Flags().StringVar(&options.message, "message", "", "Human-readable message")
	cmd.Flags().Int64Var(&options.timestamp, "timestamp", 0, "Event time in seconds or milliseconds (default now)")
	return cmd
}

func runIngest(ctx context.Context, options *ingestOptions) (err error) {
	category, err := alerts.ParseCategory(options.category)
	if err != nil {
		return err
	}
	value, err := decimal.NewFromString(options.value)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", options.value, err)
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.close())
	}()

	service, err := alerts.NewService(alerts.ServiceConfig{
		Database:   rt.db,
		Clock:      time.Now,
		IDProvider: alerts.NewUUIDProvider(),
		Logger:     rt.logger.Named("alerts"),
	})
	if err != nil {
		return err
	}
	alert, err := service.Record(ctx, alerts.Draft{
		Category:         category,
		Subject:          options.subject,
		Value:            value,
		ChangePercentage: options.change,
		Message:          options.message,
		Timestamp:        options.timestamp,
	})
	if err != nil {
		return err
	}
	rt.logger.Info("alert recorded", zap.String("alert_id", alert.ID), zap.String("category", alert.Category.String()))

	if rt.redis != nil {
		publisher, err := feed.NewRedisPublisher(feed.RedisPublisherConfig{Client: rt.redis})
		if err != nil {
			return err
		}
		entryID, err := publisher.Publish(ctx, alerts.OperationInsert, alert)
		if err != nil {
			return err
		}
		rt.logger.Info("alert published", zap.String("alert_id", alert.ID), zap.String("entry_id", entryID))
	}

	fmt.Println(alert.ID)
	return nil
}
