package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/notifier"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func newNotifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Send Telegram messages for live alerts that meet users' thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotifier(cmd.Context())
		},
	}
}

func runNotifier(ctx context.Context) (err error) {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.close())
	}()

	category, err := alerts.ParseCategory(rt.cfg.NotifyCategory)
	if err != nil {
		return err
	}
	hub, err := rt.newHub()
	if err != nil {
		return err
	}
	defer hub.Close()

	settingsService, err := settings.NewService(settings.ServiceConfig{
		Database: rt.db,
		Clock:    time.Now,
		Logger:   rt.logger.Named("settings"),
	})
	if err != nil {
		return err
	}
	sender, err := notifier.NewTelegramSender(rt.cfg.TelegramBotToken, rt.logger.Named("telegram"))
	if err != nil {
		return err
	}
	service, err := notifier.New(notifier.Config{
		Hub:      hub,
		Settings: settingsService,
		Sender:   sender,
		Category: category,
		Logger:   rt.logger.Named("notifier"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	return group.Wait()
}
