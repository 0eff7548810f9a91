package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/notifier"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/reconciler"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type watchOptions struct {
	serverURL   string
	category    string
	accessToken string
	userID      string
	query       string
	minChange   float64

	// enableNotifications and threshold are written to the user's settings
	// only when the corresponding flag was given.
	enableNotifications *bool
	threshold           *float64
}

func newWatchCommand() *cobra.Command {
	options := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a category's live timeline from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("enable-notifications") {
				options.enableNotifications = nil
			}
			if !cmd.Flags().Changed("threshold") {
				options.threshold = nil
			}
			return runWatch(cmd.Context(), options, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&options.serverURL, "server-url", "http://127.0.0.1:8080", "Base URL of the alert service")
	cmd.Flags().StringVar(&options.category, "category", "price", "Alert category to follow")
	cmd.Flags().StringVar(&options.accessToken, "access-token", "", "Session token from /auth/telegram")
	cmd.Flags().StringVar(&options.userID, "user-id", "", "User whose notification settings gate local notifications")
	cmd.Flags().StringVar(&options.query, "query", "", "Only show subjects containing this text")
	cmd.Flags().Float64Var(&options.minChange, "min-change", 0, "Only show alerts with at least this absolute percentage change")
	options.enableNotifications = cmd.Flags().Bool("enable-notifications", false, "Save whether notifications are enabled for --user-id")
	options.threshold = cmd.Flags().Float64("threshold", settings.DefaultThreshold, "Save the notification threshold percentage for --user-id")
	return cmd
}

func runWatch(ctx context.Context, options *watchOptions, out io.Writer) error {
	category, err := alerts.ParseCategory(options.category)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.file"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := reconciler.NewClient(reconciler.ClientConfig{
		BaseURL:     options.serverURL,
		Category:    category,
		AccessToken: options.accessToken,
		Logger:      logger.Named("client"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller := reconciler.NewSettingsController(client, options.userID, logger.Named("settings"))
	prefs := controller.Load(signalCtx)
	if loadErr := controller.Err(); loadErr != nil {
		fmt.Fprintf(out, "settings unavailable, using defaults: %v\n", loadErr)
	}
	if err := applySettingsFlags(signalCtx, controller, options, out); err != nil {
		return err
	}
	prefs = controller.Preferences()
	logger.Info("notification settings", zap.Bool("enabled", prefs.Enabled), zap.Float64("threshold", prefs.Threshold))

	var mu sync.Mutex
	var watcher *reconciler.Reconciler
	render := func() {
		if watcher == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		renderTimeline(out, watcher)
	}
	watcher, err = reconciler.New(reconciler.Config{
		Transport: client,
		Settings:  controller,
		Notify: func(alert alerts.Alert) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "NOTIFY %s\n", notifier.FormatMessage(alert))
		},
		OnChange: render,
		Logger:   logger.Named("reconciler"),
	})
	if err != nil {
		return err
	}
	watcher.SetFilter(reconciler.Filter{Query: options.query, MinChange: options.minChange})

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	watcher.Start(signalCtx)
	for {
		select {
		case <-signalCtx.Done():
			watcher.Stop()
			return nil
		case <-hangup:
			logger.Info("reconnecting on SIGHUP")
			watcher.Reconnect(errors.New("SIGHUP"))
		}
	}
}

// applySettingsFlags saves the notification flags the user passed. A rejected
// write is reported and the previous preferences stay in effect.
func applySettingsFlags(ctx context.Context, controller *reconciler.SettingsController, options *watchOptions, out io.Writer) error {
	if options.enableNotifications == nil && options.threshold == nil {
		return nil
	}
	if strings.TrimSpace(options.userID) == "" {
		return errors.New("--user-id is required to change notification settings")
	}
	if options.enableNotifications != nil {
		if err := controller.SetEnabled(ctx, *options.enableNotifications); err != nil {
			fmt.Fprintf(out, "saving notifications flag failed: %v\n", err)
		}
	}
	if options.threshold != nil {
		if err := controller.SetThreshold(ctx, *options.threshold); err != nil {
			fmt.Fprintf(out, "saving threshold failed: %v\n", err)
		}
	}
	return nil
}

func renderTimeline(out io.Writer, watcher *reconciler.Reconciler) {
	var builder strings.Builder
	fmt.Fprintf(&builder, "== %s ==\n", watcher.State())
	if err := watcher.SnapshotErr(); err != nil {
		fmt.Fprintf(&builder, "snapshot failed: %v\n", err)
	}
	for _, alert := range watcher.View() {
		fmt.Fprintf(&builder, "%d  %-12s %+8.2f%%  %s\n", alert.Timestamp, alert.Subject, alert.ChangePercentage, alert.Message)
	}
	_, _ = io.WriteString(out, builder.String())
}
