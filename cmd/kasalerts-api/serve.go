package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/market"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/server"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/users"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) (err error) {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.close())
	}()
	logger := rt.logger

	hub, err := rt.newHub()
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(rt.cfg.SigningSecret),
		Issuer:        "kasalerts-auth",
		Audience:      "kasalerts-api",
		TokenTTL:      rt.cfg.TokenTTL,
	})
	if err != nil {
		return err
	}

	alertService, err := alerts.NewService(alerts.ServiceConfig{
		Database:   rt.db,
		Clock:      time.Now,
		IDProvider: alerts.NewUUIDProvider(),
		Logger:     logger.Named("alerts"),
	})
	if err != nil {
		return err
	}
	settingsService, err := settings.NewService(settings.ServiceConfig{
		Database: rt.db,
		Clock:    time.Now,
		Logger:   logger.Named("settings"),
	})
	if err != nil {
		return err
	}
	marketClient, err := market.NewClient(market.Config{
		TokenInfoURL: rt.cfg.TokenInfoURL,
		TokenListURL: rt.cfg.TokenListURL,
		Logger:       logger.Named("market"),
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Alerts:            alertService,
		Hub:               hub,
		Settings:          settingsService,
		TokenManager:      tokenManager,
		Market:            marketClient,
		Metrics:           promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
		SnapshotLimit:     rt.cfg.SnapshotLimit,
		HeartbeatInterval: rt.cfg.StreamHeartbeatInterval,
		Logger:            logger,
	}
	if rt.cfg.TelegramBotToken != "" {
		verifier, err := auth.NewTelegramVerifier(auth.TelegramVerifierConfig{
			BotToken: rt.cfg.TelegramBotToken,
			MaxAge:   rt.cfg.AuthMaxAge,
		})
		if err != nil {
			return err
		}
		userService, err := users.NewService(users.ServiceConfig{Database: rt.db, Clock: time.Now})
		if err != nil {
			return err
		}
		deps.TelegramVerifier = verifier
		deps.Users = userService
	} else {
		logger.Warn("telegram bot token not configured, /auth/telegram disabled")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", rt.cfg.HTTPAddress), zap.String("feed_source", rt.cfg.FeedSource))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		// Open streams end with a server_shutdown frame before the server drains.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
