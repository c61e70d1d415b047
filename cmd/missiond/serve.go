package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/api"
	"github.com/nidhogg/mission-engine/internal/config"
	"github.com/nidhogg/mission-engine/internal/engine"
	"github.com/nidhogg/mission-engine/internal/gateway"
	"github.com/nidhogg/mission-engine/internal/lineage"
	"github.com/nidhogg/mission-engine/internal/mission"
	"github.com/nidhogg/mission-engine/internal/notify"
	"github.com/nidhogg/mission-engine/internal/store"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if catalogPath != "" {
				cfg.Engine.CatalogPath = catalogPath
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "mission catalog YAML (overrides engine.catalog_path)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting mission engine...", zap.String("driver", cfg.Database.Driver))

	repo, err := store.Open(ctx, cfg.Database, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	notifier := notify.New(cfg.Engine.NotifyBuffer, logger.Named("notify"))
	defer notifier.Close()

	// Alert channels
	relay := gateway.NewRelay(logger.Named("gateway"))
	rest := gateway.NewRESTChannel(logger.Named("gateway"))
	relay.Register(rest)
	if sc := cfg.Gateway.Slack; sc.Enabled {
		relay.Register(gateway.NewSlackChannel(sc.BotToken, sc.AppToken, sc.ChannelID, logger.Named("slack")))
	}
	if dc := cfg.Gateway.Discord; dc.Enabled {
		relay.Register(gateway.NewDiscordChannel(dc.BotToken, dc.ChannelID, logger.Named("discord")))
	}
	defer relay.Close()

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Repository: repo,
		Notifier:   notifier,
		Relay:      relay,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	relay.SetOperator(eng.Alerts())
	if err := relay.ConnectAll(ctx); err != nil {
		logger.Warn("some alert channels failed to connect", zap.Error(err))
	}

	// Change feed sinks
	if url := cfg.Database.Redis.URL; url != "" {
		pub, err := notify.NewRedisPublisher(ctx, url, cfg.Database.Redis.Channel, logger.Named("redis"))
		if err != nil {
			logger.Warn("Redis unavailable, running without change feed", zap.Error(err))
		} else {
			defer pub.Close()
			notifier.Attach(ctx, "redis", pub)
		}
	}
	if n := cfg.Database.Neo4j; n.URI != "" {
		proj, err := lineage.NewProjector(ctx, n.URI, n.User, n.Password, logger.Named("lineage"))
		if err != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
		} else {
			defer proj.Close(context.Background())
			if err := proj.EnsureSchema(ctx); err != nil {
				logger.Warn("lineage schema", zap.Error(err))
			}
			notifier.Attach(ctx, "lineage", proj)
		}
	}

	if cfg.Engine.CatalogPath != "" {
		cat, err := mission.LoadCatalog(cfg.Engine.CatalogPath)
		if err != nil {
			return err
		}
		if err := eng.RegisterCatalog(cat); err != nil {
			return fmt.Errorf("register catalog: %w", err)
		}
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	handler := api.NewHandler(eng, relay, rest, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end with the signal context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Mission engine listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	logger.Info("Shutting down mission engine...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", zap.Error(err))
	}
	notifier.Close()
	return nil
}
