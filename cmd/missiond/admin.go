package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/mission"
	"github.com/nidhogg/mission-engine/internal/notify"
	"github.com/nidhogg/mission-engine/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			repo, err := store.Open(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", zap.String("driver", cfg.Database.Driver))
			return repo.Close()
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with mission catalogs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a mission catalog for errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := mission.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d mission template(s), %d condition(s)\n", args[0], len(cat.Missions), len(cat.Conditions))
			for _, c := range cat.Conditions {
				fmt.Fprintf(out, "  %-24s %-22s every %-8s -> %s\n", c.Name, c.Kind, c.Interval, c.Mission)
			}
			return nil
		},
	})
	return cmd
}

// eventsCmd tails the Redis change feed written by a running engine.
func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print the Redis change feed as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Redis.URL == "" {
				return fmt.Errorf("database.redis.url is not configured")
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return tailEvents(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Channel, logger)
		},
	}
}

func tailEvents(ctx context.Context, url, stream string, logger *zap.Logger) error {
	l, err := notify.NewRedisListener(ctx, url, stream, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	enc := json.NewEncoder(os.Stdout)
	for ev := range l.Listen(ctx) {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
