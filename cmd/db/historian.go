// cmd/db/historian.go is an asynchronous historian service that pops action records from a Redis queue and persists them to a PostgreSQL database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/escaperoom/internal/cache"
	"github.com/jason-s-yu/escaperoom/internal/config"
	"github.com/jason-s-yu/escaperoom/internal/database"
	"github.com/jason-s-yu/escaperoom/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "historian",
		Short:         "Archives escape room action records and outcomes to postgres.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Apply(cmd.Flags()); err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("--database-url is required")
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags(), cfg)
	cmd.CompletionOptions.HiddenDefaultCmd = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "historian: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logrus.New()
	logger.SetLevel(cfg.Level())

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	pool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	archive := database.NewArchive(pool)
	if err := archive.EnsureSchema(ctx); err != nil {
		return err
	}

	queue := cfg.AuditQueue
	if queue == "" {
		queue = cache.DefaultQueueName
	}
	hs := historian.New(cache.NewPublisher(rdb, queue), archive, historian.Options{
		BatchSize:  cfg.HistorianBatchSize,
		FlushDelay: cfg.HistorianFlush,
		Inactivity: cfg.HistorianInactivity,
	}, logger)

	logger.Infof("Historian reading %s", queue)
	hs.Run(ctx)
	logger.Info("Historian shutdown complete.")
	return nil
}
