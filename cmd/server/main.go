// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/auth"
	"github.com/jason-s-yu/escaperoom/internal/cache"
	"github.com/jason-s-yu/escaperoom/internal/chat"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/config"
	"github.com/jason-s-yu/escaperoom/internal/database"
	"github.com/jason-s-yu/escaperoom/internal/game"
	"github.com/jason-s-yu/escaperoom/internal/handlers"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/puzzle"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/jason-s-yu/escaperoom/internal/trigger"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "escaperoom",
		Short:         "Authoritative shared-state server for the multiplayer escape room.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Apply(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags(), cfg)
	cmd.CompletionOptions.HiddenDefaultCmd = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "escaperoom: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logrus.New()
	logger.SetLevel(cfg.Level())

	clk := clock.Real()

	var (
		st  store.Store
		rdb *redis.Client
	)
	switch cfg.Store {
	case config.StoreRedis:
		var err error
		rdb, err = cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		rs := store.NewRedisStore(rdb, clk, logger)
		defer rs.Close()
		st = rs
		logger.Infof("Using redis store at %s (db %d)", cfg.RedisAddr, cfg.RedisDB)
	default:
		st = store.NewMemoryStore(clk)
		logger.Info("Using in-memory store")
	}

	var auditor game.Auditor
	if cfg.AuditQueue != "" {
		if rdb == nil {
			var err error
			rdb, err = cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
			if err != nil {
				return err
			}
			defer rdb.Close()
		}
		auditor = cache.NewPublisher(rdb, cfg.AuditQueue)
		logger.Infof("Publishing action records to %s", cfg.AuditQueue)
	}

	var recorder game.OutcomeRecorder
	if cfg.DatabaseURL != "" {
		pool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		archive := database.NewArchive(pool)
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
		recorder = archive
		logger.Info("Archiving outcomes to postgres")
	}

	expire, err := auth.ParseExpire(cfg.TokenExpire)
	if err != nil {
		return err
	}
	var sessions *auth.Sessions
	if cfg.PrivateKeyPath != "" {
		sessions, err = auth.NewSessionsFromPath(cfg.PrivateKeyPath, cfg.PublicKeyPath, expire)
	} else {
		sessions, err = auth.NewSessions(expire)
	}
	if err != nil {
		return err
	}

	settings := models.DefaultSettings()
	settings.TimeLimitMinutes = cfg.TimeLimitMinutes

	firer := trigger.NewFirer(st, logger)
	timers := timer.NewService(st, clk, logger)
	feed := chat.NewFeed(st, logger)
	script := chat.DefaultScript()
	lobbies := lobby.NewLobbyManager(st, clk, logger, settings)
	stages := puzzle.NewStages(puzzle.Deps{
		Store: st, Clock: clk, Timers: timers, Firer: firer, Feed: feed, Script: script, Log: logger,
	}, puzzle.DefaultOptions())
	defer stages.Close()

	deps := game.Deps{
		Store: st, Clock: clk, Lobbies: lobbies, Stages: stages, Timers: timers, Firer: firer,
		Feed: feed, Script: script, Auditor: auditor, Recorder: recorder, Log: logger,
	}
	director := game.NewDirector(deps)
	defer director.Close()

	srv := handlers.NewServer(st, clk, lobbies, game.NewEngine(deps), director, sessions, handlers.Options{
		RequireToken: cfg.RequireToken,
		PublicURL:    cfg.PublicURL,
	}, logger)

	go srv.RunReaper(ctx, cfg.ReapInterval, cfg.PlayerTimeout)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server exited: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
