package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"imghost/internal/server/api"
	"imghost/internal/server/database"
	"imghost/internal/server/policy"
	"imghost/internal/server/service"
	"imghost/internal/server/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the orphan sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"base_url", cfg.BaseURL,
		"max_request_bytes", cfg.MaxRequestBytes,
	)

	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath)

	images := database.NewImageRepository(db)
	users := database.NewUserRepository(db)
	invites := database.NewInviteRepository(db)
	settings := database.NewConfigRepository(db)
	resolver := policy.NewResolver(settings)

	views := service.NewViewCounter(images)
	ingest := service.NewIngestService(images, resolver, store)
	uploads := service.NewUploadService(ingest, images, db, store, views, cfg.BaseURL)
	accounts := service.NewAccountService(users, invites, db, resolver)
	admin := service.NewAdminService(settings, users, invites, images, store, db)

	handler := api.NewHandler(uploads, accounts, admin, resolver, db)
	e := api.SetupRouter(handler, cfg)
	sweeper := storage.NewOrphanSweeper(images, store, cfg.Sweep.Interval, cfg.Sweep.Grace)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Stop accepting new requests, let in-flight ones finish
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}

		sweeper.Wait()
		views.Flush(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server exited cleanly")
	return nil
}

// openDatabase connects, migrates and applies the policy seed file.
func openDatabase(ctx context.Context) (*database.DB, error) {
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database migrations complete")

	if cfg.PolicySeedFile == "" {
		return db, nil
	}
	entries, err := policy.LoadSeed(cfg.PolicySeedFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	n, err := policy.Seed(ctx, database.NewConfigRepository(db), entries)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("policy seed applied", "file", cfg.PolicySeedFile, "inserted", n)
	return db, nil
}
