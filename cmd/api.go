package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/api"
	"github.com/mreis/archivum/internal/frontier"
	"github.com/mreis/archivum/internal/index"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve semantic search over the processed corpus",
	Long: `Api builds the search index from the document store, refreshes it
periodically, and serves queries over HTTP. Until the first index build
completes, /search answers 503.`,
	RunE: runAPI,
}

func runAPI(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openPipelineDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store, releaseStore, err := buildDocumentStore(ctx, cfg, db, systemClock)
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}
	defer releaseStore()

	fr, err := frontier.New(db, systemClock, frontier.Config{})
	if err != nil {
		return fmt.Errorf("init frontier: %w", err)
	}
	q, err := buildQueue(cfg, db, systemClock)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	_, embedder := buildEnrichers(cfg, logger)

	ix := index.New(store, systemClock, logger)
	if err := ix.Rebuild(ctx); err != nil {
		// Serve anyway; /search answers 503 until a build succeeds.
		logger.Warn("initial index build failed", zap.Error(err))
	}
	go ix.Refresh(ctx, time.Duration(cfg.Search.RefreshIntervalSec)*time.Second)

	server := api.New(ix, store, embedder, fr, q, logger, api.Config{
		DefaultTopK: cfg.Search.DefaultTopK,
	})
	httpServer := newHTTPServer(cfg, server.Router())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("api stopped")
	return nil
}
