// Package main is the entry point for the tissue overlay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tissue-tiles/server/internal/api"
	"github.com/tissue-tiles/server/internal/bridge"
	"github.com/tissue-tiles/server/internal/config"
	"github.com/tissue-tiles/server/internal/logging"
	"github.com/tissue-tiles/server/internal/service"
	"github.com/tissue-tiles/server/internal/source"
	"github.com/tissue-tiles/server/internal/tilestore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	stdio := flag.Bool("stdio", false, "Serve JSON-line commands on stdin/stdout instead of HTTP")
	flag.Parse()

	if err := run(*configPath, *stdio); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, stdio bool) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ResolvePaths(filepath.Dir(configPath))

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	catalog, err := source.NewCatalog(cfg.Server.Title, cfg.Data, 8, log)
	if err != nil {
		return fmt.Errorf("failed to initialize sources: %w", err)
	}
	defer catalog.Close()
	log.WithFields(logrus.Fields{
		"datasets":      cfg.Data.Datasets.Len(),
		"images":        cfg.Data.Images.Len(),
		"segmentations": cfg.Data.Segmentations.Len(),
	}).Info("sources configured")

	store, err := tilestore.New(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tile store: %w", err)
	}
	defer store.Close()
	log.WithFields(logrus.Fields{
		"backend":      cfg.Store.Backend,
		"max_overlays": cfg.Store.MaxOverlays,
	}).Info("tile store ready")

	svc, err := service.NewOverlayService(service.OverlayServiceConfig{
		Sources:  catalog,
		Store:    store,
		Render:   cfg.Render,
		Generate: cfg.Generate,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize overlay service: %w", err)
	}
	// Runs before store.Close: it waits for generations still writing tiles.
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stdio {
		log.Info("serving commands on stdio")
		srv := bridge.NewServer(svc, bridge.Config{Concurrency: cfg.Generate.MaxConcurrent + 1, Log: log})
		return srv.Serve(ctx, os.Stdin, os.Stdout)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Overlays:    svc,
		Catalog:     catalog,
		CORSOrigins: cfg.Server.CORSOrigins,
		Log:         log,
	})

	// Generation requests wait for the whole pyramid, so writes get a long
	// timeout.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced to shutdown")
	}

	log.Info("server stopped")
	return nil
}
