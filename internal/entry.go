// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/rhizocam/internal/files"
	"github.com/starford/rhizocam/internal/ingest"
	"github.com/starford/rhizocam/internal/sse"
)

const shutdownTimeout = 10 * time.Second

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Run starts the ingestion service with the given options and blocks until
// ctx is cancelled or a component fails.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("blob_root", cfg.Blob.Root),
		slog.String("transport", cfg.S3I.Transport),
		slog.String("log_level", cfg.App.LogLevel.String()))

	db, blobs, err := app.openStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	lib := files.New(db, blobs,
		files.WithLogger(logger),
		files.WithOnVersion(broker.PublishFileVersion),
	)

	source, err := app.messageSource(ctx, blobs)
	if err != nil {
		return fmt.Errorf("connect message source: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn("closing message source", slog.String("error", err.Error()))
		}
	}()

	ingestor := ingest.New(source, db, blobs,
		ingest.WithLogger(logger),
		ingest.WithConsumers(cfg.Ingest.Consumers),
		ingest.WithPollInterval(cfg.S3I.PollInterval),
		ingest.WithMaxBackoff(cfg.Ingest.MaxBackoff),
		ingest.WithDedupCache(cfg.Ingest.DedupCacheSize),
		ingest.WithOnStored(broker.PublishImage),
	)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           newRouter(db, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ingestor.Run(gCtx)
	})

	if dir := cfg.Files.SyncDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sync dir: %w", err)
		}
		g.Go(func() error {
			stats, err := lib.Sync(gCtx, dir)
			if err != nil {
				logger.Warn("initial files sync failed", slog.String("error", err.Error()))
			} else {
				logger.Info("files synced",
					slog.Int("scanned", stats.Scanned),
					slog.Int("versioned", stats.Versioned),
					slog.Int("failed", stats.Failed))
			}
			if !cfg.Files.Watch {
				return nil
			}
			return lib.Watch(gCtx, dir)
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// newRouter builds the ops router: health probes, Prometheus metrics and the
// SSE notification stream.
func newRouter(db Pinger, broker http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/events", broker.ServeHTTP)
	return r
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":%q}`, status)
}
