package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/rhizocam/internal/files"
	"github.com/starford/rhizocam/internal/ingest"
	"github.com/starford/rhizocam/internal/mcpserver"
	"github.com/starford/rhizocam/internal/s3i"
	"github.com/starford/rhizocam/internal/store"
)

// Migration actions accepted by Migrate.
const (
	MigrateUp      = "up"
	MigrateDown    = "down"
	MigrateVersion = "version"
)

// ErrMessagesFailed is returned by Fetch when some deliveries were not processed.
var ErrMessagesFailed = errors.New("some messages failed, see log")

// Fetch drains the message source once and returns the outcome counts.
// Per-message failures are logged by the ingestor; the returned error only
// summarizes them.
func Fetch(ctx context.Context, opts ...Option) (ingest.DrainStats, error) {
	app, err := newApplication(opts, os.Stdout)
	if err != nil {
		return ingest.DrainStats{}, err
	}
	db, blobs, err := app.openStorage()
	if err != nil {
		return ingest.DrainStats{}, err
	}
	defer db.Close()

	source, err := app.messageSource(ctx, blobs)
	if err != nil {
		return ingest.DrainStats{}, fmt.Errorf("connect message source: %w", err)
	}
	defer source.Close()

	in := ingest.New(source, db, blobs,
		ingest.WithLogger(app.logger),
		ingest.WithDedupCache(app.config.Ingest.DedupCacheSize),
	)
	stats, drainErr := in.Drain(ctx)
	app.logger.Info("fetch finished",
		slog.Int("stored", stats.Stored),
		slog.Int("duplicates", stats.Duplicates),
		slog.Int("ignored", stats.Ignored),
		slog.Int("malformed", stats.Malformed),
		slog.Int("requeued", stats.Requeued),
		slog.Int("rejected", stats.Rejected))
	return stats, fetchError(stats, drainErr)
}

// fetchError summarizes a drain. The ingestor has already logged every failed
// delivery, so per-message details are left out.
func fetchError(stats ingest.DrainStats, drainErr error) error {
	if drainErr == nil {
		return nil
	}
	var errs []error
	var pollErr *ingest.PollError
	if errors.As(drainErr, &pollErr) {
		errs = append(errs, pollErr)
	}
	if n := stats.Failed(); n > 0 || len(errs) == 0 {
		errs = append(errs, fmt.Errorf("%w: %d malformed, %d requeued, %d rejected",
			ErrMessagesFailed, stats.Malformed, stats.Requeued, stats.Rejected))
	}
	return errors.Join(errs...)
}

// Request asks receiver for the value at attributePath. The reply arrives on
// the message queue of this service and is picked up by serve or fetch.
// It returns the identifier of the request message.
func Request(ctx context.Context, receiver, attributePath string, opts ...Option) (string, error) {
	app, err := newApplication(opts, os.Stdout)
	if err != nil {
		return "", err
	}
	client, thing, err := app.brokerClient(ctx)
	if err != nil {
		return "", err
	}
	msg := s3i.NewGetValueRequest(thing.ID, receiver, thing.MessageQueue, attributePath)
	if err := client.Send(ctx, s3i.Endpoint(receiver), msg); err != nil {
		return "", fmt.Errorf("send request to %s: %w", receiver, err)
	}
	app.logger.Info("value requested",
		slog.String("receiver", receiver),
		slog.String("attribute_path", attributePath),
		slog.String("identifier", msg.Identifier))
	return msg.Identifier, nil
}

// Migrate applies (up), rolls back (down) or reports (version) schema
// migrations of the record store. steps is only used by down.
func Migrate(_ context.Context, action string, steps int, opts ...Option) error {
	app, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	if err := ensureParentDir(app.config.SQLite.Path); err != nil {
		return err
	}
	db, err := store.OpenUnmigrated(app.config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init record store: %w", err)
	}
	defer db.Close()

	switch action {
	case MigrateUp:
		err = db.MigrateUp()
	case MigrateDown:
		err = db.MigrateDown(steps)
	case MigrateVersion:
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
	if err != nil {
		return err
	}

	version, dirty, err := db.SchemaVersion()
	if err != nil {
		return err
	}
	app.logger.Info("schema version",
		slog.String("action", action),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty))
	return nil
}

// ServeMCP exposes the record store and blob area to MCP clients over stdio.
// Logs go to stderr since stdout carries the protocol.
func ServeMCP(_ context.Context, opts ...Option) error {
	app, err := newApplication(opts, os.Stderr)
	if err != nil {
		return err
	}
	db, blobs, err := app.openStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	lib := files.New(db, blobs, files.WithLogger(app.logger))
	app.logger.Info("MCP server listening on stdio")
	return mcpserver.New(db, blobs, lib).ServeStdio()
}
