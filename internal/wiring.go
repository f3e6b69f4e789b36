package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/rhizocam/internal/blob"
	"github.com/starford/rhizocam/internal/queue"
	"github.com/starford/rhizocam/internal/s3i"
	"github.com/starford/rhizocam/internal/secrets"
	"github.com/starford/rhizocam/internal/store"
)

// openStorage opens the record store (applying migrations) and the blob area.
func (a *application) openStorage() (*store.DB, *blob.FS, error) {
	blobs, err := blob.NewFS(a.config.Blob.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("init blob area: %w", err)
	}
	if err := ensureParentDir(a.config.SQLite.Path); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(a.config.SQLite.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("init record store: %w", err)
	}
	return db, blobs, nil
}

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}

func (a *application) thing(ctx context.Context) (s3i.Thing, error) {
	sc := a.config.Secrets
	provider, err := secrets.New(sc.Provider, sc.Prefix, sc.Dir, sc.EnvFiles...)
	if err != nil {
		return s3i.Thing{}, err
	}
	return secrets.ResolveThing(ctx, provider, a.logger)
}

// brokerClient resolves the thing identity and builds an authenticated REST client.
func (a *application) brokerClient(ctx context.Context) (*s3i.Broker, s3i.Thing, error) {
	thing, err := a.thing(ctx)
	if err != nil {
		return nil, s3i.Thing{}, err
	}
	auth := s3i.NewAuthenticator(thing.Credentials(), a.config.S3I.IdPURL, nil, a.logger)
	return s3i.NewBroker(a.config.S3I.BrokerURL, auth, nil, a.logger), thing, nil
}

// messageSource returns the injected source or connects to the broker.
// Both the message queue and the event queue of the thing are consumed.
// Over REST, rejected messages go to the dead-letter endpoint or archive.
func (a *application) messageSource(ctx context.Context, archive queue.Archive) (queue.Source, error) {
	if a.source != nil {
		return a.source, nil
	}
	cfg := a.config.S3I

	if cfg.Transport == TransportAMQP {
		thing, err := a.thing(ctx)
		if err != nil {
			return nil, err
		}
		src, err := queue.DialAMQP(cfg.AMQPURL, cfg.Prefetch, a.logger, thing.MessageQueue, thing.EventQueue)
		if err != nil {
			return nil, err
		}
		a.logger.Info("s3i: consuming over amqp",
			slog.String("message_queue", thing.MessageQueue),
			slog.String("event_queue", thing.EventQueue))
		return src, nil
	}

	client, thing, err := a.brokerClient(ctx)
	if err != nil {
		return nil, err
	}
	opts := []queue.BrokerOption{queue.WithBrokerLogger(a.logger), queue.WithArchive(archive)}
	if cfg.DeadLetter != "" {
		opts = append(opts, queue.WithDeadLetter(cfg.DeadLetter))
	}
	if cfg.ReceiveAll {
		opts = append(opts, queue.WithReceiveAll())
	}
	a.logger.Info("s3i: polling broker over rest",
		slog.String("message_queue", thing.MessageQueue),
		slog.String("event_queue", thing.EventQueue))
	return queue.NewMulti(
		queue.NewBroker(client, thing.MessageQueue, opts...),
		queue.NewBroker(client, thing.EventQueue, opts...),
	), nil
}
