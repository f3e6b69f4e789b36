// Package secrets resolves credentials from an external secret store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/rhizocam/internal/s3i"
)

// Keys of the secrets this service reads.
const (
	KeyThingID      = "s3i_id"
	KeyThingSecret  = "s3i_secret"
	KeyMessageQueue = "s3i_message_queue"
	KeyEventQueue   = "s3i_event_queue"
)

// ErrNotFound is returned by a Provider for a key it does not hold.
var ErrNotFound = errors.New("secrets: not found")

// Provider reads secret values by key.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New builds the provider named by kind ("env" or "file").
func New(kind, prefix, dir string, envFiles ...string) (Provider, error) {
	switch strings.ToLower(kind) {
	case "", "env":
		return NewEnv(prefix, envFiles...)
	case "file":
		return NewDir(dir)
	default:
		return nil, fmt.Errorf("secrets: unknown provider %q", kind)
	}
}

// ResolveThing reads the S3I thing identity. The id and secret are required;
// missing queue names fall back to their defaults.
func ResolveThing(ctx context.Context, p Provider, logger *slog.Logger) (s3i.Thing, error) {
	var th s3i.Thing
	var err error
	if th.ID, err = p.Get(ctx, KeyThingID); err != nil {
		return th, fmt.Errorf("secrets: %s: %w", KeyThingID, err)
	}
	if th.Secret, err = p.Get(ctx, KeyThingSecret); err != nil {
		return th, fmt.Errorf("secrets: %s: %w", KeyThingSecret, err)
	}
	if th.MessageQueue, err = optional(ctx, p, KeyMessageQueue); err != nil {
		return th, err
	}
	if th.EventQueue, err = optional(ctx, p, KeyEventQueue); err != nil {
		return th, err
	}
	return th.WithDefaults(logger), nil
}

func optional(ctx context.Context, p Provider, key string) (string, error) {
	v, err := p.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("secrets: %s: %w", key, err)
	}
	return v, nil
}
