package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/starford/rhizocam/internal/checksum"
	"github.com/starford/rhizocam/internal/models"
)

// BrokerClient is the part of the S3I broker client the REST source needs.
type BrokerClient interface {
	Receive(ctx context.Context, queue string) ([]byte, error)
	ReceiveAll(ctx context.Context, queue string) ([][]byte, error)
	Send(ctx context.Context, endpoint string, message any) error
}

// Archive keeps rejected message bodies when no dead-letter endpoint is set.
type Archive interface {
	Store(ctx context.Context, payload []byte, suggestedPath string) (models.StoredPath, error)
}

// ArchivePrefix is the blob path prefix rejected bodies are archived under.
const ArchivePrefix = "deadletter"

// Broker polls an S3I broker queue over REST. Receiving removes the message
// from the broker, so Ack is a no-op, Requeue re-sends the body to the same
// queue and Reject forwards it to the dead-letter endpoint when one is set,
// else to the archive.
type Broker struct {
	client     BrokerClient
	queue      string
	deadLetter string
	archive    Archive
	all        bool
	logger     *slog.Logger
	seq        atomic.Uint64
}

// BrokerOption configures a Broker source.
type BrokerOption func(*Broker)

// WithDeadLetter forwards rejected messages to endpoint.
func WithDeadLetter(endpoint string) BrokerOption {
	return func(b *Broker) { b.deadLetter = endpoint }
}

// WithArchive stores rejected bodies in a when there is no dead-letter endpoint.
func WithArchive(a Archive) BrokerOption {
	return func(b *Broker) { b.archive = a }
}

// WithReceiveAll drains the whole queue on every poll instead of one message.
func WithReceiveAll() BrokerOption {
	return func(b *Broker) { b.all = true }
}

// WithBrokerLogger sets the logger.
func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

// NewBroker consumes queue through client.
func NewBroker(client BrokerClient, queue string, opts ...BrokerOption) *Broker {
	b := &Broker{client: client, queue: queue, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Poll receives one message, or every queued message with WithReceiveAll.
func (b *Broker) Poll(ctx context.Context) ([]*Delivery, error) {
	var bodies [][]byte
	if b.all {
		msgs, err := b.client.ReceiveAll(ctx, b.queue)
		if err != nil {
			return nil, err
		}
		bodies = msgs
	} else {
		msg, err := b.client.Receive(ctx, b.queue)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			bodies = [][]byte{msg}
		}
	}
	out := make([]*Delivery, 0, len(bodies))
	for _, body := range bodies {
		id := fmt.Sprintf("%s#%d", b.queue, b.seq.Add(1))
		out = append(out, NewDelivery(id, body, b))
	}
	return out, nil
}

func (b *Broker) Ack(context.Context, *Delivery) error { return nil }

func (b *Broker) Requeue(ctx context.Context, d *Delivery) error {
	if !json.Valid(d.Body) {
		return fmt.Errorf("queue: requeue %s: body is not JSON", d.ID)
	}
	if err := b.client.Send(ctx, b.queue, json.RawMessage(d.Body)); err != nil {
		return fmt.Errorf("queue: requeue %s: %w", d.ID, err)
	}
	return nil
}

func (b *Broker) Reject(ctx context.Context, d *Delivery, reason error) error {
	if b.deadLetter == "" || !json.Valid(d.Body) {
		if b.archive != nil {
			return b.archiveBody(ctx, d, reason)
		}
		b.logger.Error("queue: message rejected and dropped",
			slog.String("delivery", d.ID),
			slog.String("reason", errString(reason)),
			slog.Int("bytes", len(d.Body)),
		)
		return nil
	}
	if err := b.client.Send(ctx, b.deadLetter, json.RawMessage(d.Body)); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", d.ID, err)
	}
	b.logger.Warn("queue: message dead-lettered",
		slog.String("delivery", d.ID),
		slog.String("endpoint", b.deadLetter),
		slog.String("reason", errString(reason)),
	)
	return nil
}

func (b *Broker) archiveBody(ctx context.Context, d *Delivery, reason error) error {
	sp, err := b.archive.Store(ctx, d.Body, ArchivePrefix+"/"+checksum.Sum(d.Body)+".json")
	if err != nil {
		return fmt.Errorf("queue: archive rejected %s: %w", d.ID, err)
	}
	b.logger.Warn("queue: message rejected and archived",
		slog.String("delivery", d.ID),
		slog.String("path", sp.String()),
		slog.String("reason", errString(reason)),
	)
	return nil
}

func (b *Broker) Close() error { return nil }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
