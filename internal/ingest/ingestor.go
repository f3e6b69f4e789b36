// Package ingest turns camera image messages from the S3I broker into image
// records and materialized blobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/blob"
	"github.com/starford/rhizocam/internal/checksum"
	"github.com/starford/rhizocam/internal/metrics"
	"github.com/starford/rhizocam/internal/models"
	"github.com/starford/rhizocam/internal/queue"
	"github.com/starford/rhizocam/internal/store"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxBackoff   = time.Minute
	defaultDedupSize    = 4096
	dedupTTL            = time.Hour
	settleTimeout       = 10 * time.Second
)

// Store is the part of the record store the ingestor writes to.
type Store interface {
	Exists(ctx context.Context, collection, key string) (bool, error)
	InsertImage(ctx context.Context, r *models.ImageRecord) (bool, error)
}

// Ingestor consumes deliveries from a source and persists camera images.
type Ingestor struct {
	source queue.Source
	store  Store
	blobs  blob.Materializer
	logger *slog.Logger
	now    func() time.Time

	consumers    int
	pollInterval time.Duration
	maxBackoff   time.Duration
	dedupSize    int
	seen         *expirable.LRU[string, struct{}]
	onStored     func(models.ImageRecord)
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(in *Ingestor) { in.logger = l } }

// WithConsumers sets the number of competing consumers started by Run.
func WithConsumers(n int) Option { return func(in *Ingestor) { in.consumers = n } }

// WithPollInterval sets the pause after a poll that returned nothing.
func WithPollInterval(d time.Duration) Option { return func(in *Ingestor) { in.pollInterval = d } }

// WithMaxBackoff caps the exponential backoff after failed polls.
func WithMaxBackoff(d time.Duration) Option { return func(in *Ingestor) { in.maxBackoff = d } }

// WithDedupCache sets how many recently stored message identifiers are
// remembered in memory. Zero disables the cache.
func WithDedupCache(size int) Option { return func(in *Ingestor) { in.dedupSize = size } }

// WithClock overrides the clock used for receivedAt.
func WithClock(now func() time.Time) Option { return func(in *Ingestor) { in.now = now } }

// WithOnStored registers a callback invoked after each newly stored image.
func WithOnStored(fn func(models.ImageRecord)) Option { return func(in *Ingestor) { in.onStored = fn } }

// New creates an Ingestor.
func New(source queue.Source, st Store, blobs blob.Materializer, opts ...Option) *Ingestor {
	in := &Ingestor{
		source:       source,
		store:        st,
		blobs:        blobs,
		logger:       slog.Default(),
		now:          time.Now,
		consumers:    1,
		pollInterval: defaultPollInterval,
		maxBackoff:   defaultMaxBackoff,
		dedupSize:    defaultDedupSize,
	}
	for _, o := range opts {
		o(in)
	}
	if in.consumers < 1 {
		in.consumers = 1
	}
	if in.dedupSize > 0 {
		in.seen = expirable.NewLRU[string, struct{}](in.dedupSize, nil, dedupTTL)
	}
	return in
}

// Process handles one delivery and settles it. The returned error is the
// processing failure, already logged; the delivery has been acked, requeued
// or rejected according to it.
func (in *Ingestor) Process(ctx context.Context, d *queue.Delivery) error {
	_, err := in.process(ctx, d)
	return err
}

func (in *Ingestor) process(ctx context.Context, d *queue.Delivery) (outcome string, err error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
		metrics.Deliveries.WithLabelValues(outcome).Inc()
	}()

	ev, err := ParseEvent(d.Body)
	switch {
	case errors.Is(err, errNotImage):
		in.logger.Debug("ingest: ignoring non-image message", slog.String("delivery", d.ID))
		return metrics.OutcomeIgnored, in.ack(ctx, d)
	case err != nil:
		in.logger.Warn("ingest: dropping malformed event",
			slog.String("delivery", d.ID),
			slog.String("error", err.Error()))
		if ackErr := in.ack(ctx, d); ackErr != nil {
			return metrics.OutcomeMalformed, errors.Join(err, ackErr)
		}
		return metrics.OutcomeMalformed, err
	}

	log := in.logger.With(
		slog.String("message_identifier", ev.MessageIdentifier),
		slog.String("camera_identifier", ev.CameraIdentifier))

	if in.seenRecently(ev.MessageIdentifier) {
		log.Debug("ingest: duplicate message (cached)")
		return metrics.OutcomeDuplicate, in.ack(ctx, d)
	}
	exists, err := in.store.Exists(ctx, store.CollectionImages, ev.MessageIdentifier)
	if err != nil {
		return in.fail(ctx, d, log, fmt.Errorf("ingest: check duplicate: %w", err))
	}
	if exists {
		in.remember(ev.MessageIdentifier)
		log.Debug("ingest: duplicate message")
		return metrics.OutcomeDuplicate, in.ack(ctx, d)
	}

	sp, err := in.blobs.Store(ctx, ev.Payload, ImagePath(ev.CameraIdentifier, ev.MessageIdentifier))
	if err != nil {
		return in.fail(ctx, d, log, fmt.Errorf("ingest: materialize image: %w", err))
	}
	metrics.BlobBytes.Add(float64(len(ev.Payload)))

	rec := models.ImageRecord{
		MessageIdentifier: ev.MessageIdentifier,
		CameraIdentifier:  ev.CameraIdentifier,
		TakenAt:           ev.TakenAt,
		SentAt:            ev.SentAt,
		ReceivedAt:        in.now().UTC(),
		Path:              sp.String(),
		RhizotronNumber:   ev.RhizotronNumber,
		SourcePath:        ev.SourcePath,
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = rec.ReceivedAt
	}
	if !rec.CausallyOrdered() {
		log.Warn("ingest: timestamps out of causal order",
			slog.Time("taken_at", rec.TakenAt),
			slog.Time("sent_at", rec.SentAt),
			slog.Time("received_at", rec.ReceivedAt))
	}

	inserted, err := in.store.InsertImage(ctx, &rec)
	if err != nil {
		return in.fail(ctx, d, log, fmt.Errorf("ingest: insert image: %w", err))
	}
	in.remember(ev.MessageIdentifier)
	if !inserted {
		log.Info("ingest: lost insert race, blob version left unreferenced", slog.String("path", rec.Path))
		return metrics.OutcomeDuplicate, in.ack(ctx, d)
	}

	if err := in.ack(ctx, d); err != nil {
		return metrics.OutcomeStored, err
	}
	log.Info("ingest: image stored", slog.String("path", rec.Path), slog.Int("bytes", len(ev.Payload)))
	if in.onStored != nil {
		in.onStored(rec)
	}
	return metrics.OutcomeStored, nil
}

// fail settles a delivery whose processing failed: transient failures are
// requeued, everything else is dead-lettered.
func (in *Ingestor) fail(ctx context.Context, d *queue.Delivery, log *slog.Logger, cause error) (string, error) {
	sctx, cancel := settleContext(ctx)
	defer cancel()

	outcome := metrics.OutcomeRejected
	var settleErr error
	if apperr.IsTransient(cause) {
		outcome = metrics.OutcomeRequeued
		settleErr = d.Requeue(sctx)
		log.Warn("ingest: processing failed, requeued", slog.String("error", cause.Error()))
	} else {
		settleErr = d.Reject(sctx, cause)
		log.Error("ingest: processing failed, rejected", slog.String("error", cause.Error()))
	}
	if settleErr != nil {
		log.Error("ingest: settle failed", slog.String("error", settleErr.Error()))
		return outcome, errors.Join(cause, settleErr)
	}
	return outcome, cause
}

func (in *Ingestor) ack(ctx context.Context, d *queue.Delivery) error {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := d.Ack(sctx); err != nil {
		in.logger.Error("ingest: ack failed", slog.String("delivery", d.ID), slog.String("error", err.Error()))
		return fmt.Errorf("ingest: ack %s: %w", d.ID, err)
	}
	return nil
}

// settleContext outlives cancellation of ctx so that shutdown still settles
// in-flight deliveries.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (in *Ingestor) seenRecently(id string) bool {
	return in.seen != nil && in.seen.Contains(id)
}

func (in *Ingestor) remember(id string) {
	if in.seen != nil {
		in.seen.Add(id, struct{}{})
	}
}

// Run starts the competing consumers and blocks until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	in.logger.Info("ingest: starting consumers", slog.Int("consumers", in.consumers))
	g, gCtx := errgroup.WithContext(ctx)
	for i := range in.consumers {
		g.Go(func() error { return in.consume(gCtx, i) })
	}
	err := g.Wait()
	in.logger.Info("ingest: consumers stopped")
	return err
}

func (in *Ingestor) consume(ctx context.Context, id int) error {
	log := in.logger.With(slog.Int("consumer", id))
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(in.pollInterval, in.maxBackoff)
	bo.MaxInterval = in.maxBackoff
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		ds, err := in.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			metrics.PollErrors.Inc()
			wait := bo.NextBackOff()
			log.Warn("ingest: poll failed", slog.String("error", err.Error()), slog.Duration("retry_in", wait))
			sleep(ctx, wait)
			continue
		}
		bo.Reset()
		if len(ds) == 0 {
			sleep(ctx, in.pollInterval)
			continue
		}
		in.handleBatch(ctx, ds)
	}
	return nil
}

func (in *Ingestor) handleBatch(ctx context.Context, ds []*queue.Delivery) {
	for i, d := range ds {
		if ctx.Err() != nil {
			in.requeueAll(ctx, ds[i:])
			return
		}
		_ = in.Process(ctx, d)
	}
}

func (in *Ingestor) requeueAll(ctx context.Context, ds []*queue.Delivery) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	for _, d := range ds {
		if err := d.Requeue(sctx); err != nil {
			in.logger.Error("ingest: requeue on shutdown failed", slog.String("delivery", d.ID), slog.String("error", err.Error()))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// PollError is the source failure that ended a Drain, as opposed to the
// per-delivery failures joined next to it.
type PollError struct {
	Err error
}

func (e *PollError) Error() string { return "ingest: poll: " + e.Err.Error() }

func (e *PollError) Unwrap() error { return e.Err }

// DrainStats counts delivery outcomes of one Drain.
type DrainStats struct {
	Stored     int
	Duplicates int
	Ignored    int
	Malformed  int
	Requeued   int
	Rejected   int
}

// Failed is the number of deliveries that were not stored, skipped as
// duplicates or ignored.
func (s DrainStats) Failed() int {
	return s.Malformed + s.Requeued + s.Rejected
}

// Drain processes deliveries until the source is empty and returns every
// per-delivery failure joined together. A message that already failed
// transiently during this drain is requeued untouched and ends the drain.
func (in *Ingestor) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	var errs []error
	failed := make(map[string]bool)

	for {
		ds, err := in.source.Poll(ctx)
		if err != nil {
			return stats, errors.Join(append(errs, &PollError{Err: err})...)
		}
		if len(ds) == 0 {
			return stats, errors.Join(errs...)
		}
		for i, d := range ds {
			sum := checksum.Sum(d.Body)
			if failed[sum] {
				in.requeueAll(ctx, ds[i:])
				stats.Requeued += len(ds) - i
				in.logger.Info("ingest: drain reached a message that already failed, stopping")
				return stats, errors.Join(errs...)
			}
			outcome, err := in.process(ctx, d)
			stats.add(outcome)
			if err != nil {
				errs = append(errs, fmt.Errorf("delivery %s: %w", d.ID, err))
				if outcome == metrics.OutcomeRequeued {
					failed[sum] = true
				}
			}
		}
	}
}

func (s *DrainStats) add(outcome string) {
	switch outcome {
	case metrics.OutcomeStored:
		s.Stored++
	case metrics.OutcomeDuplicate:
		s.Duplicates++
	case metrics.OutcomeIgnored:
		s.Ignored++
	case metrics.OutcomeMalformed:
		s.Malformed++
	case metrics.OutcomeRequeued:
		s.Requeued++
	case metrics.OutcomeRejected:
		s.Rejected++
	}
}
