// Package queue abstracts the message sources the ingestor consumes from.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrSettled is returned when a delivery is acknowledged twice.
var ErrSettled = errors.New("queue: delivery already settled")

// Source hands out deliveries. Poll returns an empty slice when nothing is
// queued and fails with an apperr.ErrConnection error when the source is
// unreachable.
type Source interface {
	Poll(ctx context.Context) ([]*Delivery, error)
	Close() error
}

// Settler settles deliveries on behalf of a source.
type Settler interface {
	Ack(ctx context.Context, d *Delivery) error
	Requeue(ctx context.Context, d *Delivery) error
	Reject(ctx context.Context, d *Delivery, reason error) error
}

// Delivery is one message handed to a consumer. Exactly one of Ack, Requeue
// or Reject takes effect.
type Delivery struct {
	ID   string
	Body []byte
	// Redelivered is set when the source knows the message was delivered before.
	Redelivered bool

	tag     uint64
	gen     uint64
	settler Settler
	settled atomic.Bool
}

// NewDelivery creates a delivery settled through s.
func NewDelivery(id string, body []byte, s Settler) *Delivery {
	return &Delivery{ID: id, Body: body, settler: s}
}

// Ack confirms the message has been processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	return d.settler.Ack(ctx, d)
}

// Requeue returns the message to the source for another attempt.
func (d *Delivery) Requeue(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	return d.settler.Requeue(ctx, d)
}

// Reject dead-letters the message.
func (d *Delivery) Reject(ctx context.Context, reason error) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	return d.settler.Reject(ctx, d, reason)
}

// Settled reports whether the delivery has been acked, requeued or rejected.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}
