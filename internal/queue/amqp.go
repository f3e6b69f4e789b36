package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/starford/rhizocam/internal/apperr"
)

// Channel is the subset of *amqp.Channel the AMQP source uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// Dialer opens a fresh channel and the connection that owns it.
type Dialer func() (Channel, io.Closer, error)

// AMQP consumes one or more RabbitMQ queues on a single channel with manual
// acknowledgements. Requeue and Reject map to Nack with and without requeue;
// the broker's dead-letter exchange, if any, takes rejected messages.
//
// When a delivery channel closes, the next Poll consumes again, redialing
// first if the source was created by DialAMQP. Deliveries received on a
// replaced channel can no longer be settled; the broker redelivers them.
type AMQP struct {
	queues []string
	batch  int
	logger *slog.Logger
	dial   Dialer

	mu     sync.Mutex
	ch     Channel
	conn   io.Closer
	cur    *consumer
	gen    uint64
	closed bool
}

// consumer holds the delivery channels of one channel generation,
// parallel to AMQP.queues.
type consumer struct {
	gen     uint64
	streams []<-chan amqp.Delivery
}

// DialAMQP connects to url and opens a channel consuming queues.
func DialAMQP(url string, prefetch int, logger *slog.Logger, queues ...string) (*AMQP, error) {
	dial := func() (Channel, io.Closer, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("queue: amqp dial: %w: %w", apperr.ErrConnection, err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("queue: amqp channel: %w: %w", apperr.ErrConnection, err)
		}
		return ch, conn, nil
	}
	ch, conn, err := dial()
	if err != nil {
		return nil, err
	}
	a := NewAMQP(ch, prefetch, logger, queues...)
	a.conn = conn
	a.dial = dial
	return a, nil
}

// NewAMQP wraps an open channel. prefetch bounds unacknowledged deliveries
// per queue. Without a dialer a closed delivery channel is re-consumed on ch.
func NewAMQP(ch Channel, prefetch int, logger *slog.Logger, queues ...string) *AMQP {
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQP{ch: ch, queues: queues, batch: prefetch, logger: logger}
}

func (a *AMQP) start() (*consumer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.cur != nil {
		return a.cur, nil
	}
	if a.ch == nil {
		ch, conn, err := a.dial()
		if err != nil {
			return nil, err
		}
		a.ch, a.conn = ch, conn
		a.logger.Info("queue: amqp reconnected")
	}
	if err := a.ch.Qos(a.batch, 0, false); err != nil {
		a.dropLocked()
		return nil, fmt.Errorf("queue: amqp qos: %w: %w", apperr.ErrConnection, err)
	}
	streams := make([]<-chan amqp.Delivery, len(a.queues))
	for i, q := range a.queues {
		msgs, err := a.ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			a.dropLocked()
			return nil, fmt.Errorf("queue: amqp consume %s: %w: %w", q, apperr.ErrConnection, err)
		}
		streams[i] = msgs
	}

	a.gen++
	c := &consumer{gen: a.gen, streams: streams}
	for _, q := range a.queues {
		a.logger.Info("queue: amqp consumer started", slog.String("queue", q))
	}
	a.cur = c
	return c, nil
}

// restart retires consumer c so that the next Poll consumes again.
// Concurrent consumers may report the same c; only the first one resets.
func (a *AMQP) restart(c *consumer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.cur == c {
		a.cur = nil
		a.dropLocked()
		a.logger.Warn("queue: amqp delivery channel closed, will consume again")
	}
	return fmt.Errorf("queue: amqp delivery channel closed: %w", apperr.ErrConnection)
}

// dropLocked closes the channel and connection when they can be redialed.
func (a *AMQP) dropLocked() {
	if a.dial == nil {
		return
	}
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.ch, a.conn = nil, nil
}

// Poll blocks until at least one message arrives on any queue, then returns
// it together with whatever else is already waiting, up to the prefetch count.
func (a *AMQP) Poll(ctx context.Context) ([]*Delivery, error) {
	c, err := a.start()
	if err != nil {
		return nil, err
	}

	// cases[0] is ctx.Done, cases[i+1] is streams[i]; a default case is
	// appended once the first message has arrived.
	cases := make([]reflect.SelectCase, 0, len(c.streams)+2)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for _, st := range c.streams {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(st)})
	}

	var out []*Delivery
	chosen, v, ok := reflect.Select(cases)
	switch {
	case chosen == 0:
		return nil, ctx.Err()
	case !ok:
		return nil, a.restart(c)
	}
	out = append(out, a.delivery(a.queues[chosen-1], v.Interface().(amqp.Delivery), c.gen))

	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectDefault})
	for len(out) < a.batch {
		chosen, v, ok := reflect.Select(cases)
		switch {
		case chosen == 0 || chosen == len(cases)-1:
			return out, nil
		case !ok:
			_ = a.restart(c)
			return out, nil
		}
		out = append(out, a.delivery(a.queues[chosen-1], v.Interface().(amqp.Delivery), c.gen))
	}
	return out, nil
}

func (a *AMQP) delivery(queue string, m amqp.Delivery, gen uint64) *Delivery {
	id := m.MessageId
	if id == "" {
		id = queue + "#" + strconv.FormatUint(m.DeliveryTag, 10)
	}
	d := NewDelivery(id, m.Body, a)
	d.tag = m.DeliveryTag
	d.gen = gen
	d.Redelivered = m.Redelivered
	return d
}

// channelFor returns the channel d was received on, if it is still current.
func (a *AMQP) channelFor(d *Delivery) (Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil || a.cur == nil || d.gen != a.cur.gen {
		return nil, fmt.Errorf("queue: amqp delivery %s belongs to a closed channel: %w", d.ID, apperr.ErrConnection)
	}
	return a.ch, nil
}

func (a *AMQP) Ack(_ context.Context, d *Delivery) error {
	ch, err := a.channelFor(d)
	if err != nil {
		return err
	}
	if err := ch.Ack(d.tag, false); err != nil {
		return fmt.Errorf("queue: amqp ack: %w: %w", apperr.ErrConnection, err)
	}
	return nil
}

func (a *AMQP) Requeue(_ context.Context, d *Delivery) error {
	ch, err := a.channelFor(d)
	if err != nil {
		return err
	}
	if err := ch.Nack(d.tag, false, true); err != nil {
		return fmt.Errorf("queue: amqp requeue: %w: %w", apperr.ErrConnection, err)
	}
	return nil
}

func (a *AMQP) Reject(_ context.Context, d *Delivery, reason error) error {
	ch, err := a.channelFor(d)
	if err != nil {
		return err
	}
	if err := ch.Nack(d.tag, false, false); err != nil {
		return fmt.Errorf("queue: amqp reject: %w: %w", apperr.ErrConnection, err)
	}
	a.logger.Warn("queue: message rejected",
		slog.String("delivery", d.ID),
		slog.String("reason", errString(reason)),
	)
	return nil
}

// Close closes the channel and, when DialAMQP opened it, the connection.
// Unacknowledged deliveries are redelivered by the broker.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.cur = nil
	var err error
	if a.ch != nil {
		err = a.ch.Close()
	}
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	a.ch, a.conn = nil, nil
	return err
}
