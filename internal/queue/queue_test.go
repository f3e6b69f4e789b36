package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/checksum"
	"github.com/starford/rhizocam/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(2)
	q.Publish([]byte("a"))
	q.Publish([]byte("b"))
	q.Publish([]byte("c"))

	ds, err := q.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, Stats{Pending: 1, InFlight: 2}, q.Stats())

	require.NoError(t, ds[0].Ack(ctx))
	require.NoError(t, ds[1].Requeue(ctx))
	assert.ErrorIs(t, ds[1].Ack(ctx), ErrSettled)

	ds, err = q.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "c", string(ds[0].Body))
	assert.Equal(t, "b", string(ds[1].Body))
	assert.True(t, ds[1].Redelivered)

	require.NoError(t, ds[0].Reject(ctx, errors.New("bad")))
	require.NoError(t, ds[1].Ack(ctx))

	assert.Equal(t, Stats{Acked: 2, Dead: 1}, q.Stats())
	dl := q.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "bad", dl[0].Reason)

	ds, err = q.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestMemoryCloseReturnsInflight(t *testing.T) {
	q := NewMemory(1)
	q.Publish([]byte("x"))
	_, err := q.Poll(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Close())

	assert.Equal(t, 1, q.Stats().Pending)
	_, err = q.Poll(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeBroker struct {
	mu       sync.Mutex
	queued   [][]byte
	sent     map[string][]string
	failSend bool
}

func (f *fakeBroker) Receive(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return nil, nil
	}
	m := f.queued[0]
	f.queued = f.queued[1:]
	return m, nil
}

func (f *fakeBroker) ReceiveAll(_ context.Context, _ string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.queued
	f.queued = nil
	return all, nil
}

func (f *fakeBroker) Send(_ context.Context, endpoint string, message any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return apperr.ErrConnection
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[endpoint] = append(f.sent[endpoint], string(data))
	return nil
}

func TestBrokerSourceRequeueResends(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBroker{queued: [][]byte{[]byte(`{"identifier":"m-1"}`)}}
	src := NewBroker(fb, "s3ibs://me", WithBrokerLogger(quietLogger()))

	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NoError(t, ds[0].Requeue(ctx))
	assert.Equal(t, []string{`{"identifier":"m-1"}`}, fb.sent["s3ibs://me"])

	ds, err = src.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestBrokerSourceRejectToDeadLetter(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBroker{queued: [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)}}
	src := NewBroker(fb, "q", WithReceiveAll(), WithDeadLetter("s3ibs://dlq"), WithBrokerLogger(quietLogger()))

	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.NotEqual(t, ds[0].ID, ds[1].ID)

	require.NoError(t, ds[0].Reject(ctx, apperr.ErrSchemaViolation))
	require.NoError(t, ds[1].Ack(ctx))
	assert.Equal(t, []string{`{"a":1}`}, fb.sent["s3ibs://dlq"])
}

type memArchive struct {
	stored map[string][]byte
	err    error
}

func (m *memArchive) Store(_ context.Context, payload []byte, path string) (models.StoredPath, error) {
	if m.err != nil {
		return models.StoredPath{}, m.err
	}
	if m.stored == nil {
		m.stored = map[string][]byte{}
	}
	m.stored[path] = append([]byte(nil), payload...)
	return models.StoredPath{Path: path, Version: 1}, nil
}

func TestBrokerSourceRejectArchivesWithoutDeadLetter(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"identifier":"m-9","thing":"bad"}`)
	fb := &fakeBroker{queued: [][]byte{body, []byte("not json")}}
	arch := &memArchive{}
	src := NewBroker(fb, "q", WithReceiveAll(), WithArchive(arch), WithBrokerLogger(quietLogger()))

	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	require.NoError(t, ds[0].Reject(ctx, apperr.ErrSchemaViolation))
	require.NoError(t, ds[1].Reject(ctx, apperr.ErrMalformedEvent))

	assert.Empty(t, fb.sent)
	require.Len(t, arch.stored, 2)
	for path := range arch.stored {
		assert.True(t, strings.HasPrefix(path, ArchivePrefix+"/"), path)
	}
	assert.Equal(t, body, arch.stored[ArchivePrefix+"/"+checksum.Sum(body)+".json"])
}

func TestBrokerSourceRejectArchiveFailure(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBroker{queued: [][]byte{[]byte(`{}`)}}
	src := NewBroker(fb, "q", WithArchive(&memArchive{err: apperr.ErrStorageIO}), WithBrokerLogger(quietLogger()))

	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.ErrorIs(t, ds[0].Reject(ctx, apperr.ErrSchemaViolation), apperr.ErrStorageIO)
}

func TestBrokerSourceRequeueFailure(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBroker{queued: [][]byte{[]byte(`{}`)}, failSend: true}
	src := NewBroker(fb, "q", WithBrokerLogger(quietLogger()))
	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, ds[0].Requeue(ctx), apperr.ErrConnection)
}

type fakeChannel struct {
	mu       sync.Mutex
	msgs     chan amqp.Delivery
	acked    []uint64
	nacked   map[uint64]bool
	prefetch int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{msgs: make(chan amqp.Delivery, 16), nacked: map[uint64]bool{}}
}

func (c *fakeChannel) Qos(n, _ int, _ bool) error { c.prefetch = n; return nil }

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.msgs, nil
}

func (c *fakeChannel) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked[tag] = requeue
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestAMQPSettlement(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	ch.msgs <- amqp.Delivery{DeliveryTag: 1, Body: []byte("one"), MessageId: "m-1"}
	ch.msgs <- amqp.Delivery{DeliveryTag: 2, Body: []byte("two")}
	ch.msgs <- amqp.Delivery{DeliveryTag: 3, Body: []byte("three"), Redelivered: true}

	src := NewAMQP(ch, 8, quietLogger(), "rhizo")
	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 3)
	assert.Equal(t, 8, ch.prefetch)
	assert.Equal(t, "m-1", ds[0].ID)
	assert.Equal(t, "rhizo#2", ds[1].ID)
	assert.True(t, ds[2].Redelivered)

	require.NoError(t, ds[0].Ack(ctx))
	require.NoError(t, ds[1].Requeue(ctx))
	require.NoError(t, ds[2].Reject(ctx, apperr.ErrSchemaViolation))

	assert.Equal(t, []uint64{1}, ch.acked)
	assert.Equal(t, map[uint64]bool{2: true, 3: false}, ch.nacked)
}

func TestAMQPPollBlocksUntilCancelled(t *testing.T) {
	src := NewAMQP(newFakeChannel(), 1, quietLogger(), "q")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := src.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAMQPClosedChannelIsConnectionError(t *testing.T) {
	ch := newFakeChannel()
	close(ch.msgs)
	src := NewAMQP(ch, 1, quietLogger(), "q")
	_, err := src.Poll(context.Background())
	assert.ErrorIs(t, err, apperr.ErrConnection)
}

// reconsumingChannel hands out one delivery channel per Consume call.
type reconsumingChannel struct {
	*fakeChannel
	streams  []chan amqp.Delivery
	consumes int
	closed   bool
}

func (c *reconsumingChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	s := c.streams[c.consumes]
	c.consumes++
	return s, nil
}

func (c *reconsumingChannel) Close() error { c.closed = true; return nil }

func TestAMQPConsumesAgainAfterChannelClosed(t *testing.T) {
	dead := make(chan amqp.Delivery)
	close(dead)
	live := make(chan amqp.Delivery, 1)
	live <- amqp.Delivery{DeliveryTag: 7, Body: []byte("after restart")}
	ch := &reconsumingChannel{fakeChannel: newFakeChannel(), streams: []chan amqp.Delivery{dead, live}}

	src := NewAMQP(ch, 4, quietLogger(), "q")
	_, err := src.Poll(context.Background())
	require.ErrorIs(t, err, apperr.ErrConnection)

	ds, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "after restart", string(ds[0].Body))
	assert.Equal(t, 2, ch.consumes)
	assert.False(t, ch.closed, "a channel without dialer is reused")

	require.NoError(t, ds[0].Ack(context.Background()))
	assert.Equal(t, []uint64{7}, ch.acked)
}

// perQueueChannel serves a separate delivery channel for every queue name.
type perQueueChannel struct {
	*fakeChannel
	queues map[string]chan amqp.Delivery
}

func (c *perQueueChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	return c.queues[queue], nil
}

func TestAMQPConsumesEveryQueue(t *testing.T) {
	ch := &perQueueChannel{fakeChannel: newFakeChannel(), queues: map[string]chan amqp.Delivery{
		"replies": make(chan amqp.Delivery, 4),
		"events":  make(chan amqp.Delivery, 4),
	}}
	ch.queues["events"] <- amqp.Delivery{DeliveryTag: 1, Body: []byte("event")}

	src := NewAMQP(ch, 4, quietLogger(), "replies", "events")
	ds, err := src.Poll(context.Background())
	require.NoError(t, err, "an idle queue must not block the other")
	require.Len(t, ds, 1)
	assert.Equal(t, "events#1", ds[0].ID)

	ch.queues["replies"] <- amqp.Delivery{DeliveryTag: 2, Body: []byte("reply")}
	ch.queues["events"] <- amqp.Delivery{DeliveryTag: 3, Body: []byte("event")}
	ds, err = src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 2)
	require.NoError(t, ds[0].Ack(context.Background()))
	require.NoError(t, ds[1].Ack(context.Background()))
	assert.ElementsMatch(t, []uint64{2, 3}, ch.acked)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestAMQPRedialsAfterChannelClosed(t *testing.T) {
	first := newFakeChannel()
	first.msgs <- amqp.Delivery{DeliveryTag: 1, Body: []byte("old")}
	second := newFakeChannel()
	second.msgs <- amqp.Delivery{DeliveryTag: 1, Body: []byte("new")}

	var dials, connCloses int
	src := NewAMQP(first, 1, quietLogger(), "q")
	src.dial = func() (Channel, io.Closer, error) {
		dials++
		return second, closerFunc(func() error { connCloses++; return nil }), nil
	}

	ctx := context.Background()
	old, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, old, 1)

	close(first.msgs)
	_, err = src.Poll(ctx)
	require.ErrorIs(t, err, apperr.ErrConnection)

	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "new", string(ds[0].Body))
	assert.Equal(t, 1, dials)

	assert.ErrorIs(t, old[0].Ack(ctx), apperr.ErrConnection, "stale delivery must not be acked on the new channel")
	require.NoError(t, ds[0].Ack(ctx))
	assert.Empty(t, first.acked)
	assert.Equal(t, []uint64{1}, second.acked)

	require.NoError(t, src.Close())
	assert.Equal(t, 1, connCloses)
	_, err = src.Poll(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAMQPRedialFailureIsRetried(t *testing.T) {
	first := newFakeChannel()
	close(first.msgs)
	second := newFakeChannel()
	second.msgs <- amqp.Delivery{DeliveryTag: 3, Body: []byte("back")}

	attempts := 0
	src := NewAMQP(first, 1, quietLogger(), "q")
	src.dial = func() (Channel, io.Closer, error) {
		attempts++
		if attempts == 1 {
			return nil, nil, fmt.Errorf("dial: %w", apperr.ErrConnection)
		}
		return second, closerFunc(func() error { return nil }), nil
	}

	ctx := context.Background()
	_, err := src.Poll(ctx)
	require.ErrorIs(t, err, apperr.ErrConnection)
	_, err = src.Poll(ctx)
	require.ErrorIs(t, err, apperr.ErrConnection)

	ds, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, 2, attempts)
}

func TestMultiPollsEverySource(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory(4), NewMemory(4)
	a.Publish([]byte("from-a"))
	b.Publish([]byte("from-b"))

	m := NewMulti(a, b)
	ds, err := m.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	require.NoError(t, ds[1].Requeue(ctx))
	assert.Equal(t, 1, b.Stats().Pending, "settlement goes back to the owning source")

	require.NoError(t, a.Close())
	ds, err = m.Poll(ctx)
	require.NoError(t, err, "a closed source must not hide the other")
	require.Len(t, ds, 1)
	assert.Equal(t, "from-b", string(ds[0].Body))

	require.NoError(t, b.Close())
	_, err = m.Poll(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
