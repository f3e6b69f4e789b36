package queue

import (
	"context"
	"strconv"
	"sync"
)

// DeadLetter is a rejected message and the reason it was rejected.
type DeadLetter struct {
	ID     string
	Body   []byte
	Reason string
}

type memMessage struct {
	id          string
	body        []byte
	redelivered bool
}

// Memory is an in-process queue with redelivery, used for tests and local runs.
type Memory struct {
	batch int

	mu       sync.Mutex
	seq      int
	pending  []memMessage
	inflight map[string]memMessage
	acked    int
	dead     []DeadLetter
	closed   bool
}

// NewMemory creates a queue that hands out at most batch messages per Poll.
func NewMemory(batch int) *Memory {
	if batch <= 0 {
		batch = 1
	}
	return &Memory{batch: batch, inflight: make(map[string]memMessage)}
}

// Publish enqueues body and returns its delivery id.
func (m *Memory) Publish(body []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := strconv.Itoa(m.seq)
	m.pending = append(m.pending, memMessage{id: id, body: body})
	return id
}

func (m *Memory) Poll(ctx context.Context) ([]*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	n := min(m.batch, len(m.pending))
	out := make([]*Delivery, 0, n)
	for _, msg := range m.pending[:n] {
		m.inflight[msg.id] = msg
		d := NewDelivery(msg.id, msg.body, m)
		d.Redelivered = msg.redelivered
		out = append(out, d)
	}
	m.pending = m.pending[n:]
	return out, nil
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, d.ID)
	m.acked++
	return nil
}

func (m *Memory) Requeue(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.inflight[d.ID]
	if !ok {
		return nil
	}
	delete(m.inflight, d.ID)
	msg.redelivered = true
	m.pending = append(m.pending, msg)
	return nil
}

func (m *Memory) Reject(_ context.Context, d *Delivery, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, d.ID)
	dl := DeadLetter{ID: d.ID, Body: d.Body}
	if reason != nil {
		dl.Reason = reason.Error()
	}
	m.dead = append(m.dead, dl)
	return nil
}

// Close stops the queue. Unsettled deliveries are returned to the queue.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, msg := range m.inflight {
		msg.redelivered = true
		m.pending = append(m.pending, msg)
		delete(m.inflight, id)
	}
	m.closed = true
	return nil
}

// Stats is a snapshot of the queue counters.
type Stats struct {
	Pending  int
	InFlight int
	Acked    int
	Dead     int
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Pending: len(m.pending), InFlight: len(m.inflight), Acked: m.acked, Dead: len(m.dead)}
}

// DeadLetters returns a copy of the rejected messages.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead...)
}
