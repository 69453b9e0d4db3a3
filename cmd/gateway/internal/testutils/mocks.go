package testutils

import (
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/streadway/amqp"

	"github.com/anypay/prices/cmd/gateway/internal/gateway"
	"github.com/anypay/prices/cmd/gateway/internal/server"
	"github.com/anypay/prices/pkg/broker"
)

// FakeBroker is an in-memory broker holding one delivery stream per queue.
type FakeBroker struct {
	Mu sync.Mutex

	DeclareErr error
	ConsumeErr error

	Declared  []string
	Deleted   []string
	Cancelled []string
	Acked     []uint64

	queues    map[string]chan amqp.Delivery
	streams   map[string]chan amqp.Delivery // kept after delete
	closed    map[string]bool
	consumers map[string]string // tag -> queue
	nextTag   uint64
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		queues:    make(map[string]chan amqp.Delivery),
		streams:   make(map[string]chan amqp.Delivery),
		closed:    make(map[string]bool),
		consumers: make(map[string]string),
	}
}

func (b *FakeBroker) DeclareExclusiveQueue(name string) error {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	if b.DeclareErr != nil {
		return fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, b.DeclareErr)
	}
	if _, ok := b.queues[name]; ok {
		return fmt.Errorf("queue %s already declared", name)
	}
	b.queues[name] = make(chan amqp.Delivery, 64)
	b.streams[name] = b.queues[name]
	b.Declared = append(b.Declared, name)
	return nil
}

func (b *FakeBroker) StartConsumer(queue string) (<-chan amqp.Delivery, string, error) {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	if b.ConsumeErr != nil {
		return nil, "", fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, b.ConsumeErr)
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, "", fmt.Errorf("%w: no queue %s", broker.ErrBrokerUnavailable, queue)
	}
	tag := fmt.Sprintf("%s:%d", queue, len(b.consumers)+len(b.Cancelled)+1)
	b.consumers[tag] = queue
	return q, tag, nil
}

func (b *FakeBroker) CancelConsumer(tag string) {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	b.Cancelled = append(b.Cancelled, tag)
	if queue, ok := b.consumers[tag]; ok {
		delete(b.consumers, tag)
		b.closeLocked(queue)
	}
}

func (b *FakeBroker) Ack(d amqp.Delivery) {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	b.Acked = append(b.Acked, d.DeliveryTag)
}

func (b *FakeBroker) DeleteQueue(name string) {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	b.Deleted = append(b.Deleted, name)
	b.closeLocked(name)
	delete(b.queues, name)
}

// Publish enqueues body on queue and returns its delivery tag.
func (b *FakeBroker) Publish(queue string, body []byte) (uint64, error) {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	q, ok := b.queues[queue]
	if !ok || b.closed[queue] {
		return 0, fmt.Errorf("no queue %s", queue)
	}
	b.nextTag++
	q <- amqp.Delivery{DeliveryTag: b.nextTag, Body: body}
	return b.nextTag, nil
}

// CloseStream ends the delivery stream of queue as a broker shutdown would.
func (b *FakeBroker) CloseStream(queue string) {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	b.closeLocked(queue)
}

func (b *FakeBroker) closeLocked(queue string) {
	if q, ok := b.queues[queue]; ok && !b.closed[queue] {
		b.closed[queue] = true
		close(q)
	}
}

// Queues lists the queues that currently exist.
func (b *FakeBroker) Queues() []string {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *FakeBroker) HasQueue(name string) bool {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Pending reports how many deliveries of queue were never taken by a consumer.
func (b *FakeBroker) Pending(queue string) int {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	return len(b.streams[queue])
}

func (b *FakeBroker) AckedTags() []uint64 {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	return append([]uint64(nil), b.Acked...)
}

func (b *FakeBroker) DeletedQueues() []string {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	return append([]string(nil), b.Deleted...)
}

// FakeConn is an in-memory Duplex; it serves as both halves.
type FakeConn struct {
	Mu sync.Mutex

	Sent        []string
	CloseCodes  []ws.StatusCode
	FailWrites  bool
	Closed      bool
	OnSend      func(n int) // called after the n-th successful WriteText
	inbound     chan []byte
	done        chan struct{}
	disconnect  sync.Once
	closeOnce   sync.Once
	sentSignals chan struct{}
}

var _ gateway.Duplex = (*FakeConn)(nil)

func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbound:     make(chan []byte, 64),
		done:        make(chan struct{}),
		sentSignals: make(chan struct{}, 1024),
	}
}

func (c *FakeConn) Split() (gateway.MessageReader, gateway.MessageWriter) { return c, c }

func (c *FakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-c.done:
		return nil, net.ErrClosed
	}
}

func (c *FakeConn) WriteText(p []byte) error {
	c.Mu.Lock()
	if c.Closed || c.FailWrites {
		c.Mu.Unlock()
		return fmt.Errorf("%w: broken pipe", gateway.ErrSendFailure)
	}
	c.Sent = append(c.Sent, string(p))
	n, hook := len(c.Sent), c.OnSend
	c.sentSignals <- struct{}{}
	c.Mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (c *FakeConn) WriteClose(code ws.StatusCode, reason string) error {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.Closed || c.FailWrites {
		return fmt.Errorf("%w: broken pipe", gateway.ErrSendFailure)
	}
	c.CloseCodes = append(c.CloseCodes, code)
	return nil
}

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.Mu.Lock()
		c.Closed = true
		c.Mu.Unlock()
		close(c.done)
	})
	return nil
}

// ClientSend simulates a message from the client.
func (c *FakeConn) ClientSend(msg string) { c.inbound <- []byte(msg) }

// Disconnect simulates the client going away (EOF on the read half).
func (c *FakeConn) Disconnect() { c.disconnect.Do(func() { close(c.inbound) }) }

func (c *FakeConn) IsClosed() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.Closed
}

func (c *FakeConn) SetFailWrites(fail bool) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.FailWrites = fail
}

// WaitSent blocks until n text messages were written or the timeout hits.
func (c *FakeConn) WaitSent(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.Mu.Lock()
		if len(c.Sent) >= n {
			sent := append([]string(nil), c.Sent...)
			c.Mu.Unlock()
			return sent
		}
		c.Mu.Unlock()

		select {
		case <-c.sentSignals:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d messages", n)
			return nil
		}
	}
}

// Eventually polls cond until it holds or the timeout hits.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition never met: %s", msg)
}

func (b *FakeBroker) Close() error { return nil }

// FakeDialer hands the same FakeBroker to every session.
type FakeDialer struct {
	Broker *FakeBroker
	Err    error
}

func (d *FakeDialer) OpenBroker() (server.SessionBroker, error) {
	if d.Err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, d.Err)
	}
	return d.Broker, nil
}
