// Package transporttest is a controllable in-memory fake of the
// transport.ConnectionFactory/Connection/Channel interfaces, used by every
// supervisor package's tests to drive connect/shutdown/confirm/delivery
// events deterministically without a real broker.
package transporttest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dihedron/amqplink/internal/transport"
)

type openResult struct {
	conn transport.Connection
	err  error
}

// Factory hands out queued connections (or errors) to successive Open
// calls, in order, blocking until one is available.
type Factory struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []openResult
	dialedN  int32
	lastURLs []string
}

func NewFactory() *Factory {
	f := &Factory{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enqueue appends a (connection, error) pair to be returned by the next
// Open call.
func (f *Factory) Enqueue(conn transport.Connection, err error) {
	f.mu.Lock()
	f.queue = append(f.queue, openResult{conn: conn, err: err})
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *Factory) DialCount() int32 { return atomic.LoadInt32(&f.dialedN) }

func (f *Factory) Open(ctx context.Context, url string, timeout time.Duration) (transport.Connection, error) {
	atomic.AddInt32(&f.dialedN, 1)
	f.mu.Lock()
	f.lastURLs = append(f.lastURLs, url)
	for len(f.queue) == 0 {
		f.cond.Wait()
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	f.mu.Unlock()
	return r.conn, r.err
}

// Conn is a fake transport.Connection.
type Conn struct {
	mu         sync.Mutex
	shutdown   chan transport.Shutdown
	closed     bool
	chanQueue  []channelResult
	chanCond   *sync.Cond
	closeCount int32
}

type channelResult struct {
	ch  transport.Channel
	err error
}

func NewConn() *Conn {
	c := &Conn{shutdown: make(chan transport.Shutdown, 1)}
	c.chanCond = sync.NewCond(&c.mu)
	return c
}

// EnqueueChannel appends a (channel, error) pair returned by the next
// CreateModel call.
func (c *Conn) EnqueueChannel(ch transport.Channel, err error) {
	c.mu.Lock()
	c.chanQueue = append(c.chanQueue, channelResult{ch: ch, err: err})
	c.mu.Unlock()
	c.chanCond.Broadcast()
}

func (c *Conn) CreateModel() (transport.Channel, error) {
	c.mu.Lock()
	for len(c.chanQueue) == 0 {
		c.chanCond.Wait()
	}
	r := c.chanQueue[0]
	c.chanQueue = c.chanQueue[1:]
	c.mu.Unlock()
	return r.ch, r.err
}

// TriggerShutdown delivers sd on NotifyShutdown then closes the channel, as
// amqp091-go's NotifyClose does for a real *amqp.Connection.
func (c *Conn) TriggerShutdown(sd transport.Shutdown) {
	c.shutdown <- sd
	close(c.shutdown)
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
func (c *Conn) LocalPort() int                             { return 0 }
func (c *Conn) Endpoint() transport.Endpoint                { return transport.Endpoint{Host: "fake", Port: 5672} }
func (c *Conn) NotifyShutdown() <-chan transport.Shutdown   { return c.shutdown }
func (c *Conn) NotifyBlocked() <-chan string                { return make(chan string) }
func (c *Conn) NotifyUnblocked() <-chan struct{}            { return make(chan struct{}) }
func (c *Conn) NotifyCallbackException() <-chan error       { return make(chan error) }

func (c *Conn) Close() error {
	atomic.AddInt32(&c.closeCount, 1)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) CloseCount() int32 { return atomic.LoadInt32(&c.closeCount) }

// recordedPublish is one Publish call observed by a Channel.
type recordedPublish struct {
	Tag        uint64
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        transport.Publishing
}

// Channel is a fake transport.Channel. Every declarative RPC returns
// whatever error was pre-armed (QueueBind also records its arguments in
// Bound, and Qos its value in QosValue); Publish
// assigns sequential delivery tags and optionally runs OnPublish so a test
// can auto-confirm, nack, or return the message.
type Channel struct {
	mu         sync.Mutex
	closed     bool
	shutdown   chan transport.Shutdown
	confirm    chan transport.Confirmation
	ret        chan transport.Return
	nextTag    uint64
	confirmed  bool
	deliveries chan transport.Delivery

	DeclareErr error
	BindErr    error
	QosErr     error
	ConsumeErr error
	PublishErr error

	// OnPublish, if set, runs synchronously after a Publish call is
	// recorded, before Publish returns its tag. Useful to auto-ack.
	OnPublish func(tag uint64, exchange, routingKey string, mandatory bool, msg transport.Publishing)

	Published []recordedPublish
	Acked     []uint64
	Nacked    []uint64
	Rejected  []uint64
	Bound     []BoundArgs
	QosValue  int
}

type BoundArgs struct {
	Queue, Exchange, RoutingKey string
}

func NewChannel() *Channel {
	return &Channel{
		shutdown:   make(chan transport.Shutdown, 1),
		confirm:    make(chan transport.Confirmation, 256),
		ret:        make(chan transport.Return, 64),
		deliveries: make(chan transport.Delivery, 256),
	}
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete bool) error {
	return c.DeclareErr
}
func (c *Channel) ExchangeDeclarePassive(name string) error { return c.DeclareErr }
func (c *Channel) ExchangeDelete(name string) error          { return c.DeclareErr }

func (c *Channel) QueueDeclare(name string, durable, exclusive, autoDelete bool, args map[string]any) (string, error) {
	if c.DeclareErr != nil {
		return "", c.DeclareErr
	}
	if name == "" {
		name = "generated-queue"
	}
	return name, nil
}
func (c *Channel) QueueDeclarePassive(name string) (string, error) {
	return name, c.DeclareErr
}
func (c *Channel) QueueDelete(name string) (int, error) { return 0, c.DeclareErr }
func (c *Channel) QueuePurge(name string) (int, error)  { return 0, c.DeclareErr }

func (c *Channel) QueueBind(queue, exchange, routingKey string, args map[string]any) error {
	c.mu.Lock()
	c.Bound = append(c.Bound, BoundArgs{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
	c.mu.Unlock()
	return c.BindErr
}
func (c *Channel) QueueUnbind(queue, exchange, routingKey string, args map[string]any) error {
	return c.BindErr
}

func (c *Channel) Qos(prefetchCount int) error {
	c.mu.Lock()
	c.QosValue = prefetchCount
	c.mu.Unlock()
	return c.QosErr
}

func (c *Channel) EnableConfirmMode() error {
	c.mu.Lock()
	c.confirmed = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg transport.Publishing) (uint64, error) {
	if c.PublishErr != nil {
		return 0, c.PublishErr
	}
	tag := atomic.AddUint64(&c.nextTag, 1)
	c.mu.Lock()
	c.Published = append(c.Published, recordedPublish{Tag: tag, Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Msg: msg})
	c.mu.Unlock()
	if c.OnPublish != nil {
		c.OnPublish(tag, exchange, routingKey, mandatory, msg)
	}
	return tag, nil
}

func (c *Channel) Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan transport.Delivery, error) {
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	return c.deliveries, nil
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	c.Acked = append(c.Acked, tag)
	c.mu.Unlock()
	return nil
}
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	c.Nacked = append(c.Nacked, tag)
	c.mu.Unlock()
	return nil
}
func (c *Channel) Reject(tag uint64, requeue bool) error {
	c.mu.Lock()
	c.Rejected = append(c.Rejected, tag)
	c.mu.Unlock()
	return nil
}

func (c *Channel) NotifyShutdown() <-chan transport.Shutdown      { return c.shutdown }
func (c *Channel) NotifyPublish() <-chan transport.Confirmation   { return c.confirm }
func (c *Channel) NotifyReturn() <-chan transport.Return          { return c.ret }
func (c *Channel) NotifyCallbackException() <-chan error          { return make(chan error) }

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TriggerShutdown delivers sd on NotifyShutdown then closes the channel.
func (c *Channel) TriggerShutdown(sd transport.Shutdown) {
	c.shutdown <- sd
	close(c.shutdown)
}

// TriggerConfirm pushes a BasicAck/BasicNack confirmation.
func (c *Channel) TriggerConfirm(tag uint64, ack bool) {
	c.confirm <- transport.Confirmation{Tag: tag, Ack: ack}
}

// TriggerReturn pushes a BasicReturn.
func (c *Channel) TriggerReturn(ret transport.Return) {
	c.ret <- ret
}

// Deliver pushes a delivery to whatever Consume call is reading.
func (c *Channel) Deliver(d transport.Delivery) {
	c.deliveries <- d
}

// CloseDeliveries closes the delivery channel, as amqp091-go does when its
// underlying channel shuts down.
func (c *Channel) CloseDeliveries() {
	close(c.deliveries)
}
