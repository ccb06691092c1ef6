// Package consumer implements ConsumerCore (spec.md 4.8): per-channel
// declare/bind, prefetch, delivery loop, and generation-guarded
// ack/nack/reject.
package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/chansup"
	"github.com/dihedron/amqplink/internal/ident"
	"github.com/dihedron/amqplink/internal/logging"
	"github.com/dihedron/amqplink/internal/metrics"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/workqueue"
)

// Outcome is what a HandlerFunc decided to do with a delivery.
type Outcome int

const (
	Ack Outcome = iota
	Nack
	Reject
)

// Result is a HandlerFunc's verdict on one delivery.
type Result struct {
	Outcome Outcome
	Requeue bool
}

// HandlerFunc processes one delivery and returns how it should be
// settled. A panicking HandlerFunc is treated as Nack(requeue=true)
// unless Options.RequeueOnHandlerError is false.
type HandlerFunc func(ctx context.Context, d transport.Delivery) Result

// Ops are the declarative operations available to DeclareFunc, executed
// serially on the owning channel's action loop (same contract as
// topology.Ops).
type Ops interface {
	ExchangeDeclare(name, kind string, durable, autoDelete bool) error
	ExchangeDeclarePassive(name string) error
	QueueDeclare(name string, durable, exclusive, autoDelete bool, args map[string]any) (string, error)
	QueueDeclarePassive(name string) (string, error)
	Bind(queue, exchange, routingKey string, args map[string]any) error
}

// DeclareFunc sets up (or verifies) the queue a Core should consume from
// and returns its name, run once per channel activation before
// basic.consume.
type DeclareFunc func(ctx context.Context, ops Ops) (queue string, err error)

// Options configures a Core.
type Options struct {
	Channel               *chansup.Supervisor
	Declare               DeclareFunc
	Prefetch              int
	AutoAck               bool
	Exclusive             bool
	ConsumerTag           string
	RequeueOnHandlerError bool
	Handler               HandlerFunc
	RecoveryInterval      time.Duration
	Metrics               *metrics.Collector
	Logger                logging.Logger
	OnError               func(error)
	OnDisposed            func()
}

type generationDelivery struct {
	transport.Delivery
	generation uint64
}

// Core is the ConsumerCore, attached as a chansup.Handler.
type Core struct {
	opts Options
	id   string
	log  logging.Logger

	currentGeneration uint64
	disposed          int32
}

// New constructs a Core.
func New(opts Options) *Core {
	id := ident.New("cons")
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With("component", "ConsumerCore", "id", id)
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = id
	}
	return &Core{opts: opts, id: id, log: log}
}

// ID returns the core's log-correlation identity.
func (c *Core) ID() string { return c.id }

func (c *Core) isDisposed() bool { return atomic.LoadInt32(&c.disposed) == 1 }

// Dispose marks the core Disposed: in-flight handler invocations whose
// result arrives afterwards have their Ack/Nack/Reject silently dropped
// (spec.md 8, scenario S6). Idempotent.
func (c *Core) Dispose() {
	if !atomic.CompareAndSwapInt32(&c.disposed, 0, 1) {
		return
	}
	if c.opts.OnDisposed != nil {
		c.opts.OnDisposed()
	}
}

// OnConnecting implements chansup.Handler; the consumer has nothing to do
// while a model is being created.
func (c *Core) OnConnecting(ctx context.Context) {}

// OnActive implements chansup.Handler: declare/bind, set qos, start
// consuming, and run the delivery loop until the channel leaves Active.
func (c *Core) OnActive(ctx context.Context, model transport.Channel) {
	if c.isDisposed() {
		return
	}
	generation := c.opts.Channel.Generation()
	atomic.StoreUint64(&c.currentGeneration, generation)
	go c.setup(ctx, generation)
}

func (c *Core) setup(ctx context.Context, generation uint64) {
	ops := &opsImpl{channel: c.opts.Channel}
	queueName, err := c.opts.Declare(ctx, ops)
	if err != nil {
		if c.opts.OnError != nil {
			c.opts.OnError(amqperr.Wrap(amqperr.KindBrokerReject, err, "consumer: declare failed"))
		}
		return
	}

	_, err = chansup.InvokeAction(c.opts.Channel, ctx, func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.Qos(c.opts.Prefetch)
	}).Wait(ctx)
	if err != nil {
		if c.opts.OnError != nil {
			c.opts.OnError(amqperr.Wrap(amqperr.KindBrokerReject, err, "consumer: qos failed"))
		}
		return
	}

	deliveries, err := chansup.InvokeAction(c.opts.Channel, ctx, func(ctx context.Context, m transport.Channel) (<-chan transport.Delivery, error) {
		return m.Consume(queueName, c.opts.ConsumerTag, c.opts.AutoAck, c.opts.Exclusive)
	}).Wait(ctx)
	if err != nil {
		if c.opts.OnError != nil {
			c.opts.OnError(amqperr.Wrap(amqperr.KindBrokerReject, err, "consumer: basic.consume failed"))
		}
		return
	}

	dq := workqueue.NewQueue[generationDelivery]()

	go func() {
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					dq.Close()
					return
				}
				it := workqueue.NewItem[generationDelivery](context.Background())
				it.Succeed(generationDelivery{Delivery: d, generation: generation})
				dq.Put(it)
				c.opts.Metrics.IncConsumerDelivered()
			case <-ctx.Done():
				dq.Close()
				return
			}
		}
	}()

	for {
		it, err := dq.Take(ctx)
		if err != nil {
			return
		}
		gd, _ := it.Wait(context.Background())
		c.invoke(ctx, gd)
	}
}

func (c *Core) invoke(ctx context.Context, gd generationDelivery) {
	if c.opts.AutoAck {
		c.runHandler(ctx, gd)
		return
	}

	result := c.runHandler(ctx, gd)

	if gd.generation != atomic.LoadUint64(&c.currentGeneration) {
		return
	}
	if c.isDisposed() {
		return
	}

	switch result.Outcome {
	case Ack:
		_, err := chansup.InvokeAction(c.opts.Channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
			return struct{}{}, m.Ack(gd.DeliveryTag, false)
		}).Wait(context.Background())
		if err == nil {
			c.opts.Metrics.IncConsumerAcked()
		}
	case Nack:
		_, err := chansup.InvokeAction(c.opts.Channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
			return struct{}{}, m.Nack(gd.DeliveryTag, false, result.Requeue)
		}).Wait(context.Background())
		if err == nil {
			c.opts.Metrics.IncConsumerNacked()
		}
	case Reject:
		_, err := chansup.InvokeAction(c.opts.Channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
			return struct{}{}, m.Reject(gd.DeliveryTag, result.Requeue)
		}).Wait(context.Background())
		if err == nil {
			c.opts.Metrics.IncConsumerNacked()
		}
	}
}

func (c *Core) runHandler(ctx context.Context, gd generationDelivery) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			if c.opts.OnError != nil {
				c.opts.OnError(fmt.Errorf("consumer: handler panic: %v", r))
			}
			result = Result{Outcome: Nack, Requeue: c.opts.RequeueOnHandlerError}
		}
	}()
	return c.opts.Handler(ctx, gd.Delivery)
}

// opsImpl adapts Ops to chansup.InvokeAction.
type opsImpl struct {
	channel *chansup.Supervisor
}

func (o *opsImpl) ExchangeDeclare(name, kind string, durable, autoDelete bool) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.ExchangeDeclare(name, kind, durable, autoDelete)
	}).Wait(context.Background())
	return err
}

func (o *opsImpl) ExchangeDeclarePassive(name string) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.ExchangeDeclarePassive(name)
	}).Wait(context.Background())
	return err
}

func (o *opsImpl) QueueDeclare(name string, durable, exclusive, autoDelete bool, args map[string]any) (string, error) {
	return chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (string, error) {
		return m.QueueDeclare(name, durable, exclusive, autoDelete, args)
	}).Wait(context.Background())
}

func (o *opsImpl) QueueDeclarePassive(name string) (string, error) {
	return chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (string, error) {
		return m.QueueDeclarePassive(name)
	}).Wait(context.Background())
}

func (o *opsImpl) Bind(queue, exchange, routingKey string, args map[string]any) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.QueueBind(queue, exchange, routingKey, args)
	}).Wait(context.Background())
	return err
}
