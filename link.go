// Package amqplink is a rabbitmq/amqp091-go wrapper library that comes
// with:
//
// * Auto-reconnect support, at the connection, channel and topology level
//
// * Context support throughout
//
// * A publisher-confirms aware producer and a prefetch/ack-aware consumer
package amqplink

import (
	"context"
	"sync"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/chansup"
	"github.com/dihedron/amqplink/internal/connsup"
	"github.com/dihedron/amqplink/internal/consumer"
	"github.com/dihedron/amqplink/internal/logging"
	"github.com/dihedron/amqplink/internal/metrics"
	"github.com/dihedron/amqplink/internal/producer"
	"github.com/dihedron/amqplink/internal/topology"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/transport/amqp091"
	"github.com/dihedron/amqplink/internal/workqueue"
)

// Public aliases over the internal types the builders below exchange with
// callers, so application code never needs to import amqplink/internal/...
// itself.
type (
	Publishing     = transport.Publishing
	PublishRequest = producer.Request
	ConsumeResult  = consumer.Result
	Outcome        = consumer.Outcome
	TopologyMode   = topology.Mode

	TopologyOps           = topology.Ops
	TopologyConfigureFunc = topology.ConfigureFunc
	ConsumerOps           = consumer.Ops
)

// Outcome values a ConsumeHandlerFunc resolves to.
const (
	Ack    = consumer.Ack
	Nack   = consumer.Nack
	Reject = consumer.Reject
)

// Topology modes.
const (
	TopologyPersistent = topology.Persistent
	TopologyOnce       = topology.Once
)

// Delivery is an inbound message handed to a ConsumeHandlerFunc.
type Delivery struct {
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	ConsumerTag string
	AppID       string
	MessageID   string
	Headers     map[string]any
	Body        []byte
}

// IsFromThisApp reports whether the delivery's AppID matches appID,
// generalizing the teacher's AppID-tagging convention (spec.md 6).
func (d Delivery) IsFromThisApp(appID string) bool { return d.AppID == appID }

func fromTransportDelivery(td transport.Delivery) Delivery {
	return Delivery{
		DeliveryTag: td.DeliveryTag,
		Redelivered: td.Redelivered,
		Exchange:    td.Exchange,
		RoutingKey:  td.RoutingKey,
		ConsumerTag: td.ConsumerTag,
		AppID:       td.AppID,
		MessageID:   td.MessageID,
		Headers:     td.Headers,
		Body:        td.Body,
	}
}

// ConsumeHandlerFunc processes one Delivery and decides its outcome; see
// consumer.HandlerFunc for the panic-handling and requeue policy.
type ConsumeHandlerFunc func(ctx context.Context, d Delivery) ConsumeResult

// ConsumerDeclareFunc declares/binds the queue a Consumer reads from and
// returns its name.
type ConsumerDeclareFunc func(ctx context.Context, ops ConsumerOps) (queue string, err error)

// Link is the library's top-level handle: one ConnectionSupervisor plus
// every Topology/Producer/Consumer built from it.
type Link struct {
	cfg     Configuration
	conn    *connsup.Supervisor
	metrics *metrics.Collector
	log     logging.Logger

	mu       sync.Mutex
	disposed bool
}

// New constructs a Link from cfg. It does not dial until Initialize is
// called (or immediately, if cfg.AutoStart is set).
func New(cfg Configuration) (*Link, error) {
	if err := validateConfiguration(&cfg); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	m := metrics.New(cfg.MetricsRegisterer)

	conn := connsup.New(connsup.Options{
		URLs:              cfg.URLs,
		ConnectionTimeout: cfg.ConnectionTimeout,
		RecoveryInterval:  cfg.ConnectionRecoveryInterval,
		Factory:           &amqp091.Factory{TLSConfig: cfg.TLSConfig},
		Logger:            log,
		Metrics:           m,
		OnConnected: func() {
			log.Info("connection established")
		},
		OnDisconnected: func(initiator transport.Initiator, code int, reason string) {
			log.Warn("connection lost, will reconnect", "initiator", initiator.String(), "code", code, "reason", reason)
		},
		OnDisposed: func() {
			log.Info("connection disposed")
		},
	})

	l := &Link{cfg: cfg, conn: conn, metrics: m, log: log}
	if cfg.AutoStart {
		l.Initialize()
	}
	return l, nil
}

// Initialize starts the connection's connect/reconnect driver. Idempotent.
func (l *Link) Initialize() { l.conn.Initialize() }

// Dispose tears the connection down and blocks until that completes or ctx
// is done. It does not dispose the Topology, Producer or Consumer handles
// built from this Link, nor their channels; each handle has its own
// Dispose.
func (l *Link) Dispose(ctx context.Context) error {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil
	}
	l.disposed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.conn.Dispose()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) newChannel() *chansup.Supervisor {
	return chansup.New(chansup.Options{
		Connection:       l.conn,
		RecoveryInterval: l.cfg.ChannelRecoveryInterval,
		Logger:           l.log,
		Metrics:          l.metrics,
	})
}

// TopologyBuilder configures a TopologyRunner before Build.
type TopologyBuilder struct {
	link      *Link
	mode      topology.Mode
	configure topology.ConfigureFunc
	waitCtx   context.Context
}

// Topology starts building a TopologyRunner, Persistent by default.
func (l *Link) Topology() *TopologyBuilder {
	return &TopologyBuilder{link: l, mode: topology.Persistent}
}

// Once switches the runner to declare exactly once then self-dispose.
func (b *TopologyBuilder) Once() *TopologyBuilder { b.mode = topology.Once; return b }

// Persistent switches the runner to reconfigure on every channel Ready
// (the default).
func (b *TopologyBuilder) Persistent() *TopologyBuilder { b.mode = topology.Persistent; return b }

// Configure sets the declarative callback run against the channel.
func (b *TopologyBuilder) Configure(fn TopologyConfigureFunc) *TopologyBuilder {
	b.configure = fn
	return b
}

// WaitContext bounds a Once runner's retries; ignored in Persistent mode.
func (b *TopologyBuilder) WaitContext(ctx context.Context) *TopologyBuilder {
	b.waitCtx = ctx
	return b
}

// Build constructs and starts the TopologyRunner.
func (b *TopologyBuilder) Build() (*TopologyHandle, error) {
	if b.configure == nil {
		return nil, amqperr.New(amqperr.KindConfigurationError, "amqplink: topology requires Configure")
	}
	ch := b.link.newChannel()
	waitCtx := b.waitCtx
	if b.mode != topology.Once {
		waitCtx = nil
	}
	runner := topology.New(topology.Options{
		Channel:          ch,
		Mode:             b.mode,
		RecoveryInterval: b.link.cfg.TopologyRecoveryInterval,
		Configure:        b.configure,
		WaitCtx:          waitCtx,
		Logger:           b.link.log,
		OnError: func(err error) {
			b.link.log.Warn("topology declare failed", "error", err)
		},
	}, func() { ch.Dispose() })
	ch.SetHandler(runner)
	ch.Initialize()
	return &TopologyHandle{channel: ch, runner: runner}, nil
}

// TopologyHandle is a running TopologyRunner.
type TopologyHandle struct {
	channel *chansup.Supervisor
	runner  *topology.Runner
}

// Ready resolves once the first successful declare pass completes.
func (h *TopologyHandle) Ready() *workqueue.Item[struct{}] { return h.runner.Ready() }

// Dispose tears down the runner and its channel.
func (h *TopologyHandle) Dispose() {
	h.runner.Dispose()
	h.channel.Dispose()
}

// ProducerBuilder configures a ProducerCore before Build.
type ProducerBuilder struct {
	link *Link
}

// Producer starts building a ProducerCore.
func (l *Link) Producer() *ProducerBuilder { return &ProducerBuilder{link: l} }

// Build constructs and starts the ProducerCore.
func (b *ProducerBuilder) Build() (*ProducerHandle, error) {
	ch := b.link.newChannel()
	core := producer.New(producer.Options{
		Channel:               ch,
		ConfirmMode:           b.link.cfg.ConfirmMode,
		PublishConfirmTimeout: b.link.cfg.PublishConfirmTimeout,
		Metrics:               b.link.metrics,
		Logger:                b.link.log,
		OnError: func(err error) {
			b.link.log.Warn("producer error", "error", err)
		},
	})
	ch.SetHandler(core)
	ch.Initialize()
	return &ProducerHandle{channel: ch, core: core, appID: b.link.cfg.ApplicationID}, nil
}

// ProducerHandle is a running ProducerCore.
type ProducerHandle struct {
	channel *chansup.Supervisor
	core    *producer.Core
	appID   string
}

// PublishAsync enqueues req and returns a promise settled once the broker
// confirms it (or immediately, outside confirm mode). req.Msg.AppID
// defaults to the Link's ApplicationID if left empty.
func (p *ProducerHandle) PublishAsync(ctx context.Context, req PublishRequest) *workqueue.Item[any] {
	if req.Msg.AppID == "" {
		req.Msg.AppID = p.appID
	}
	return p.core.Publish(ctx, req)
}

// Dispose tears down the producer and its channel.
func (p *ProducerHandle) Dispose() {
	p.core.Dispose()
	p.channel.Dispose()
}

// ConsumerBuilder configures a ConsumerCore before Build.
type ConsumerBuilder struct {
	link           *Link
	declare        ConsumerDeclareFunc
	handler        ConsumeHandlerFunc
	autoAck        bool
	exclusive      bool
	consumerTag    string
	requeueOnError bool
}

// Consumer starts building a ConsumerCore. Handler exceptions requeue by
// default.
func (l *Link) Consumer() *ConsumerBuilder {
	return &ConsumerBuilder{link: l, requeueOnError: true}
}

// Declare sets the queue declare/bind callback run once per channel
// activation, before basic.consume.
func (b *ConsumerBuilder) Declare(fn ConsumerDeclareFunc) *ConsumerBuilder {
	b.declare = fn
	return b
}

// Handler sets the per-delivery callback.
func (b *ConsumerBuilder) Handler(fn ConsumeHandlerFunc) *ConsumerBuilder {
	b.handler = fn
	return b
}

// AutoAck switches to broker-side auto-ack; Handler's returned ConsumeResult
// is then ignored.
func (b *ConsumerBuilder) AutoAck() *ConsumerBuilder { b.autoAck = true; return b }

// Exclusive requests an exclusive consumer.
func (b *ConsumerBuilder) Exclusive() *ConsumerBuilder { b.exclusive = true; return b }

// ConsumerTag overrides the generated consumer tag.
func (b *ConsumerBuilder) ConsumerTag(tag string) *ConsumerBuilder {
	b.consumerTag = tag
	return b
}

// DisableRequeueOnHandlerError makes a panicking Handler settle its
// delivery with Nack(requeue=false) instead of the default
// Nack(requeue=true).
func (b *ConsumerBuilder) DisableRequeueOnHandlerError() *ConsumerBuilder {
	b.requeueOnError = false
	return b
}

// Build constructs and starts the ConsumerCore.
func (b *ConsumerBuilder) Build() (*ConsumerHandle, error) {
	if b.declare == nil || b.handler == nil {
		return nil, amqperr.New(amqperr.KindConfigurationError, "amqplink: consumer requires Declare and Handler")
	}
	ch := b.link.newChannel()
	handler := b.handler
	core := consumer.New(consumer.Options{
		Channel:               ch,
		Declare:               consumer.DeclareFunc(b.declare),
		Prefetch:              b.link.cfg.PrefetchCount,
		AutoAck:               b.autoAck,
		Exclusive:             b.exclusive,
		ConsumerTag:           b.consumerTag,
		RequeueOnHandlerError: b.requeueOnError,
		Handler: func(ctx context.Context, td transport.Delivery) consumer.Result {
			return handler(ctx, fromTransportDelivery(td))
		},
		RecoveryInterval: b.link.cfg.ChannelRecoveryInterval,
		Metrics:          b.link.metrics,
		Logger:           b.link.log,
		OnError: func(err error) {
			b.link.log.Warn("consumer error", "error", err)
		},
	})
	ch.SetHandler(core)
	ch.Initialize()
	return &ConsumerHandle{channel: ch, core: core}, nil
}

// ConsumerHandle is a running ConsumerCore.
type ConsumerHandle struct {
	channel *chansup.Supervisor
	core    *consumer.Core
}

// Dispose tears down the consumer and its channel.
func (h *ConsumerHandle) Dispose() {
	h.core.Dispose()
	h.channel.Dispose()
}
