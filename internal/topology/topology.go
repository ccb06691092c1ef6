// Package topology implements TopologyRunner (spec.md 4.6): it declares and
// re-declares exchanges/queues/bindings on its channel, in either Once or
// Persistent mode.
package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/chansup"
	"github.com/dihedron/amqplink/internal/ident"
	"github.com/dihedron/amqplink/internal/logging"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/workqueue"
)

// Mode selects between declaring once, ever, and redeclaring on every
// channel activation.
type Mode int

const (
	// Once declares exactly once; on success it fires Ready then disposes
	// itself. A KindBrokerReject failure fails Ready and disposes it at
	// once; any other failure is retried until success or until WaitCtx
	// fires.
	Once Mode = iota
	// Persistent reconfigures on every channel Ready and stays alive until
	// explicitly disposed.
	Persistent
)

// State is the TopologyRunner lifecycle (spec.md 3): NotConfigured until
// the first successful declare, Configured after, Disposed once torn down.
type State int32

const (
	NotConfigured State = iota
	Configured
	Disposed
)

// Ops are the declarative operations spec.md 4.6 exposes to a configuration
// callback. Every call is a synchronous model RPC executed serially on the
// owning channel's action loop.
type Ops interface {
	ExchangeDeclare(name, kind string, durable, autoDelete bool) error
	ExchangeDeclarePassive(name string) error
	ExchangeDelete(name string) error
	QueueDeclare(name string, durable, exclusive, autoDelete bool, args map[string]any) (string, error)
	QueueDeclarePassive(name string) (string, error)
	QueueDeclareExclusive(name string, args map[string]any) (string, error)
	QueueDeclareExclusiveByServer(args map[string]any) (string, error)
	QueueDelete(name string) (int, error)
	QueuePurge(name string) (int, error)
	Bind(queue, exchange, routingKey string, args map[string]any) error
	Unbind(queue, exchange, routingKey string, args map[string]any) error
}

// ConfigureFunc is the user-supplied topology declaration.
type ConfigureFunc func(ctx context.Context, ops Ops) error

// Options configures a Runner.
type Options struct {
	Channel          *chansup.Supervisor
	Mode             Mode
	RecoveryInterval time.Duration
	Configure        ConfigureFunc
	// WaitCtx bounds a Once runner's retries: it fails the Ready promise
	// and self-disposes once WaitCtx is done. Persistent runners normally
	// pass context.Background() here, since they stay alive until
	// explicitly disposed regardless of any caller's wait deadline.
	WaitCtx context.Context
	OnReady func()
	OnError func(error)
	Logger  logging.Logger
}

// Runner is the TopologyRunner.
type Runner struct {
	opts  Options
	id    string
	log   logging.Logger
	state int32 // State

	ready *workqueue.Item[struct{}]

	mu        sync.Mutex
	disposed  bool
	onDispose func()
}

// New constructs a Runner. It does not attach itself to opts.Channel; the
// caller registers it with the channel's SetHandler before Initialize.
func New(opts Options, onDispose func()) *Runner {
	if opts.WaitCtx == nil {
		opts.WaitCtx = context.Background()
	}
	id := ident.New("topo")
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With("component", "TopologyRunner", "id", id)

	return &Runner{
		opts:      opts,
		id:        id,
		log:       log,
		ready:     workqueue.NewItem[struct{}](opts.WaitCtx),
		onDispose: onDispose,
	}
}

// ID returns the runner's log-correlation identity.
func (r *Runner) ID() string { return r.id }

func (r *Runner) State() State { return State(atomic.LoadInt32(&r.state)) }

// Ready resolves once the first successful declare pass completes. In Once
// mode it fails on a KindBrokerReject error and is canceled when WaitCtx
// ends the retries.
func (r *Runner) Ready() *workqueue.Item[struct{}] { return r.ready }

// Dispose marks the runner Disposed; subsequent channel activations are
// ignored. Safe to call more than once.
func (r *Runner) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.mu.Unlock()
	atomic.StoreInt32(&r.state, int32(Disposed))
	if r.onDispose != nil {
		r.onDispose()
	}
}

func (r *Runner) isDisposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// OnConnecting implements chansup.Handler. Topology has no work to do while
// a model is being created.
func (r *Runner) OnConnecting(ctx context.Context) {}

// OnActive implements chansup.Handler: it runs (or re-runs, in Persistent
// mode) the configuration callback against the fresh model.
func (r *Runner) OnActive(ctx context.Context, model transport.Channel) {
	if r.isDisposed() {
		return
	}
	go r.configureLoop(ctx)
}

func (r *Runner) configureLoop(ctx context.Context) {
	ops := &opsImpl{channel: r.opts.Channel}
	for {
		if r.isDisposed() || ctx.Err() != nil {
			return
		}

		err := r.opts.Configure(ctx, ops)
		if err != nil {
			if r.opts.OnError != nil {
				r.opts.OnError(err)
			}
			if r.opts.Mode == Once && amqperr.Is(err, amqperr.KindBrokerReject) {
				r.ready.Fail(err)
				r.Dispose()
				return
			}
			if !r.sleep(ctx) {
				if r.opts.Mode == Once {
					r.ready.Cancel()
					r.Dispose()
				}
				return
			}
			continue
		}

		atomic.StoreInt32(&r.state, int32(Configured))
		r.ready.Succeed(struct{}{})
		if r.opts.OnReady != nil {
			r.opts.OnReady()
		}

		if r.opts.Mode == Once {
			go r.Dispose()
		}
		return
	}
}

// sleep waits RecoveryInterval, or stops early if ctx or WaitCtx fires.
// Returns false if either did.
func (r *Runner) sleep(ctx context.Context) bool {
	d := r.opts.RecoveryInterval
	var timer *time.Timer
	var timerCh <-chan time.Time
	if d > 0 {
		timer = time.NewTimer(d)
		timerCh = timer.C
		defer timer.Stop()
	} else {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		timerCh = ch
	}
	select {
	case <-timerCh:
		return true
	case <-ctx.Done():
		return false
	case <-r.opts.WaitCtx.Done():
		return false
	}
}

func (r *Runner) OnBasicAck(tag uint64, multiple bool)           {}
func (r *Runner) OnBasicNack(tag uint64, multiple, requeue bool) {}
func (r *Runner) OnBasicReturn(ret transport.Return)             {}

// opsImpl adapts Ops to chansup.InvokeAction.
type opsImpl struct {
	channel *chansup.Supervisor
}

// rejected wraps a broker RPC failure as KindBrokerReject, the way
// consumer.Core.setup classifies its own declare/qos/consume errors.
func rejected(err error, message string) error {
	if err == nil {
		return nil
	}
	return amqperr.Wrap(amqperr.KindBrokerReject, err, message)
}

func (o *opsImpl) ExchangeDeclare(name, kind string, durable, autoDelete bool) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.ExchangeDeclare(name, kind, durable, autoDelete)
	}).Wait(context.Background())
	return rejected(err, "topology: exchange.declare failed")
}

func (o *opsImpl) ExchangeDeclarePassive(name string) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.ExchangeDeclarePassive(name)
	}).Wait(context.Background())
	return rejected(err, "topology: exchange.declare (passive) failed")
}

func (o *opsImpl) ExchangeDelete(name string) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.ExchangeDelete(name)
	}).Wait(context.Background())
	return rejected(err, "topology: exchange.delete failed")
}

func (o *opsImpl) QueueDeclare(name string, durable, exclusive, autoDelete bool, args map[string]any) (string, error) {
	q, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (string, error) {
		return m.QueueDeclare(name, durable, exclusive, autoDelete, args)
	}).Wait(context.Background())
	return q, rejected(err, "topology: queue.declare failed")
}

func (o *opsImpl) QueueDeclarePassive(name string) (string, error) {
	q, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (string, error) {
		return m.QueueDeclarePassive(name)
	}).Wait(context.Background())
	return q, rejected(err, "topology: queue.declare (passive) failed")
}

func (o *opsImpl) QueueDeclareExclusive(name string, args map[string]any) (string, error) {
	return o.QueueDeclare(name, false, true, true, args)
}

func (o *opsImpl) QueueDeclareExclusiveByServer(args map[string]any) (string, error) {
	return o.QueueDeclare("", false, true, true, args)
}

func (o *opsImpl) QueueDelete(name string) (int, error) {
	n, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (int, error) {
		return m.QueueDelete(name)
	}).Wait(context.Background())
	return n, rejected(err, "topology: queue.delete failed")
}

func (o *opsImpl) QueuePurge(name string) (int, error) {
	n, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (int, error) {
		return m.QueuePurge(name)
	}).Wait(context.Background())
	return n, rejected(err, "topology: queue.purge failed")
}

func (o *opsImpl) Bind(queue, exchange, routingKey string, args map[string]any) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.QueueBind(queue, exchange, routingKey, args)
	}).Wait(context.Background())
	return rejected(err, "topology: queue.bind failed")
}

func (o *opsImpl) Unbind(queue, exchange, routingKey string, args map[string]any) error {
	_, err := chansup.InvokeAction(o.channel, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, m.QueueUnbind(queue, exchange, routingKey, args)
	}).Wait(context.Background())
	return rejected(err, "topology: queue.unbind failed")
}
