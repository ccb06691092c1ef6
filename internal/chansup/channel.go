// Package chansup implements ChannelSupervisor (spec.md 4.5): it owns one
// AMQP channel on a connection, drives the
// Init -> Open -> Active -> Stop -> Reopen -> Disposed loop, and forwards
// broker ack/nack/return callbacks to its attached Handler.
package chansup

import (
	"context"
	"sync"
	"time"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/connsup"
	"github.com/dihedron/amqplink/internal/ident"
	"github.com/dihedron/amqplink/internal/logging"
	"github.com/dihedron/amqplink/internal/metrics"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/workqueue"
)

// State is the ChannelSupervisor lifecycle (spec.md 3).
type State int32

const (
	Init State = iota
	Open
	Reopen
	Active
	Stop
	Disposed
)

var allStates = []string{"init", "open", "reopen", "active", "stop", "disposed"}

func (s State) String() string { return allStates[s] }

// Handler is the capability interface the component attached to a
// ChannelSupervisor (TopologyRunner, ProducerCore, ConsumerCore) implements
// (spec.md 4.5/4.9). Neither side owns the other: the supervisor exposes
// events, the handler reacts to them.
type Handler interface {
	// OnConnecting runs concurrently with model creation; the supervisor
	// cancels ctx once the model is live or the attempt failed.
	OnConnecting(ctx context.Context)
	// OnActive is invoked once per Active entry with the fresh model and a
	// ctx that is canceled when the channel leaves Active (connection
	// drop, model shutdown, or dispose). OnActive itself should return
	// promptly after arranging whatever it needs against model; it is not
	// expected to block until ctx is done.
	OnActive(ctx context.Context, model transport.Channel)
	OnBasicAck(tag uint64, multiple bool)
	OnBasicNack(tag uint64, multiple bool, requeue bool)
	OnBasicReturn(ret transport.Return)
}

// Options configures a Supervisor.
type Options struct {
	Connection       *connsup.Supervisor
	RecoveryInterval time.Duration
	Handler          Handler
	Logger           logging.Logger
	Metrics          *metrics.Collector
	OnDisposed       func()
}

// Supervisor is the ChannelSupervisor.
type Supervisor struct {
	opts Options
	id   string
	loop *workqueue.Loop
	log  logging.Logger

	mu         sync.Mutex
	state      State
	model      transport.Channel
	generation uint64

	disposeCtx    context.Context
	disposeCancel context.CancelFunc
	disposing     bool
	finalized     chan struct{}

	connEvents  chan connEvent
	unsubscribe func()

	initOnce sync.Once
}

type connEvent struct {
	connected   bool
	initiator   transport.Initiator
	code        int
	reason      string
}

// New constructs a Supervisor in Init, attached to conn.
func New(opts Options) *Supervisor {
	id := ident.New("chan")
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With("component", "ChannelSupervisor", "id", id)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:          opts,
		id:            id,
		loop:          workqueue.NewLoop(),
		log:           log,
		state:         Init,
		disposeCtx:    ctx,
		disposeCancel: cancel,
		finalized:     make(chan struct{}),
		connEvents:    make(chan connEvent, 16),
	}
	s.unsubscribe = opts.Connection.Subscribe(connsup.Subscriber{
		OnConnected: func() {
			select {
			case s.connEvents <- connEvent{connected: true}:
			default:
			}
		},
		OnDisconnected: func(initiator transport.Initiator, code int, reason string) {
			select {
			case s.connEvents <- connEvent{connected: false, initiator: initiator, code: code, reason: reason}:
			default:
			}
		},
	})
	return s
}

// ID returns the supervisor's log-correlation identity.
func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Initialize is idempotent: the first call starts the open/reopen driver.
func (s *Supervisor) Initialize() {
	s.initOnce.Do(func() { go s.drive() })
}

// SetHandler attaches h as the supervisor's Handler. It exists because the
// Handler (TopologyRunner/ProducerCore/ConsumerCore) is itself constructed
// with a reference to this Supervisor, so Options.Handler can't always be
// populated before New returns; callers using SetHandler must do so before
// Initialize.
func (s *Supervisor) SetHandler(h Handler) { s.opts.Handler = h }

// InvokeAction posts a synchronous model action to the channel's own action
// loop, guaranteeing the model is only ever touched from one goroutine at a
// time. It fails with KindNotConnected unless the supervisor is currently
// Active.
func InvokeAction[R any](s *Supervisor, ctx context.Context, action func(ctx context.Context, model transport.Channel) (R, error)) *workqueue.Item[R] {
	return workqueue.Schedule(s.loop, ctx, func(ctx context.Context) (R, error) {
		s.mu.Lock()
		state, model := s.state, s.model
		s.mu.Unlock()
		var zero R
		if state != Active || model == nil {
			return zero, notActiveErr()
		}
		return action(ctx, model)
	})
}

// Dispose tears the channel (and whatever Active loop is running) down
// permanently, blocking until finalized. Idempotent.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		<-s.finalized
		return
	}
	s.disposing = true
	s.mu.Unlock()

	s.disposeCancel()
	// A never-initialized supervisor has no driver to close finalized;
	// start one now so it observes disposing and finalizes at once.
	s.initOnce.Do(func() { go s.drive() })
	<-s.finalized
	s.loop.Dispose(workqueue.Drain)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.opts.Metrics.SetChannelState(allStates, st.String())
}

func (s *Supervisor) drive() {
	defer close(s.finalized)

	for {
		s.mu.Lock()
		disposing := s.disposing
		first := s.generation == 0
		s.mu.Unlock()
		if disposing {
			s.finalize()
			return
		}

		if first {
			s.setState(Open)
		} else {
			s.setState(Reopen)
			if s.connectionLooksOpen() {
				if !s.sleep(s.opts.RecoveryInterval) {
					s.finalize()
					return
				}
			}
		}

		model, ok := s.openModel()
		if !ok {
			s.finalize()
			return
		}
		if model == nil {
			// attempt failed; back off and retry the open/reopen step.
			continue
		}

		s.runActive(model)

		s.setState(Stop)
		if err := model.Close(); err != nil {
			s.log.Debug("ignoring error while disposing model", "error", err)
		}

		s.mu.Lock()
		disposing = s.disposing
		s.mu.Unlock()
		if disposing {
			s.finalize()
			return
		}
	}
}

// connectionLooksOpen is a best-effort check used only to decide whether
// the Reopen step's sleep applies (spec.md 4.5: "optionally sleep ...
// only in Reopen *and* connection is currently Open").
func (s *Supervisor) connectionLooksOpen() bool {
	return s.opts.Connection.State() == connsup.Open
}

// openModel runs OnConnecting concurrently with a CreateModel request, per
// spec.md 4.5. The bool result is false only when the supervisor was
// disposed while waiting.
func (s *Supervisor) openModel() (transport.Channel, bool) {
	connectingCtx, connectingCancel := context.WithCancel(s.disposeCtx)
	defer connectingCancel()

	connectingDone := make(chan struct{})
	go func() {
		defer close(connectingDone)
		s.opts.Handler.OnConnecting(connectingCtx)
	}()

	item := s.opts.Connection.CreateModel(s.disposeCtx)
	model, err := item.Wait(s.disposeCtx)
	connectingCancel()
	<-connectingDone

	if s.disposeCtx.Err() != nil {
		return nil, false
	}
	if err != nil {
		s.log.Debug("model creation failed, will retry", "error", err)
		if !s.sleep(s.opts.RecoveryInterval) {
			return nil, false
		}
		return nil, true
	}
	return model, true
}

// runActive drives the Active state until the channel must leave it: the
// model shuts down, the connection drops, or the supervisor is disposed.
// Always transitions to Stop afterwards (spec.md 4.5).
func (s *Supervisor) runActive(model transport.Channel) {
	activeCtx, activeCancel := context.WithCancel(s.disposeCtx)

	s.mu.Lock()
	s.model = model
	s.generation++
	s.mu.Unlock()
	s.opts.Metrics.SetChannelGeneration(s.Generation())
	s.setState(Active)

	s.opts.Handler.OnActive(activeCtx, model)

	shutdownCh := model.NotifyShutdown()
	publishCh := model.NotifyPublish()
	returnCh := model.NotifyReturn()

	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		for {
			select {
			case c, ok := <-publishCh:
				if !ok {
					publishCh = nil
					continue
				}
				if c.Ack {
					s.opts.Handler.OnBasicAck(c.Tag, c.Multiple)
				} else {
					// amqp091-go's Confirmation carries no broker-reported
					// requeue flag; true is a best-effort default, not
					// something the wire actually told us.
					s.opts.Handler.OnBasicNack(c.Tag, c.Multiple, true)
				}
			case r, ok := <-returnCh:
				if !ok {
					returnCh = nil
					continue
				}
				s.opts.Handler.OnBasicReturn(r)
			case <-activeCtx.Done():
				return
			}
		}
	}()

	select {
	case sd := <-shutdownCh:
		_ = sd
	case ev := <-s.connEvents:
		for ev.connected {
			// an unrelated Connected re-announce while already active;
			// keep waiting for an actual disconnect or shutdown.
			select {
			case sd := <-shutdownCh:
				_ = sd
				ev.connected = false
			case ev = <-s.connEvents:
			case <-activeCtx.Done():
				ev.connected = false
			}
		}
	case <-activeCtx.Done():
	}

	activeCancel()
	<-forwarderDone
}

func (s *Supervisor) finalize() {
	s.setState(Disposed)
	if s.opts.OnDisposed != nil {
		s.opts.OnDisposed()
	}
}

func (s *Supervisor) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.disposeCtx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.disposeCtx.Done():
		return false
	}
}

func notActiveErr() error {
	return amqperr.New(amqperr.KindNotConnected, "channel supervisor: not active")
}
