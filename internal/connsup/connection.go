// Package connsup implements ConnectionSupervisor (spec.md 4.4): it owns
// the TCP/AMQP connection, drives the
// Init -> Opening -> Open -> Disposed state machine, and exposes model
// (channel) creation to ChannelSupervisors.
package connsup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dihedron/amqplink/internal/ident"
	"github.com/dihedron/amqplink/internal/logging"
	"github.com/dihedron/amqplink/internal/metrics"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/workqueue"
)

// State is the ConnectionSupervisor lifecycle (spec.md 3).
type State int32

const (
	Init State = iota
	Opening
	Open
	Disposed
)

var allStates = []string{"init", "opening", "open", "disposed"}

func (s State) String() string { return allStates[s] }

// Options configures a Supervisor.
type Options struct {
	// URLs are tried in order on every connect attempt; the first one that
	// dials successfully wins (generalized from the teacher's Options.URLs
	// failover loop).
	URLs              []string
	ConnectionTimeout time.Duration
	RecoveryInterval  time.Duration
	Factory           transport.ConnectionFactory
	Logger            logging.Logger
	Metrics           *metrics.Collector

	// OnConnected/OnDisconnected/OnDisposed are the supervisor's
	// user-visible lifecycle events (spec.md 4.4).
	OnConnected    func()
	OnDisconnected func(initiator transport.Initiator, code int, reason string)
	OnDisposed     func()
}

// Supervisor is the ConnectionSupervisor.
type Supervisor struct {
	opts Options
	id   string
	loop *workqueue.Loop
	log  logging.Logger

	mu         sync.Mutex
	state      State
	conn       transport.Connection
	generation uint64

	disposeCtx    context.Context
	disposeCancel context.CancelFunc

	initOnce sync.Once
	driving  int32

	subsMu sync.Mutex
	subs   []Subscriber
}

// Subscriber lets a ChannelSupervisor fan out on Connected/Disconnected
// events without the two packages depending on each other's concrete
// handler type. Subscribe/Unsubscribe are safe for concurrent use; both
// callbacks are invoked from inside the ConnectionSupervisor's own loop
// task, after opts.OnConnected/OnDisconnected, in registration order — this
// preserves the spec's "a channel's OnConnecting begins strictly after the
// connection enters Open" ordering guarantee.
type Subscriber struct {
	OnConnected    func()
	OnDisconnected func(initiator transport.Initiator, code int, reason string)
}

// Subscribe registers sub and returns a func that removes it again.
func (s *Supervisor) Subscribe(sub Subscriber) (unsubscribe func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, sub)
	idx := len(s.subs) - 1
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = Subscriber{}
		}
	}
}

func (s *Supervisor) notifyConnected() {
	s.subsMu.Lock()
	subs := append([]Subscriber(nil), s.subs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		if sub.OnConnected != nil {
			sub.OnConnected()
		}
	}
}

func (s *Supervisor) notifyDisconnected(initiator transport.Initiator, code int, reason string) {
	s.subsMu.Lock()
	subs := append([]Subscriber(nil), s.subs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		if sub.OnDisconnected != nil {
			sub.OnDisconnected(initiator, code, reason)
		}
	}
}

// New constructs a Supervisor in Init.
func New(opts Options) *Supervisor {
	id := ident.New("conn")
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With("component", "ConnectionSupervisor", "id", id)

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:          opts,
		id:            id,
		loop:          workqueue.NewLoop(),
		log:           log,
		state:         Init,
		disposeCtx:    ctx,
		disposeCancel: cancel,
	}
}

// ID returns the supervisor's log-correlation identity.
func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the number of connections successfully opened so far.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Initialize is idempotent: the first call starts the connect/reconnect
// driver; later calls are no-ops.
func (s *Supervisor) Initialize() {
	s.initOnce.Do(func() {
		atomic.StoreInt32(&s.driving, 1)
		go s.drive()
	})
}

// CreateModel requests a fresh channel on the current connection. It fails
// with an amqperr.KindNotConnected error if the connection isn't Open right
// now, and with amqperr.KindTransportFailure wrapping the cause if the
// connection refuses to open the channel.
func (s *Supervisor) CreateModel(ctx context.Context) *workqueue.Item[transport.Channel] {
	return workqueue.Schedule(s.loop, ctx, func(ctx context.Context) (transport.Channel, error) {
		s.mu.Lock()
		state, conn := s.state, s.conn
		s.mu.Unlock()

		if state != Open || conn == nil {
			return nil, notConnectedErr()
		}
		ch, err := conn.CreateModel()
		if err != nil {
			return nil, transportFailureErr(err)
		}
		return ch, nil
	})
}

// Dispose tears the connection down permanently. Idempotent.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.state == Disposed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.disposeCancel()

	done := workqueue.Schedule(s.loop, context.Background(), func(ctx context.Context) (struct{}, error) {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = Disposed
		s.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Debug("ignoring error while disposing connection", "error", err)
			}
		}
		s.opts.Metrics.SetConnectionState(allStates, Disposed.String())
		if s.opts.OnDisposed != nil {
			s.opts.OnDisposed()
		}
		return struct{}{}, nil
	})
	_, _ = done.Wait(context.Background())
	s.loop.Dispose(workqueue.Drain)
}

// drive is the background connect/reconnect loop. It owns every suspension
// point (dial attempts, inter-attempt sleeps) so that CreateModel tasks
// queued on the EventLoop are never stuck behind a multi-second dial; only
// the brief, serialized state-mutating steps below run on the loop.
func (s *Supervisor) drive() {
	for {
		if s.disposeCtx.Err() != nil {
			return
		}

		s.setState(Opening)

		conn, err := s.dialOnce(s.disposeCtx)
		if err != nil {
			if s.disposeCtx.Err() != nil {
				return
			}
			s.log.Warn("connect attempt failed, will retry", "error", err, "retry_in", s.opts.RecoveryInterval)
			s.opts.Metrics.IncConnectionRetries()
			if !s.sleep(s.opts.RecoveryInterval) {
				return
			}
			continue
		}

		shutdownCh := conn.NotifyShutdown()

		applied := workqueue.Schedule(s.loop, context.Background(), func(ctx context.Context) (struct{}, error) {
			s.mu.Lock()
			s.conn = conn
			s.generation++
			s.state = Open
			s.mu.Unlock()
			s.opts.Metrics.SetConnectionState(allStates, Open.String())
			if s.opts.OnConnected != nil {
				s.opts.OnConnected()
			}
			s.notifyConnected()
			return struct{}{}, nil
		})
		if _, err := applied.Wait(s.disposeCtx); err != nil {
			return
		}

		select {
		case sd := <-shutdownCh:
			s.handleShutdown(sd)
			if sd.Initiator == transport.InitiatorApplication {
				return
			}
		case <-s.disposeCtx.Done():
			return
		}

		if !s.sleep(s.opts.RecoveryInterval) {
			return
		}
	}
}

func (s *Supervisor) handleShutdown(sd transport.Shutdown) {
	done := workqueue.Schedule(s.loop, context.Background(), func(ctx context.Context) (struct{}, error) {
		s.mu.Lock()
		if s.state == Disposed {
			s.mu.Unlock()
			return struct{}{}, nil
		}
		if sd.Initiator == transport.InitiatorApplication {
			s.state = Disposed
		} else {
			s.state = Opening
		}
		nextState := s.state
		s.mu.Unlock()

		s.opts.Metrics.SetConnectionState(allStates, nextState.String())
		if s.opts.OnDisconnected != nil {
			s.opts.OnDisconnected(sd.Initiator, sd.Code, sd.Reason)
		}
		s.notifyDisconnected(sd.Initiator, sd.Code, sd.Reason)
		return struct{}{}, nil
	})
	_, _ = done.Wait(context.Background())
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.opts.Metrics.SetConnectionState(allStates, st.String())
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

func (s *Supervisor) dialOnce(ctx context.Context) (transport.Connection, error) {
	var lastErr error
	for _, url := range s.opts.URLs {
		conn, err := s.opts.Factory.Open(ctx, url, s.opts.ConnectionTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		s.log.Warn("dial failed, trying next url if any", "url", url, "error", err)
	}
	return nil, lastErr
}
