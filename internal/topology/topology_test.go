package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/chansup"
	"github.com/dihedron/amqplink/internal/connsup"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/transporttest"
	"github.com/onsi/gomega"
)

func newActiveChannelSupervisor(t *testing.T) (*chansup.Supervisor, *transporttest.Conn, *transporttest.Channel) {
	t.Helper()
	factory := transporttest.NewFactory()
	conn := transporttest.NewConn()
	factory.Enqueue(conn, nil)

	connected := make(chan struct{}, 1)
	cs := connsup.New(connsup.Options{
		URLs:              []string{"amqp://primary/"},
		ConnectionTimeout: time.Second,
		RecoveryInterval:  5 * time.Millisecond,
		Factory:           factory,
		OnConnected:       func() { connected <- struct{}{} },
	})
	cs.Initialize()
	t.Cleanup(cs.Dispose)
	<-connected

	ch := transporttest.NewChannel()
	conn.EnqueueChannel(ch, nil)

	chSup := chansup.New(chansup.Options{Connection: cs, RecoveryInterval: 5 * time.Millisecond})
	t.Cleanup(chSup.Dispose)
	return chSup, conn, ch
}

func TestRunner_OnceModeSucceedsAndSelfDisposes(t *testing.T) {
	g := gomega.NewWithT(t)

	chSup, _, _ := newActiveChannelSupervisor(t)

	var ready int32
	r := New(Options{
		Channel: chSup,
		Mode:    Once,
		Configure: func(ctx context.Context, ops Ops) error {
			_, err := ops.QueueDeclare("q", true, false, false, nil)
			return err
		},
		OnReady: func() { atomic.StoreInt32(&ready, 1) },
	}, nil)
	chSup.SetHandler(r)
	chSup.Initialize()

	_, err := r.Ready().Wait(context.Background())
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(atomic.LoadInt32(&ready)).To(gomega.Equal(int32(1)))
	g.Eventually(func() State { return r.State() }, time.Second, 2*time.Millisecond).Should(gomega.Equal(Disposed))
}

func TestRunner_OnceModeRetriesUntilSuccess(t *testing.T) {
	g := gomega.NewWithT(t)

	chSup, _, _ := newActiveChannelSupervisor(t)

	var attempts int32
	r := New(Options{
		Channel:          chSup,
		Mode:             Once,
		RecoveryInterval: 2 * time.Millisecond,
		Configure: func(ctx context.Context, ops Ops) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return errors.New("transient broker error")
			}
			return nil
		},
	}, nil)
	chSup.SetHandler(r)
	chSup.Initialize()

	_, err := r.Ready().Wait(context.Background())
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(atomic.LoadInt32(&attempts)).To(gomega.Equal(int32(3)))
}

func TestRunner_OnceModeFailsWhenWaitCtxExpires(t *testing.T) {
	g := gomega.NewWithT(t)

	chSup, _, _ := newActiveChannelSupervisor(t)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := New(Options{
		Channel:          chSup,
		Mode:             Once,
		RecoveryInterval: 2 * time.Millisecond,
		WaitCtx:          waitCtx,
		Configure: func(ctx context.Context, ops Ops) error {
			return errors.New("broker permanently rejects")
		},
	}, nil)
	chSup.SetHandler(r)
	chSup.Initialize()

	_, err := r.Ready().Wait(context.Background())
	g.Expect(err).To(gomega.HaveOccurred())
	g.Eventually(func() State { return r.State() }, time.Second, 2*time.Millisecond).Should(gomega.Equal(Disposed))
}

func TestRunner_OnceModeFailsImmediatelyOnBrokerReject(t *testing.T) {
	g := gomega.NewWithT(t)

	chSup, _, _ := newActiveChannelSupervisor(t)

	var attempts int32
	r := New(Options{
		Channel:          chSup,
		Mode:             Once,
		RecoveryInterval: time.Hour,
		Configure: func(ctx context.Context, ops Ops) error {
			atomic.AddInt32(&attempts, 1)
			return amqperr.Wrap(amqperr.KindBrokerReject, errors.New("NOT_FOUND - no queue 'q'"), "topology: queue.declare (passive) failed")
		},
	}, nil)
	chSup.SetHandler(r)
	chSup.Initialize()

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.Ready().Wait(waitCtx)
	g.Expect(amqperr.Is(err, amqperr.KindBrokerReject)).To(gomega.BeTrue())
	g.Eventually(func() State { return r.State() }, time.Second, 2*time.Millisecond).Should(gomega.Equal(Disposed))
	g.Expect(atomic.LoadInt32(&attempts)).To(gomega.Equal(int32(1)))
}

func TestRunner_PersistentModeRedeclaresOnEveryActivation(t *testing.T) {
	g := gomega.NewWithT(t)

	chSup, conn, ch1 := newActiveChannelSupervisor(t)

	var mu sync.Mutex
	var passes int
	readyCh := make(chan struct{}, 8)

	r := New(Options{
		Channel: chSup,
		Mode:    Persistent,
		Configure: func(ctx context.Context, ops Ops) error {
			mu.Lock()
			passes++
			mu.Unlock()
			_, err := ops.QueueDeclare("q", true, false, false, nil)
			return err
		},
		OnReady: func() { readyCh <- struct{}{} },
	}, nil)
	chSup.SetHandler(r)
	chSup.Initialize()

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("first pass never completed")
	}
	g.Expect(r.State()).To(gomega.Equal(Configured))

	ch2 := transporttest.NewChannel()
	conn.EnqueueChannel(ch2, nil)
	ch1.TriggerShutdown(transport.Shutdown{Initiator: transport.InitiatorPeer})

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("persistent runner never redeclared after channel loss")
	}

	g.Eventually(func() int { mu.Lock(); defer mu.Unlock(); return passes }, time.Second, 2*time.Millisecond).Should(gomega.Equal(2))
}

func TestRunner_DisposeIgnoresFutureActivations(t *testing.T) {
	g := gomega.NewWithT(t)

	chSup, _, _ := newActiveChannelSupervisor(t)

	var calls int32
	r := New(Options{
		Channel: chSup,
		Mode:    Persistent,
		Configure: func(ctx context.Context, ops Ops) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}, nil)
	r.Dispose()
	chSup.SetHandler(r)
	chSup.Initialize()

	time.Sleep(30 * time.Millisecond)
	g.Expect(atomic.LoadInt32(&calls)).To(gomega.Equal(int32(0)))
	g.Expect(r.State()).To(gomega.Equal(Disposed))
}

func TestRunner_OnDisposeCallbackFires(t *testing.T) {
	g := gomega.NewWithT(t)

	chSup, _, _ := newActiveChannelSupervisor(t)

	disposed := make(chan struct{})
	r := New(Options{
		Channel: chSup,
		Mode:    Once,
		Configure: func(ctx context.Context, ops Ops) error {
			return nil
		},
	}, func() { close(disposed) })
	chSup.SetHandler(r)
	chSup.Initialize()

	select {
	case <-disposed:
	case <-time.After(time.Second):
		t.Fatal("onDispose never called")
	}
	g.Expect(r.State()).To(gomega.Equal(Disposed))
}
