package connsup

import (
	"context"
	"testing"
	"time"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/transporttest"
	"github.com/onsi/gomega"
)

func newTestSupervisor(factory *transporttest.Factory, onConnected func(), onDisconnected func(transport.Initiator, int, string)) *Supervisor {
	return New(Options{
		URLs:              []string{"amqp://primary/"},
		ConnectionTimeout: time.Second,
		RecoveryInterval:  10 * time.Millisecond,
		Factory:           factory,
		OnConnected:       onConnected,
		OnDisconnected:    onDisconnected,
	})
}

func TestSupervisor_InitializeReachesOpen(t *testing.T) {
	g := gomega.NewWithT(t)

	factory := transporttest.NewFactory()
	conn := transporttest.NewConn()
	factory.Enqueue(conn, nil)

	connected := make(chan struct{}, 1)
	s := newTestSupervisor(factory, func() { connected <- struct{}{} }, nil)
	defer s.Dispose()

	s.Initialize()
	s.Initialize() // idempotent

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("never connected")
	}
	g.Expect(s.State()).To(gomega.Equal(Open))
	g.Expect(s.Generation()).To(gomega.Equal(uint64(1)))
}

func TestSupervisor_CreateModelFailsWhenNotConnected(t *testing.T) {
	g := gomega.NewWithT(t)

	factory := transporttest.NewFactory()
	s := newTestSupervisor(factory, nil, nil)
	defer s.Dispose()

	_, err := s.CreateModel(context.Background()).Wait(context.Background())
	g.Expect(amqperr.Is(err, amqperr.KindNotConnected)).To(gomega.BeTrue())
}

func TestSupervisor_CreateModelSucceedsWhenOpen(t *testing.T) {
	g := gomega.NewWithT(t)

	factory := transporttest.NewFactory()
	conn := transporttest.NewConn()
	ch := transporttest.NewChannel()
	conn.EnqueueChannel(ch, nil)
	factory.Enqueue(conn, nil)

	connected := make(chan struct{}, 1)
	s := newTestSupervisor(factory, func() { connected <- struct{}{} }, nil)
	defer s.Dispose()
	s.Initialize()
	<-connected

	got, err := s.CreateModel(context.Background()).Wait(context.Background())
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(got).To(gomega.Equal(ch))
}

func TestSupervisor_PeerShutdownReconnects(t *testing.T) {
	g := gomega.NewWithT(t)

	factory := transporttest.NewFactory()
	conn1 := transporttest.NewConn()
	factory.Enqueue(conn1, nil)

	connected := make(chan struct{}, 4)
	var lastInitiator transport.Initiator
	disconnected := make(chan struct{}, 4)
	s := newTestSupervisor(factory,
		func() { connected <- struct{}{} },
		func(initiator transport.Initiator, code int, reason string) {
			lastInitiator = initiator
			disconnected <- struct{}{}
		},
	)
	defer s.Dispose()
	s.Initialize()
	<-connected

	conn2 := transporttest.NewConn()
	factory.Enqueue(conn2, nil)
	conn1.TriggerShutdown(transport.Shutdown{Initiator: transport.InitiatorPeer, Code: 320, Reason: "broker restart"})

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("never disconnected")
	}
	g.Expect(lastInitiator).To(gomega.Equal(transport.InitiatorPeer))

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("never reconnected")
	}
	g.Expect(s.Generation()).To(gomega.Equal(uint64(2)))
}

func TestSupervisor_ApplicationShutdownDoesNotReconnect(t *testing.T) {
	g := gomega.NewWithT(t)

	factory := transporttest.NewFactory()
	conn := transporttest.NewConn()
	factory.Enqueue(conn, nil)

	connected := make(chan struct{}, 1)
	s := newTestSupervisor(factory, func() { connected <- struct{}{} }, nil)
	defer s.Dispose()
	s.Initialize()
	<-connected

	conn.TriggerShutdown(transport.Shutdown{Initiator: transport.InitiatorApplication})
	time.Sleep(50 * time.Millisecond)
	g.Expect(factory.DialCount()).To(gomega.Equal(int32(1)))
}

func TestSupervisor_DisposeIsTerminal(t *testing.T) {
	g := gomega.NewWithT(t)

	factory := transporttest.NewFactory()
	conn := transporttest.NewConn()
	factory.Enqueue(conn, nil)

	connected := make(chan struct{}, 1)
	disposed := make(chan struct{})
	s := New(Options{
		URLs:              []string{"amqp://primary/"},
		ConnectionTimeout: time.Second,
		RecoveryInterval:  10 * time.Millisecond,
		Factory:           factory,
		OnConnected:       func() { connected <- struct{}{} },
		OnDisposed:        func() { close(disposed) },
	})
	s.Initialize()
	<-connected

	s.Dispose()
	select {
	case <-disposed:
	case <-time.After(time.Second):
		t.Fatal("never disposed")
	}
	g.Expect(s.State()).To(gomega.Equal(Disposed))
	g.Expect(conn.CloseCount()).To(gomega.Equal(int32(1)))

	// Dispose is idempotent and a second call must not re-fire events or panic.
	s.Dispose()
}
