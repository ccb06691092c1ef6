package chansup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dihedron/amqplink/internal/connsup"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/transporttest"
	"github.com/onsi/gomega"
)

// recordingHandler implements Handler and records every call for
// assertions; each OnActive bumps activeCount and stashes the model.
type recordingHandler struct {
	mu           sync.Mutex
	activeCount  int
	connectingN  int
	models       []transport.Channel
	acks         []uint64
	nacks        []uint64
	returns      []transport.Return
	activeNotify chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{activeNotify: make(chan struct{}, 16)}
}

func (h *recordingHandler) OnConnecting(ctx context.Context) {
	h.mu.Lock()
	h.connectingN++
	h.mu.Unlock()
}

func (h *recordingHandler) OnActive(ctx context.Context, model transport.Channel) {
	h.mu.Lock()
	h.activeCount++
	h.models = append(h.models, model)
	h.mu.Unlock()
	h.activeNotify <- struct{}{}
}

func (h *recordingHandler) OnBasicAck(tag uint64, multiple bool) {
	h.mu.Lock()
	h.acks = append(h.acks, tag)
	h.mu.Unlock()
}
func (h *recordingHandler) OnBasicNack(tag uint64, multiple bool, requeue bool) {
	h.mu.Lock()
	h.nacks = append(h.nacks, tag)
	h.mu.Unlock()
}
func (h *recordingHandler) OnBasicReturn(ret transport.Return) {
	h.mu.Lock()
	h.returns = append(h.returns, ret)
	h.mu.Unlock()
}

func (h *recordingHandler) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeCount
}

func newOpenConnSupervisor(t *testing.T) (*connsup.Supervisor, *transporttest.Factory, *transporttest.Conn) {
	t.Helper()
	factory := transporttest.NewFactory()
	conn := transporttest.NewConn()
	factory.Enqueue(conn, nil)

	connected := make(chan struct{}, 1)
	cs := connsup.New(connsup.Options{
		URLs:              []string{"amqp://primary/"},
		ConnectionTimeout: time.Second,
		RecoveryInterval:  10 * time.Millisecond,
		Factory:           factory,
		OnConnected:       func() { connected <- struct{}{} },
	})
	cs.Initialize()
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connection never opened")
	}
	return cs, factory, conn
}

func TestSupervisor_ReachesActiveWithModel(t *testing.T) {
	g := gomega.NewWithT(t)

	cs, _, conn := newOpenConnSupervisor(t)
	defer cs.Dispose()

	ch := transporttest.NewChannel()
	conn.EnqueueChannel(ch, nil)

	h := newRecordingHandler()
	s := New(Options{Connection: cs, RecoveryInterval: 10 * time.Millisecond, Handler: h})
	defer s.Dispose()
	s.Initialize()

	select {
	case <-h.activeNotify:
	case <-time.After(time.Second):
		t.Fatal("never reached active")
	}
	g.Eventually(func() State { return s.State() }, time.Second, 5*time.Millisecond).Should(gomega.Equal(Active))
	g.Expect(s.Generation()).To(gomega.Equal(uint64(1)))
	g.Expect(h.ActiveCount()).To(gomega.Equal(1))
}

func TestSupervisor_ModelShutdownReopensWithNewGeneration(t *testing.T) {
	g := gomega.NewWithT(t)

	cs, _, conn := newOpenConnSupervisor(t)
	defer cs.Dispose()

	ch1 := transporttest.NewChannel()
	conn.EnqueueChannel(ch1, nil)

	h := newRecordingHandler()
	s := New(Options{Connection: cs, RecoveryInterval: 5 * time.Millisecond, Handler: h})
	defer s.Dispose()
	s.Initialize()

	<-h.activeNotify
	g.Expect(s.Generation()).To(gomega.Equal(uint64(1)))

	ch2 := transporttest.NewChannel()
	conn.EnqueueChannel(ch2, nil)
	ch1.TriggerShutdown(transport.Shutdown{Initiator: transport.InitiatorPeer})

	select {
	case <-h.activeNotify:
	case <-time.After(time.Second):
		t.Fatal("never reactivated")
	}
	g.Expect(s.Generation()).To(gomega.Equal(uint64(2)))
	g.Expect(h.ActiveCount()).To(gomega.Equal(2))
}

func TestSupervisor_ForwardsAckNackReturn(t *testing.T) {
	g := gomega.NewWithT(t)

	cs, _, conn := newOpenConnSupervisor(t)
	defer cs.Dispose()

	ch := transporttest.NewChannel()
	conn.EnqueueChannel(ch, nil)

	h := newRecordingHandler()
	s := New(Options{Connection: cs, RecoveryInterval: 5 * time.Millisecond, Handler: h})
	defer s.Dispose()
	s.Initialize()
	<-h.activeNotify

	ch.TriggerConfirm(1, true)
	ch.TriggerConfirm(2, false)
	ch.TriggerReturn(transport.Return{ReplyText: "no route"})

	g.Eventually(func() []uint64 { h.mu.Lock(); defer h.mu.Unlock(); return h.acks }, time.Second, 5*time.Millisecond).Should(gomega.Equal([]uint64{1}))
	g.Eventually(func() []uint64 { h.mu.Lock(); defer h.mu.Unlock(); return h.nacks }, time.Second, 5*time.Millisecond).Should(gomega.Equal([]uint64{2}))
	g.Eventually(func() int { h.mu.Lock(); defer h.mu.Unlock(); return len(h.returns) }, time.Second, 5*time.Millisecond).Should(gomega.Equal(1))
}

func TestSupervisor_DisposeClosesModelAndStops(t *testing.T) {
	g := gomega.NewWithT(t)

	cs, _, conn := newOpenConnSupervisor(t)
	defer cs.Dispose()

	ch := transporttest.NewChannel()
	conn.EnqueueChannel(ch, nil)

	h := newRecordingHandler()
	s := New(Options{Connection: cs, RecoveryInterval: 5 * time.Millisecond, Handler: h})
	s.Initialize()
	<-h.activeNotify

	s.Dispose()
	g.Expect(s.State()).To(gomega.Equal(Disposed))
	g.Expect(ch.IsClosed()).To(gomega.BeTrue())
}

func TestInvokeAction_FailsWhenNotActive(t *testing.T) {
	g := gomega.NewWithT(t)

	cs, _, _ := newOpenConnSupervisor(t)
	defer cs.Dispose()

	h := newRecordingHandler()
	s := New(Options{Connection: cs, RecoveryInterval: 5 * time.Millisecond, Handler: h})
	defer s.Dispose()
	// Never Initialize()d: state stays Init, never Active.

	_, err := InvokeAction(s, context.Background(), func(ctx context.Context, m transport.Channel) (struct{}, error) {
		return struct{}{}, nil
	}).Wait(context.Background())
	g.Expect(err).To(gomega.HaveOccurred())
}
