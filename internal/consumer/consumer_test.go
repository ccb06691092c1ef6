package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/dihedron/amqplink/internal/chansup"
	"github.com/dihedron/amqplink/internal/connsup"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/transporttest"
	"github.com/onsi/gomega"
)

func declareFixedQueue(name string) DeclareFunc {
	return func(ctx context.Context, ops Ops) (string, error) {
		return ops.QueueDeclare(name, true, false, false, nil)
	}
}

func newActiveConsumerChannel(t *testing.T, opts Options) (*chansup.Supervisor, *Core, *transporttest.Conn, *transporttest.Channel) {
	t.Helper()
	g := gomega.NewWithT(t)

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
	if opts.Declare == nil {
		opts.Declare = declareFixedQueue("q")
	}
	opts.Channel = chSup
	core := New(opts)
	chSup.SetHandler(core)
	chSup.Initialize()
	t.Cleanup(chSup.Dispose)

	g.Eventually(func() chansup.State { return chSup.State() }, time.Second, 2*time.Millisecond).Should(gomega.Equal(chansup.Active))
	g.Eventually(func() int { ch_ := ch; return len(ch_.Bound) + 1 }, time.Second, 2*time.Millisecond).Should(gomega.BeNumerically(">=", 1))

	return chSup, core, conn, ch
}

func TestConsumer_AckedAfterHandlerResolves(t *testing.T) {
	g := gomega.NewWithT(t)

	var gotBody []byte
	_, _, _, ch := newActiveConsumerChannel(t, Options{
		Handler: func(ctx context.Context, d transport.Delivery) Result {
			gotBody = d.Body
			return Result{Outcome: Ack}
		},
	})

	ch.Deliver(transport.Delivery{DeliveryTag: 1, Body: []byte("hello")})

	g.Eventually(func() []uint64 { ch_ := ch; return ch_.Acked }, time.Second, 2*time.Millisecond).Should(gomega.Equal([]uint64{1}))
	g.Expect(gotBody).To(gomega.Equal([]byte("hello")))
}

func TestConsumer_NackRequeueForwarded(t *testing.T) {
	g := gomega.NewWithT(t)

	_, _, _, ch := newActiveConsumerChannel(t, Options{
		Handler: func(ctx context.Context, d transport.Delivery) Result {
			return Result{Outcome: Nack, Requeue: true}
		},
	})

	ch.Deliver(transport.Delivery{DeliveryTag: 7})
	g.Eventually(func() []uint64 { return ch.Nacked }, time.Second, 2*time.Millisecond).Should(gomega.Equal([]uint64{7}))
}

func TestConsumer_PanicTreatedAsNackRequeue(t *testing.T) {
	g := gomega.NewWithT(t)

	_, _, _, ch := newActiveConsumerChannel(t, Options{
		RequeueOnHandlerError: true,
		Handler: func(ctx context.Context, d transport.Delivery) Result {
			panic("boom")
		},
	})

	ch.Deliver(transport.Delivery{DeliveryTag: 3})
	g.Eventually(func() []uint64 { return ch.Nacked }, time.Second, 2*time.Millisecond).Should(gomega.Equal([]uint64{3}))
}

func TestConsumer_DropsAckFromStaleGeneration(t *testing.T) {
	g := gomega.NewWithT(t)

	gate := make(chan struct{})
	_, core, conn, ch1 := newActiveConsumerChannel(t, Options{
		Handler: func(ctx context.Context, d transport.Delivery) Result {
			<-gate
			return Result{Outcome: Ack}
		},
	})

	ch1.Deliver(transport.Delivery{DeliveryTag: 1})
	time.Sleep(20 * time.Millisecond) // let the handler-invoker pick it up and block on gate

	ch2 := transporttest.NewChannel()
	conn.EnqueueChannel(ch2, nil)
	ch1.TriggerShutdown(transport.Shutdown{Initiator: transport.InitiatorPeer})

	g.Eventually(func() int { return len(ch2.Bound) }, time.Second, 2*time.Millisecond).Should(gomega.BeNumerically(">=", 0))
	close(gate)

	time.Sleep(30 * time.Millisecond)
	g.Expect(ch1.Acked).To(gomega.BeEmpty())
	g.Expect(ch2.Acked).To(gomega.BeEmpty())
	_ = core
}

func TestConsumer_AutoAckAcksImmediatelyOnDispatch(t *testing.T) {
	g := gomega.NewWithT(t)

	handled := make(chan struct{}, 1)
	_, _, _, ch := newActiveConsumerChannel(t, Options{
		AutoAck: true,
		Handler: func(ctx context.Context, d transport.Delivery) Result {
			handled <- struct{}{}
			return Result{Outcome: Ack}
		},
	})

	ch.Deliver(transport.Delivery{DeliveryTag: 9})
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
	// AutoAck mode never calls the broker Ack RPC itself; the broker
	// considers the message settled on delivery.
	g.Expect(ch.Acked).To(gomega.BeEmpty())
}
