// Package amqp091 adapts github.com/rabbitmq/amqp091-go — the wire codec
// the whole retrieved pack converges on, and the teacher's own dependency —
// to the transport.ConnectionFactory/Connection/Channel interfaces the core
// consumes. It is the only package in amqplink that imports amqp091-go
// directly.
package amqp091

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dihedron/amqplink/internal/transport"
)

// Factory dials real AMQP brokers via amqp091-go.
type Factory struct {
	// TLSConfig is used when the URL scheme is amqps://. A nil value uses
	// the zero tls.Config (no client certs, full verification), matching
	// the teacher's UseTLS/SkipVerifyTLS knobs folded into Configuration by
	// the caller before the URL/TLS config reach here.
	TLSConfig *tls.Config
}

func (f *Factory) Open(ctx context.Context, url string, timeout time.Duration) (transport.Connection, error) {
	cfg := amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Heartbeating hasn't started yet; don't stall forever on a
			// dead server during the AMQP handshake (same rationale as
			// the teacher's custom Dial func in rabbit.go).
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}
	if f.TLSConfig != nil {
		cfg.TLSClientConfig = f.TLSConfig
	}

	ac, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "amqp091: dial failed")
	}

	c := &conn{ac: ac}
	c.wireEvents()
	return c, nil
}

type conn struct {
	ac *amqp.Connection

	shutdown chan transport.Shutdown
	blocked  chan string
	unblocked chan struct{}
	cbErr    chan error
}

func (c *conn) wireEvents() {
	c.shutdown = make(chan transport.Shutdown, 1)
	c.blocked = make(chan string, 8)
	c.unblocked = make(chan struct{}, 8)
	c.cbErr = make(chan error, 8)

	closeCh := make(chan *amqp.Error, 1)
	c.ac.NotifyClose(closeCh)

	blockedCh := make(chan amqp.Blocking, 8)
	c.ac.NotifyBlocked(blockedCh)

	go func() {
		amqpErr, ok := <-closeCh
		if !ok {
			return
		}
		c.shutdown <- translateShutdown(amqpErr)
		close(c.shutdown)
	}()

	go func() {
		for b := range blockedCh {
			if b.Active {
				c.blocked <- b.Reason
			} else {
				c.unblocked <- struct{}{}
			}
		}
	}()
}

// translateShutdown maps amqp091-go's *amqp.Error (nil meaning an
// application-initiated, graceful close) to the spec's Initiator taxonomy.
func translateShutdown(e *amqp.Error) transport.Shutdown {
	if e == nil {
		return transport.Shutdown{Initiator: transport.InitiatorApplication}
	}
	initiator := transport.InitiatorPeer
	if !e.Server {
		initiator = transport.InitiatorLibrary
	}
	return transport.Shutdown{Initiator: initiator, Code: e.Code, Reason: e.Reason}
}

func (c *conn) IsOpen() bool { return !c.ac.IsClosed() }

func (c *conn) LocalPort() int {
	addr, ok := c.ac.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

func (c *conn) Endpoint() transport.Endpoint {
	addr, ok := c.ac.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return transport.Endpoint{}
	}
	return transport.Endpoint{Host: addr.IP.String(), Port: addr.Port}
}

func (c *conn) CreateModel() (transport.Channel, error) {
	ch, err := c.ac.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "amqp091: channel open failed")
	}
	m := &model{ch: ch}
	m.wireEvents()
	return m, nil
}

func (c *conn) NotifyShutdown() <-chan transport.Shutdown   { return c.shutdown }
func (c *conn) NotifyBlocked() <-chan string                { return c.blocked }
func (c *conn) NotifyUnblocked() <-chan struct{}            { return c.unblocked }
func (c *conn) NotifyCallbackException() <-chan error       { return c.cbErr }
func (c *conn) Close() error                                { return c.ac.Close() }

// model adapts *amqp.Channel to transport.Channel, tracking the publisher
// confirm delivery-tag sequence amqp091-go leaves implicit (tags are
// sequential starting at 1 for the life of the channel).
type model struct {
	ch *amqp.Channel

	confirmOnce sync.Once
	confirmErr  error
	nextTag     uint64

	shutdown chan transport.Shutdown
	publish  chan transport.Confirmation
	ret      chan transport.Return
	cbErr    chan error
}

func (m *model) wireEvents() {
	m.shutdown = make(chan transport.Shutdown, 1)
	m.publish = make(chan transport.Confirmation, 256)
	m.ret = make(chan transport.Return, 64)
	m.cbErr = make(chan error, 8)

	closeCh := make(chan *amqp.Error, 1)
	m.ch.NotifyClose(closeCh)

	returnCh := make(chan amqp.Return, 64)
	m.ch.NotifyReturn(returnCh)

	go func() {
		amqpErr, ok := <-closeCh
		if !ok {
			return
		}
		m.shutdown <- translateShutdown(amqpErr)
		close(m.shutdown)
	}()

	go func() {
		for r := range returnCh {
			m.ret <- transport.Return{
				ReplyCode:  int(r.ReplyCode),
				ReplyText:  r.ReplyText,
				Exchange:   r.Exchange,
				RoutingKey: r.RoutingKey,
				Properties: transport.Publishing{
					ContentType:   r.ContentType,
					DeliveryMode:  r.DeliveryMode,
					MessageID:     r.MessageId,
					AppID:         r.AppId,
					CorrelationID: r.CorrelationId,
					ReplyTo:       r.ReplyTo,
					Expiration:    r.Expiration,
					Timestamp:     r.Timestamp,
				},
				Body: r.Body,
			}
		}
	}()
}

func (m *model) EnableConfirmMode() error {
	m.confirmOnce.Do(func() {
		m.confirmErr = m.ch.Confirm(false)
		if m.confirmErr == nil {
			confirmCh := make(chan amqp.Confirmation, 256)
			m.ch.NotifyPublish(confirmCh)
			go func() {
				for conf := range confirmCh {
					m.publish <- transport.Confirmation{Tag: conf.DeliveryTag, Ack: conf.Ack}
				}
			}()
		}
	})
	return m.confirmErr
}

func toAMQPTable(h map[string]any) amqp.Table {
	if h == nil {
		return nil
	}
	return amqp.Table(h)
}

func (m *model) ExchangeDeclare(name, kind string, durable, autoDelete bool) error {
	return m.ch.ExchangeDeclare(name, kind, durable, autoDelete, false, false, nil)
}

func (m *model) ExchangeDeclarePassive(name string) error {
	// kind is irrelevant for a passive declare; the broker only checks
	// existence, but amqp091-go's signature still takes one.
	return m.ch.ExchangeDeclarePassive(name, "direct", false, false, false, false, nil)
}

func (m *model) ExchangeDelete(name string) error {
	return m.ch.ExchangeDelete(name, false, false)
}

func (m *model) QueueDeclare(name string, durable, exclusive, autoDelete bool, args map[string]any) (string, error) {
	q, err := m.ch.QueueDeclare(name, durable, autoDelete, exclusive, false, toAMQPTable(args))
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (m *model) QueueDeclarePassive(name string) (string, error) {
	q, err := m.ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (m *model) QueueDelete(name string) (int, error) {
	n, err := m.ch.QueueDelete(name, false, false, false)
	return n, err
}

func (m *model) QueuePurge(name string) (int, error) {
	return m.ch.QueuePurge(name, false)
}

func (m *model) QueueBind(queue, exchange, routingKey string, args map[string]any) error {
	return m.ch.QueueBind(queue, routingKey, exchange, false, toAMQPTable(args))
}

func (m *model) QueueUnbind(queue, exchange, routingKey string, args map[string]any) error {
	return m.ch.QueueUnbind(queue, routingKey, exchange, toAMQPTable(args))
}

func (m *model) Qos(prefetchCount int) error {
	return m.ch.Qos(prefetchCount, 0, false)
}

func (m *model) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg transport.Publishing) (uint64, error) {
	pub := amqp.Publishing{
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		MessageId:     msg.MessageID,
		AppId:         msg.AppID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Expiration:    msg.Expiration,
		Timestamp:     msg.Timestamp,
		Headers:       toAMQPTable(msg.Headers),
		Body:          msg.Body,
	}
	tag := atomic.AddUint64(&m.nextTag, 1)
	if err := m.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, pub); err != nil {
		return 0, err
	}
	return tag, nil
}

func (m *model) Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan transport.Delivery, error) {
	deliveries, err := m.ch.Consume(queue, consumerTag, autoAck, exclusive, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan transport.Delivery, 64)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- transport.Delivery{
				DeliveryTag: d.DeliveryTag,
				Redelivered: d.Redelivered,
				Exchange:    d.Exchange,
				RoutingKey:  d.RoutingKey,
				ConsumerTag: d.ConsumerTag,
				AppID:       d.AppId,
				MessageID:   d.MessageId,
				Headers:     map[string]any(d.Headers),
				Body:        d.Body,
			}
		}
	}()
	return out, nil
}

func (m *model) Ack(tag uint64, multiple bool) error        { return m.ch.Ack(tag, multiple) }
func (m *model) Nack(tag uint64, multiple, requeue bool) error { return m.ch.Nack(tag, multiple, requeue) }
func (m *model) Reject(tag uint64, requeue bool) error       { return m.ch.Reject(tag, requeue) }

func (m *model) NotifyShutdown() <-chan transport.Shutdown { return m.shutdown }
func (m *model) NotifyPublish() <-chan transport.Confirmation { return m.publish }
func (m *model) NotifyReturn() <-chan transport.Return     { return m.ret }
func (m *model) NotifyCallbackException() <-chan error     { return m.cbErr }

func (m *model) Close() error { return m.ch.Close() }
