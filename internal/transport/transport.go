// Package transport declares the external collaborator spec.md 1/6 calls
// "Transport": a Connection factory and, per connection, a Channel exposing
// the AMQP method-call RPCs and asynchronous shutdown/confirm/return events
// the core's supervisors consume. The wire codec and framing themselves are
// explicitly out of scope (spec.md 1); amqp091 provides the only concrete
// implementation of these interfaces amqplink ships.
package transport

import (
	"context"
	"time"
)

// Initiator classifies who triggered a shutdown, mapped from the
// transport's own shutdown codes (spec.md 4.4).
type Initiator int

const (
	InitiatorUnknown Initiator = iota
	// InitiatorApplication: the application itself asked to close.
	InitiatorApplication
	// InitiatorLibrary: a local/library-detected fault.
	InitiatorLibrary
	// InitiatorPeer: the broker closed the connection/channel.
	InitiatorPeer
)

func (i Initiator) String() string {
	switch i {
	case InitiatorApplication:
		return "application"
	case InitiatorLibrary:
		return "library"
	case InitiatorPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Shutdown is delivered once on the channel a Connection or Channel's
// NotifyShutdown returns.
type Shutdown struct {
	Initiator Initiator
	Code      int
	Reason    string
}

// Endpoint names the remote broker a Connection is talking to.
type Endpoint struct {
	Host string
	Port int
}

// ConnectionFactory opens new broker connections.
type ConnectionFactory interface {
	// Open dials url, failing if it cannot establish a connection within
	// timeout or before ctx is done.
	Open(ctx context.Context, url string, timeout time.Duration) (Connection, error)
}

// Connection is a single live AMQP connection.
type Connection interface {
	IsOpen() bool
	LocalPort() int
	Endpoint() Endpoint

	// CreateModel opens a fresh Channel (AMQP "model") on this connection.
	CreateModel() (Channel, error)

	NotifyShutdown() <-chan Shutdown
	NotifyBlocked() <-chan string
	NotifyUnblocked() <-chan struct{}
	NotifyCallbackException() <-chan error

	Close() error
}

// Publishing is an outbound message, matching spec.md 3's "outbound
// message" properties.
type Publishing struct {
	ContentType   string
	DeliveryMode  uint8
	MessageID     string
	AppID         string
	CorrelationID string
	ReplyTo       string
	Expiration    string
	Timestamp     time.Time
	Headers       map[string]any
	Body          []byte
}

// Delivery is an inbound message, matching spec.md 3's "Delivery" record
// minus the channel generation tag, which the consumer core attaches.
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

// Confirmation merges BasicAck/BasicNack into one event shape; Ack
// distinguishes which one fired.
type Confirmation struct {
	Tag      uint64
	Multiple bool
	Ack      bool
}

// Return is a BasicReturn: a mandatory publish the broker could not route.
type Return struct {
	ReplyCode  int
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Publishing
	Body       []byte
}

// Channel is a single AMQP channel/model. Every method maps to a single
// synchronous RPC. Declarative RPCs, Qos, Consume and acks are invoked
// serially through the ChannelSupervisor's action loop; ProducerCore calls
// EnableConfirmMode from OnActive and Publish from its single pump
// goroutine.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete bool) error
	ExchangeDeclarePassive(name string) error
	ExchangeDelete(name string) error

	QueueDeclare(name string, durable, exclusive, autoDelete bool, args map[string]any) (string, error)
	QueueDeclarePassive(name string) (string, error)
	QueueDelete(name string) (int, error)
	QueuePurge(name string) (int, error)

	QueueBind(queue, exchange, routingKey string, args map[string]any) error
	QueueUnbind(queue, exchange, routingKey string, args map[string]any) error

	Qos(prefetchCount int) error
	EnableConfirmMode() error

	Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg Publishing) (deliveryTag uint64, err error)
	Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan Delivery, error)

	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error

	NotifyShutdown() <-chan Shutdown
	NotifyPublish() <-chan Confirmation
	NotifyReturn() <-chan Return
	NotifyCallbackException() <-chan error

	Close() error
}
