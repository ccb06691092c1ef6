// Package metrics wires amqplink's connection/channel/producer/consumer
// lifecycle into Prometheus, grounded on architeacher-svc-web-analyzer's use
// of github.com/prometheus/client_golang. Registration is optional: a nil
// *Collector discards everything, so the core never requires a metrics
// backend.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector groups every gauge/counter amqplink reports.
type Collector struct {
	ConnectionState  *prometheus.GaugeVec
	ConnectionRetries prometheus.Counter
	ChannelState     *prometheus.GaugeVec
	ChannelGeneration prometheus.Gauge
	PublishConfirmed prometheus.Counter
	PublishNacked    prometheus.Counter
	PublishReturned  prometheus.Counter
	PublishTimedOut  prometheus.Counter
	ConsumerDelivered prometheus.Counter
	ConsumerAcked    prometheus.Counter
	ConsumerNacked   prometheus.Counter
}

// New builds a Collector with metrics named amqplink_*, registered against
// reg. If reg is nil, prometheus.NewRegistry() is used internally and
// metrics are simply never scraped — construction still succeeds so callers
// that don't care about metrics don't need to special-case anything.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amqplink_connection_state",
			Help: "Current ConnectionSupervisor state, one gauge per state name set to 1.",
		}, []string{"state"}),
		ConnectionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_connection_retries_total",
			Help: "Number of reconnect attempts made.",
		}),
		ChannelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amqplink_channel_state",
			Help: "Current ChannelSupervisor state, one gauge per state name set to 1.",
		}, []string{"state"}),
		ChannelGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amqplink_channel_generation",
			Help: "Monotonically increasing channel generation counter.",
		}),
		PublishConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_publish_confirmed_total",
			Help: "Messages acked by the broker.",
		}),
		PublishNacked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_publish_nacked_total",
			Help: "Messages nacked by the broker.",
		}),
		PublishReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_publish_returned_total",
			Help: "Mandatory messages returned as unroutable.",
		}),
		PublishTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_publish_timeout_total",
			Help: "Publishes that exceeded PublishConfirmTimeout.",
		}),
		ConsumerDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_consumer_delivered_total",
			Help: "Deliveries handed to the user handler.",
		}),
		ConsumerAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_consumer_acked_total",
			Help: "Deliveries acked back to the broker.",
		}),
		ConsumerNacked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqplink_consumer_nacked_total",
			Help: "Deliveries nacked/rejected back to the broker.",
		}),
	}

	for _, coll := range []prometheus.Collector{
		c.ConnectionState, c.ConnectionRetries, c.ChannelState, c.ChannelGeneration,
		c.PublishConfirmed, c.PublishNacked, c.PublishReturned, c.PublishTimedOut,
		c.ConsumerDelivered, c.ConsumerAcked, c.ConsumerNacked,
	} {
		_ = reg.Register(coll) // duplicate registration is not fatal for an optional sink
	}

	return c
}

// SetConnectionState zeroes every known state gauge then sets state to 1,
// so exactly one state reads "active" at a time.
func (c *Collector) SetConnectionState(all []string, state string) {
	if c == nil {
		return
	}
	for _, s := range all {
		c.ConnectionState.WithLabelValues(s).Set(0)
	}
	c.ConnectionState.WithLabelValues(state).Set(1)
}

// SetChannelState mirrors SetConnectionState for channel states.
func (c *Collector) SetChannelState(all []string, state string) {
	if c == nil {
		return
	}
	for _, s := range all {
		c.ChannelState.WithLabelValues(s).Set(0)
	}
	c.ChannelState.WithLabelValues(state).Set(1)
}

func (c *Collector) IncConnectionRetries() {
	if c == nil {
		return
	}
	c.ConnectionRetries.Inc()
}

func (c *Collector) SetChannelGeneration(gen uint64) {
	if c == nil {
		return
	}
	c.ChannelGeneration.Set(float64(gen))
}

func (c *Collector) IncPublishConfirmed() {
	if c == nil {
		return
	}
	c.PublishConfirmed.Inc()
}

func (c *Collector) IncPublishNacked() {
	if c == nil {
		return
	}
	c.PublishNacked.Inc()
}

func (c *Collector) IncPublishReturned() {
	if c == nil {
		return
	}
	c.PublishReturned.Inc()
}

func (c *Collector) IncPublishTimedOut() {
	if c == nil {
		return
	}
	c.PublishTimedOut.Inc()
}

func (c *Collector) IncConsumerDelivered() {
	if c == nil {
		return
	}
	c.ConsumerDelivered.Inc()
}

func (c *Collector) IncConsumerAcked() {
	if c == nil {
		return
	}
	c.ConsumerAcked.Inc()
}

func (c *Collector) IncConsumerNacked() {
	if c == nil {
		return
	}
	c.ConsumerNacked.Inc()
}
