package amqplink

import (
	"crypto/tls"
	"time"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/ident"
	"github.com/dihedron/amqplink/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Default tuning values, mirroring the teacher's own DefaultRetryReconnectSec
// / DefaultConnectionTimeout constants.
const (
	DefaultConnectionTimeout         = 30 * time.Second
	DefaultConnectionRecoveryInterval = 5 * time.Second
	DefaultChannelRecoveryInterval   = 2 * time.Second
	DefaultTopologyRecoveryInterval  = 5 * time.Second
	DefaultPrefetchCount             = 10
)

// Configuration is the immutable set of options a Link is built from
// (spec.md 3/6). Build it with NewConfiguration.
type Configuration struct {
	URLs              []string
	ApplicationID     string
	ConnectionName    string
	ConnectionTimeout time.Duration

	ConnectionRecoveryInterval time.Duration
	ChannelRecoveryInterval    time.Duration
	TopologyRecoveryInterval   time.Duration

	AutoStart bool

	ConfirmMode           bool
	PrefetchCount         int
	PublishConfirmTimeout time.Duration

	TLSConfig *tls.Config

	Logger             logging.Logger
	MetricsRegisterer  prometheus.Registerer
}

// Option mutates a Configuration under construction.
type Option func(*Configuration)

// WithApplicationID tags every outbound message's AppId and backs
// Delivery.IsFromThisApp.
func WithApplicationID(id string) Option {
	return func(c *Configuration) { c.ApplicationID = id }
}

// WithConnectionName sets the name the broker displays for this connection.
func WithConnectionName(name string) Option {
	return func(c *Configuration) { c.ConnectionName = name }
}

// WithAdditionalURLs appends broker URLs tried, in order, after the primary
// one passed to NewConfiguration, generalizing the teacher's Options.URLs
// failover list.
func WithAdditionalURLs(urls ...string) Option {
	return func(c *Configuration) { c.URLs = append(c.URLs, urls...) }
}

// WithConnectionTimeout overrides DefaultConnectionTimeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Configuration) { c.ConnectionTimeout = d }
}

// WithConnectionRecoveryInterval overrides DefaultConnectionRecoveryInterval.
func WithConnectionRecoveryInterval(d time.Duration) Option {
	return func(c *Configuration) { c.ConnectionRecoveryInterval = d }
}

// WithChannelRecoveryInterval overrides DefaultChannelRecoveryInterval.
func WithChannelRecoveryInterval(d time.Duration) Option {
	return func(c *Configuration) { c.ChannelRecoveryInterval = d }
}

// WithTopologyRecoveryInterval overrides DefaultTopologyRecoveryInterval.
func WithTopologyRecoveryInterval(d time.Duration) Option {
	return func(c *Configuration) { c.TopologyRecoveryInterval = d }
}

// WithAutoStart calls Initialize from New instead of requiring an explicit
// call.
func WithAutoStart() Option {
	return func(c *Configuration) { c.AutoStart = true }
}

// WithConfirmMode enables publisher confirms on every Producer built from
// this Link.
func WithConfirmMode() Option {
	return func(c *Configuration) { c.ConfirmMode = true }
}

// WithPrefetchCount overrides DefaultPrefetchCount.
func WithPrefetchCount(n int) Option {
	return func(c *Configuration) { c.PrefetchCount = n }
}

// WithPublishConfirmTimeout bounds how long a Publish promise waits for a
// broker confirm before failing with KindPublishTimeout. Zero disables the
// timeout.
func WithPublishConfirmTimeout(d time.Duration) Option {
	return func(c *Configuration) { c.PublishConfirmTimeout = d }
}

// WithTLS sets the client TLS config used for amqps:// URLs. A nil cfg uses
// the zero tls.Config, matching the teacher's UseTLS/SkipVerifyTLS knobs.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Configuration) { c.TLSConfig = cfg }
}

// WithLogger overrides the default slog-backed Logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Configuration) { c.Logger = l }
}

// WithMetricsRegisterer registers amqplink's Prometheus collectors against
// reg instead of a private, unscraped registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Configuration) { c.MetricsRegisterer = reg }
}

// NewConfiguration builds a Configuration from url plus any Options,
// filling in every default the teacher's own constants mirror.
func NewConfiguration(url string, opts ...Option) (Configuration, error) {
	if url == "" {
		return Configuration{}, amqperr.New(amqperr.KindConfigurationError, "amqplink: url is required")
	}
	c := Configuration{
		URLs:                       []string{url},
		ApplicationID:              "amqplink-" + ident.New("app"),
		ConnectionTimeout:          DefaultConnectionTimeout,
		ConnectionRecoveryInterval: DefaultConnectionRecoveryInterval,
		ChannelRecoveryInterval:    DefaultChannelRecoveryInterval,
		TopologyRecoveryInterval:   DefaultTopologyRecoveryInterval,
		PrefetchCount:              DefaultPrefetchCount,
		Logger:                     logging.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := validateConfiguration(&c); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

func validateConfiguration(c *Configuration) error {
	if len(c.URLs) == 0 || c.URLs[0] == "" {
		return amqperr.New(amqperr.KindConfigurationError, "amqplink: at least one url is required")
	}
	if c.ConnectionTimeout <= 0 {
		return amqperr.New(amqperr.KindConfigurationError, "amqplink: connection timeout must be positive")
	}
	if c.PrefetchCount < 0 {
		return amqperr.New(amqperr.KindConfigurationError, "amqplink: prefetch count must not be negative")
	}
	return nil
}
