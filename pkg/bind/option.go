package bind

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/yago-123/dapn/pkg/metrics"
)

const (
	DefaultRelayTimeout   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

type config struct {
	policy           AcceptPolicy
	relayTimeout     time.Duration
	requestTimeout   time.Duration
	reresolveOnError bool
	metrics          *metrics.Metrics
	logger           logr.Logger
}

type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		policy:         AcceptAll(),
		relayTimeout:   DefaultRelayTimeout,
		requestTimeout: DefaultRequestTimeout,
		logger:         logr.Discard(),
	}
}

// WithAcceptPolicy sets the policy deciding whether inbound binds are accepted
func WithAcceptPolicy(policy AcceptPolicy) Option {
	return func(cfg *config) {
		cfg.policy = policy
	}
}

// WithRelayTimeout bounds how long a relayed resolution waits for an answer. The timeout must be greater than 0
func WithRelayTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.relayTimeout = timeout
	}
}

// WithRequestTimeout bounds every direct signaling request. The timeout must be greater than 0
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.requestTimeout = timeout
	}
}

// WithReresolveOnFailure makes a failed direct bind towards a cached address fall back to relaying
func WithReresolveOnFailure(enabled bool) Option {
	return func(cfg *config) {
		cfg.reresolveOnError = enabled
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithLogger sets the logger to use for logging. The logger must implement the logr.Logger interface
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}
