// Package linux implements netcfg.Backend with netlink for links, addresses and routes, and
// iptables for NAT and forwarding rules
package linux

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	"github.com/go-logr/logr"

	"github.com/yago-123/dapn/pkg/netcfg"
)

const (
	DefaultMTU = 1420
)

type config struct {
	mtu    int
	logger logr.Logger
}

type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		mtu:    DefaultMTU,
		logger: logr.Discard(),
	}
}

// WithMTU sets the MTU of the created TUN interfaces
func WithMTU(mtu int) Option {
	return func(cfg *config) {
		cfg.mtu = mtu
	}
}

// WithLogger sets the logger to use for logging. The logger must implement the logr.Logger interface
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// Backend configures the host through netlink and iptables. It requires CAP_NET_ADMIN
type Backend struct {
	ipt    *iptables.IPTables
	cfg    *config
	logger logr.Logger
}

var _ netcfg.Backend = (*Backend)(nil)

func New(opts ...Option) (*Backend, error) {
	cfg := newDefaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}

	return &Backend{
		ipt:    ipt,
		cfg:    cfg,
		logger: cfg.logger,
	}, nil
}
