package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/yago-123/dapn/pkg/directory"
	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/metrics"
	"github.com/yago-123/dapn/pkg/netcfg"
	"github.com/yago-123/dapn/pkg/peer"
)

const (
	defaultRollbackTimeout = 10 * time.Second
)

type config struct {
	subnet          netip.Prefix
	rollbackTimeout time.Duration
	metrics         *metrics.Metrics
	logger          logr.Logger
}

type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		rollbackTimeout: defaultRollbackTimeout,
		logger:          logr.Discard(),
	}
}

// WithSubnet allocates tunnel addresses from subnet instead of the subnet of the uplink interface
func WithSubnet(subnet netip.Prefix) Option {
	return func(cfg *config) {
		cfg.subnet = subnet
	}
}

// WithRollbackTimeout bounds the cleanup performed after a failed establishment
func WithRollbackTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.rollbackTimeout = timeout
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

// Engine turns accepted binds into TUN interfaces with NAT and port forwarding. Every mutation of
// network state, including address allocation, happens under a single lock
type Engine struct {
	backend netcfg.Backend
	dir     *directory.Directory
	uplink  string

	mu      sync.Mutex
	exposed map[uint16]struct{}

	cfg    *config
	logger logr.Logger
}

// New creates an engine. uplink is the interface whose subnet tunnel addresses are allocated from
func New(backend netcfg.Backend, dir *directory.Directory, uplink string, opts ...Option) *Engine {
	cfg := newDefaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	return &Engine{
		backend: backend,
		dir:     dir,
		uplink:  uplink,
		exposed: make(map[uint16]struct{}),
		cfg:     cfg,
		logger:  cfg.logger,
	}
}

// Establish provisions the tunnel towards remote and records the bound peer. When local is the
// zero address the first free address is allocated. Any failure rolls back every step taken
func (e *Engine) Establish(ctx context.Context, id peer.Identity, remote peer.Address, local netip.Addr) (*peer.BoundPeer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dir.IsBound(id) {
		return nil, dapnerr.ErrAlreadyBound
	}

	if !remote.Addr().Is4() {
		return nil, dapnerr.Wrap(dapnerr.ErrIfaceProvisioning, fmt.Errorf("remote address %s is not IPv4", remote))
	}

	if local.IsValid() {
		if owner, inUse := e.localAddressOwner(local); inUse {
			return nil, dapnerr.Wrap(dapnerr.ErrIfaceProvisioning, fmt.Errorf("address %s already assigned to %s", local, owner))
		}
	} else {
		allocated, err := e.allocate(ctx)
		if err != nil {
			return nil, err
		}
		local = allocated
	}

	iface := IfaceName(id)
	ports := e.exposedPorts()

	e.logger.Info("Establishing tunnel", "peer", id, "iface", iface, "local", local, "remote", remote)

	created, err := e.provision(ctx, iface, local, remote, ports)
	if err != nil {
		e.rollback(ctx, iface, created)
		e.cfg.metrics.ObserveProvisioningFailure()
		return nil, dapnerr.Wrap(dapnerr.ErrIfaceProvisioning, err)
	}

	bp := peer.BoundPeer{
		Identity:     id,
		Address:      remote,
		LocalAddress: local,
		Tunnel: peer.Handle{
			Iface: iface,
			Ports: ports,
		},
	}

	if errPut := e.dir.PutBound(bp); errPut != nil {
		e.logger.Error(errPut, "failed to persist bound peer address", "peer", id)
	}
	e.cfg.metrics.SetBoundPeers(len(e.dir.BoundPeers()))

	e.logger.Info("Tunnel established", "peer", id, "iface", iface, "ports", ports)
	return &bp, nil
}

// provision runs the backend steps in order and reports whether the interface was created so that
// rollback never deletes an interface it does not own
func (e *Engine) provision(ctx context.Context, iface string, local netip.Addr, remote peer.Address, ports []uint16) (bool, error) {
	if err := e.backend.CreateLink(ctx, iface); err != nil {
		return false, fmt.Errorf("create interface %s: %w", iface, err)
	}

	if err := e.backend.AddAddress(ctx, iface, netip.PrefixFrom(local, local.BitLen())); err != nil {
		return true, fmt.Errorf("assign address %s: %w", local, err)
	}

	if err := e.backend.SetLinkUp(ctx, iface); err != nil {
		return true, fmt.Errorf("bring up %s: %w", iface, err)
	}

	if err := e.backend.AddRoute(ctx, iface, netip.PrefixFrom(remote.Addr(), remote.Addr().BitLen())); err != nil {
		return true, fmt.Errorf("route %s via %s: %w", remote.Addr(), iface, err)
	}

	for _, rule := range netcfg.BaseRules(iface) {
		if err := e.backend.AppendRule(ctx, rule); err != nil {
			return true, fmt.Errorf("install %s: %w", rule, err)
		}
	}

	for _, port := range ports {
		rule := netcfg.DNATRule(iface, port, remote)
		if err := e.backend.AppendRule(ctx, rule); err != nil {
			return true, fmt.Errorf("install %s: %w", rule, err)
		}
	}

	// cancellation after the last step still counts as an abandoned attempt
	if err := ctx.Err(); err != nil {
		return true, err
	}

	return true, nil
}

// rollback removes whatever provision left behind. It runs detached from ctx so that a cancelled
// attempt is still cleaned up. Nothing is installed before the interface is created, so an
// interface that was not created by this attempt is left alone
func (e *Engine) rollback(ctx context.Context, iface string, created bool) {
	if !created {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.rollbackTimeout)
	defer cancel()

	if err := e.backend.FlushRules(cleanupCtx, iface); err != nil {
		e.logger.Error(err, "rollback: failed to flush rules", "iface", iface)
	}

	if err := e.backend.DeleteLink(cleanupCtx, iface); err != nil {
		e.logger.Error(err, "rollback: failed to delete interface", "iface", iface)
	}
}

// Teardown removes the rules and the interface of a bound peer. Tearing down a peer that is not
// bound is a no-op
func (e *Engine) Teardown(ctx context.Context, id peer.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	bp, ok := e.dir.Bound(id)
	if !ok {
		return nil
	}

	iface := bp.Tunnel.Iface
	e.logger.Info("Tearing down tunnel", "peer", id, "iface", iface)

	var errs []error
	if err := e.backend.FlushRules(ctx, iface); err != nil {
		errs = append(errs, fmt.Errorf("flush rules of %s: %w", iface, err))
	}

	// deleting the interface drops its address and route as well
	if err := e.backend.DeleteLink(ctx, iface); err != nil {
		errs = append(errs, fmt.Errorf("delete interface %s: %w", iface, err))
	}

	if len(errs) > 0 {
		// keep the record so that the teardown can be retried
		return dapnerr.Wrap(dapnerr.ErrIfaceTeardown, errors.Join(errs...))
	}

	e.dir.RemoveBound(id)
	e.cfg.metrics.SetBoundPeers(len(e.dir.BoundPeers()))
	return nil
}

func (e *Engine) localAddressOwner(addr netip.Addr) (peer.Identity, bool) {
	for _, bp := range e.dir.BoundPeers() {
		if bp.LocalAddress == addr {
			return bp.Identity, true
		}
	}
	return "", false
}

// exposedPorts returns the sorted exposed ports. The caller must hold e.mu
func (e *Engine) exposedPorts() []uint16 {
	ports := make([]uint16, 0, len(e.exposed))
	for p := range e.exposed {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}
