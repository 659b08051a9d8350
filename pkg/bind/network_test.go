package bind

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/yago-123/dapn/pkg/directory"
	"github.com/yago-123/dapn/pkg/metrics"
	"github.com/yago-123/dapn/pkg/netcfg/fake"
	"github.com/yago-123/dapn/pkg/peer"
	"github.com/yago-123/dapn/pkg/tunnel"
)

const testRelayTimeout = 200 * time.Millisecond

var errUnreachable = errors.New("unreachable")

// network delivers signaling messages between in-process binders
type network struct {
	mu      sync.RWMutex
	nodes   map[peer.Address]*Binder
	blocked map[peer.Address]bool

	// afterBind runs once a direct bind has been answered, before the answer is delivered
	afterBind func(to peer.Address)
}

var _ Transport = (*network)(nil)

func newNetwork() *network {
	return &network{
		nodes:   make(map[peer.Address]*Binder),
		blocked: make(map[peer.Address]bool),
	}
}

// block makes every request to addr hang until the caller gives up
func (n *network) block(addr peer.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[addr] = true
}

func (n *network) lookup(ctx context.Context, to peer.Address) (*Binder, error) {
	n.mu.RLock()
	b, ok := n.nodes[to]
	blocked := n.blocked[to]
	n.mu.RUnlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", to, errUnreachable)
	}
	return b, nil
}

func (n *network) RequestBind(ctx context.Context, to peer.Address, origin Origin, target peer.Identity) (peer.Address, bool, error) {
	b, err := n.lookup(ctx, to)
	if err != nil {
		return peer.Address{}, false, err
	}
	addr, ok := b.HandleRequestBind(ctx, origin, target)
	return addr, ok, nil
}

func (n *network) Bind(ctx context.Context, to peer.Address, origin Origin) (peer.Address, error) {
	b, err := n.lookup(ctx, to)
	if err != nil {
		return peer.Address{}, err
	}

	addr, err := b.HandleBind(ctx, origin)
	if n.afterBind != nil {
		n.afterBind(to)
	}
	return addr, err
}

func (n *network) Unbind(ctx context.Context, to peer.Address, origin Origin) error {
	b, err := n.lookup(ctx, to)
	if err != nil {
		return err
	}
	return b.HandleUnbind(ctx, origin)
}

// node bundles a binder with the state it runs on
type node struct {
	*Binder
	addr    peer.Address
	backend *fake.Backend
	dir     *directory.Directory
	engine  *tunnel.Engine
	reg     *prometheus.Registry
}

func (n *network) add(t *testing.T, id peer.Identity, opts ...Option) *node {
	t.Helper()

	n.mu.Lock()
	defer n.mu.Unlock()

	i := len(n.nodes) + 1
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{203, 0, 113, byte(i)}), 7777)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	backend := fake.New("eth0", netip.MustParsePrefix("10.0.0.10/24"))
	dir := directory.New(nil)
	engine := tunnel.New(backend, dir, "eth0", tunnel.WithMetrics(m))

	opts = append([]Option{WithRelayTimeout(testRelayTimeout), WithRequestTimeout(time.Second), WithMetrics(m)}, opts...)
	b := New(id, addr, dir, engine, n, opts...)
	n.nodes[addr] = b

	return &node{Binder: b, addr: addr, backend: backend, dir: dir, engine: engine, reg: reg}
}

// knows seeds the directory of n with the address of other
func (nd *node) knows(t *testing.T, other *node) {
	t.Helper()
	require.NoError(t, nd.dir.Remember(other.Self(), other.addr))
}
