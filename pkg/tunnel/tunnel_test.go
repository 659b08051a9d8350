package tunnel

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yago-123/dapn/pkg/directory"
	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/netcfg"
	"github.com/yago-123/dapn/pkg/netcfg/fake"
	"github.com/yago-123/dapn/pkg/peer"
)

const uplink = "eth0"

var (
	remoteAlice = netip.MustParseAddrPort("203.0.113.1:7777")
	remoteBob   = netip.MustParseAddrPort("203.0.113.2:7777")
	remoteCarol = netip.MustParseAddrPort("203.0.113.3:7777")
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fake.Backend, *directory.Directory) {
	t.Helper()

	backend := fake.New(uplink, netip.MustParsePrefix("192.168.1.10/24"))
	dir := directory.New(nil)
	return New(backend, dir, uplink, opts...), backend, dir
}

func TestEngine_EstablishAndTeardown(t *testing.T) {
	ctx := context.Background()
	e, backend, dir := newTestEngine(t)
	before := backend.Snapshot()

	bp, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)

	assert.Equal(t, peer.Identity("alice"), bp.Identity)
	assert.Equal(t, remoteAlice, bp.Address)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), bp.LocalAddress)
	assert.Equal(t, "dp-alice", bp.Tunnel.Iface)
	assert.Empty(t, bp.Tunnel.Ports)

	st := backend.Snapshot()
	link, ok := st.Links["dp-alice"]
	require.True(t, ok)
	assert.True(t, link.Up)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.168.1.1/32")}, link.Addrs)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("203.0.113.1/32")}, link.Routes)
	assert.ElementsMatch(t, netcfg.BaseRules("dp-alice"), backend.Rules("dp-alice"))

	got, ok := dir.Bound("alice")
	require.True(t, ok)
	assert.Equal(t, *bp, got)

	require.NoError(t, e.Teardown(ctx, "alice"))
	assert.False(t, dir.IsBound("alice"))
	assert.Equal(t, before, backend.Snapshot())
}

func TestEngine_EstablishTwice(t *testing.T) {
	ctx := context.Background()
	e, backend, _ := newTestEngine(t)

	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)

	_, err = e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.ErrorIs(t, err, dapnerr.ErrAlreadyBound)
	assert.Equal(t, 1, backend.Calls(fake.OpCreateLink))
}

func TestEngine_RejectsNonIPv4Remote(t *testing.T) {
	e, backend, _ := newTestEngine(t)

	_, err := e.Establish(context.Background(), "alice", netip.MustParseAddrPort("[2001:db8::1]:7777"), netip.Addr{})
	require.ErrorIs(t, err, dapnerr.ErrIfaceProvisioning)
	assert.Zero(t, backend.Calls(fake.OpCreateLink))
}

func TestEngine_TeardownUnboundIsNoop(t *testing.T) {
	e, backend, _ := newTestEngine(t)

	require.NoError(t, e.Teardown(context.Background(), "nobody"))
	assert.Zero(t, backend.Calls(fake.OpDeleteLink))
	assert.Zero(t, backend.Calls(fake.OpFlushRules))
}

func TestEngine_TeardownFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	e, backend, dir := newTestEngine(t)
	before := backend.Snapshot()

	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)

	backend.FailOn(fake.OpDeleteLink, 1)
	err = e.Teardown(ctx, "alice")
	require.ErrorIs(t, err, dapnerr.ErrIfaceTeardown)
	require.ErrorIs(t, err, fake.ErrInjected)
	assert.True(t, dir.IsBound("alice"))

	require.NoError(t, e.Teardown(ctx, "alice"))
	assert.False(t, dir.IsBound("alice"))
	assert.Equal(t, before, backend.Snapshot())
}

func TestEngine_FailedStepLeavesNoResidue(t *testing.T) {
	tests := []struct {
		name string
		op   fake.Op
		nth  int
	}{
		{name: "create link", op: fake.OpCreateLink, nth: 1},
		{name: "add address", op: fake.OpAddAddress, nth: 1},
		{name: "set link up", op: fake.OpSetLinkUp, nth: 1},
		{name: "add route", op: fake.OpAddRoute, nth: 1},
		{name: "masquerade rule", op: fake.OpAppendRule, nth: 1},
		{name: "forward rule", op: fake.OpAppendRule, nth: 3},
		{name: "dnat rule", op: fake.OpAppendRule, nth: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, backend, dir := newTestEngine(t)

			require.NoError(t, e.Expose(ctx, 8080))
			require.NoError(t, e.Expose(ctx, 9090))
			before := backend.Snapshot()

			backend.FailOn(tt.op, tt.nth)

			bp, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
			require.ErrorIs(t, err, dapnerr.ErrIfaceProvisioning)
			require.ErrorIs(t, err, fake.ErrInjected)
			assert.Nil(t, bp)

			assert.Equal(t, before, backend.Snapshot())
			assert.False(t, dir.IsBound("alice"))

			// the failure is not sticky
			_, err = e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
			require.NoError(t, err)
		})
	}
}

func TestEngine_CancelledEstablishRollsBack(t *testing.T) {
	e, backend, dir := newTestEngine(t)
	before := backend.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend.SetHook(func(op fake.Op, _ string) {
		if op == fake.OpAddRoute {
			cancel()
		}
	})

	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, dapnerr.ErrIfaceProvisioning)

	assert.Equal(t, before, backend.Snapshot())
	assert.False(t, dir.IsBound("alice"))
	assert.Equal(t, 1, backend.Calls(fake.OpDeleteLink))
}

func TestEngine_CreateLinkConflictDoesNotTouchForeignInterface(t *testing.T) {
	ctx := context.Background()
	e, backend, _ := newTestEngine(t)

	// an interface with the same name exists already, owned by someone else
	require.NoError(t, backend.CreateLink(ctx, "dp-alice"))
	require.NoError(t, backend.AppendRule(ctx, netcfg.Rule{Kind: netcfg.Masquerade, Link: "dp-alice"}))
	before := backend.Snapshot()

	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.ErrorIs(t, err, dapnerr.ErrIfaceProvisioning)
	assert.Equal(t, before, backend.Snapshot())
}

func TestEngine_ExplicitLocalAddress(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	local := netip.MustParseAddr("192.168.1.50")
	bp, err := e.Establish(ctx, "alice", remoteAlice, local)
	require.NoError(t, err)
	assert.Equal(t, local, bp.LocalAddress)

	_, err = e.Establish(ctx, "bob", remoteBob, local)
	require.ErrorIs(t, err, dapnerr.ErrIfaceProvisioning)
}
