package tunnel

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/netcfg"
	"github.com/yago-123/dapn/pkg/netcfg/fake"
	"github.com/yago-123/dapn/pkg/peer"
)

func dnatRules(backend *fake.Backend) []netcfg.Rule {
	var out []netcfg.Rule
	for _, r := range backend.Rules("") {
		if r.Kind == netcfg.DNAT {
			out = append(out, r)
		}
	}
	return out
}

func TestEngine_ExposeForwardsToEveryBoundPeer(t *testing.T) {
	ctx := context.Background()
	e, backend, dir := newTestEngine(t)

	for id, remote := range map[peer.Identity]peer.Address{"alice": remoteAlice, "bob": remoteBob} {
		_, err := e.Establish(ctx, id, remote, netip.Addr{})
		require.NoError(t, err)
	}

	require.NoError(t, e.Expose(ctx, 8080))

	assert.ElementsMatch(t, []netcfg.Rule{
		netcfg.DNATRule("dp-alice", 8080, remoteAlice),
		netcfg.DNATRule("dp-bob", 8080, remoteBob),
	}, dnatRules(backend))

	for _, bp := range dir.BoundPeers() {
		assert.Equal(t, []uint16{8080}, bp.Tunnel.Ports, bp.Identity)
	}

	// peers bound later get the exposed ports too
	bp, err := e.Establish(ctx, "carol", remoteCarol, netip.Addr{})
	require.NoError(t, err)
	assert.Equal(t, []uint16{8080}, bp.Tunnel.Ports)
	assert.Len(t, dnatRules(backend), 3)
	assert.Contains(t, backend.Rules("dp-carol"), netcfg.DNATRule("dp-carol", 8080, remoteCarol))
}

func TestEngine_ExposeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, backend, _ := newTestEngine(t)

	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)

	require.NoError(t, e.Expose(ctx, 8080))
	require.NoError(t, e.Expose(ctx, 8080))

	assert.Len(t, dnatRules(backend), 1)
	assert.Equal(t, []uint16{8080}, e.Exposed())
}

func TestEngine_Unexpose(t *testing.T) {
	ctx := context.Background()
	e, backend, dir := newTestEngine(t)

	require.NoError(t, e.Expose(ctx, 8080))
	require.NoError(t, e.Expose(ctx, 22))

	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)
	_, err = e.Establish(ctx, "bob", remoteBob, netip.Addr{})
	require.NoError(t, err)
	assert.Len(t, dnatRules(backend), 4)

	require.NoError(t, e.Unexpose(ctx, 8080))
	assert.Equal(t, []uint16{22}, e.Exposed())
	assert.ElementsMatch(t, []netcfg.Rule{
		netcfg.DNATRule("dp-alice", 22, remoteAlice),
		netcfg.DNATRule("dp-bob", 22, remoteBob),
	}, dnatRules(backend))

	bp, ok := dir.Bound("alice")
	require.True(t, ok)
	assert.Equal(t, []uint16{22}, bp.Tunnel.Ports)

	// unexposing a port that is not exposed changes nothing
	require.NoError(t, e.Unexpose(ctx, 8080))
	assert.Equal(t, 2, backend.Calls(fake.OpDeleteRule))
}

func TestEngine_ExposeRejectsPortZero(t *testing.T) {
	e, _, _ := newTestEngine(t)

	require.ErrorIs(t, e.Expose(context.Background(), 0), dapnerr.ErrInvalidPort)
	require.ErrorIs(t, e.Unexpose(context.Background(), 0), dapnerr.ErrInvalidPort)
	assert.Empty(t, e.Exposed())
}

func TestEngine_ExposePartialFailure(t *testing.T) {
	ctx := context.Background()
	e, backend, dir := newTestEngine(t)

	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)
	_, err = e.Establish(ctx, "bob", remoteBob, netip.Addr{})
	require.NoError(t, err)

	// peers are visited in identity order, so bob fails
	backend.FailOn(fake.OpAppendRule, 2)
	err = e.Expose(ctx, 8080)
	require.ErrorIs(t, err, fake.ErrInjected)
	assert.Contains(t, err.Error(), "bob")

	assert.Equal(t, []uint16{8080}, e.Exposed())
	assert.Equal(t, []netcfg.Rule{netcfg.DNATRule("dp-alice", 8080, remoteAlice)}, dnatRules(backend))

	alice, _ := dir.Bound("alice")
	bob, _ := dir.Bound("bob")
	assert.Equal(t, []uint16{8080}, alice.Tunnel.Ports)
	assert.Empty(t, bob.Tunnel.Ports)

	// exposing again repairs bob without touching alice
	appends := backend.Calls(fake.OpAppendRule)
	require.NoError(t, e.Expose(ctx, 8080))
	assert.Equal(t, appends+1, backend.Calls(fake.OpAppendRule))

	assert.ElementsMatch(t, []netcfg.Rule{
		netcfg.DNATRule("dp-alice", 8080, remoteAlice),
		netcfg.DNATRule("dp-bob", 8080, remoteBob),
	}, dnatRules(backend))

	bob, _ = dir.Bound("bob")
	assert.Equal(t, []uint16{8080}, bob.Tunnel.Ports)
}

func TestEngine_UnexposePartialFailure(t *testing.T) {
	ctx := context.Background()
	e, backend, dir := newTestEngine(t)

	require.NoError(t, e.Expose(ctx, 8080))
	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)
	_, err = e.Establish(ctx, "bob", remoteBob, netip.Addr{})
	require.NoError(t, err)

	backend.FailOn(fake.OpDeleteRule, 2)
	err = e.Unexpose(ctx, 8080)
	require.ErrorIs(t, err, fake.ErrInjected)
	assert.Contains(t, err.Error(), "bob")

	assert.Empty(t, e.Exposed())
	assert.Equal(t, []netcfg.Rule{netcfg.DNATRule("dp-bob", 8080, remoteBob)}, dnatRules(backend))

	bob, _ := dir.Bound("bob")
	assert.Equal(t, []uint16{8080}, bob.Tunnel.Ports)

	// the retry only deletes the rule left behind
	deletes := backend.Calls(fake.OpDeleteRule)
	require.NoError(t, e.Unexpose(ctx, 8080))
	assert.Equal(t, deletes+1, backend.Calls(fake.OpDeleteRule))
	assert.Empty(t, dnatRules(backend))

	for _, bp := range dir.BoundPeers() {
		assert.Empty(t, bp.Tunnel.Ports, bp.Identity)
	}
}

func TestEngine_ForwardsToSignalingAddress(t *testing.T) {
	ctx := context.Background()
	e, backend, _ := newTestEngine(t)

	require.NoError(t, e.Expose(ctx, 8080))
	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)

	rules := dnatRules(backend)
	require.Len(t, rules, 1)
	assert.Equal(t, uint16(8080), rules[0].Port)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.1:7777"), rules[0].Destination)
}

func TestEngine_TeardownRemovesForwarding(t *testing.T) {
	ctx := context.Background()
	e, backend, _ := newTestEngine(t)

	require.NoError(t, e.Expose(ctx, 8080))
	_, err := e.Establish(ctx, "alice", remoteAlice, netip.Addr{})
	require.NoError(t, err)
	_, err = e.Establish(ctx, "bob", remoteBob, netip.Addr{})
	require.NoError(t, err)

	require.NoError(t, e.Teardown(ctx, "alice"))

	assert.Empty(t, backend.Rules("dp-alice"))
	assert.Equal(t, []netcfg.Rule{netcfg.DNATRule("dp-bob", 8080, remoteBob)}, dnatRules(backend))
	assert.Equal(t, []uint16{8080}, e.Exposed())
}
