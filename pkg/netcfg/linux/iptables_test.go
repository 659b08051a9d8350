package linux

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yago-123/dapn/pkg/netcfg"
)

func TestRuleSpec(t *testing.T) {
	remote := netip.MustParseAddrPort("203.0.113.1:7777")

	tests := []struct {
		name  string
		rule  netcfg.Rule
		table string
		chain string
		spec  []string
	}{
		{
			name:  "masquerade",
			rule:  netcfg.Rule{Kind: netcfg.Masquerade, Link: "dp-alice"},
			table: "nat",
			chain: "DAPN-POST-dp-alice",
			spec:  []string{"-o", "dp-alice", "-j", "MASQUERADE"},
		},
		{
			name:  "dnat",
			rule:  netcfg.DNATRule("dp-alice", 8080, remote),
			table: "nat",
			chain: "DAPN-PRE-dp-alice",
			spec:  []string{"-p", "tcp", "--dport", "8080", "-j", "DNAT", "--to-destination", "203.0.113.1:7777"},
		},
		{
			name:  "accept established",
			rule:  netcfg.Rule{Kind: netcfg.AcceptEstablished, Link: "dp-alice"},
			table: "filter",
			chain: "DAPN-FWD-dp-alice",
			spec:  []string{"-i", "dp-alice", "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
		},
		{
			name:  "accept forward",
			rule:  netcfg.Rule{Kind: netcfg.AcceptForward, Link: "dp-alice"},
			table: "filter",
			chain: "DAPN-FWD-dp-alice",
			spec:  []string{"-o", "dp-alice", "-j", "ACCEPT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, spec, err := ruleSpec(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.table, rc.table)
			assert.Equal(t, tt.chain, rc.chain)
			assert.Equal(t, tt.spec, spec)
		})
	}
}

func TestRuleSpec_Invalid(t *testing.T) {
	_, _, err := ruleSpec(netcfg.Rule{Kind: netcfg.DNAT, Link: "dp-alice"})
	require.Error(t, err)

	_, _, err = ruleSpec(netcfg.Rule{Kind: netcfg.RuleKind(42), Link: "dp-alice"})
	require.Error(t, err)
}

func TestChainsFor_FitKernelLimit(t *testing.T) {
	// iptables chain names are limited to 28 characters
	for _, rc := range chainsFor("dp-0123456789ab") {
		assert.LessOrEqual(t, len(rc.chain), 28, rc.chain)
	}
}
