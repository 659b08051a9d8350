// Package netcfg abstracts the host networking stack used to provision tunnels. The linux
// implementation talks netlink and iptables, tests use the in-memory fake
package netcfg

import (
	"context"
	"fmt"
	"net/netip"
)

// Backend manipulates interfaces, addresses, routes and forwarding rules of the host
type Backend interface {
	// CreateLink creates a point-to-point TUN interface. It fails if the interface exists
	CreateLink(ctx context.Context, name string) error
	// DeleteLink removes an interface together with its addresses and routes
	DeleteLink(ctx context.Context, name string) error
	LinkExists(ctx context.Context, name string) (bool, error)
	SetLinkUp(ctx context.Context, name string) error

	AddAddress(ctx context.Context, name string, addr netip.Prefix) error
	// AssignedAddresses lists the addresses assigned to every interface of the host
	AssignedAddresses(ctx context.Context) ([]netip.Addr, error)
	// LinkPrefix returns the first IPv4 prefix assigned to the interface
	LinkPrefix(ctx context.Context, name string) (netip.Prefix, error)

	AddRoute(ctx context.Context, name string, dst netip.Prefix) error

	AppendRule(ctx context.Context, rule Rule) error
	DeleteRule(ctx context.Context, rule Rule) error
	// FlushRules removes every rule scoped to the interface
	FlushRules(ctx context.Context, name string) error
}

type RuleKind int

const (
	// Masquerade source NATs traffic leaving through the interface
	Masquerade RuleKind = iota
	// AcceptEstablished accepts related and established forwarded traffic on the interface
	AcceptEstablished
	// AcceptForward accepts any forwarded traffic on the interface
	AcceptForward
	// DNAT redirects inbound TCP traffic for Port to Destination
	DNAT
)

func (k RuleKind) String() string {
	switch k {
	case Masquerade:
		return "masquerade"
	case AcceptEstablished:
		return "accept-established"
	case AcceptForward:
		return "accept-forward"
	case DNAT:
		return "dnat"
	default:
		return fmt.Sprintf("rule(%d)", int(k))
	}
}

// Rule is a forwarding or NAT rule owned by the tunnel interface Link
type Rule struct {
	Kind RuleKind
	Link string
	// Port and Destination are only meaningful for DNAT rules
	Port        uint16
	Destination netip.AddrPort
}

func (r Rule) String() string {
	if r.Kind == DNAT {
		return fmt.Sprintf("%s[%s] tcp/%d -> %s", r.Kind, r.Link, r.Port, r.Destination)
	}
	return fmt.Sprintf("%s[%s]", r.Kind, r.Link)
}

// BaseRules returns the rules every tunnel interface carries regardless of exposed ports
func BaseRules(link string) []Rule {
	return []Rule{
		{Kind: Masquerade, Link: link},
		{Kind: AcceptEstablished, Link: link},
		{Kind: AcceptForward, Link: link},
	}
}

// DNATRule builds the rule forwarding inbound traffic on port to the address of the remote peer
func DNATRule(link string, port uint16, remote netip.AddrPort) Rule {
	return Rule{
		Kind:        DNAT,
		Link:        link,
		Port:        port,
		Destination: remote,
	}
}
