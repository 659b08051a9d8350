package peer

import (
	"fmt"
	"net/netip"
)

// Identity is the username a peer is known by across the network. It is not verified
type Identity string

func (i Identity) String() string {
	return string(i)
}

// Address is the ip:port at which the signaling endpoint of a peer can be reached
type Address = netip.AddrPort

// ParseAddress parses an "ip:port" string into an Address
func ParseAddress(s string) (Address, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}

	return addr, nil
}

// KnownPeer is any peer whose signaling address has been learned
type KnownPeer struct {
	Identity Identity `json:"identity"`
	Address  Address  `json:"address"`
}

// BoundPeer is a peer with an active tunnel. A BoundPeer is always a KnownPeer too
type BoundPeer struct {
	Identity     Identity   `json:"identity"`
	Address      Address    `json:"address"`
	LocalAddress netip.Addr `json:"local_address"`
	Tunnel       Handle     `json:"tunnel"`
}

// Known returns the KnownPeer view of the bound peer
func (b BoundPeer) Known() KnownPeer {
	return KnownPeer{Identity: b.Identity, Address: b.Address}
}

// Handle describes the network state owned by a single tunnel
type Handle struct {
	Iface string `json:"iface"`
	// Ports holds the exposed ports currently forwarded through this tunnel
	Ports []uint16 `json:"ports"`
}
