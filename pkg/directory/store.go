package directory

import "github.com/yago-123/dapn/pkg/peer"

// Store keeps the addresses of known peers. Implementations must be safe for concurrent use
type Store interface {
	Remember(id peer.Identity, addr peer.Address) error
	Lookup(id peer.Identity) (peer.Address, bool)
	Forget(id peer.Identity) error
	Known() []peer.KnownPeer
}
