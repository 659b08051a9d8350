package directory

import (
	"sort"
	"sync"

	"github.com/yago-123/dapn/pkg/peer"
)

// Directory holds the known peers (through a Store) and the bound peers of the local node
type Directory struct {
	known Store

	mu    sync.RWMutex
	bound map[peer.Identity]peer.BoundPeer
}

// New creates a directory backed by the given store. A nil store means an in-memory one
func New(known Store) *Directory {
	if known == nil {
		known = NewMemoryStore()
	}

	return &Directory{
		known: known,
		bound: make(map[peer.Identity]peer.BoundPeer),
	}
}

// Lookup returns the cached signaling address of a peer
func (d *Directory) Lookup(id peer.Identity) (peer.Address, bool) {
	return d.known.Lookup(id)
}

// Remember caches the address of a peer, replacing any previous one
func (d *Directory) Remember(id peer.Identity, addr peer.Address) error {
	return d.known.Remember(id, addr)
}

// Forget drops the cached address of a peer. Bound peers keep their tunnel
func (d *Directory) Forget(id peer.Identity) error {
	return d.known.Forget(id)
}

// KnownPeers returns every peer with a cached address, sorted by identity
func (d *Directory) KnownPeers() []peer.KnownPeer {
	return d.known.Known()
}

func (d *Directory) IsBound(id peer.Identity) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.bound[id]
	return ok
}

func (d *Directory) Bound(id peer.Identity) (peer.BoundPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bp, ok := d.bound[id]
	return bp, ok
}

// BoundPeers returns a snapshot of the bound peers, sorted by identity
func (d *Directory) BoundPeers() []peer.BoundPeer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]peer.BoundPeer, 0, len(d.bound))
	for _, bp := range d.bound {
		out = append(out, bp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out
}

// PutBound records a bound peer and caches its address. Only the tunnel engine calls this
func (d *Directory) PutBound(bp peer.BoundPeer) error {
	d.mu.Lock()
	d.bound[bp.Identity] = bp
	d.mu.Unlock()

	return d.known.Remember(bp.Identity, bp.Address)
}

// RemoveBound drops a bound peer record and reports whether it existed
func (d *Directory) RemoveBound(id peer.Identity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.bound[id]
	delete(d.bound, id)
	return ok
}
