package directory

import (
	"sort"
	"sync"

	"github.com/yago-123/dapn/pkg/peer"
)

type MemoryStore struct {
	mu    sync.RWMutex
	peers map[peer.Identity]peer.Address
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers: make(map[peer.Identity]peer.Address),
	}
}

func (s *MemoryStore) Remember(id peer.Identity, addr peer.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[id] = addr
	return nil
}

func (s *MemoryStore) Lookup(id peer.Identity) (peer.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.peers[id]
	return addr, ok
}

func (s *MemoryStore) Forget(id peer.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
	return nil
}

func (s *MemoryStore) Known() []peer.KnownPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]peer.KnownPeer, 0, len(s.peers))
	for id, addr := range s.peers {
		out = append(out, peer.KnownPeer{Identity: id, Address: addr})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out
}
