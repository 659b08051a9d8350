package bind

import (
	"context"

	"github.com/yago-123/dapn/pkg/peer"
)

// AcceptPolicy decides whether an inbound bind from candidate is accepted
type AcceptPolicy interface {
	Accept(ctx context.Context, candidate peer.KnownPeer) bool
}

type AcceptFunc func(ctx context.Context, candidate peer.KnownPeer) bool

func (f AcceptFunc) Accept(ctx context.Context, candidate peer.KnownPeer) bool {
	return f(ctx, candidate)
}

// AcceptAll accepts every inbound bind
func AcceptAll() AcceptPolicy {
	return AcceptFunc(func(context.Context, peer.KnownPeer) bool { return true })
}

// AllowList accepts inbound binds only from the given identities
func AllowList(ids ...peer.Identity) AcceptPolicy {
	allowed := make(map[peer.Identity]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}

	return AcceptFunc(func(_ context.Context, candidate peer.KnownPeer) bool {
		_, ok := allowed[candidate.Identity]
		return ok
	})
}
