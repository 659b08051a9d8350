package bind

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/peer"
)

type source string

const (
	sourceExplicit  source = "explicit"
	sourceDirectory source = "directory"
	sourceRelay     source = "relay"
)

// errResolved stops the remaining relay requests once one of them answered
var errResolved = errors.New("resolved")

// resolve finds the signaling address of target. The first match wins: the explicit address, the
// directory, and finally a broadcast through every bound peer
func (b *Binder) resolve(ctx context.Context, logger logr.Logger, target peer.Identity, origin Origin, explicit peer.Address) (peer.Address, source, error) {
	if explicit.IsValid() {
		return explicit, sourceExplicit, nil
	}

	if addr, ok := b.dir.Lookup(target); ok {
		return addr, sourceDirectory, nil
	}

	addr, err := b.relay(ctx, logger, target, origin)
	if err != nil {
		return peer.Address{}, sourceRelay, err
	}

	return addr, sourceRelay, nil
}

// relay broadcasts a bind request for target to every bound peer and returns the first address
// answered. Peers that cannot resolve target never answer, so the absence of an answer within the
// relay timeout is reported as ErrTimeout
func (b *Binder) relay(ctx context.Context, logger logr.Logger, target peer.Identity, origin Origin) (peer.Address, error) {
	var relays []peer.BoundPeer
	for _, bp := range b.dir.BoundPeers() {
		if bp.Identity != target {
			relays = append(relays, bp)
		}
	}

	if len(relays) == 0 {
		return peer.Address{}, dapnerr.Wrap(dapnerr.ErrNoRouteToPeer, fmt.Errorf("%s is unknown and no peer is bound", target))
	}

	b.setState(target, StateRelaying)
	logger.Info("Broadcasting bind request", "relays", len(relays))

	relayCtx, cancel := context.WithTimeout(ctx, b.cfg.relayTimeout)
	defer cancel()

	found := make(chan peer.Address, len(relays))
	g, gctx := errgroup.WithContext(relayCtx)

	for _, relay := range relays {
		g.Go(func() error {
			addr, ok, err := b.transport.RequestBind(gctx, relay.Address, origin, target)
			if err != nil {
				logger.V(1).Info("Relay request failed", "relay", relay.Identity, "error", err.Error())
				return nil
			}
			if !ok || !addr.IsValid() {
				logger.V(1).Info("Relay dropped request", "relay", relay.Identity)
				return nil
			}

			found <- addr
			return errResolved
		})
	}

	_ = g.Wait()

	select {
	case addr := <-found:
		if errRemember := b.dir.Remember(target, addr); errRemember != nil {
			logger.Error(errRemember, "failed to remember resolved address", "address", addr)
		}
		return addr, nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return peer.Address{}, err
	}

	return peer.Address{}, dapnerr.Wrap(dapnerr.ErrTimeout, fmt.Errorf("no relay resolved %s within %s", target, b.cfg.relayTimeout))
}

// request sends the direct bind to the resolved address and returns the address the target
// answered with
func (b *Binder) request(ctx context.Context, target peer.Identity, to peer.Address, origin Origin) (peer.Address, error) {
	b.setState(target, StateRequesting)

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.requestTimeout)
	defer cancel()

	remote, err := b.transport.Bind(reqCtx, to, origin)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return peer.Address{}, dapnerr.Wrap(dapnerr.ErrTimeout, err)
		}
		return peer.Address{}, err
	}

	if !remote.IsValid() {
		remote = to
	}

	return remote, nil
}
