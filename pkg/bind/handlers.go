package bind

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/metrics"
	"github.com/yago-123/dapn/pkg/peer"
)

// HandleRequestBind answers a bind request received from another peer. When the local peer is the
// target its address is returned. Otherwise the request is relayed once to the target if its
// address is known, and ok is false when the request is dropped
func (b *Binder) HandleRequestBind(ctx context.Context, origin Origin, target peer.Identity) (peer.Address, bool) {
	logger := b.logger.WithValues("origin", origin.Identity, "target", target, "requestID", origin.RequestID)

	if target == b.self {
		b.rememberOrigin(origin)
		b.cfg.metrics.ObserveRelay(metrics.RelayAnswered)
		logger.Info("Answered bind request")
		return b.advertise, true
	}

	if origin.Relayed || origin.Identity == target {
		b.cfg.metrics.ObserveRelay(metrics.RelayDropped)
		logger.V(1).Info("Dropped bind request")
		return peer.Address{}, false
	}

	addr, known := b.dir.Lookup(target)
	if !known {
		b.cfg.metrics.ObserveRelay(metrics.RelayDropped)
		logger.V(1).Info("Dropped bind request for unknown peer")
		return peer.Address{}, false
	}

	relayCtx, cancel := context.WithTimeout(ctx, b.cfg.relayTimeout)
	defer cancel()

	forwarded := origin
	forwarded.Relayed = true

	resolved, ok, err := b.transport.RequestBind(relayCtx, addr, forwarded, target)
	if err != nil || !ok {
		b.cfg.metrics.ObserveRelay(metrics.RelayDropped)
		logger.V(1).Info("Target did not answer relayed request", "address", addr)
		return peer.Address{}, false
	}

	b.cfg.metrics.ObserveRelay(metrics.RelayForwarded)
	logger.Info("Relayed bind request", "address", resolved)
	return resolved, true
}

// HandleBind handles a direct bind from origin. When the accept policy allows it, the tunnel
// towards origin is provisioned and the local address is returned. The per identity lock is not
// taken, a crossing local Bind towards origin holds it while waiting for this answer. Provisioning
// is serialized by the engine lock and its already-bound guard
func (b *Binder) HandleBind(ctx context.Context, origin Origin) (peer.Address, error) {
	if err := b.validateOrigin(origin); err != nil {
		return peer.Address{}, err
	}

	logger := b.logger.WithValues("origin", origin.Identity, "requestID", origin.RequestID)

	candidate := peer.KnownPeer{Identity: origin.Identity, Address: origin.Address}
	if !b.cfg.policy.Accept(ctx, candidate) {
		logger.Info("Rejected bind")
		return peer.Address{}, dapnerr.ErrRejected
	}

	b.rememberOrigin(origin)

	_, err := b.engine.Establish(ctx, origin.Identity, origin.Address, netip.Addr{})
	if err != nil && !errors.Is(err, dapnerr.ErrAlreadyBound) {
		logger.Error(err, "failed to establish tunnel for inbound bind")
		return peer.Address{}, err
	}

	b.setState(origin.Identity, StateAccepted)
	logger.Info("Accepted bind")
	return b.advertise, nil
}

// HandleUnbind tears down the tunnel of origin. Unbinding a peer that is not bound is a no-op. It
// waits for any local bind or unbind of origin in progress, so an unbind racing a local bind is
// applied after the tunnel is established
func (b *Binder) HandleUnbind(ctx context.Context, origin Origin) error {
	if origin.Identity == "" {
		return dapnerr.Wrap(dapnerr.ErrInvalidOrigin, errors.New("missing identity"))
	}

	release, err := b.locks.acquire(ctx, origin.Identity)
	if err != nil {
		return err
	}
	defer release()

	if errTeardown := b.engine.Teardown(ctx, origin.Identity); errTeardown != nil {
		return errTeardown
	}

	b.setState(origin.Identity, StateIdle)
	b.logger.Info("Peer unbound us", "origin", origin.Identity, "requestID", origin.RequestID)
	return nil
}

func (b *Binder) validateOrigin(origin Origin) error {
	switch {
	case origin.Identity == "":
		return dapnerr.Wrap(dapnerr.ErrInvalidOrigin, errors.New("missing identity"))
	case origin.Identity == b.self:
		return dapnerr.Wrap(dapnerr.ErrInvalidOrigin, fmt.Errorf("identity %s is the local peer", origin.Identity))
	case !origin.Address.IsValid():
		return dapnerr.Wrap(dapnerr.ErrInvalidOrigin, errors.New("missing address"))
	}
	return nil
}

func (b *Binder) rememberOrigin(origin Origin) {
	if b.validateOrigin(origin) != nil {
		return
	}

	if err := b.dir.Remember(origin.Identity, origin.Address); err != nil {
		b.logger.Error(err, "failed to remember peer", "peer", origin.Identity)
	}
}
