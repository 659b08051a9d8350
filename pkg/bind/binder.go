package bind

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/yago-123/dapn/pkg/directory"
	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/metrics"
	"github.com/yago-123/dapn/pkg/peer"
)

// Engine provisions and removes tunnels
type Engine interface {
	Establish(ctx context.Context, id peer.Identity, remote peer.Address, local netip.Addr) (*peer.BoundPeer, error)
	Teardown(ctx context.Context, id peer.Identity) error
}

// Origin is the sender metadata of a signaling message
type Origin struct {
	Identity  peer.Identity
	Address   peer.Address
	RequestID string
	// Relayed is set on requests forwarded by a relay
	Relayed bool
}

// Transport delivers signaling messages to the peer listening at the given address
type Transport interface {
	// RequestBind asks the receiver to resolve target. ok is false when the receiver dropped the request
	RequestBind(ctx context.Context, to peer.Address, origin Origin, target peer.Identity) (addr peer.Address, ok bool, err error)
	// Bind sends a direct bind and returns the receiver's address. A rejection yields ErrRejected
	Bind(ctx context.Context, to peer.Address, origin Origin) (peer.Address, error)
	Unbind(ctx context.Context, to peer.Address, origin Origin) error
}

// Params are the optional inputs of a local bind
type Params struct {
	// Remote skips resolution when valid
	Remote peer.Address
	// Local is the tunnel address to use. The zero value allocates one
	Local netip.Addr
}

// Binder runs the bind resolution protocol of the local peer, for local intents as well as for
// requests received from other peers
type Binder struct {
	self      peer.Identity
	advertise peer.Address

	dir       *directory.Directory
	engine    Engine
	transport Transport

	locks *keyedLock

	stateMu sync.RWMutex
	states  map[peer.Identity]State

	cfg    *config
	logger logr.Logger
}

// New creates a binder for the local identity self, reachable by other peers at advertise
func New(self peer.Identity, advertise peer.Address, dir *directory.Directory, engine Engine, transport Transport, opts ...Option) *Binder {
	cfg := newDefaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	return &Binder{
		self:      self,
		advertise: advertise,
		dir:       dir,
		engine:    engine,
		transport: transport,
		locks:     newKeyedLock(),
		states:    make(map[peer.Identity]State),
		cfg:       cfg,
		logger:    cfg.logger.WithValues("self", self),
	}
}

func (b *Binder) Self() peer.Identity {
	return b.self
}

func (b *Binder) Advertise() peer.Address {
	return b.advertise
}

// State returns the state of the latest bind attempt towards id
func (b *Binder) State(id peer.Identity) State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.states[id]
}

func (b *Binder) setState(id peer.Identity, s State) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if s == StateIdle {
		delete(b.states, id)
		return
	}
	b.states[id] = s
}

// Bind resolves target, asks it to bind and provisions the local end of the tunnel. Binding a peer
// that is already bound returns the existing record. Attempts towards the same identity are
// serialized
func (b *Binder) Bind(ctx context.Context, target peer.Identity, params Params) (*peer.BoundPeer, error) {
	if target == "" || target == b.self {
		return nil, dapnerr.ErrInvalidTarget
	}

	release, err := b.locks.acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	defer release()

	if bp, ok := b.dir.Bound(target); ok {
		b.cfg.metrics.ObserveBind(metrics.OutcomeNoop)
		return &bp, nil
	}

	origin := b.origin()
	logger := b.logger.WithValues("target", target, "requestID", origin.RequestID)

	bp, err := b.bind(ctx, logger, target, origin, params)
	b.finish(logger, target, err)
	if err != nil {
		return nil, err
	}

	return bp, nil
}

func (b *Binder) bind(ctx context.Context, logger logr.Logger, target peer.Identity, origin Origin, params Params) (*peer.BoundPeer, error) {
	b.setState(target, StateResolving)

	to, src, err := b.resolve(ctx, logger, target, origin, params.Remote)
	if err != nil {
		return nil, err
	}

	logger.Info("Resolved peer address", "address", to, "source", src)

	remote, err := b.request(ctx, target, to, origin)
	if err != nil && src == sourceDirectory && b.cfg.reresolveOnError && !errors.Is(err, dapnerr.ErrRejected) {
		logger.Info("Cached address failed, resolving through relays", "address", to, "error", err.Error())

		to, err = b.relay(ctx, logger, target, origin)
		if err != nil {
			return nil, err
		}
		remote, err = b.request(ctx, target, to, origin)
	}
	if err != nil {
		return nil, err
	}

	bp, err := b.engine.Establish(ctx, target, remote, params.Local)
	if errors.Is(err, dapnerr.ErrAlreadyBound) {
		// the peer bound us concurrently through an inbound request
		if existing, ok := b.dir.Bound(target); ok {
			return &existing, nil
		}
	}
	if err != nil {
		b.notifyUnbind(ctx, logger, remote, origin)
		return nil, err
	}

	return bp, nil
}

// finish records the terminal state of an attempt
func (b *Binder) finish(logger logr.Logger, target peer.Identity, err error) {
	var (
		state   State
		outcome string
	)

	switch {
	case err == nil:
		state, outcome = StateAccepted, metrics.OutcomeAccepted
	case errors.Is(err, dapnerr.ErrRejected):
		state, outcome = StateRejected, metrics.OutcomeRejected
	case errors.Is(err, dapnerr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		state, outcome = StateTimedOut, metrics.OutcomeTimeout
	case errors.Is(err, dapnerr.ErrNoRouteToPeer):
		state, outcome = StateFailed, metrics.OutcomeNoRoute
	default:
		state, outcome = StateFailed, metrics.OutcomeFailed
	}

	b.setState(target, state)
	b.cfg.metrics.ObserveBind(outcome)

	if err != nil {
		logger.Error(err, "Bind failed", "state", state.String())
		return
	}
	logger.Info("Bind accepted")
}

// Unbind tears down the local end of the tunnel and then notifies the bound peer. When the local
// teardown fails the remote is left untouched so that both ends stay bound and Unbind can be retried
func (b *Binder) Unbind(ctx context.Context, target peer.Identity) error {
	bp, err := b.teardown(ctx, target)
	if err != nil {
		return err
	}

	origin := b.origin()
	logger := b.logger.WithValues("target", target, "requestID", origin.RequestID)

	// sent outside the lock, the remote may be unbinding us at the same time
	b.notifyUnbind(ctx, logger, bp.Address, origin)

	logger.Info("Unbound peer")
	return nil
}

func (b *Binder) teardown(ctx context.Context, target peer.Identity) (peer.BoundPeer, error) {
	release, err := b.locks.acquire(ctx, target)
	if err != nil {
		return peer.BoundPeer{}, err
	}
	defer release()

	bp, ok := b.dir.Bound(target)
	if !ok {
		return peer.BoundPeer{}, dapnerr.ErrNotBound
	}

	if errTeardown := b.engine.Teardown(ctx, target); errTeardown != nil {
		b.logger.Error(errTeardown, "failed to tear down tunnel, remote not notified", "target", target)
		return peer.BoundPeer{}, errTeardown
	}

	b.setState(target, StateIdle)
	return bp, nil
}

// notifyUnbind tells the remote to drop its end of the tunnel. Failures are only logged, the
// remote may be gone already
func (b *Binder) notifyUnbind(ctx context.Context, logger logr.Logger, to peer.Address, origin Origin) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.requestTimeout)
	defer cancel()

	if err := b.transport.Unbind(reqCtx, to, origin); err != nil {
		logger.Error(err, "failed to notify unbind", "address", to)
	}
}

func (b *Binder) origin() Origin {
	return Origin{
		Identity:  b.self,
		Address:   b.advertise,
		RequestID: uuid.NewString(),
	}
}
