package tunnel

import (
	"context"
	"errors"
	"fmt"
	"slices"

	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/netcfg"
	"github.com/yago-123/dapn/pkg/peer"
)

// Expose forwards port to every bound peer and to every peer bound later. Peers are updated
// independently, the failures of some peers do not undo the others. Exposing a port again installs
// the rule on the peers that are still missing it
func (e *Engine) Expose(ctx context.Context, port uint16) error {
	if port == 0 {
		return dapnerr.ErrInvalidPort
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.exposed[port] = struct{}{}
	e.cfg.metrics.SetExposedPorts(len(e.exposed))

	var errs []error
	for _, bp := range e.dir.BoundPeers() {
		if slices.Contains(bp.Tunnel.Ports, port) {
			continue
		}

		rule := netcfg.DNATRule(bp.Tunnel.Iface, port, bp.Address)
		if err := e.backend.AppendRule(ctx, rule); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", bp.Identity, err))
			continue
		}

		bp.Tunnel.Ports = insertPort(bp.Tunnel.Ports, port)
		e.updateBound(bp)
	}

	e.logger.Info("Exposed port", "port", port, "failures", len(errs))
	return errors.Join(errs...)
}

// Unexpose stops forwarding port to every bound peer. Peers whose rule could not be removed keep
// the port in their handle so that a later Unexpose retries them
func (e *Engine) Unexpose(ctx context.Context, port uint16) error {
	if port == 0 {
		return dapnerr.ErrInvalidPort
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.exposed, port)
	e.cfg.metrics.SetExposedPorts(len(e.exposed))

	var errs []error
	for _, bp := range e.dir.BoundPeers() {
		if !slices.Contains(bp.Tunnel.Ports, port) {
			continue
		}

		rule := netcfg.DNATRule(bp.Tunnel.Iface, port, bp.Address)
		if err := e.backend.DeleteRule(ctx, rule); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", bp.Identity, err))
			continue
		}

		bp.Tunnel.Ports = removePort(bp.Tunnel.Ports, port)
		e.updateBound(bp)
	}

	e.logger.Info("Unexposed port", "port", port, "failures", len(errs))
	return errors.Join(errs...)
}

// Exposed returns the exposed ports in ascending order
func (e *Engine) Exposed() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposedPorts()
}

func (e *Engine) updateBound(bp peer.BoundPeer) {
	if err := e.dir.PutBound(bp); err != nil {
		e.logger.Error(err, "failed to persist bound peer address", "peer", bp.Identity)
	}
}

func insertPort(ports []uint16, port uint16) []uint16 {
	out := slices.Clone(ports)
	if i, found := slices.BinarySearch(out, port); !found {
		out = slices.Insert(out, i, port)
	}
	return out
}

func removePort(ports []uint16, port uint16) []uint16 {
	out := slices.Clone(ports)
	if i, found := slices.BinarySearch(out, port); found {
		out = slices.Delete(out, i, i+1)
	}
	return out
}
