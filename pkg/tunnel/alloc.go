package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"

	"github.com/spaolacci/murmur3"

	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/peer"
)

const (
	// IfacePrefix prefixes every tunnel interface so that identities cannot shadow host interfaces
	IfacePrefix = "dp-"

	// maxIfaceName is IFNAMSIZ minus the trailing NUL
	maxIfaceName = 15

	// maxScan caps the number of candidates inspected in very large subnets
	maxScan = 1 << 16
)

var ifaceSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IfaceName returns the name of the tunnel interface of a peer. Identities that do not fit the
// kernel limits are replaced by a hash of the identity
func IfaceName(id peer.Identity) string {
	name := string(id)
	if len(IfacePrefix)+len(name) <= maxIfaceName && ifaceSafe.MatchString(name) {
		return IfacePrefix + name
	}

	sum := fmt.Sprintf("%016x", murmur3.Sum64([]byte(name)))
	return IfacePrefix + sum[:maxIfaceName-len(IfacePrefix)]
}

// allocate picks the lowest host address of the allocation subnet that is not assigned to any
// interface nor reserved by a bound peer. The caller must hold e.mu
func (e *Engine) allocate(ctx context.Context) (netip.Addr, error) {
	subnet := e.cfg.subnet
	if !subnet.IsValid() {
		prefix, err := e.backend.LinkPrefix(ctx, e.uplink)
		if err != nil {
			return netip.Addr{}, dapnerr.Wrap(dapnerr.ErrIfaceProvisioning, err)
		}
		subnet = prefix
	}

	assigned, err := e.backend.AssignedAddresses(ctx)
	if err != nil {
		return netip.Addr{}, dapnerr.Wrap(dapnerr.ErrIfaceProvisioning, err)
	}

	used := make(map[netip.Addr]struct{}, len(assigned))
	for _, a := range assigned {
		used[a] = struct{}{}
	}
	for _, bp := range e.dir.BoundPeers() {
		used[bp.LocalAddress] = struct{}{}
	}

	if addr, ok := firstFree(subnet.Masked(), used); ok {
		return addr, nil
	}

	return netip.Addr{}, dapnerr.Wrap(dapnerr.ErrNoFreeAddress, fmt.Errorf("subnet %s exhausted", subnet.Masked()))
}

// firstFree scans the host addresses of subnet in ascending order, skipping the network and
// broadcast addresses of IPv4 subnets larger than /31
func firstFree(subnet netip.Prefix, used map[netip.Addr]struct{}) (netip.Addr, bool) {
	hasBroadcast := subnet.Addr().Is4() && subnet.Bits() < 31

	addr := subnet.Addr()
	if hasBroadcast {
		addr = addr.Next()
	}

	for i := 0; i < maxScan && addr.IsValid() && subnet.Contains(addr); i++ {
		next := addr.Next()
		if hasBroadcast && !subnet.Contains(next) {
			break
		}

		if _, taken := used[addr]; !taken {
			return addr, true
		}

		addr = next
	}

	return netip.Addr{}, false
}
