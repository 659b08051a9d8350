package linux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/vishvananda/netlink"
)

func (b *Backend) CreateLink(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	exists, err := b.LinkExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("interface %s already exists", name)
	}

	tun := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name, MTU: b.cfg.mtu},
		Mode:      netlink.TUNTAP_MODE_TUN,
		Flags:     netlink.TUNTAP_DEFAULTS,
	}
	if errAdd := netlink.LinkAdd(tun); errAdd != nil {
		return fmt.Errorf("failed to create TUN interface %s: %w", name, errAdd)
	}

	b.logger.V(1).Info("Created TUN interface", "iface", name)
	return nil
}

func (b *Backend) DeleteLink(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}

	if errDel := netlink.LinkDel(link); errDel != nil {
		return fmt.Errorf("failed to delete interface %s: %w", name, errDel)
	}

	b.logger.V(1).Info("Deleted interface", "iface", name)
	return nil
}

func (b *Backend) LinkExists(_ context.Context, name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	if isLinkNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("error checking interface %s: %w", name, err)
}

func (b *Backend) SetLinkUp(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}

	if errSetup := netlink.LinkSetUp(link); errSetup != nil {
		return fmt.Errorf("failed to bring interface %s up: %w", name, errSetup)
	}

	return nil
}

// AddAddress assigns addr to the interface. Assigning an address the interface already has is a no-op
func (b *Backend) AddAddress(ctx context.Context, name string, addr netip.Prefix) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", name, err)
	}

	nlAddr, err := netlink.ParseAddr(addr.String())
	if err != nil {
		return fmt.Errorf("failed to parse address %s: %w", addr, err)
	}

	existingAddrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("failed to list addresses on %s: %w", name, err)
	}

	for _, a := range existingAddrs {
		if a.IP.Equal(nlAddr.IP) && a.Mask.String() == nlAddr.Mask.String() {
			return nil
		}
	}

	if errAddr := netlink.AddrAdd(link, nlAddr); errAddr != nil {
		return fmt.Errorf("failed to assign address %s to %s: %w", addr, name, errAddr)
	}

	return nil
}

func (b *Backend) AssignedAddresses(_ context.Context) ([]netip.Addr, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list host addresses: %w", err)
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			out = append(out, ip)
		}
	}

	return out, nil
}

func (b *Backend) LinkPrefix(_ context.Context, name string) (netip.Prefix, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to get link %s: %w", name, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to list addresses on %s: %w", name, err)
	}

	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP.To4())
		if !ok {
			continue
		}
		ones, _ := a.Mask.Size()
		return netip.PrefixFrom(ip, ones), nil
	}

	return netip.Prefix{}, fmt.Errorf("interface %s has no IPv4 address", name)
}

// AddRoute routes dst through the interface. An already existing route is not an error
func (b *Backend) AddRoute(ctx context.Context, name string, dst netip.Prefix) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link %q: %w", name, err)
	}

	ipNet := &net.IPNet{
		IP:   dst.Addr().AsSlice(),
		Mask: net.CIDRMask(dst.Bits(), dst.Addr().BitLen()),
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       ipNet,
		Scope:     netlink.SCOPE_LINK,
	}

	if errRoute := netlink.RouteAdd(route); errRoute != nil && !os.IsExist(errRoute) {
		return fmt.Errorf("failed to add route %s: %w", dst, errRoute)
	}

	return nil
}

func isLinkNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
