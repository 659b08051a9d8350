package util

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
)

const (
	UDPProtocol = "udp4"

	STUNDialTimeout = 3 * time.Second
)

// PublicAddress asks the STUN servers, in order, for the public IPv4 address of this host and pairs
// it with port. The mapped UDP port is ignored, only the signaling port is advertised
func PublicAddress(servers []string, port uint16) (netip.AddrPort, error) {
	if len(servers) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no STUN servers configured")
	}

	var lastErr error
	for _, server := range servers {
		ip, err := querySTUNServer(server)
		if err == nil {
			return netip.AddrPortFrom(ip, port), nil
		}

		lastErr = err
	}

	return netip.AddrPort{}, fmt.Errorf("all STUN servers failed: %w", lastErr)
}

func querySTUNServer(server string) (netip.Addr, error) {
	conn, err := net.DialTimeout(UDPProtocol, server, STUNDialTimeout)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error dialing STUN server %s: %w", server, err)
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error creating STUN client: %w", err)
	}
	defer client.Close()

	var (
		xorAddr stun.XORMappedAddress
		errRes  error
	)
	if errDo := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
		if res.Error != nil {
			errRes = res.Error
			return
		}
		if errGet := xorAddr.GetFrom(res.Message); errGet != nil {
			errRes = fmt.Errorf("failed to get XOR-MAPPED-ADDRESS: %w", errGet)
		}
	}); errDo != nil {
		return netip.Addr{}, fmt.Errorf("STUN request to %s failed: %w", server, errDo)
	}
	if errRes != nil {
		return netip.Addr{}, fmt.Errorf("STUN request to %s failed: %w", server, errRes)
	}

	ip, ok := netip.AddrFromSlice(xorAddr.IP.To4())
	if !ok {
		return netip.Addr{}, fmt.Errorf("STUN server %s returned non IPv4 address %s", server, xorAddr.IP)
	}

	return ip, nil
}
