package types

import (
	"fmt"
	"net/netip"
)

// Origin metadata travels in headers so that message bodies only carry their own fields
const (
	HeaderOriginUser = "X-Dapn-Origin-User"
	HeaderOriginIP   = "X-Dapn-Origin-Ip"
	HeaderOriginPort = "X-Dapn-Origin-Port"
	HeaderRequestID  = "X-Dapn-Request-Id"
	// HeaderRelayed marks a request forwarded by a relay. Relayed requests are never relayed again
	HeaderRelayed = "X-Dapn-Relayed"
)

const (
	PathRequestBind = "/request/bind"
	PathBind        = "/bind"
	PathUnbind      = "/unbind"
)

// RequestBind asks the receiver to resolve, or relay, a bind for Target
type RequestBind struct {
	Target string `json:"target" example:"alice"`
}

// BindAddressResponse is returned by the target of a bind with its signaling address
type BindAddressResponse struct {
	IP   string `json:"ip" example:"203.0.113.1"`
	Port uint16 `json:"port" example:"7777"`
}

// Bind is a direct bind request. IP and Port are the signaling address of the sender
type Bind struct {
	IP   string `json:"ip" example:"203.0.113.2"`
	Port uint16 `json:"port" example:"7777"`
}

func NewBindAddressResponse(addr netip.AddrPort) BindAddressResponse {
	return BindAddressResponse{IP: addr.Addr().String(), Port: addr.Port()}
}

// Address converts the response into an address, failing on malformed IPs or a zero port
func (r BindAddressResponse) Address() (netip.AddrPort, error) {
	return parseAddrPort(r.IP, r.Port)
}

func NewBind(addr netip.AddrPort) Bind {
	return Bind{IP: addr.Addr().String(), Port: addr.Port()}
}

func (b Bind) Address() (netip.AddrPort, error) {
	return parseAddrPort(b.IP, b.Port)
}

func parseAddrPort(rawIP string, port uint16) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(rawIP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid ip %q: %w", rawIP, err)
	}
	if port == 0 {
		return netip.AddrPort{}, fmt.Errorf("invalid port 0")
	}
	return netip.AddrPortFrom(ip, port), nil
}
