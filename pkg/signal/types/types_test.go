package types

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		port    uint16
		want    netip.AddrPort
		wantErr bool
	}{
		{name: "valid", ip: "203.0.113.1", port: 7777, want: netip.MustParseAddrPort("203.0.113.1:7777")},
		{name: "bad ip", ip: "203.0.113", port: 7777, wantErr: true},
		{name: "empty ip", port: 7777, wantErr: true},
		{name: "zero port", ip: "203.0.113.1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BindAddressResponse{IP: tt.ip, Port: tt.port}.Address()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			got, err = Bind{IP: tt.ip, Port: tt.port}.Address()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewBind(t *testing.T) {
	addr := netip.MustParseAddrPort("198.51.100.4:9000")
	assert.Equal(t, Bind{IP: "198.51.100.4", Port: 9000}, NewBind(addr))
	assert.Equal(t, BindAddressResponse{IP: "198.51.100.4", Port: 9000}, NewBindAddressResponse(addr))
}
