package serverid

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lion7/caddydhcp6/bundle"
)

var (
	serverDUID = &dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
	}
	otherServerDUID = &dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	}
	clientDUID = &dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
	}
)

func TestParseDUID(t *testing.T) {
	tests := []struct {
		in      string
		want    dhcpv6.DUIDType
		wantErr bool
	}{
		{in: "ll 02:00:00:00:00:01", want: dhcpv6.DUID_LL},
		{in: "DUID-LLT 02:00:00:00:00:01", want: dhcpv6.DUID_LLT},
		{in: "uuid 6ba7b810-9dad-11d1-80b4-00c04fd430c8", want: dhcpv6.DUID_UUID},
		{in: "ll", wantErr: true},
		{in: "ll not-a-mac", wantErr: true},
		{in: "uuid nope", wantErr: true},
		{in: "en 1234", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			duid, err := parseDUID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, duid.DUIDType())
		})
	}
}

func TestHandle6(t *testing.T) {
	tests := []struct {
		name        string
		mt          dhcpv6.MessageType
		serverID    dhcpv6.DUID
		wantDiscard bool
	}{
		{name: "solicit without server id", mt: dhcpv6.MessageTypeSolicit},
		{name: "solicit with server id", mt: dhcpv6.MessageTypeSolicit, serverID: serverDUID, wantDiscard: true},
		{name: "confirm with server id", mt: dhcpv6.MessageTypeConfirm, serverID: serverDUID, wantDiscard: true},
		{name: "rebind with server id", mt: dhcpv6.MessageTypeRebind, serverID: serverDUID, wantDiscard: true},
		{name: "rebind without server id", mt: dhcpv6.MessageTypeRebind},
		{name: "request for us", mt: dhcpv6.MessageTypeRequest, serverID: serverDUID},
		{name: "request for another server", mt: dhcpv6.MessageTypeRequest, serverID: otherServerDUID, wantDiscard: true},
		{name: "request without server id", mt: dhcpv6.MessageTypeRequest, wantDiscard: true},
		{name: "renew without server id", mt: dhcpv6.MessageTypeRenew, wantDiscard: true},
		{name: "release without server id", mt: dhcpv6.MessageTypeRelease, wantDiscard: true},
		{name: "decline without server id", mt: dhcpv6.MessageTypeDecline, wantDiscard: true},
		{name: "information request", mt: dhcpv6.MessageTypeInformationRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &dhcpv6.Message{MessageType: tt.mt}
			msg.AddOption(dhcpv6.OptClientID(clientDUID))
			if tt.serverID != nil {
				msg.AddOption(dhcpv6.OptServerID(tt.serverID))
			}
			b, err := bundle.New(msg, nil)
			require.NoError(t, err)

			m := &Module{duid: serverDUID, logger: zaptest.NewLogger(t)}
			require.NoError(t, m.Handle6(b))

			assert.Equal(t, tt.wantDiscard, b.Discarded())
			if !tt.wantDiscard {
				sid := b.Response().Options.ServerID()
				require.NotNil(t, sid)
				assert.True(t, sid.Equal(serverDUID))
			}
		})
	}
}
