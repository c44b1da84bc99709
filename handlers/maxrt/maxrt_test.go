package maxrt

import (
	"net"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lion7/caddydhcp6/bundle"
)

func TestOptMaxRT(t *testing.T) {
	opt := OptSolMaxRT(3600 * time.Second)
	assert.Equal(t, dhcpv6.OptionSolMaxRT, opt.Code())
	assert.Equal(t, []byte{0x00, 0x00, 0x0e, 0x10}, opt.ToBytes())

	parsed := &OptMaxRT{OptionCode: dhcpv6.OptionInfMaxRT}
	require.NoError(t, parsed.FromBytes([]byte{0x00, 0x01, 0x51, 0x80}))
	assert.Equal(t, 86400*time.Second, parsed.MaxRT)

	assert.Error(t, parsed.FromBytes([]byte{0x00, 0x01}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Module
		wantErr bool
	}{
		{name: "nothing configured", wantErr: true},
		{name: "sol only", m: Module{SolMaxRT: caddy.Duration(time.Hour)}},
		{name: "inf only", m: Module{InfMaxRT: caddy.Duration(time.Minute)}},
		{name: "too small", m: Module{SolMaxRT: caddy.Duration(59 * time.Second)}, wantErr: true},
		{name: "too large", m: Module{InfMaxRT: caddy.Duration(86401 * time.Second)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHandle6(t *testing.T) {
	m := &Module{
		SolMaxRT: caddy.Duration(time.Hour),
		InfMaxRT: caddy.Duration(2 * time.Hour),
		logger:   zaptest.NewLogger(t),
	}
	duid := &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5}}

	tests := []struct {
		name      string
		mt        dhcpv6.MessageType
		requested []dhcpv6.OptionCode
		want      dhcpv6.OptionCode
		wantValue time.Duration
	}{
		{name: "advertise", mt: dhcpv6.MessageTypeSolicit, requested: []dhcpv6.OptionCode{dhcpv6.OptionSolMaxRT}, want: dhcpv6.OptionSolMaxRT, wantValue: time.Hour},
		{name: "reply", mt: dhcpv6.MessageTypeRenew, requested: []dhcpv6.OptionCode{dhcpv6.OptionSolMaxRT}, want: dhcpv6.OptionSolMaxRT, wantValue: time.Hour},
		{name: "information reply", mt: dhcpv6.MessageTypeInformationRequest, requested: []dhcpv6.OptionCode{dhcpv6.OptionSolMaxRT, dhcpv6.OptionInfMaxRT}, want: dhcpv6.OptionInfMaxRT, wantValue: 2 * time.Hour},
		{name: "not requested", mt: dhcpv6.MessageTypeSolicit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &dhcpv6.Message{MessageType: tt.mt}
			msg.AddOption(dhcpv6.OptClientID(duid))
			if len(tt.requested) > 0 {
				dhcpv6.WithRequestedOptions(tt.requested...)(msg)
			}
			b, err := bundle.New(msg, nil)
			require.NoError(t, err)

			require.NoError(t, m.Handle6(b))

			sol := b.Response().GetOneOption(dhcpv6.OptionSolMaxRT)
			inf := b.Response().GetOneOption(dhcpv6.OptionInfMaxRT)
			switch tt.want {
			case dhcpv6.OptionSolMaxRT:
				require.NotNil(t, sol)
				assert.Nil(t, inf)
				assert.Equal(t, tt.wantValue, sol.(*OptMaxRT).MaxRT)
			case dhcpv6.OptionInfMaxRT:
				require.NotNil(t, inf)
				assert.Nil(t, sol)
				assert.Equal(t, tt.wantValue, inf.(*OptMaxRT).MaxRT)
			default:
				assert.Nil(t, sol)
				assert.Nil(t, inf)
			}
		})
	}
}
