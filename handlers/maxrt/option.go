package maxrt

import (
	"fmt"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/u-root/uio/uio"
)

// Bounds of SOL_MAX_RT and INF_MAX_RT values, RFC 7083 §4 and §5.
const (
	MinMaxRT = 60 * time.Second
	MaxMaxRT = 86400 * time.Second
)

// OptSolMaxRT returns a SOL_MAX_RT option, RFC 7083 §4.
func OptSolMaxRT(d time.Duration) *OptMaxRT {
	return &OptMaxRT{OptionCode: dhcpv6.OptionSolMaxRT, MaxRT: d}
}

// OptInfMaxRT returns an INF_MAX_RT option, RFC 7083 §5.
func OptInfMaxRT(d time.Duration) *OptMaxRT {
	return &OptMaxRT{OptionCode: dhcpv6.OptionInfMaxRT, MaxRT: d}
}

// OptMaxRT overrides one of the client's retransmission ceilings. Both
// options share the same format: a single 32 bit value in seconds.
type OptMaxRT struct {
	OptionCode dhcpv6.OptionCode
	MaxRT      time.Duration
}

// Code returns the option's code
func (op *OptMaxRT) Code() dhcpv6.OptionCode {
	return op.OptionCode
}

// ToBytes serializes the option and returns it as a sequence of bytes
func (op *OptMaxRT) ToBytes() []byte {
	buf := uio.NewBigEndianBuffer(nil)
	dhcpv6.Duration{Duration: op.MaxRT}.Marshal(buf)
	return buf.Data()
}

func (op *OptMaxRT) String() string {
	return fmt.Sprintf("%s: %v", op.Code(), op.MaxRT)
}

// FromBytes builds an OptMaxRT from a sequence of bytes. The input data does
// not include option code and length bytes.
func (op *OptMaxRT) FromBytes(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("%s must have length 4, got %d", op.Code(), len(data))
	}
	buf := uio.NewBigEndianBuffer(data)
	var d dhcpv6.Duration
	d.Unmarshal(buf)
	op.MaxRT = d.Duration
	return buf.FinError()
}

// validate checks the range required by RFC 7083.
func validate(d time.Duration) error {
	if d < MinMaxRT || d > MaxMaxRT {
		return fmt.Errorf("%v is outside of %v..%v", d, MinMaxRT, MaxMaxRT)
	}
	return nil
}

var _ dhcpv6.Option = (*OptMaxRT)(nil)
