package bundle

import (
	"errors"
	"fmt"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// ErrUnsupportedMessage is returned for client messages no handler chain
// can answer, e.g. a server-to-client message arriving on the server port.
var ErrUnsupportedMessage = errors.New("unsupported message type")

// Kind is the closed set of client messages a handler chain processes.
type Kind uint8

const (
	Solicit Kind = iota + 1
	Request
	Confirm
	Renew
	Rebind
	Release
	Decline
	InformationRequest
)

var kindNames = map[Kind]string{
	Solicit:            "solicit",
	Request:            "request",
	Confirm:            "confirm",
	Renew:              "renew",
	Rebind:             "rebind",
	Release:            "release",
	Decline:            "decline",
	InformationRequest: "information-request",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// KindOf maps a message type from the wire to its Kind.
func KindOf(mt dhcpv6.MessageType) (Kind, error) {
	switch mt {
	case dhcpv6.MessageTypeSolicit:
		return Solicit, nil
	case dhcpv6.MessageTypeRequest:
		return Request, nil
	case dhcpv6.MessageTypeConfirm:
		return Confirm, nil
	case dhcpv6.MessageTypeRenew:
		return Renew, nil
	case dhcpv6.MessageTypeRebind:
		return Rebind, nil
	case dhcpv6.MessageTypeRelease:
		return Release, nil
	case dhcpv6.MessageTypeDecline:
		return Decline, nil
	case dhcpv6.MessageTypeInformationRequest:
		return InformationRequest, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedMessage, mt)
	}
}
