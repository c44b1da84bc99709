// Package bundle implements the per-transaction state shared by a chain of
// option handlers: the inbound request, the reply under construction and
// the set of request options that have already been answered.
package bundle

import (
	"errors"
	"fmt"
	"net"

	"github.com/bits-and-blooms/bitset"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

var (
	// ErrNoLinkInformation is returned when neither a relay nor the
	// receiving interface tells which link the request arrived on.
	ErrNoLinkInformation = errors.New("no link information available")

	// ErrNoClientID is returned for client messages without a Client
	// Identifier option where one is mandatory.
	ErrNoClientID = errors.New("client identifier missing")
)

// Bundle holds one request and the reply being built for it.
// A Bundle is owned by a single goroutine for its whole lifetime.
type Bundle struct {
	kind     Kind
	incoming dhcpv6.DHCPv6
	relays   []*dhcpv6.RelayMessage
	request  *dhcpv6.Message
	response *dhcpv6.Message

	// interfaceLinkAddr identifies the link of the receiving interface,
	// used when the request was not relayed.
	interfaceLinkAddr net.IP

	// handled has one bit per top-level request option, by position.
	handled   *bitset.BitSet
	discarded bool
}

// New decapsulates an incoming message and prepares an empty reply for it.
// interfaceLinkAddr may be nil when the receiving listener has no global
// address configured.
func New(incoming dhcpv6.DHCPv6, interfaceLinkAddr net.IP) (*Bundle, error) {
	var relays []*dhcpv6.RelayMessage
	msg := incoming
	for msg.IsRelay() {
		relay := msg.(*dhcpv6.RelayMessage)
		relays = append(relays, relay)
		msg = relay.Options.RelayMessage()
		if msg == nil {
			return nil, errors.New("malformed relay message: no embedded message found")
		}
	}
	req, ok := msg.(*dhcpv6.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected inner message %T", msg)
	}

	kind, err := KindOf(req.Type())
	if err != nil {
		return nil, err
	}

	// RFC8415 §16: every message except Information-request carries a Client ID.
	cid := req.GetOneOption(dhcpv6.OptionClientID)
	if cid == nil && kind != InformationRequest {
		return nil, fmt.Errorf("%w in %s", ErrNoClientID, kind)
	}

	resp := &dhcpv6.Message{
		MessageType:   dhcpv6.MessageTypeReply,
		TransactionID: req.TransactionID,
	}
	if kind == Solicit {
		resp.MessageType = dhcpv6.MessageTypeAdvertise
	}
	if cid != nil {
		resp.AddOption(cid)
	}

	return &Bundle{
		kind:              kind,
		incoming:          incoming,
		relays:            relays,
		request:           req,
		response:          resp,
		interfaceLinkAddr: interfaceLinkAddr,
		handled:           bitset.New(uint(len(req.Options.Options))),
	}, nil
}

// Kind returns the kind of the client message.
func (b *Bundle) Kind() Kind {
	return b.kind
}

// Incoming returns the message as received, including any relay wrappers.
func (b *Bundle) Incoming() dhcpv6.DHCPv6 {
	return b.incoming
}

// Relays returns the relay wrappers of the request, outermost first.
func (b *Bundle) Relays() []*dhcpv6.RelayMessage {
	return b.relays
}

// Request returns the decapsulated client message. Handlers must not modify it.
func (b *Bundle) Request() *dhcpv6.Message {
	return b.request
}

// Response returns the reply under construction.
func (b *Bundle) Response() *dhcpv6.Message {
	return b.response
}

// ClientID returns the DUID of the client, or nil if it sent none.
func (b *Bundle) ClientID() dhcpv6.DUID {
	return b.request.Options.ClientID()
}

// UnansweredIANA returns the IA_NA options of the request that no handler
// has marked as handled yet, in request order.
func (b *Bundle) UnansweredIANA() []*dhcpv6.OptIANA {
	var opts []*dhcpv6.OptIANA
	for i, opt := range b.request.Options.Options {
		if b.handled.Test(uint(i)) {
			continue
		}
		if ia, ok := opt.(*dhcpv6.OptIANA); ok {
			opts = append(opts, ia)
		}
	}
	return opts
}

// UnansweredIAPD returns the IA_PD options of the request that no handler
// has marked as handled yet, in request order.
func (b *Bundle) UnansweredIAPD() []*dhcpv6.OptIAPD {
	var opts []*dhcpv6.OptIAPD
	for i, opt := range b.request.Options.Options {
		if b.handled.Test(uint(i)) {
			continue
		}
		if pd, ok := opt.(*dhcpv6.OptIAPD); ok {
			opts = append(opts, pd)
		}
	}
	return opts
}

// MarkHandled records that opt, an option instance taken from Request(),
// has been answered. Marking is idempotent and cannot be undone. Options
// that are not part of the request are ignored.
func (b *Bundle) MarkHandled(opt dhcpv6.Option) {
	if i, ok := b.indexOf(opt); ok {
		b.handled.Set(uint(i))
	}
}

// IsHandled reports whether opt has been marked as handled.
func (b *Bundle) IsHandled(opt dhcpv6.Option) bool {
	i, ok := b.indexOf(opt)
	return ok && b.handled.Test(uint(i))
}

// HandledCount returns the number of request options marked as handled.
func (b *Bundle) HandledCount() int {
	return int(b.handled.Count())
}

// indexOf finds the position of this exact option instance in the request.
// IAIDs are not unique enough to identify an option, pointers are.
func (b *Bundle) indexOf(opt dhcpv6.Option) (int, bool) {
	if opt == nil {
		return 0, false
	}
	for i, o := range b.request.Options.Options {
		if o == opt {
			return i, true
		}
	}
	return 0, false
}

// LinkAddress returns the address identifying the link the client is on:
// the link-address of the relay closest to the client that filled one in,
// or the global address of the receiving interface.
func (b *Bundle) LinkAddress() (net.IP, error) {
	for i := len(b.relays) - 1; i >= 0; i-- {
		if la := b.relays[i].LinkAddr; la != nil && !la.IsUnspecified() {
			return la, nil
		}
	}
	if b.interfaceLinkAddr != nil && !b.interfaceLinkAddr.IsUnspecified() {
		return b.interfaceLinkAddr, nil
	}
	return nil, ErrNoLinkInformation
}

// AppendReplyOption appends opt to the reply. Options keep the order in
// which handlers appended them.
func (b *Bundle) AppendReplyOption(opt dhcpv6.Option) {
	b.response.AddOption(opt)
}

// ForceStatus sets the top-level status of the reply. An existing status
// option is replaced in place so the reply never carries more than one.
func (b *Bundle) ForceStatus(code iana.StatusCode, message string) {
	b.response.UpdateOption(&dhcpv6.OptStatusCode{
		StatusCode:    code,
		StatusMessage: message,
	})
}

// Discard marks the transaction to be dropped without a reply.
func (b *Bundle) Discard() {
	b.discarded = true
}

// Discarded reports whether a handler asked to drop the transaction.
func (b *Bundle) Discarded() bool {
	return b.discarded
}

// Reply returns the message to send back, wrapped in Relay-Reply messages
// mirroring the relay chain of the request.
func (b *Bundle) Reply() (dhcpv6.DHCPv6, error) {
	if len(b.relays) == 0 {
		return b.response, nil
	}
	return dhcpv6.NewRelayReplFromRelayForw(b.relays[0], b.response)
}
