package caddydhcp6

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
	"github.com/lion7/caddydhcp6/handlers/dns"
	"github.com/lion7/caddydhcp6/handlers/fixedduid"
	"github.com/lion7/caddydhcp6/handlers/maxrt"
	"github.com/lion7/caddydhcp6/handlers/messagelog"
	"github.com/lion7/caddydhcp6/handlers/nbp"
	"github.com/lion7/caddydhcp6/handlers/searchdomains"
	"github.com/lion7/caddydhcp6/handlers/serverid"
	"github.com/lion7/caddydhcp6/handlers/unanswered"
)

// maxDatagramSize is the largest UDP payload a request can have.
const maxDatagramSize = 1<<16 - 1

func init() {
	// register this app module
	caddy.RegisterModule(App{})

	// register handler modules
	caddy.RegisterModule(dns.Module{})
	caddy.RegisterModule(fixedduid.Module{})
	caddy.RegisterModule(maxrt.Module{})
	caddy.RegisterModule(messagelog.Module{})
	caddy.RegisterModule(nbp.Module{})
	caddy.RegisterModule(searchdomains.Module{})
	caddy.RegisterModule(serverid.Module{})
	caddy.RegisterModule(unanswered.Module{})
}

type App struct {
	Servers map[string]*Server `json:"servers,omitempty"`

	servers  []*dhcpServer
	metrics  *metrics
	errGroup *errgroup.Group
}

type Server struct {
	// Network interfaces this server serves directly connected clients on.
	// Each needs a global unicast address, which identifies the link of the
	// clients whose requests arrive on that interface.
	Interfaces []string `json:"interfaces,omitempty"`

	// Socket addresses to which to bind listeners.
	// Accepts network addresses that may include ports.
	// Listener addresses must be unique; they cannot be repeated across all defined servers.
	// The default addresses are `[::]:547`, `[ff02::1:2]:547` and `[ff05::1:3]:547`.
	Addresses []string `json:"addresses,omitempty"`

	// The global address identifying the link of directly connected
	// clients. Only allowed with at most one interface; defaults to the
	// first global unicast address of each configured interface. Relayed
	// requests carry their own link address.
	LinkAddress string `json:"linkAddress,omitempty"`

	// Enables access logging.
	Logs bool `json:"logs,omitempty"`

	// The list of handlers for this server. Every transaction runs through
	// all of them, from the top of the list to the bottom. Each handler
	// answers the options it is responsible for and leaves the rest to the
	// handlers after it, so order matters: put handlers that drop
	// transactions (serverid) first and fallbacks (unanswered) last.
	// A failing handler is logged and skipped.
	HandlersRaw []json.RawMessage `json:"handle,omitempty" caddy:"namespace=dhcp6.handlers inline_key=handler"`
}

type dhcpServer struct {
	name       string
	interfaces []string
	addresses  []caddy.NetworkAddress
	links      linkAddresses
	handler    handlers.Handler
	ctx        caddy.Context
	logger     *zap.Logger
	accessLog  *zap.Logger
	metrics    *metrics

	connections []net.PacketConn
}

// CaddyModule returns the Caddy module information.
func (App) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6",
		New: func() caddy.Module { return new(App) },
	}
}

func (app *App) Provision(ctx caddy.Context) error {
	var err error
	app.metrics, err = newMetrics(ctx.GetMetricsRegistry())
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	for name, srv := range app.Servers {
		interfaces := srv.Interfaces
		if len(interfaces) == 0 {
			interfaces = []string{""}
		}

		var addresses []caddy.NetworkAddress
		for _, address := range srv.Addresses {
			addr, err := caddy.ParseNetworkAddressWithDefaults(address, "udp6", dhcpv6.DefaultServerPort)
			if err != nil {
				return err
			}
			if addr.Network != "udp6" {
				return fmt.Errorf("server %s: %s is not an IPv6 UDP address", name, address)
			}
			addresses = append(addresses, addr)
		}
		if len(addresses) == 0 {
			addresses = defaultAddresses()
		}

		logger := ctx.Logger().Named(name)
		links, err := resolveLinkAddresses(srv.LinkAddress, srv.Interfaces)
		if err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
		if links.configured == nil && len(links.byIndex) == 0 {
			logger.Info("no link address, only relayed clients get link-scoped answers")
		}

		handler, err := compileHandlerChain(ctx, srv, app.metrics.handlerErrors.WithLabelValues(name))
		if err != nil {
			return err
		}

		var accessLog *zap.Logger
		if srv.Logs {
			accessLog = logger.Named("access")
		}
		s := &dhcpServer{
			name:       name,
			interfaces: interfaces,
			addresses:  addresses,
			links:      links,
			handler:    handler,
			ctx:        ctx,
			logger:     logger,
			accessLog:  accessLog,
			metrics:    app.metrics,
		}

		app.servers = append(app.servers, s)
	}
	return nil
}

func defaultAddresses() []caddy.NetworkAddress {
	var addresses []caddy.NetworkAddress
	for _, host := range []string{"", dhcpv6.AllDHCPRelayAgentsAndServers.String(), dhcpv6.AllDHCPServers.String()} {
		addresses = append(addresses, caddy.NetworkAddress{
			Network:   "udp6",
			Host:      host,
			StartPort: dhcpv6.DefaultServerPort,
			EndPort:   dhcpv6.DefaultServerPort,
		})
	}
	return addresses
}

// Start starts the app.
func (app *App) Start() error {
	app.errGroup = &errgroup.Group{}
	for _, s := range app.servers {
		s.logger.Info(
			"starting server loop",
			zap.String("name", s.name),
			zap.Strings("interfaces", s.interfaces),
			zap.Stringers("addresses", s.addresses),
			zap.Stringer("linkAddresses", s.links),
		)
		for _, addr := range s.addresses {
			ln, err := addr.Listen(s.ctx, 0, net.ListenConfig{})
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %v", addr, err)
			}
			conn := ln.(net.PacketConn)
			s.connections = append(s.connections, conn)
			app.errGroup.Go(func() error {
				return s.serve(conn)
			})
		}
	}
	return nil
}

// Stop stops the app.
func (app *App) Stop() error {
	for _, s := range app.servers {
		s.logger.Info(
			"server shutting down with eternal grace period",
			zap.String("name", s.name),
			zap.Strings("interfaces", s.interfaces),
			zap.Stringers("addresses", s.addresses),
		)
		for _, conn := range s.connections {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
		}
	}
	if app.errGroup == nil {
		return nil
	}
	return app.errGroup.Wait()
}

// serve reads requests until conn is closed. Every request is handled in
// its own goroutine.
func (s *dhcpServer) serve(conn net.PacketConn) error {
	defer conn.Close()
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		s.logger.Warn("cannot learn the arrival interface of requests", zap.Error(err))
	}
	for {
		rbuf := make([]byte, maxDatagramSize)
		n, cm, peer, err := pc.ReadFrom(rbuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("error reading from packet conn", zap.Error(err))
			return err
		}
		s.logger.Debug("handling request", zap.Stringer("peer", peer))

		m, err := dhcpv6.FromBytes(rbuf[:n])
		if err != nil {
			s.logger.Error("error parsing DHCPv6 request", zap.Error(err))
			continue
		}

		upeer, ok := peer.(*net.UDPAddr)
		if !ok {
			s.logger.Warn("not a UDP connection?", zap.Stringer("peer", peer))
			continue
		}

		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		go s.handle6(pc, upeer, m, ifIndex)
	}
}

func (s *dhcpServer) handle6(pc *ipv6.PacketConn, peer *net.UDPAddr, m dhcpv6.DHCPv6, ifIndex int) {
	var (
		reply dhcpv6.DHCPv6
		err   error
		n     int
	)

	if s.accessLog != nil {
		start := time.Now()
		defer func() {
			end := time.Now()
			d := end.Sub(start)
			s.accessLog.Info(
				"handled request",
				zap.String("remote_ip", peer.IP.String()),
				zap.Int("remote_port", peer.Port),
				zap.Int("interface", ifIndex),
				zap.String("message_type", m.Type().String()),
				zap.Int("bytes_written", n),
				zap.String("duration", d.String()),
			)
		}()
	}

	reply, err = s.process(m, ifIndex)
	if err != nil {
		s.logger.Warn("dropping request", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	if reply == nil {
		return
	}

	// answer on the interface the request came in on
	var wcm *ipv6.ControlMessage
	if ifIndex != 0 {
		wcm = &ipv6.ControlMessage{IfIndex: ifIndex}
	}
	n, err = pc.WriteTo(reply.ToBytes(), wcm, peer)
	if err != nil {
		s.logger.Error("cannot write response", zap.Error(err))
		return
	}
	s.metrics.replies.WithLabelValues(s.name).Inc()
}

// process runs one request received on interface ifIndex through the
// handler chain. It returns no reply when a handler discarded the
// transaction.
func (s *dhcpServer) process(m dhcpv6.DHCPv6, ifIndex int) (dhcpv6.DHCPv6, error) {
	b, err := bundle.New(m, s.links.forInterface(ifIndex))
	if err != nil {
		return nil, err
	}
	s.metrics.transactions.WithLabelValues(s.name, b.Kind().String()).Inc()
	s.logger.Debug("received message", zap.String("message", b.Request().Summary()))

	if err := s.handler.Handle6(b); err != nil {
		// the chain carried on past every failing handler
		s.logger.Error("handlers failed", zap.Stringer("kind", b.Kind()), zap.Error(err))
	}
	if b.Discarded() {
		s.logger.Debug("transaction discarded", zap.Stringer("kind", b.Kind()))
		return nil, nil
	}

	reply, err := b.Reply()
	if err != nil {
		return nil, fmt.Errorf("cannot create relay-repl from relay-forw: %w", err)
	}
	s.logger.Debug("send message", zap.String("message", b.Response().Summary()))
	return reply, nil
}

// Interfaces guards
var (
	_ caddy.App         = (*App)(nil)
	_ caddy.Provisioner = (*App)(nil)
)
