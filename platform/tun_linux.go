//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/tailscale/netlink"
	"github.com/tailscale/wireguard-go/tun"
	"golang.org/x/sys/unix"
	"tailscale.com/types/logger"

	"github.com/chillshell/tsvpn/vpn"
)

const (
	resolvedBusName   = "org.freedesktop.resolve1"
	resolvedPath      = dbus.ObjectPath("/org/freedesktop/resolve1")
	resolvedInterface = "org.freedesktop.resolve1.Manager"
)

type resolvedLinkNameserver struct {
	Family  int32
	Address []byte
}

type resolvedLinkDomain struct {
	Domain      string
	RoutingOnly bool
}

// LinuxTUN establishes tunnels on a kernel TUN device.
type LinuxTUN struct {
	// Name is the interface name to create.
	Name string
	// Fwmark is set on protected sockets.
	Fwmark uint32

	logf logger.Logf
}

var _ vpn.TunnelPlatform = (*LinuxTUN)(nil)

// NewLinuxTUN returns a platform creating the interface name. A nil
// logf discards log output.
func NewLinuxTUN(logf logger.Logf, name string, fwmark uint32) *LinuxTUN {
	if logf == nil {
		logf = logger.Discard
	}
	return &LinuxTUN{Name: name, Fwmark: fwmark, logf: logf}
}

// Establish creates and configures the TUN device. It returns a nil
// handle when the process lacks the privileges to create it.
func (l *LinuxTUN) Establish(ctx context.Context, cfg vpn.TunnelConfig) (vpn.TunnelHandle, error) {
	dev, err := tun.CreateTUN(l.Name, cfg.MTU)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, unix.EPERM) {
			l.logf("creating %s refused: %v", l.Name, err)
			return nil, nil
		}
		return nil, fmt.Errorf("creating %s: %w", l.Name, err)
	}
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, err
	}

	h := &tunHandle{dev: dev, name: name, logf: l.logf}
	if err := h.configure(ctx, cfg); err != nil {
		h.Close()
		return nil, fmt.Errorf("configuring %s: %w", name, err)
	}
	l.logf("%s up (session %q, mtu %d, %d routes)", name, cfg.SessionName, cfg.MTU, len(cfg.Routes))
	return h, nil
}

// Protect marks the socket fd so it can be routed around the tunnel.
func (l *LinuxTUN) Protect(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(l.Fwmark)); err != nil {
		return fmt.Errorf("setting socket mark: %w", err)
	}
	return nil
}

type tunHandle struct {
	dev  tun.Device
	name string
	logf logger.Logf

	mu      sync.Mutex
	ifindex int
	bypass  []*netlink.Route
	dns     bool
	closed  bool
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	p = p.Masked()
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func (h *tunHandle) configure(ctx context.Context, cfg vpn.TunnelConfig) error {
	link, err := netlink.LinkByName(h.name)
	if err != nil {
		return err
	}
	h.ifindex = link.Attrs().Index

	// Resolve next hops for excluded routes before the tunnel routes can
	// capture them.
	bypass := bypassRoutes(h.logf, cfg.ExcludedRoutes)

	for _, p := range cfg.Addresses {
		if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: prefixToIPNet(p)}); err != nil {
			return fmt.Errorf("adding address %v: %w", p, err)
		}
	}
	if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
		return fmt.Errorf("setting mtu: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing link up: %w", err)
	}
	for _, p := range cfg.Routes {
		r := &netlink.Route{LinkIndex: h.ifindex, Dst: prefixToIPNet(p)}
		if err := netlink.RouteReplace(r); err != nil {
			return fmt.Errorf("adding route %v: %w", p, err)
		}
	}
	for _, r := range bypass {
		if err := netlink.RouteReplace(r); err != nil {
			h.logf("excluding %v: %v", r.Dst, err)
			continue
		}
		h.bypass = append(h.bypass, r)
	}

	if len(cfg.DNSServers) > 0 || len(cfg.SearchDomains) > 0 {
		if err := h.setDNS(ctx, cfg); err != nil {
			// Name resolution through the tunnel is optional.
			h.logf("configuring systemd-resolved: %v", err)
		} else {
			h.dns = true
		}
	}
	return nil
}

// bypassRoutes returns routes sending each excluded prefix through the
// next hop the host currently uses for it.
func bypassRoutes(logf logger.Logf, excluded []netip.Prefix) []*netlink.Route {
	var out []*netlink.Route
	for _, p := range excluded {
		rs, err := netlink.RouteGet(p.Masked().Addr().AsSlice())
		if err != nil || len(rs) == 0 {
			logf("no route for excluded %v: %v", p, err)
			continue
		}
		out = append(out, &netlink.Route{
			LinkIndex: rs[0].LinkIndex,
			Gw:        rs[0].Gw,
			Dst:       prefixToIPNet(p),
		})
	}
	return out
}

func resolvedNameservers(addrs []netip.Addr) []resolvedLinkNameserver {
	out := make([]resolvedLinkNameserver, 0, len(addrs))
	for _, a := range addrs {
		ip := a.As16()
		if a.Is4() {
			out = append(out, resolvedLinkNameserver{Family: unix.AF_INET, Address: ip[12:]})
		} else {
			out = append(out, resolvedLinkNameserver{Family: unix.AF_INET6, Address: ip[:]})
		}
	}
	return out
}

func resolvedDomains(domains []string) []resolvedLinkDomain {
	out := make([]resolvedLinkDomain, 0, len(domains))
	for _, d := range domains {
		out = append(out, resolvedLinkDomain{Domain: d + ".", RoutingOnly: false})
	}
	return out
}

func (h *tunHandle) setDNS(ctx context.Context, cfg vpn.TunnelConfig) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	obj := conn.Object(resolvedBusName, resolvedPath)
	if err := obj.CallWithContext(ctx, resolvedInterface+".SetLinkDNS", 0,
		int32(h.ifindex), resolvedNameservers(cfg.DNSServers)).Store(); err != nil {
		return fmt.Errorf("SetLinkDNS: %w", err)
	}
	if err := obj.CallWithContext(ctx, resolvedInterface+".SetLinkDomains", 0,
		int32(h.ifindex), resolvedDomains(cfg.SearchDomains)).Store(); err != nil {
		return fmt.Errorf("SetLinkDomains: %w", err)
	}
	return nil
}

func (h *tunHandle) revertDNS() {
	conn, err := dbus.SystemBus()
	if err != nil {
		return
	}
	call := conn.Object(resolvedBusName, resolvedPath).Call(resolvedInterface+".RevertLink", 0, int32(h.ifindex))
	if call.Err != nil {
		h.logf("RevertLink: %v", call.Err)
	}
}

func (h *tunHandle) Name() string { return h.name }

// Detach duplicates the device descriptor for the caller, who owns the
// returned fd.
func (h *tunHandle) Detach() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1, os.ErrClosed
	}
	fd, err := unix.Dup(int(h.dev.File().Fd()))
	if err != nil {
		return -1, fmt.Errorf("dup tun fd: %w", err)
	}
	return fd, nil
}

func (h *tunHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.dns {
		h.revertDNS()
	}
	for _, r := range h.bypass {
		if err := netlink.RouteDel(r); err != nil {
			h.logf("removing bypass %v: %v", r.Dst, err)
		}
	}
	// Closing the device removes the link with its addresses and routes.
	return h.dev.Close()
}
