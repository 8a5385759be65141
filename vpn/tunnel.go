package vpn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"tailscale.com/net/tsaddr"
	"tailscale.com/types/netmap"

	"github.com/chillshell/tsvpn/common"
)

// Tunnel errors.
var (
	ErrNoTunnel        = errors.New("tunnel is not running")
	ErrAlreadyDetached = errors.New("tunnel descriptor already detached")
)

// TunnelConfig describes the virtual interface to establish. A config is
// not modified after it is handed to TunnelPlatform.Establish.
type TunnelConfig struct {
	SessionName    string
	MTU            int
	Addresses      []netip.Prefix
	Routes         []netip.Prefix
	ExcludedRoutes []netip.Prefix
	DNSServers     []netip.Addr
	SearchDomains  []string
}

func (c TunnelConfig) clone() TunnelConfig {
	c.Addresses = slices.Clone(c.Addresses)
	c.Routes = slices.Clone(c.Routes)
	c.ExcludedRoutes = slices.Clone(c.ExcludedRoutes)
	c.DNSServers = slices.Clone(c.DNSServers)
	c.SearchDomains = slices.Clone(c.SearchDomains)
	return c
}

// TunnelHandle is an established tunnel interface.
type TunnelHandle interface {
	// Name returns the interface name.
	Name() string
	// Detach hands ownership of the interface descriptor to the caller.
	// After Detach, Close releases everything except the descriptor.
	Detach() (int, error)
	Close() error
}

// TunnelPlatform creates tunnels on the host OS.
type TunnelPlatform interface {
	// Establish creates the interface described by cfg. It returns a nil
	// handle and nil error when the OS declines.
	Establish(ctx context.Context, cfg TunnelConfig) (TunnelHandle, error)
	// Protect exempts the socket fd from the tunnel's routes.
	Protect(fd int) error
}

// TunnelManager owns the lifecycle of the tunnel. Start and Stop are
// serialized.
type TunnelManager struct {
	platform TunnelPlatform

	mu       sync.Mutex
	handle   TunnelHandle
	detached bool
}

// NewTunnelManager creates a TunnelManager establishing tunnels through p.
func NewTunnelManager(p TunnelPlatform) *TunnelManager {
	return &TunnelManager{platform: p}
}

// Start establishes the tunnel. It is a no-op if the tunnel is running.
// An OS refusal is reported as common.ErrTunnelEstablishFailed and may be
// retried.
func (m *TunnelManager) Start(ctx context.Context, cfg TunnelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		return nil
	}
	return m.establishLocked(ctx, cfg)
}

func (m *TunnelManager) establishLocked(ctx context.Context, cfg TunnelConfig) error {
	h, err := m.platform.Establish(ctx, cfg.clone())
	if err != nil {
		common.LogError("tunnel: establish failed: %v", err)
		return common.ErrTunnelEstablishFailed.With(err)
	}
	if h == nil {
		common.LogWarn("tunnel: establish declined by the OS")
		return common.ErrTunnelEstablishFailed
	}
	m.handle = h
	m.detached = false
	common.LogInfo("tunnel: %s up (%d addresses, %d routes)", h.Name(), len(cfg.Addresses), len(cfg.Routes))
	return nil
}

// Stop tears the tunnel down. It is a no-op if the tunnel is not running.
func (m *TunnelManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *TunnelManager) stopLocked() error {
	if m.handle == nil {
		return nil
	}
	h := m.handle
	m.handle = nil
	m.detached = false
	if err := h.Close(); err != nil {
		return fmt.Errorf("closing tunnel %s: %w", h.Name(), err)
	}
	common.LogInfo("tunnel: %s down", h.Name())
	return nil
}

// Running reports whether a tunnel is established.
func (m *TunnelManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}

// NewBuilder returns a Builder for the backend to describe a tunnel with.
func (m *TunnelManager) NewBuilder() *Builder {
	return &Builder{
		m: m,
		cfg: TunnelConfig{
			SessionName: common.SessionName,
			MTU:         common.DefaultMTU,
		},
	}
}

// Protect keeps the socket fd from being routed through the tunnel.
func (m *TunnelManager) Protect(fd int) bool {
	if err := m.platform.Protect(fd); err != nil {
		common.LogWarn("tunnel: protect fd %d: %v", fd, err)
		return false
	}
	return true
}

// Detach hands the tunnel descriptor to the caller. It succeeds at most
// once per established tunnel.
func (m *TunnelManager) Detach() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return -1, ErrNoTunnel
	}
	if m.detached {
		return -1, ErrAlreadyDetached
	}
	fd, err := m.handle.Detach()
	if err != nil {
		return -1, fmt.Errorf("detaching %s: %w", m.handle.Name(), err)
	}
	m.detached = true
	return fd, nil
}

// Builder accumulates a TunnelConfig. It is not safe for concurrent use.
type Builder struct {
	m   *TunnelManager
	cfg TunnelConfig
}

// SetSession sets the label of the tunnel session.
func (b *Builder) SetSession(name string) *Builder {
	b.cfg.SessionName = name
	return b
}

// AddAddress assigns p to the interface.
func (b *Builder) AddAddress(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid address %v", p)
	}
	b.cfg.Addresses = append(b.cfg.Addresses, p)
	return nil
}

// AddRoute routes p through the tunnel.
func (b *Builder) AddRoute(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid route %v", p)
	}
	b.cfg.Routes = append(b.cfg.Routes, p.Masked())
	return nil
}

// ExcludeRoute keeps p out of the tunnel.
func (b *Builder) ExcludeRoute(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid route %v", p)
	}
	b.cfg.ExcludedRoutes = append(b.cfg.ExcludedRoutes, p.Masked())
	return nil
}

// AddDNSServer adds a resolver reachable through the tunnel.
func (b *Builder) AddDNSServer(a netip.Addr) error {
	if !a.IsValid() {
		return fmt.Errorf("invalid DNS server %v", a)
	}
	b.cfg.DNSServers = append(b.cfg.DNSServers, a)
	return nil
}

// AddSearchDomain adds a DNS search domain.
func (b *Builder) AddSearchDomain(domain string) error {
	domain = strings.Trim(strings.TrimSpace(domain), ".")
	if domain == "" {
		return errors.New("empty search domain")
	}
	b.cfg.SearchDomains = append(b.cfg.SearchDomains, domain)
	return nil
}

// SetMTU sets the interface MTU.
func (b *Builder) SetMTU(mtu int) error {
	if mtu < 576 || mtu > 65535 {
		return fmt.Errorf("MTU %d out of range", mtu)
	}
	b.cfg.MTU = mtu
	return nil
}

// Config returns a copy of the accumulated configuration.
func (b *Builder) Config() TunnelConfig {
	return b.cfg.clone()
}

// Establish replaces the running tunnel, if any, with one built from the
// accumulated configuration.
func (b *Builder) Establish(ctx context.Context) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if err := b.m.stopLocked(); err != nil {
		common.LogWarn("tunnel: %v", err)
	}
	return b.m.establishLocked(ctx, b.cfg)
}

// tunnelConfigFromNetMap derives the tunnel configuration from the self
// node of nm. It reports false if the node has no addresses yet.
func tunnelConfigFromNetMap(nm *netmap.NetworkMap, mtu int, excluded []netip.Prefix) (TunnelConfig, bool) {
	if nm == nil || !nm.SelfNode.Valid() {
		return TunnelConfig{}, false
	}
	addrs := nm.GetAddresses()
	if addrs.Len() == 0 {
		return TunnelConfig{}, false
	}

	cfg := TunnelConfig{
		SessionName:    common.SessionName,
		MTU:            mtu,
		ExcludedRoutes: slices.Clone(excluded),
	}
	var has4, has6 bool
	for i := range addrs.Len() {
		p := addrs.At(i)
		cfg.Addresses = append(cfg.Addresses, p)
		if p.Addr().Is4() {
			has4 = true
		} else {
			has6 = true
		}
	}
	if has4 {
		cfg.Routes = append(cfg.Routes, tsaddr.CGNATRange())
		cfg.DNSServers = append(cfg.DNSServers, tsaddr.TailscaleServiceIP())
	}
	if has6 {
		cfg.Routes = append(cfg.Routes, tsaddr.TailscaleULARange())
		cfg.DNSServers = append(cfg.DNSServers, tsaddr.TailscaleServiceIPv6())
	}

	seen := map[string]bool{}
	for _, d := range append([]string{netmap.MagicDNSSuffixOfNodeName(nm.SelfNode.Name())}, nm.DNS.Domains...) {
		d = strings.ToLower(strings.Trim(d, "."))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		cfg.SearchDomains = append(cfg.SearchDomains, d)
	}
	return cfg, true
}
