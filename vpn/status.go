package vpn

import (
	"cmp"
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/net/tsaddr"
	"tailscale.com/syncs"
	"tailscale.com/types/key"
	"tailscale.com/types/netmap"

	"github.com/chillshell/tsvpn/common"
)

// Peer is a node of the tailnet as shown to the presentation layer.
type Peer struct {
	DisplayName string
	DNSName     string
	TailscaleIP netip.Addr
	Online      bool
	OS          string
	// OpaqueID is a short prefix of the node's public key.
	OpaqueID string
}

// Identity is this device's address and name on the tailnet.
type Identity struct {
	IP         netip.Addr
	DeviceName string
}

// StateChange is delivered to OnStateChanged listeners.
type StateChange struct {
	IsConnected bool
	MyIP        netip.Addr
	DeviceName  string
}

// StatusSnapshot is the derived connection status. Published snapshots
// are never modified.
type StatusSnapshot struct {
	State         ConnectionState
	IsConnected   bool
	MyIP          netip.Addr
	DeviceName    string
	Peers         []Peer
	TunnelRunning bool
}

// Change returns the identity triple of s.
func (s StatusSnapshot) Change() StateChange {
	return StateChange{IsConnected: s.IsConnected, MyIP: s.MyIP, DeviceName: s.DeviceName}
}

// StatusCache holds the latest StatusSnapshot. It has a single writer
// and any number of readers.
type StatusCache struct {
	v syncs.AtomicValue[StatusSnapshot]
}

// Load returns the latest snapshot.
func (c *StatusCache) Load() StatusSnapshot {
	return c.v.Load()
}

func (c *StatusCache) publish(s StatusSnapshot) {
	c.v.Store(s)
}

// tailscaleIPv4 returns the first address of addrs inside the CGNAT block.
func tailscaleIPv4(addrs []netip.Addr) (netip.Addr, bool) {
	cgnat := tsaddr.CGNATRange()
	for _, a := range addrs {
		if a.Is4() && cgnat.Contains(a) {
			return a, true
		}
	}
	return netip.Addr{}, false
}

func prefixAddrs(ps []netip.Prefix) []netip.Addr {
	out := make([]netip.Addr, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Addr())
	}
	return out
}

func opaqueID(k key.NodePublic) string {
	if k.IsZero() {
		return ""
	}
	return strings.Trim(k.ShortString(), "[]")
}

func displayName(host, dnsName string) string {
	if host != "" {
		return host
	}
	name := common.TrimDNSName(dnsName)
	if label, _, ok := strings.Cut(name, "."); ok {
		return label
	}
	return name
}

func sortPeers(peers []Peer) {
	slices.SortFunc(peers, func(a, b Peer) int {
		if c := cmp.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)); c != 0 {
			return c
		}
		return a.TailscaleIP.Compare(b.TailscaleIP)
	})
}

// selfIdentity extracts the device name and first CGNAT IPv4 address of
// the self node.
func selfIdentity(nm *netmap.NetworkMap) Identity {
	if nm == nil || !nm.SelfNode.Valid() {
		return Identity{}
	}
	addrs := nm.GetAddresses()
	var ps []netip.Prefix
	for i := range addrs.Len() {
		ps = append(ps, addrs.At(i))
	}
	ip, _ := tailscaleIPv4(prefixAddrs(ps))
	return Identity{IP: ip, DeviceName: common.TrimDNSName(nm.SelfNode.Name())}
}

// peersFromNetMap converts the netmap's peers, dropping those without a
// tailscale IPv4 address.
func peersFromNetMap(nm *netmap.NetworkMap) []Peer {
	if nm == nil {
		return nil
	}
	peers := make([]Peer, 0, len(nm.Peers))
	for _, nv := range nm.Peers {
		if !nv.Valid() {
			continue
		}
		n := nv.AsStruct()
		ip, ok := tailscaleIPv4(prefixAddrs(n.Addresses))
		if !ok {
			continue
		}
		var osName, host string
		if n.Hostinfo.Valid() {
			osName = n.Hostinfo.OS()
			host = n.Hostinfo.Hostname()
		}
		if n.ComputedName != "" {
			host = n.ComputedName
		}
		peers = append(peers, Peer{
			DisplayName: displayName(host, n.Name),
			DNSName:     common.TrimDNSName(n.Name),
			TailscaleIP: ip,
			Online:      n.Online != nil && *n.Online,
			OS:          osName,
			OpaqueID:    opaqueID(n.Key),
		})
	}
	sortPeers(peers)
	return peers
}

// statusResponse is the subset of the LocalAPI status document we read.
// Peer records are decoded one at a time so a bad record only drops
// itself.
type statusResponse struct {
	BackendState string
	Peer         map[string]json.RawMessage
}

// parseStatusPeers decodes the peers of a LocalAPI status response.
// Malformed records and records without a tailscale IPv4 address are
// skipped.
func parseStatusPeers(body []byte) ([]Peer, error) {
	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	peers := make([]Peer, 0, len(st.Peer))
	for id, raw := range st.Peer {
		var ps ipnstate.PeerStatus
		if err := json.Unmarshal(raw, &ps); err != nil {
			common.LogWarn("peers: skipping malformed record %.12s: %v", id, err)
			continue
		}
		ip, ok := tailscaleIPv4(ps.TailscaleIPs)
		if !ok {
			common.LogDebug("peers: skipping %q without a tailscale address", ps.HostName)
			continue
		}
		peers = append(peers, Peer{
			DisplayName: displayName(ps.HostName, ps.DNSName),
			DNSName:     common.TrimDNSName(ps.DNSName),
			TailscaleIP: ip,
			Online:      ps.Online,
			OS:          ps.OS,
			OpaqueID:    opaqueID(ps.PublicKey),
		})
	}
	sortPeers(peers)
	return peers, nil
}
