package platform

import (
	"context"
	"net/netip"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/chillshell/tsvpn/common"
	"github.com/chillshell/tsvpn/vpn"
)

const dmiProductName = "/sys/class/dmi/id/product_name"

// HostFacts reports facts about the running host. OS version and model
// are read once.
type HostFacts struct {
	osVersion string
	model     string
}

var _ vpn.DeviceFacts = (*HostFacts)(nil)

// NewHostFacts collects the static host facts.
func NewHostFacts(ctx context.Context) *HostFacts {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	f := &HostFacts{}
	if info, err := host.InfoWithContext(ctx); err == nil {
		f.osVersion = osVersionString(info)
	} else {
		common.LogWarn("host facts: %v", err)
	}
	if b, err := os.ReadFile(dmiProductName); err == nil {
		f.model = strings.TrimSpace(string(b))
	}
	return f
}

func osVersionString(info *host.InfoStat) string {
	parts := []string{info.Platform, info.PlatformVersion}
	if info.KernelVersion != "" {
		parts = append(parts, "("+info.KernelVersion+")")
	}
	return strings.Join(slices.DeleteFunc(parts, func(s string) bool { return s == "" }), " ")
}

func (f *HostFacts) OSVersion() string   { return f.osVersion }
func (f *HostFacts) DeviceModel() string { return f.model }

// Interfaces lists the host's network interfaces.
func (f *HostFacts) Interfaces() ([]vpn.Interface, error) {
	list, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	return convertInterfaces(list), nil
}

func convertInterfaces(list psnet.InterfaceStatList) []vpn.Interface {
	out := make([]vpn.Interface, 0, len(list))
	for _, is := range list {
		ifc := vpn.Interface{
			Name: is.Name,
			MTU:  is.MTU,
			Up:   slices.Contains(is.Flags, "up"),
		}
		for _, a := range is.Addrs {
			p, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				common.LogDebug("host facts: %s: skipping address %q", is.Name, a.Addr)
				continue
			}
			ifc.Addrs = append(ifc.Addrs, p)
		}
		out = append(out, ifc)
	}
	return out
}
