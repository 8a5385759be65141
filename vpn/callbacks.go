package vpn

import (
	"net/netip"

	"github.com/chillshell/tsvpn/common"
)

// Interface describes a host network interface.
type Interface struct {
	Name  string
	Addrs []netip.Prefix
	MTU   int
	Up    bool
}

// DeviceFacts reports read-only facts about the host.
type DeviceFacts interface {
	OSVersion() string
	DeviceModel() string
	Interfaces() ([]Interface, error)
}

// Callbacks is the capability surface the backend calls into. Every
// method is synchronous and safe for concurrent use.
type Callbacks interface {
	// Secure state.
	Put(key, value string) error
	Get(key string) (string, bool)
	ListKeys() []string
	Log(tag, message string)

	// Device facts.
	OSVersion() string
	DeviceModel() string
	InstallSource() string
	Interfaces() ([]Interface, error)

	// Tunnel capability.
	NewBuilder() *Builder
	Protect(fd int) bool
	Detach() (int, error)

	// Not supported on this platform; always common.ErrNotConfigured.
	PolicyQuery(key string) (string, error)
	HardwareAttestation() ([]byte, error)
}

type callbackSurface struct {
	store         common.SecureStore
	facts         DeviceFacts
	tunnel        *TunnelManager
	installSource string
}

var _ Callbacks = (*callbackSurface)(nil)

func (c *callbackSurface) Put(key, value string) error {
	if c.store == nil {
		return common.ErrNotInitialized
	}
	return c.store.Put(key, value)
}

func (c *callbackSurface) Get(key string) (string, bool) {
	if c.store == nil {
		return "", false
	}
	return c.store.Get(key)
}

func (c *callbackSurface) ListKeys() []string {
	if c.store == nil {
		return nil
	}
	return c.store.ListKeys()
}

func (c *callbackSurface) Log(tag, message string) {
	common.LogTagged(tag, message)
}

func (c *callbackSurface) OSVersion() string {
	if c.facts == nil {
		return ""
	}
	return c.facts.OSVersion()
}

func (c *callbackSurface) DeviceModel() string {
	if c.facts == nil {
		return ""
	}
	return c.facts.DeviceModel()
}

func (c *callbackSurface) InstallSource() string {
	return c.installSource
}

func (c *callbackSurface) Interfaces() ([]Interface, error) {
	if c.facts == nil {
		return nil, common.ErrNotInitialized
	}
	return c.facts.Interfaces()
}

func (c *callbackSurface) NewBuilder() *Builder {
	return c.tunnel.NewBuilder()
}

func (c *callbackSurface) Protect(fd int) bool {
	return c.tunnel.Protect(fd)
}

func (c *callbackSurface) Detach() (int, error) {
	return c.tunnel.Detach()
}

func (c *callbackSurface) PolicyQuery(key string) (string, error) {
	return "", common.ErrNotConfigured
}

func (c *callbackSurface) HardwareAttestation() ([]byte, error) {
	return nil, common.ErrNotConfigured
}
