// Package platform provides the Linux collaborators of the orchestrator:
// the polkit permission gate, the TUN device, host facts, the browser
// opener and desktop notifications.
package platform

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/chillshell/tsvpn/common"
	"github.com/chillshell/tsvpn/vpn"
)

const (
	polkitBusName   = "org.freedesktop.PolicyKit1"
	polkitPath      = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitInterface = "org.freedesktop.PolicyKit1.Authority"

	// polkitAllowUserInteraction is CheckAuthorizationFlags.AllowUserInteraction.
	polkitAllowUserInteraction uint32 = 1
)

// StaticGate grants permission without asking. It is used when the tunnel
// runs without a TUN device.
type StaticGate struct {
	granted atomic.Bool
}

// RequestPermission implements vpn.PermissionGate.
func (g *StaticGate) RequestPermission(ctx context.Context) (vpn.Permission, error) {
	if err := ctx.Err(); err != nil {
		return vpn.PermissionDenied, err
	}
	if g.granted.Swap(true) {
		return vpn.PermissionAlreadyGranted, nil
	}
	return vpn.PermissionGranted, nil
}

type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// PolkitGate asks polkit over the system bus whether the caller may
// perform Action.
type PolkitGate struct {
	Action string

	conn    *dbus.Conn
	granted atomic.Bool
}

// NewPolkitGate returns a gate for action using the system bus.
func NewPolkitGate(action string) (*PolkitGate, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	return &PolkitGate{Action: action, conn: conn}, nil
}

// RequestPermission implements vpn.PermissionGate. It first checks
// without interaction, then lets polkit prompt the user. It blocks while
// the prompt is shown.
func (g *PolkitGate) RequestPermission(ctx context.Context) (vpn.Permission, error) {
	if g.granted.Load() {
		return vpn.PermissionAlreadyGranted, nil
	}

	ok, err := g.check(ctx, 0)
	if err != nil {
		return vpn.PermissionDenied, err
	}
	if ok {
		g.granted.Store(true)
		return vpn.PermissionAlreadyGranted, nil
	}

	common.LogInfo("polkit: requesting %s", g.Action)
	ok, err = g.check(ctx, polkitAllowUserInteraction)
	if err != nil {
		return vpn.PermissionDenied, err
	}
	if !ok {
		return vpn.PermissionDenied, nil
	}
	g.granted.Store(true)
	return vpn.PermissionGranted, nil
}

func (g *PolkitGate) check(ctx context.Context, flags uint32) (bool, error) {
	names := g.conn.Names()
	if len(names) == 0 {
		return false, fmt.Errorf("polkit: no unique bus name")
	}
	subject := polkitSubject{
		Kind:    "system-bus-name",
		Details: map[string]dbus.Variant{"name": dbus.MakeVariant(names[0])},
	}

	var res polkitResult
	err := g.conn.Object(polkitBusName, polkitPath).CallWithContext(ctx,
		polkitInterface+".CheckAuthorization", 0,
		subject, g.Action, map[string]string{}, flags, "",
	).Store(&res)
	if err != nil {
		return false, fmt.Errorf("polkit: CheckAuthorization: %w", err)
	}
	common.LogDebug("polkit: %s authorized=%v challenge=%v", g.Action, res.IsAuthorized, res.IsChallenge)
	return res.IsAuthorized, nil
}
