package platform

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chillshell/tsvpn/common"
)

const (
	notifyBusName   = "org.freedesktop.Notifications"
	notifyPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyInterface = "org.freedesktop.Notifications"

	appName = "tsvpn"
)

// Notifier sends desktop notifications over the session bus. When the
// session bus is unavailable it falls back to notify-send.
type Notifier struct {
	conn *dbus.Conn
	// ExpireMs is the display time passed to the notification server.
	ExpireMs int32
}

var _ common.Notifier = (*Notifier)(nil)

// NewNotifier connects to the session bus. It never fails; a missing bus
// only selects the notify-send fallback.
func NewNotifier() *Notifier {
	n := &Notifier{ExpireMs: 5000}
	conn, err := dbus.SessionBus()
	if err != nil {
		common.LogDebug("notifications: no session bus, using notify-send: %v", err)
		return n
	}
	n.conn = conn
	return n
}

// notificationIcon picks the freedesktop icon for a notification title.
func notificationIcon(title string) string {
	switch {
	case strings.Contains(title, "disconnected"):
		return "network-vpn-disconnected"
	case strings.Contains(title, "connected"):
		return "network-vpn"
	case strings.Contains(strings.ToLower(title), "error"), strings.Contains(strings.ToLower(title), "failed"):
		return "network-vpn-error"
	default:
		return "network-vpn-acquiring"
	}
}

// Notify implements common.Notifier.
func (n *Notifier) Notify(title, message string) error {
	icon := notificationIcon(title)
	if n.conn != nil {
		call := n.conn.Object(notifyBusName, notifyPath).Call(
			notifyInterface+".Notify", 0,
			appName, uint32(0), icon, title, message,
			[]string{}, map[string]dbus.Variant{}, n.ExpireMs,
		)
		if call.Err == nil {
			return nil
		}
		common.LogDebug("notifications: D-Bus call failed, using notify-send: %v", call.Err)
	}

	cmd := exec.Command("notify-send",
		"--app-name="+appName,
		"--icon="+icon,
		title,
		message,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
