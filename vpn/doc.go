// Package vpn provides the Tailscale connection orchestrator for tsvpn.
//
// This package implements the client side of a tailnet connection:
//
//   - Login sessions: permission, interactive login request, browser
//     redirect and completion, with a deadline and at most one in flight
//   - Event watching: decoding the tailscaled IPN bus into typed events
//   - Tunnel lifecycle: establishing and tearing down the TUN interface
//   - Status: the published connection snapshot and peer list
//
// # Architecture
//
// The package is organized around four main types:
//
//   - Orchestrator: wires everything and is the surface the CLI calls
//   - SessionManager: owns the single login slot
//   - TunnelManager: owns the tunnel handle and the backend's builder,
//     protect and detach capabilities
//   - Subscription: one pass over the event bus, as an iterator
//
// # Login Flow
//
//  1. The caller invokes Orchestrator.Login
//  2. SessionManager asks the PermissionGate and arms the deadline
//  3. On grant, it posts the interactive login request to the LocalAPI
//  4. The watcher validates the BrowseURL event and opens the browser
//  5. LoginFinished resolves the session with the device identity
//
// # Thread Safety
//
// Events are applied on a single watcher goroutine, which is the only
// writer of the status snapshot. Listener callbacks run in order on a
// separate queue. All exported methods are safe for concurrent use.
package vpn
