package vpn

import (
	"context"

	"tailscale.com/ipn"
)

// ConnectionState is the orchestrator's view of the backend state.
type ConnectionState int

const (
	// StateIdle indicates the backend has not reported a state yet.
	StateIdle ConnectionState = iota
	// StateNeedsLogin indicates the node must authenticate.
	StateNeedsLogin
	// StateNeedsMachineAuth indicates an admin must approve the node.
	StateNeedsMachineAuth
	// StateStarting indicates the backend is bringing the connection up.
	StateStarting
	// StateRunning indicates an active connection.
	StateRunning
	// StateStopped indicates the user disconnected.
	StateStopped
)

// String returns a human-readable representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateNeedsLogin:
		return "Needs login"
	case StateNeedsMachineAuth:
		return "Needs machine approval"
	case StateStarting:
		return "Connecting..."
	case StateRunning:
		return "Connected"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Connected reports whether s is StateRunning.
func (s ConnectionState) Connected() bool {
	return s == StateRunning
}

// stateFromIPN maps a backend state code. Unknown codes map to StateIdle
// with ok false.
func stateFromIPN(st ipn.State) (_ ConnectionState, ok bool) {
	switch st {
	case ipn.NoState:
		return StateIdle, true
	case ipn.InUseOtherUser, ipn.NeedsLogin:
		return StateNeedsLogin, true
	case ipn.NeedsMachineAuth:
		return StateNeedsMachineAuth, true
	case ipn.Stopped:
		return StateStopped, true
	case ipn.Starting:
		return StateStarting, true
	case ipn.Running:
		return StateRunning, true
	default:
		return StateIdle, false
	}
}

// Permission is the outcome of a tunnel permission request.
type Permission int

const (
	PermissionDenied Permission = iota
	PermissionGranted
	PermissionAlreadyGranted
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionAlreadyGranted:
		return "already granted"
	default:
		return "denied"
	}
}

// PermissionGate asks the OS for consent to create the tunnel.
// RequestPermission may block while the user answers a system prompt;
// once granted, later calls return PermissionAlreadyGranted immediately.
type PermissionGate interface {
	RequestPermission(ctx context.Context) (Permission, error)
}
