// Package common provides shared constants, types, and utilities
// used across tsvpn.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.chillshell.tsvpn"
	// AppName is the display name of the application.
	AppName = "ChillShell VPN"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "tsvpn"
	// SessionName is the label given to the tunnel interface session.
	SessionName = "ChillShell Tailscale"
)

// File names used by the application.
const (
	ConfigFileName = "config.yaml"
	StateDBName    = "state.db"
	LogFileName    = "tsvpn.log"
)

// Default timeouts and intervals.
const (
	// LoginTimeout bounds a whole interactive login, from the permission
	// request until LoginFinished.
	LoginTimeout = 120 * time.Second
	// RequestTimeout bounds a single LocalAPI request.
	RequestTimeout = 30 * time.Second
	// WatchRetryDelay is how long the watcher waits before resubscribing
	// after the event bus connection drops.
	WatchRetryDelay = 2 * time.Second
)

// Tunnel defaults.
const (
	DefaultTunnelName = "tsvpn0"
	// DefaultMTU matches the MTU tailscaled uses for its TUN device.
	DefaultMTU = 1280
	// DefaultFwmark is tailscaled's bypass mark; its policy rules send
	// marked sockets through the main table.
	DefaultFwmark = 0x80000
)

// Keys persisted in the secure state store.
const (
	KeyAuthToken   = "auth_token"
	KeyTailscaleIP = "tailscale_ip"
	KeyDeviceName  = "device_name"
	KeyIsConnected = "is_connected"
)
