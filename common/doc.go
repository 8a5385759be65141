// Package common provides shared constants, types, utilities, and interfaces
// used throughout tsvpn.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, tunnel defaults, and the keys persisted in the secure store
//   - Errors: coded errors (Error, Code) shared with the presentation layer
//   - Interfaces: abstractions for secure storage, notifications, and browsers
//   - Logger: leveled logging with file rotation and a tailscale Logf adapter
//
// # Usage
//
//	common.LogInfo("login session %s started", id)
//
//	if errors.Is(err, common.ErrLoginInProgress) {
//	    // a login is already pending
//	}
//
//	switch common.CodeOf(err) {
//	case common.CodeTimeout:
//	    // ...
//	}
package common
