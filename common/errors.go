// Package common provides shared constants, types, and utilities
// used across tsvpn.
package common

import "errors"

// Code is the stable, machine-readable tag attached to errors that reach
// the presentation layer.
type Code string

const (
	CodePermissionDenied      Code = "VPN_PERMISSION_DENIED"
	CodeNotInitialized        Code = "NOT_INITIALIZED"
	CodeLoginInProgress       Code = "LOGIN_IN_PROGRESS"
	CodeTimeout               Code = "TIMEOUT"
	CodeLoginFailed           Code = "LOGIN_FAILED"
	CodeLogoutFailed          Code = "LOGOUT_FAILED"
	CodePeersFetchFailed      Code = "PEERS_FETCH_FAILED"
	CodeNotConfigured         Code = "NOT_CONFIGURED"
	CodeTunnelEstablishFailed Code = "TUNNEL_ESTABLISH_FAILED"
	CodeNotConnected          Code = "NOT_CONNECTED"
	CodeUnknown               Code = "UNKNOWN"
)

// Sentinel errors for orchestrator operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Login errors.
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, msg: "user denied VPN permission"}
	ErrLoginInProgress  = &Error{Code: CodeLoginInProgress, msg: "a login is already in progress"}
	ErrTimeout          = &Error{Code: CodeTimeout, msg: "login timed out"}
	ErrLoginFailed      = &Error{Code: CodeLoginFailed, msg: "login failed"}

	// Backend errors.
	ErrNotInitialized   = &Error{Code: CodeNotInitialized, msg: "backend not initialized"}
	ErrLogoutFailed     = &Error{Code: CodeLogoutFailed, msg: "logout failed"}
	ErrPeersFetchFailed = &Error{Code: CodePeersFetchFailed, msg: "failed to fetch peers"}
	ErrNotConnected     = &Error{Code: CodeNotConnected, msg: "no Tailscale IP available, not connected"}

	// Capability errors.
	ErrNotConfigured         = &Error{Code: CodeNotConfigured, msg: "not configured"}
	ErrTunnelEstablishFailed = &Error{Code: CodeTunnelEstablishFailed, msg: "tunnel establishment declined"}

	// Storage errors.
	ErrEncryption = errors.New("encryption error")
	ErrDecryption = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// Error is a tagged orchestrator error. Two Errors match under errors.Is
// when their codes are equal, so a wrapped cause still compares equal to
// its sentinel.
type Error struct {
	Code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of the sentinel e carrying cause.
func (e *Error) With(cause error) *Error {
	return &Error{Code: e.Code, msg: e.msg, err: cause}
}

// CodeOf returns the code of the first *Error in err's chain,
// or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
