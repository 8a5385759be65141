// Package common provides shared constants, types, and utilities
// used across tsvpn.
package common

// SecureStore defines the interface for encrypted key-value persistence.
// Implementations must be safe to call from backend callback goroutines.
type SecureStore interface {
	// Put stores value under key, replacing any previous value.
	Put(key, value string) error
	// Get returns the value stored under key.
	Get(key string) (string, bool)
	// ListKeys returns every stored key in sorted order.
	ListKeys() []string
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Notifier defines the interface for sending desktop notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
}

// BrowserOpener opens a URL in an external browsing surface.
type BrowserOpener interface {
	OpenURL(url string) error
}
