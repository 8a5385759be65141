package vpn

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUntrustedURL is returned for login URLs that must not be opened.
var ErrUntrustedURL = errors.New("untrusted login URL")

// ValidateBrowseURL checks a control-plane login URL before it is shown to
// the user. The URL must use https without user info or an explicit
// non-default port, and its host must equal one of allowed or be a
// subdomain of one.
func ValidateBrowseURL(raw string, allowed []string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrUntrustedURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrUntrustedURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: contains user info", ErrUntrustedURL)
	}
	if p := u.Port(); p != "" && p != "443" {
		return fmt.Errorf("%w: port %s", ErrUntrustedURL, p)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: no host", ErrUntrustedURL)
	}
	for _, d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q is not allowed", ErrUntrustedURL, host)
}
