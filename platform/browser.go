package platform

import (
	"github.com/toqueteos/webbrowser"

	"github.com/chillshell/tsvpn/common"
)

// Browser opens URLs with the desktop's default browser.
type Browser struct{}

var _ common.BrowserOpener = Browser{}

// OpenURL implements common.BrowserOpener.
func (Browser) OpenURL(url string) error {
	return webbrowser.Open(url)
}
