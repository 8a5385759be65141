//go:build !linux

package platform

import (
	"context"
	"errors"

	"tailscale.com/types/logger"

	"github.com/chillshell/tsvpn/vpn"
)

var errUnsupported = errors.New("TUN devices are only supported on Linux")

// LinuxTUN is unavailable on this platform; Establish always fails.
type LinuxTUN struct {
	Name   string
	Fwmark uint32

	logf logger.Logf
}

func NewLinuxTUN(logf logger.Logf, name string, fwmark uint32) *LinuxTUN {
	if logf == nil {
		logf = logger.Discard
	}
	return &LinuxTUN{Name: name, Fwmark: fwmark, logf: logf}
}

func (l *LinuxTUN) Establish(ctx context.Context, cfg vpn.TunnelConfig) (vpn.TunnelHandle, error) {
	l.logf("cannot create %s: %v", l.Name, errUnsupported)
	return nil, errUnsupported
}

func (l *LinuxTUN) Protect(fd int) error {
	return errUnsupported
}
