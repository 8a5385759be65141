// Package cli provides the command-line interface of tsvpn.
// Each command drives an Orchestrator and prints human-readable output.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/chillshell/tsvpn/common"
	"github.com/chillshell/tsvpn/vpn"
)

// Service is the part of vpn.Orchestrator the CLI uses.
type Service interface {
	Login(ctx context.Context) (vpn.Identity, error)
	Logout(ctx context.Context) error
	Status() vpn.StatusSnapshot
	Peers(ctx context.Context) ([]vpn.Peer, error)
	GetMyIP() (netip.Addr, error)
	OnStateChanged(fn func(vpn.StateChange))
	SetOnLoginURL(fn func(url string))
	Ready() <-chan struct{}
	Callbacks() vpn.Callbacks
}

var _ Service = (*vpn.Orchestrator)(nil)

// readyTimeout bounds how long commands wait for the first backend state.
const readyTimeout = 10 * time.Second

// CLI represents the command-line interface.
type CLI struct {
	svc    Service
	out    io.Writer
	styles styles
	now    func() time.Time
}

type styles struct {
	ok, bad, dim, bold lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{ok: plain, bad: plain, dim: plain, bold: plain}
	}
	return styles{
		ok:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		bad:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		dim:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		bold: lipgloss.NewStyle().Bold(true),
	}
}

// New creates a CLI writing to stdout. Colors are used when stdout is a
// terminal.
func New(svc Service) *CLI {
	return NewWithOutput(svc, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
}

// NewWithOutput creates a CLI writing to out.
func NewWithOutput(svc Service, out io.Writer, color bool) *CLI {
	return &CLI{svc: svc, out: out, styles: newStyles(color), now: time.Now}
}

// waitReady waits for the first backend state so the snapshot is live.
func (c *CLI) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	select {
	case <-c.svc.Ready():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tailscaled did not report its state: %w", ctx.Err())
	}
}

// Login runs an interactive login and prints the login URL.
func (c *CLI) Login(ctx context.Context) error {
	c.svc.SetOnLoginURL(func(url string) {
		fmt.Fprintf(c.out, "\nTo authenticate, visit:\n\n\t%s\n\n", url)
	})
	start := c.now()
	fmt.Fprintln(c.out, "Requesting login...")
	id, err := c.svc.Login(ctx)
	if err != nil {
		return Describe(err)
	}
	fmt.Fprintf(c.out, "%s Logged in as %s (%s) in %s\n",
		c.styles.ok.Render("✓"), id.DeviceName, displayIP(id.IP), formatDuration(c.now().Sub(start)))
	return nil
}

// Logout logs the device out.
func (c *CLI) Logout(ctx context.Context) error {
	if err := c.svc.Logout(ctx); err != nil {
		return Describe(err)
	}
	fmt.Fprintf(c.out, "%s Logged out\n", c.styles.ok.Render("✓"))
	return nil
}

// Up keeps the tunnel up, logging in first if needed, and prints
// connection changes until ctx is done.
func (c *CLI) Up(ctx context.Context) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	c.svc.OnStateChanged(func(ch vpn.StateChange) {
		c.printChange(ch)
	})
	if st := c.svc.Status().State; st == vpn.StateNeedsLogin {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}
	c.printChange(c.svc.Status().Change())
	<-ctx.Done()
	fmt.Fprintln(c.out, "Shutting down")
	return nil
}

func (c *CLI) printChange(ch vpn.StateChange) {
	ts := c.styles.dim.Render(c.now().Format(time.TimeOnly))
	if ch.IsConnected {
		fmt.Fprintf(c.out, "%s %s %s %s\n", ts, c.styles.ok.Render("connected"), ch.DeviceName, displayIP(ch.MyIP))
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", ts, c.styles.bad.Render("disconnected"))
}

// Status prints the current connection status.
func (c *CLI) Status(ctx context.Context) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	snap := c.svc.Status()

	state := c.styles.bad.Render(snap.State.String())
	if snap.IsConnected {
		state = c.styles.ok.Render(snap.State.String())
	}
	tunnel := "down"
	if snap.TunnelRunning {
		tunnel = "up"
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", state)
	fmt.Fprintf(w, "Device:\t%s\n", orDash(snap.DeviceName))
	fmt.Fprintf(w, "Tailscale IP:\t%s\n", displayIP(snap.MyIP))
	fmt.Fprintf(w, "Tunnel:\t%s\n", tunnel)
	fmt.Fprintf(w, "Peers:\t%d\n", len(snap.Peers))
	return w.Flush()
}

// Peers lists the peers of the tailnet.
func (c *CLI) Peers(ctx context.Context) error {
	peers, err := c.svc.Peers(ctx)
	if err != nil {
		return Describe(err)
	}
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No peers.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIP\tOS\tSTATUS\tID")
	fmt.Fprintln(w, "----\t--\t--\t------\t--")
	for _, p := range peers {
		status := "offline"
		if p.Online {
			status = "online"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.DisplayName, p.TailscaleIP, orDash(p.OS), status, orDash(p.OpaqueID))
	}
	return w.Flush()
}

// MyIP prints this device's tailscale IPv4 address.
func (c *CLI) MyIP(ctx context.Context) error {
	// A persisted address is good enough; the backend may still be
	// starting.
	if ip, err := c.svc.GetMyIP(); err == nil {
		fmt.Fprintln(c.out, ip)
		return nil
	}
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	ip, err := c.svc.GetMyIP()
	if err != nil {
		return Describe(err)
	}
	fmt.Fprintln(c.out, ip)
	return nil
}

// Device prints the facts reported to the backend about this host.
func (c *CLI) Device() error {
	cb := c.svc.Callbacks()
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "OS:\t%s\n", orDash(cb.OSVersion()))
	fmt.Fprintf(w, "Model:\t%s\n", orDash(cb.DeviceModel()))
	fmt.Fprintf(w, "Install source:\t%s\n", orDash(cb.InstallSource()))
	fmt.Fprintf(w, "Stored keys:\t%d\n", len(cb.ListKeys()))
	if err := w.Flush(); err != nil {
		return err
	}

	ifs, err := cb.Interfaces()
	if err != nil {
		return fmt.Errorf("listing interfaces: %w", err)
	}
	fmt.Fprintln(c.out)
	w = tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INTERFACE\tMTU\tSTATE\tADDRESSES")
	for _, ifc := range ifs {
		state := "down"
		if ifc.Up {
			state = "up"
		}
		addrs := make([]string, 0, len(ifc.Addrs))
		for _, a := range ifc.Addrs {
			addrs = append(addrs, a.String())
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", ifc.Name, ifc.MTU, state, orDash(strings.Join(addrs, ", ")))
	}
	return w.Flush()
}

// Describe turns orchestrator errors into messages for the terminal,
// keeping the error code.
func Describe(err error) error {
	var hint string
	switch common.CodeOf(err) {
	case common.CodePermissionDenied:
		hint = "permission to create the VPN tunnel was denied"
	case common.CodeLoginInProgress:
		hint = "another login is already in progress"
	case common.CodeTimeout:
		hint = "login was not completed in time; run the command again"
	case common.CodeLoginFailed:
		hint = "login failed"
	case common.CodeLogoutFailed:
		hint = "logout failed"
	case common.CodePeersFetchFailed:
		hint = "could not fetch peers from tailscaled"
	case common.CodeNotConnected:
		hint = "not connected; run `tsvpn up` first"
	case common.CodeNotInitialized:
		hint = "tsvpn is shutting down"
	default:
		return err
	}
	return &describedError{hint: hint, err: err}
}

type describedError struct {
	hint string
	err  error
}

func (e *describedError) Error() string {
	var ce *common.Error
	if errors.As(e.err, &ce) {
		return fmt.Sprintf("%s [%s]: %v", e.hint, ce.Code, e.err)
	}
	return e.hint + ": " + e.err.Error()
}

func (e *describedError) Unwrap() error { return e.err }

func displayIP(ip netip.Addr) string {
	if !ip.IsValid() {
		return "-"
	}
	return ip.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `tsvpn - Tailscale connection manager

Usage:
  tsvpn [OPTIONS] COMMAND

Commands:
  up        Bring the tunnel up and print connection changes
  login     Log in interactively
  logout    Log out and forget the device identity
  status    Show the connection status
  peers     List the peers of the tailnet
  ip        Print this device's Tailscale IPv4 address
  device    Show the host facts reported to tailscaled
  version   Show version and exit

Options:
  -config PATH      Configuration file
  -socket PATH      tailscaled LocalAPI socket
  -userspace        Skip the polkit check (creating the tunnel still
                    needs CAP_NET_ADMIN)
  -no-browser       Print login URLs without opening a browser
  -verbose          Enable debug logging

Every option can also be set from the environment as TSVPN_<OPTION>,
for example TSVPN_SOCKET=/run/tailscale/tailscaled.sock.`)
}
