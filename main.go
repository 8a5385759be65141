// Package main provides the entry point for tsvpn.
// tsvpn connects this machine to a tailnet through a running tailscaled:
// it drives the interactive login, watches the backend's event bus and
// manages the local tunnel interface.
//
// Features:
//   - Interactive login with a polkit permission check and a deadline
//   - Tunnel lifecycle following the backend state
//   - Encrypted local state with the data key in the system keyring
//   - Command-line interface for scripting and automation
//
// Usage:
//
//	tsvpn [options] command
//
// Environment:
//
//	tailscaled must be running and reachable on its LocalAPI socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/chillshell/tsvpn/backend"
	"github.com/chillshell/tsvpn/cli"
	"github.com/chillshell/tsvpn/common"
	"github.com/chillshell/tsvpn/config"
	"github.com/chillshell/tsvpn/keyring"
	"github.com/chillshell/tsvpn/platform"
	"github.com/chillshell/tsvpn/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

// logRotateInterval is how often `up` checks the log file size.
const logRotateInterval = 10 * time.Minute

type options struct {
	configPath string
	socket     string
	userspace  bool
	noBrowser  bool
	verbose    bool
}

func parseFlags(args []string) (options, []string, error) {
	var opts options
	fs := flag.NewFlagSet("tsvpn", flag.ContinueOnError)
	fs.Usage = func() { cli.PrintHelp(os.Stderr) }
	fs.StringVar(&opts.configPath, "config", "", "configuration file")
	fs.StringVar(&opts.socket, "socket", "", "tailscaled LocalAPI socket")
	fs.BoolVar(&opts.userspace, "userspace", false, "skip the polkit check (creating the tunnel still needs CAP_NET_ADMIN)")
	fs.BoolVar(&opts.noBrowser, "no-browser", false, "do not open login URLs")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("TSVPN")); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func main() {
	opts, args, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if len(args) == 0 || args[0] == "help" {
		cli.PrintHelp(os.Stdout)
		return
	}
	command := args[0]
	if command == "version" {
		fmt.Printf("tsvpn v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		return
	}

	if err := run(command, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		if cfg == nil {
			return nil, err
		}
		// Defaults are usable even if they could not be written.
		common.LogWarn("config: %v", err)
	}
	if opts.socket != "" {
		cfg.SocketPath = opts.socket
	}
	if opts.noBrowser {
		cfg.OpenBrowser = false
	}
	return cfg, nil
}

func initLogging(command string, cfg *config.Config, verbose bool) {
	level := common.ParseLevel(cfg.LogLevel)
	// One-shot commands keep the terminal for their own output.
	if command != "up" && level < common.LevelWarn {
		level = common.LevelWarn
	}
	if verbose {
		level = common.LevelDebug
	}
	common.GetLogger().SetOutput(os.Stderr)
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  command == "up",
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
}

// rotateLogs rotates the log file until ctx is done.
func rotateLogs(ctx context.Context) {
	t := time.NewTicker(logRotateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := common.GetLogger().CheckRotation(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: log rotation: %v\n", err)
			}
		}
	}
}

func run(command string, opts options) error {
	switch command {
	case "up", "login", "logout", "status", "peers", "ip", "device":
	default:
		cli.PrintHelp(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	initLogging(command, cfg, opts.verbose)
	defer common.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath, err := cfg.StateDBPath()
	if err != nil {
		return err
	}
	store, err := keyring.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer store.Close()

	var gate vpn.PermissionGate = &platform.StaticGate{}
	if !opts.userspace {
		pg, err := platform.NewPolkitGate(cfg.PolkitAction)
		if err != nil {
			return fmt.Errorf("%w (use -userspace to skip the permission check)", err)
		}
		gate = pg
	}

	client := backend.New(cfg.SocketPath)
	o, err := vpn.New(vpn.Options{
		Config:   cfg,
		API:      client,
		Bus:      client,
		Gate:     gate,
		Tunnel:   platform.NewLinuxTUN(common.Logf("tun: "), cfg.Tunnel.Name, cfg.Tunnel.Fwmark),
		Store:    store,
		Facts:    platform.NewHostFacts(ctx),
		Browser:  platform.Browser{},
		Notifier: platform.NewNotifier(),
		Passive:  command != "up",
	})
	if err != nil {
		return err
	}
	defer o.Close()

	if command != "device" {
		if err := o.Start(); err != nil {
			return err
		}
	}
	common.LogDebug("Starting %s v%s (%s)", common.AppName, appVersion, command)

	c := cli.New(o)
	switch command {
	case "up":
		go rotateLogs(ctx)
		return c.Up(ctx)
	case "login":
		return c.Login(ctx)
	case "logout":
		return c.Logout(ctx)
	case "status":
		return c.Status(ctx)
	case "peers":
		return c.Peers(ctx)
	case "ip":
		return c.MyIP(ctx)
	default:
		return c.Device()
	}
}
