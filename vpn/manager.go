// Package vpn provides Tailscale connection orchestration.
// This file contains the Orchestrator type which wires login sessions,
// the event-bus watcher, the tunnel and the status cache together.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn"
	"tailscale.com/tstime"
	"tailscale.com/types/netmap"
	"tailscale.com/util/execqueue"

	"github.com/chillshell/tsvpn/backend"
	"github.com/chillshell/tsvpn/common"
	"github.com/chillshell/tsvpn/config"
)

// Options holds the collaborators of an Orchestrator. API, Bus, Gate and
// Tunnel are required.
type Options struct {
	Config   *config.Config
	API      backend.LocalAPI
	Bus      backend.Bus
	Gate     PermissionGate
	Tunnel   TunnelPlatform
	Store    common.SecureStore
	Facts    DeviceFacts
	Browser  common.BrowserOpener
	Notifier common.Notifier
	// Clock defaults to tstime.StdClock.
	Clock tstime.Clock
	// WatchMask defaults to DefaultWatchMask.
	WatchMask ipn.NotifyWatchOpt
	// Passive orchestrators track the backend without establishing the
	// tunnel.
	Passive bool
}

// Orchestrator drives the connection: logins, the event-bus watcher, the
// tunnel lifecycle and the published status.
type Orchestrator struct {
	cfg      *config.Config
	api      backend.LocalAPI
	bus      backend.Bus
	store    common.SecureStore
	browser  common.BrowserOpener
	notifier common.Notifier
	clock    tstime.Clock
	mask     ipn.NotifyWatchOpt
	excluded []netip.Prefix
	passive  bool
	// revoked keeps the tunnel down until the gate grants permission again.
	revoked  atomic.Bool

	sessions  *SessionManager
	tunnel    *TunnelManager
	status    StatusCache
	callbacks *callbackSurface

	// ui runs listener callbacks, browser launches and notifications in
	// order, off the watcher goroutine.
	ui     execqueue.ExecQueue
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	ready  chan struct{}

	mu          sync.Mutex
	listeners   []func(StateChange)
	onLoginURL  func(string)
	sub         *Subscription
	started     bool
	closed      bool
	closeOnce   sync.Once
	closeErr    error
	readyClosed bool

	// Owned by the watcher goroutine.
	ws watchState
}

type watchState struct {
	state         ConnectionState
	id            Identity
	nm            *netmap.NetworkMap
	peers         []Peer
	last          StateChange
	emitted       bool
	// loginFinished is the session whose LoginFinished arrived before
	// the netmap carrying the new identity.
	loginFinished *LoginSession
}

// New creates an Orchestrator. Call Start to begin watching the backend.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.API == nil:
		return nil, fmt.Errorf("vpn: %w: no LocalAPI", common.ErrNotInitialized)
	case opts.Bus == nil:
		return nil, fmt.Errorf("vpn: %w: no event bus", common.ErrNotInitialized)
	case opts.Gate == nil:
		return nil, fmt.Errorf("vpn: %w: no permission gate", common.ErrNotInitialized)
	case opts.Tunnel == nil:
		return nil, fmt.Errorf("vpn: %w: no tunnel platform", common.ErrNotInitialized)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	excluded, err := cfg.ExcludedPrefixes()
	if err != nil {
		return nil, fmt.Errorf("vpn: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	o := &Orchestrator{
		cfg:      cfg,
		api:      opts.API,
		bus:      opts.Bus,
		store:    opts.Store,
		browser:  opts.Browser,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		mask:     opts.WatchMask,
		excluded: excluded,
		passive:  opts.Passive,
		tunnel:   NewTunnelManager(opts.Tunnel),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		ready:    make(chan struct{}),
	}
	if o.clock == nil {
		o.clock = tstime.StdClock{}
	}
	if o.mask == 0 {
		o.mask = DefaultWatchMask
	}
	o.sessions = NewSessionManager(opts.Gate, opts.API, SessionOptions{
		Timeout:        cfg.LoginTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Clock:          o.clock,
		Go:             o.goBackground,
		OnGranted:      func() { o.revoked.Store(false) },
	})
	o.callbacks = &callbackSurface{
		store:         opts.Store,
		facts:         opts.Facts,
		tunnel:        o.tunnel,
		installSource: cfg.InstallSource,
	}
	o.hydrate()
	return o, nil
}

func (o *Orchestrator) goBackground(f func()) {
	o.group.Go(func() error {
		f()
		return nil
	})
}

// hydrate seeds the snapshot with the identity persisted by a previous
// run. The device is not considered connected until the backend says so.
func (o *Orchestrator) hydrate() {
	var snap StatusSnapshot
	if o.store != nil {
		if v, ok := o.store.Get(common.KeyTailscaleIP); ok && v != "" {
			if ip, err := netip.ParseAddr(v); err == nil {
				snap.MyIP = ip
			}
		}
		snap.DeviceName, _ = o.store.Get(common.KeyDeviceName)
	}
	o.ws.id = Identity{IP: snap.MyIP, DeviceName: snap.DeviceName}
	o.ws.last = snap.Change()
	o.ws.emitted = true
	o.status.publish(snap)
}

// Start launches the event-bus watcher.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return common.ErrNotInitialized
	}
	if o.started {
		return nil
	}
	o.started = true
	o.group.Go(o.watchLoop)
	return nil
}

// Ready is closed once the backend has reported its state.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

func (o *Orchestrator) watchLoop() error {
	ctx := o.ctx
	for {
		sub, err := Subscribe(ctx, o.bus, o.mask)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			common.LogWarn("watcher: subscribe: %v", err)
		} else if o.setSubscription(sub) {
			for ev, err := range sub.Events() {
				if err != nil {
					if ctx.Err() == nil && !errors.Is(err, ErrSubscriptionClosed) {
						common.LogWarn("watcher: event bus: %v", err)
					}
					break
				}
				o.handleEvent(ctx, ev)
			}
			sub.Stop()
		}
		if !o.sleep(ctx, common.WatchRetryDelay) {
			return nil
		}
		common.LogDebug("watcher: resubscribing")
	}
}

// setSubscription records sub as current. It stops sub and returns false
// if the orchestrator is closed.
func (o *Orchestrator) setSubscription(sub *Subscription) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		sub.Stop()
		return false
	}
	o.sub = sub
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	t, ch := o.clock.NewTimer(d)
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// handleEvent applies one event. It runs only on the watcher goroutine.
func (o *Orchestrator) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventBrowseURL:
		o.handleBrowseURL(ev.URL)

	case EventStateChanged:
		st, ok := stateFromIPN(ev.State)
		if !ok {
			common.LogWarn("watcher: unknown backend state %d", int(ev.State))
		}
		prev := o.ws.state
		o.ws.state = st
		if st != prev {
			common.LogInfo("watcher: state %s -> %s", prev, st)
		}
		switch st {
		case StateRunning:
			o.ensureTunnel(ctx)
		case StateNeedsLogin:
			o.ws.id = Identity{}
			o.ws.nm = nil
			o.ws.peers = nil
			o.stopTunnel()
		case StateStopped:
			o.stopTunnel()
		}
		o.publish()
		o.markReady()

	case EventNetMapUpdated:
		o.ws.nm = ev.NetMap
		o.ws.id = selfIdentity(ev.NetMap)
		o.ws.peers = peersFromNetMap(ev.NetMap)
		if o.ws.state == StateRunning {
			o.ensureTunnel(ctx)
		}
		o.publish()
		if s := o.ws.loginFinished; s != nil && o.ws.id.IP.IsValid() {
			o.ws.loginFinished = nil
			if o.sessions.Pending() == s {
				o.finishLogin()
			}
		}

	case EventLoginFinished:
		// tailscaled reports LoginFinished before it sends the new netmap.
		if s := o.sessions.Pending(); s != nil && !o.ws.id.IP.IsValid() {
			common.LogDebug("watcher: login finished, waiting for the netmap")
			o.ws.loginFinished = s
			return
		}
		o.finishLogin()
	}
}

func (o *Orchestrator) finishLogin() {
	if !o.sessions.Finish(o.ws.id) {
		common.LogDebug("watcher: login finished with no pending session")
	}
}

func (o *Orchestrator) handleBrowseURL(url string) {
	if err := ValidateBrowseURL(url, o.cfg.AllowedLoginHosts); err != nil {
		common.LogWarn("watcher: dropping login URL: %v", err)
		return
	}
	o.sessions.BrowseURLReceived()
	common.LogInfo("watcher: login URL received")

	o.mu.Lock()
	onURL := o.onLoginURL
	o.mu.Unlock()
	o.ui.Add(func() {
		if onURL != nil {
			onURL(url)
		}
		if o.cfg.OpenBrowser && o.browser != nil {
			if err := o.browser.OpenURL(url); err != nil {
				common.LogWarn("could not open browser: %v", err)
			}
		}
	})
}

// ensureTunnel starts the tunnel if it is down. Without a netmap it waits
// for the next one.
func (o *Orchestrator) ensureTunnel(ctx context.Context) {
	if o.passive || o.tunnel.Running() {
		return
	}
	if o.revoked.Load() {
		common.LogDebug("watcher: tunnel permission revoked, not starting")
		return
	}
	cfg, ok := tunnelConfigFromNetMap(o.ws.nm, o.cfg.Tunnel.MTU, o.excluded)
	if !ok {
		common.LogDebug("watcher: tunnel start deferred until the netmap arrives")
		return
	}
	if err := o.tunnel.Start(ctx, cfg); err != nil {
		common.LogWarn("watcher: %v", err)
	}
}

func (o *Orchestrator) stopTunnel() {
	if err := o.tunnel.Stop(); err != nil {
		common.LogWarn("watcher: %v", err)
	}
}

func (o *Orchestrator) markReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.readyClosed {
		o.readyClosed = true
		close(o.ready)
	}
}

// publish stores a new snapshot and notifies listeners if the identity
// triple changed since the last notification.
func (o *Orchestrator) publish() {
	snap := StatusSnapshot{
		State:         o.ws.state,
		IsConnected:   o.ws.state.Connected(),
		MyIP:          o.ws.id.IP,
		DeviceName:    o.ws.id.DeviceName,
		Peers:         o.ws.peers,
		TunnelRunning: o.tunnel.Running(),
	}
	o.status.publish(snap)

	ch := snap.Change()
	if o.ws.emitted && ch == o.ws.last {
		return
	}
	flipped := ch.IsConnected != o.ws.last.IsConnected
	o.ws.last = ch
	o.ws.emitted = true

	o.persistIdentity(ch)

	o.mu.Lock()
	listeners := append([]func(StateChange){}, o.listeners...)
	o.mu.Unlock()
	o.ui.Add(func() {
		for _, fn := range listeners {
			fn(ch)
		}
		if flipped {
			o.notifyConnectivity(ch)
		}
	})
}

func (o *Orchestrator) persistIdentity(ch StateChange) {
	if o.store == nil {
		return
	}
	ip := ""
	if ch.MyIP.IsValid() {
		ip = ch.MyIP.String()
	}
	for k, v := range map[string]string{
		common.KeyTailscaleIP: ip,
		common.KeyDeviceName:  ch.DeviceName,
		common.KeyIsConnected: strconv.FormatBool(ch.IsConnected),
	} {
		if err := o.store.Put(k, v); err != nil {
			common.LogWarn("state: saving %s: %v", k, err)
		}
	}
}

func (o *Orchestrator) notifyConnectivity(ch StateChange) {
	if !o.cfg.ShowNotifications || o.notifier == nil {
		return
	}
	title, msg := "Tailscale disconnected", "The VPN tunnel is down"
	if ch.IsConnected {
		title = "Tailscale connected"
		msg = fmt.Sprintf("%s is reachable at %s", ch.DeviceName, ch.MyIP)
	}
	if err := o.notifier.Notify(title, msg); err != nil {
		common.LogDebug("notification failed: %v", err)
	}
}

// OnStateChanged registers fn to be called, in order and off the watcher
// goroutine, whenever connectivity or the device identity changes.
func (o *Orchestrator) OnStateChanged(fn func(StateChange)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// SetOnLoginURL sets a callback receiving validated login URLs.
func (o *Orchestrator) SetOnLoginURL(fn func(url string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onLoginURL = fn
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Login runs an interactive login and waits for its result. A login
// already in flight fails with common.ErrLoginInProgress.
func (o *Orchestrator) Login(ctx context.Context) (Identity, error) {
	if o.isClosed() {
		return Identity{}, common.ErrNotInitialized
	}
	s, err := o.sessions.Start(o.ctx)
	if err != nil {
		return Identity{}, err
	}
	return s.Wait(ctx)
}

// Logout logs the device out and forgets the persisted identity.
func (o *Orchestrator) Logout(ctx context.Context) error {
	if o.isClosed() {
		return common.ErrNotInitialized
	}
	_, err := o.api.Call(ctx, backend.Request{
		Timeout: o.cfg.RequestTimeout,
		Method:  http.MethodPost,
		Path:    backend.PathLogout,
	})
	if err != nil {
		return common.ErrLogoutFailed.With(err)
	}
	o.sessions.Fail(common.ErrLoginFailed.With(errors.New("logged out")))
	if o.store != nil {
		for _, k := range []string{common.KeyAuthToken, common.KeyTailscaleIP, common.KeyDeviceName} {
			if err := o.store.Delete(k); err != nil {
				common.LogWarn("state: deleting %s: %v", k, err)
			}
		}
		if err := o.store.Put(common.KeyIsConnected, "false"); err != nil {
			common.LogWarn("state: %v", err)
		}
	}
	common.LogInfo("logged out")
	return nil
}

// Status returns the latest snapshot.
func (o *Orchestrator) Status() StatusSnapshot {
	snap := o.status.Load()
	snap.TunnelRunning = o.tunnel.Running()
	return snap
}

// Peers fetches the current peer list from the backend.
func (o *Orchestrator) Peers(ctx context.Context) ([]Peer, error) {
	if o.isClosed() {
		return nil, common.ErrNotInitialized
	}
	resp, err := o.api.Call(ctx, backend.Request{
		Timeout: o.cfg.RequestTimeout,
		Method:  http.MethodGet,
		Path:    backend.PathStatus,
	})
	if err != nil {
		return nil, common.ErrPeersFetchFailed.With(err)
	}
	peers, err := parseStatusPeers(resp.Body)
	if err != nil {
		return nil, common.ErrPeersFetchFailed.With(err)
	}
	return peers, nil
}

// GetMyIP returns this device's tailscale IPv4 address.
func (o *Orchestrator) GetMyIP() (netip.Addr, error) {
	ip := o.status.Load().MyIP
	if !ip.IsValid() {
		return netip.Addr{}, common.ErrNotConnected
	}
	return ip, nil
}

// Revoke tears the tunnel down after the OS withdrew permission. The
// tunnel stays down until a later Login is granted permission.
func (o *Orchestrator) Revoke() error {
	common.LogWarn("tunnel permission revoked")
	o.revoked.Store(true)
	return o.tunnel.Stop()
}

// Callbacks returns the capability surface handed to the backend.
func (o *Orchestrator) Callbacks() Callbacks {
	return o.callbacks
}

// Close stops the watcher and background work and tears the tunnel down.
// A pending login is left to resolve on its deadline.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		sub := o.sub
		o.mu.Unlock()

		o.cancel()
		if sub != nil {
			sub.Stop()
		}
		if err := o.group.Wait(); err != nil {
			o.closeErr = err
		}
		if err := o.tunnel.Stop(); err != nil && o.closeErr == nil {
			o.closeErr = err
		}
		o.ui.Shutdown()
	})
	return o.closeErr
}
