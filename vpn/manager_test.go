package vpn

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"tailscale.com/ipn"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tstest"
	"tailscale.com/types/empty"
	"tailscale.com/types/netmap"

	"github.com/chillshell/tsvpn/backend"
	"github.com/chillshell/tsvpn/common"
	"github.com/chillshell/tsvpn/config"
)

type testEnv struct {
	o        *Orchestrator
	cfg      *config.Config
	api      *fakeAPI
	bus      *fakeBus
	gate     *fakeGate
	platform *fakePlatform
	store    *memStore
	browser  *fakeBrowser
	notifier *fakeNotifier
	clock    *tstest.Clock
	passive  bool

	mu      sync.Mutex
	changes []StateChange
}

func newTestEnv(t *testing.T, mutate func(*testEnv)) *testEnv {
	t.Helper()
	env := &testEnv{
		cfg:      config.DefaultConfig(),
		api:      newFakeAPI(),
		bus:      &fakeBus{},
		gate:     &fakeGate{perm: PermissionGranted},
		platform: &fakePlatform{},
		store:    newMemStore(),
		browser:  &fakeBrowser{},
		notifier: &fakeNotifier{},
		clock:    tstest.NewClock(tstest.ClockOpts{Start: testStart}),
	}
	if mutate != nil {
		mutate(env)
	}
	o, err := New(Options{
		Config:   env.cfg,
		API:      env.api,
		Bus:      env.bus,
		Gate:     env.gate,
		Tunnel:   env.platform,
		Store:    env.store,
		Facts:    fakeFacts{},
		Browser:  env.browser,
		Notifier: env.notifier,
		Clock:    env.clock,
		Passive:  env.passive,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	o.OnStateChanged(func(ch StateChange) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.changes = append(env.changes, ch)
	})
	env.o = o
	t.Cleanup(func() { o.Close() })
	return env
}

// flush waits for queued listener callbacks.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.o.ui.Wait(ctx); err != nil {
		t.Fatalf("ui queue: %v", err)
	}
}

func (e *testEnv) takeChanges() []StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.changes
	e.changes = nil
	return out
}

func stateEvent(s ipn.State) Event {
	return Event{Kind: EventStateChanged, State: s}
}

func netMapEvent(nm *netmap.NetworkMap) Event {
	return Event{Kind: EventNetMapUpdated, NetMap: nm}
}

func TestNewRequiresCollaborators(t *testing.T) {
	full := Options{API: newFakeAPI(), Bus: &fakeBus{}, Gate: &fakeGate{}, Tunnel: &fakePlatform{}}
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"api", func(o *Options) { o.API = nil }},
		{"bus", func(o *Options) { o.Bus = nil }},
		{"gate", func(o *Options) { o.Gate = nil }},
		{"tunnel", func(o *Options) { o.Tunnel = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.mutate(&opts)
			if _, err := New(opts); !errors.Is(err, common.ErrNotInitialized) {
				t.Errorf("New() error = %v, want ErrNotInitialized", err)
			}
		})
	}

	o, err := New(full)
	if err != nil {
		t.Fatalf("New() with defaults error = %v", err)
	}
	o.Close()
}

func TestEventLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	o, ctx := env.o, context.Background()
	ip := netip.MustParseAddr("100.64.0.5")
	nm := testNetMap([]string{"100.64.0.5/32"}, testPeerNode("nas", "linux", true, "100.64.0.9/32"))

	// Running before the first netmap: connected, tunnel deferred.
	o.handleEvent(ctx, stateEvent(ipn.Running))
	if n := env.platform.establishCount(); n != 0 {
		t.Errorf("tunnel established %d times without a netmap", n)
	}
	snap := o.Status()
	if snap.State != StateRunning || !snap.IsConnected || snap.TunnelRunning {
		t.Errorf("Status() = %+v", snap)
	}

	o.handleEvent(ctx, netMapEvent(nm))
	if n := env.platform.establishCount(); n != 1 {
		t.Fatalf("tunnel established %d times, want 1", n)
	}
	snap = o.Status()
	if snap.MyIP != ip || snap.DeviceName != "pixel.tail1234.ts.net" || !snap.TunnelRunning {
		t.Errorf("Status() = %+v", snap)
	}
	if len(snap.Peers) != 1 || snap.Peers[0].DisplayName != "nas" {
		t.Errorf("Status().Peers = %+v", snap.Peers)
	}

	// Repeated events with the same identity do not notify again.
	o.handleEvent(ctx, netMapEvent(nm))
	o.handleEvent(ctx, stateEvent(ipn.Running))
	if n := env.platform.establishCount(); n != 1 {
		t.Errorf("tunnel re-established: %d", n)
	}

	o.handleEvent(ctx, stateEvent(ipn.Stopped))
	if env.platform.handles[0].isClosed() == false {
		t.Error("tunnel still open after Stopped")
	}
	if got := o.Status(); got.MyIP != ip || got.IsConnected {
		t.Errorf("Status() after Stopped = %+v", got)
	}

	o.handleEvent(ctx, stateEvent(ipn.NeedsLogin))
	if got := o.Status(); got.MyIP.IsValid() || got.DeviceName != "" || got.Peers != nil {
		t.Errorf("identity not cleared on NeedsLogin: %+v", got)
	}

	env.flush(t)
	want := []StateChange{
		{IsConnected: true},
		{IsConnected: true, MyIP: ip, DeviceName: "pixel.tail1234.ts.net"},
		{IsConnected: false, MyIP: ip, DeviceName: "pixel.tail1234.ts.net"},
		{IsConnected: false},
	}
	if diff := cmp.Diff(want, env.takeChanges(), addrComparer); diff != "" {
		t.Errorf("state changes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Tailscale connected", "Tailscale disconnected"}, env.notifier.sent()); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestEventPersistsIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	o, ctx := env.o, context.Background()

	o.handleEvent(ctx, stateEvent(ipn.Running))
	o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))

	want := map[string]string{
		common.KeyTailscaleIP: "100.64.0.5",
		common.KeyDeviceName:  "pixel.tail1234.ts.net",
		common.KeyIsConnected: "true",
	}
	for k, v := range want {
		if got, _ := env.store.Get(k); got != v {
			t.Errorf("store[%s] = %q, want %q", k, got, v)
		}
	}

	o.handleEvent(ctx, stateEvent(ipn.NeedsLogin))
	if got, _ := env.store.Get(common.KeyTailscaleIP); got != "" {
		t.Errorf("store[%s] = %q after NeedsLogin", common.KeyTailscaleIP, got)
	}
	if got, _ := env.store.Get(common.KeyIsConnected); got != "false" {
		t.Errorf("store[%s] = %q after NeedsLogin", common.KeyIsConnected, got)
	}
}

func TestEventUnknownState(t *testing.T) {
	env := newTestEnv(t, nil)
	env.o.handleEvent(context.Background(), stateEvent(ipn.State(42)))
	if got := env.o.Status(); got.State != StateIdle || got.IsConnected {
		t.Errorf("Status() = %+v", got)
	}
	select {
	case <-env.o.Ready():
	default:
		t.Error("Ready() not closed after the first state event")
	}
}

func TestNotificationsDisabled(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) { e.cfg.ShowNotifications = false })
	env.o.handleEvent(context.Background(), stateEvent(ipn.Running))
	env.flush(t)
	if n := len(env.notifier.sent()); n != 0 {
		t.Errorf("sent %d notifications with notifications disabled", n)
	}
	if n := len(env.takeChanges()); n != 1 {
		t.Errorf("listener called %d times, want 1", n)
	}
}

func TestHydrate(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.store.Put(common.KeyTailscaleIP, "100.64.0.5")
		e.store.Put(common.KeyDeviceName, "pixel.tail1234.ts.net")
		e.store.Put(common.KeyIsConnected, "true")
	})

	snap := env.o.Status()
	if snap.IsConnected {
		t.Error("hydrated snapshot reports connected")
	}
	ip, err := env.o.GetMyIP()
	if err != nil || ip != netip.MustParseAddr("100.64.0.5") {
		t.Errorf("GetMyIP() = %v, %v", ip, err)
	}
	if snap.DeviceName != "pixel.tail1234.ts.net" {
		t.Errorf("DeviceName = %q", snap.DeviceName)
	}
}

func TestGetMyIPNotConnected(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.store.Put(common.KeyTailscaleIP, "garbage")
	})
	if _, err := env.o.GetMyIP(); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("GetMyIP() error = %v, want ErrNotConnected", err)
	}
}

func TestBrowseURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		openBrowser bool
		wantURL     bool
		wantBrowser bool
	}{
		{"trusted", "https://login.tailscale.com/a/abc", true, true, true},
		{"no auto open", "https://login.tailscale.com/a/abc", false, true, false},
		{"untrusted", "https://login.tailscale.com.evil.com/a/abc", true, false, false},
		{"plain http", "http://login.tailscale.com/a/abc", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(e *testEnv) { e.cfg.OpenBrowser = tt.openBrowser })
			var mu sync.Mutex
			var got []string
			env.o.SetOnLoginURL(func(u string) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, u)
			})

			env.o.handleEvent(context.Background(), Event{Kind: EventBrowseURL, URL: tt.url})
			env.flush(t)

			mu.Lock()
			defer mu.Unlock()
			if (len(got) == 1) != tt.wantURL {
				t.Errorf("login URL callback got %v", got)
			}
			if (len(env.browser.opened()) == 1) != tt.wantBrowser {
				t.Errorf("browser opened %v", env.browser.opened())
			}
		})
	}
}

func TestLoginCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	o, ctx := env.o, context.Background()

	type result struct {
		id  Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := o.Login(ctx)
		done <- result{id, err}
	}()

	waitCalled(t, env.api)
	o.handleEvent(ctx, Event{Kind: EventBrowseURL, URL: "https://login.tailscale.com/a/abc"})
	if got := o.sessions.Phase(); got != PhaseAwaitingBrowserAuth {
		t.Errorf("Phase() = %v", got)
	}
	o.handleEvent(ctx, stateEvent(ipn.Running))
	o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	o.handleEvent(ctx, Event{Kind: EventLoginFinished})

	select {
	case r := <-done:
		want := Identity{IP: netip.MustParseAddr("100.64.0.5"), DeviceName: "pixel.tail1234.ts.net"}
		if r.err != nil || r.id != want {
			t.Errorf("Login() = %+v, %v; want %+v", r.id, r.err, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Login() did not return")
	}
}

func TestLoginFinishedBeforeNetMap(t *testing.T) {
	env := newTestEnv(t, nil)
	o, ctx := env.o, context.Background()
	o.handleEvent(ctx, stateEvent(ipn.NeedsLogin))

	type result struct {
		id  Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := o.Login(ctx)
		done <- result{id, err}
	}()

	// tailscaled's order: LoginFinished, then Starting, the netmap and Running.
	waitCalled(t, env.api)
	o.handleEvent(ctx, Event{Kind: EventBrowseURL, URL: "https://login.tailscale.com/a/abc"})
	o.handleEvent(ctx, Event{Kind: EventLoginFinished})
	if o.sessions.Pending() == nil {
		t.Fatal("login resolved before the netmap arrived")
	}
	o.handleEvent(ctx, stateEvent(ipn.Starting))
	o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	o.handleEvent(ctx, stateEvent(ipn.Running))

	select {
	case r := <-done:
		want := Identity{IP: netip.MustParseAddr("100.64.0.5"), DeviceName: "pixel.tail1234.ts.net"}
		if r.err != nil || r.id != want {
			t.Errorf("Login() = %+v, %v; want %+v", r.id, r.err, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Login() did not return")
	}
}

func TestLoginFinishedWaitsOnlyForItsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	o, ctx := env.o, context.Background()
	o.handleEvent(ctx, stateEvent(ipn.NeedsLogin))

	first, err := o.sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitCalled(t, env.api)
	o.handleEvent(ctx, Event{Kind: EventLoginFinished})
	env.clock.Advance(env.cfg.LoginTimeout)
	if _, err := waitResult(t, first); !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("first login error = %v, want ErrTimeout", err)
	}

	second, err := o.sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitCalled(t, env.api)
	o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	if o.sessions.Pending() != second {
		t.Error("netmap resolved a login that has not finished")
	}
}

func TestLoginInProgress(t *testing.T) {
	block := make(chan struct{})
	env := newTestEnv(t, func(e *testEnv) { e.gate.block = block })
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.o.Login(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for env.gate.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := env.o.Login(ctx); !errors.Is(err, common.ErrLoginInProgress) {
		t.Errorf("second Login() error = %v, want ErrLoginInProgress", err)
	}
}

func TestLoginAfterClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.o.Close()
	if _, err := env.o.Login(context.Background()); !errors.Is(err, common.ErrNotInitialized) {
		t.Errorf("Login() after Close error = %v", err)
	}
	if _, err := env.o.Peers(context.Background()); !errors.Is(err, common.ErrNotInitialized) {
		t.Errorf("Peers() after Close error = %v", err)
	}
}

func TestLogout(t *testing.T) {
	block := make(chan struct{})
	env := newTestEnv(t, func(e *testEnv) {
		e.gate.block = block
		e.store.Put(common.KeyAuthToken, "tok")
		e.store.Put(common.KeyTailscaleIP, "100.64.0.5")
		e.store.Put(common.KeyDeviceName, "pixel")
		e.store.Put("unrelated", "kept")
	})
	defer close(block)

	s, err := env.o.sessions.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := env.o.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	req := env.api.requests()[0]
	if req.Method != http.MethodPost || req.Path != backend.PathLogout {
		t.Errorf("backend request = %s %s", req.Method, req.Path)
	}
	if _, err := s.Result(); common.CodeOf(err) != common.CodeLoginFailed {
		t.Errorf("pending login error = %v, want LOGIN_FAILED", err)
	}
	want := []string{common.KeyIsConnected, "unrelated"}
	if diff := cmp.Diff(want, env.store.ListKeys()); diff != "" {
		t.Errorf("stored keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := env.store.Get(common.KeyIsConnected); v != "false" {
		t.Errorf("is_connected = %q", v)
	}
}

func TestLogoutFailure(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.api.handler = func(backend.Request) (backend.Response, error) {
			return backend.Response{}, errors.New("connection refused")
		}
		e.store.Put(common.KeyTailscaleIP, "100.64.0.5")
	})
	err := env.o.Logout(context.Background())
	if common.CodeOf(err) != common.CodeLogoutFailed {
		t.Fatalf("Logout() error = %v, want LOGOUT_FAILED", err)
	}
	if v, ok := env.store.Get(common.KeyTailscaleIP); !ok || v == "" {
		t.Error("identity cleared after a failed logout")
	}
}

func TestPeers(t *testing.T) {
	body := statusBody(t, map[string]any{
		"a": &ipnstate.PeerStatus{HostName: "nas", TailscaleIPs: []netip.Addr{netip.MustParseAddr("100.64.0.9")}, Online: true},
	})
	tests := []struct {
		name     string
		handler  func(backend.Request) (backend.Response, error)
		wantCode common.Code
		wantLen  int
	}{
		{
			name: "ok",
			handler: func(backend.Request) (backend.Response, error) {
				return backend.Response{StatusCode: 200, Body: body}, nil
			},
			wantLen: 1,
		},
		{
			name: "http error",
			handler: func(backend.Request) (backend.Response, error) {
				return backend.Response{StatusCode: 403}, &backend.HTTPError{StatusCode: 403, Body: "denied"}
			},
			wantCode: common.CodePeersFetchFailed,
		},
		{
			name: "bad body",
			handler: func(backend.Request) (backend.Response, error) {
				return backend.Response{StatusCode: 200, Body: []byte("{")}, nil
			},
			wantCode: common.CodePeersFetchFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(e *testEnv) { e.api.handler = tt.handler })
			peers, err := env.o.Peers(context.Background())
			if tt.wantCode != "" {
				if common.CodeOf(err) != tt.wantCode {
					t.Errorf("Peers() error = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil || len(peers) != tt.wantLen {
				t.Errorf("Peers() = %v, %v", peers, err)
			}
			req := env.api.requests()[0]
			if req.Method != http.MethodGet || req.Path != backend.PathStatus {
				t.Errorf("backend request = %s %s", req.Method, req.Path)
			}
		})
	}
}

func TestCallbacks(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) { e.cfg.InstallSource = "deb" })
	o, ctx := env.o, context.Background()
	cb := o.Callbacks()

	if err := cb.Put("_machinekey", "secret"); err != nil {
		t.Fatal(err)
	}
	if v, ok := cb.Get("_machinekey"); !ok || v != "secret" {
		t.Errorf("Get() = %q, %v", v, ok)
	}
	if diff := cmp.Diff([]string{"_machinekey"}, cb.ListKeys()); diff != "" {
		t.Errorf("ListKeys() mismatch (-want +got):\n%s", diff)
	}
	if cb.InstallSource() != "deb" || cb.OSVersion() == "" || cb.DeviceModel() == "" {
		t.Error("device facts not forwarded")
	}
	if ifs, err := cb.Interfaces(); err != nil || len(ifs) != 1 {
		t.Errorf("Interfaces() = %v, %v", ifs, err)
	}
	if _, err := cb.PolicyQuery("ExitNodeID"); !errors.Is(err, common.ErrNotConfigured) {
		t.Errorf("PolicyQuery() error = %v", err)
	}
	if _, err := cb.HardwareAttestation(); !errors.Is(err, common.ErrNotConfigured) {
		t.Errorf("HardwareAttestation() error = %v", err)
	}

	if _, err := cb.Detach(); !errors.Is(err, ErrNoTunnel) {
		t.Errorf("Detach() before the tunnel error = %v", err)
	}
	o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	o.handleEvent(ctx, stateEvent(ipn.Running))
	if fd, err := cb.Detach(); err != nil || fd != 40 {
		t.Errorf("Detach() = %d, %v", fd, err)
	}
	if _, err := cb.Detach(); !errors.Is(err, ErrAlreadyDetached) {
		t.Errorf("second Detach() error = %v", err)
	}
	if !cb.Protect(9) {
		t.Error("Protect() = false")
	}
}

func TestPassiveNeverEstablishes(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) { e.passive = true })
	ctx := context.Background()
	env.o.handleEvent(ctx, stateEvent(ipn.Running))
	env.o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	if n := env.platform.establishCount(); n != 0 {
		t.Errorf("passive orchestrator established %d tunnels", n)
	}
	if snap := env.o.Status(); !snap.IsConnected || !snap.MyIP.IsValid() {
		t.Errorf("Status() = %+v", snap)
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.o.handleEvent(ctx, stateEvent(ipn.Running))
	env.o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	if !env.o.Status().TunnelRunning {
		t.Fatal("tunnel not running")
	}
	if err := env.o.Revoke(); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if env.o.Status().TunnelRunning {
		t.Error("tunnel still running after Revoke")
	}

	env.o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	env.o.handleEvent(ctx, stateEvent(ipn.Running))
	if env.o.Status().TunnelRunning || env.platform.establishCount() != 1 {
		t.Fatalf("tunnel restarted without permission (establish count %d)", env.platform.establishCount())
	}

	s, err := env.o.sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitCalled(t, env.api)
	if env.gate.callCount() != 1 {
		t.Errorf("gate calls = %d, want 1", env.gate.callCount())
	}
	env.o.handleEvent(ctx, netMapEvent(testNetMap([]string{"100.64.0.5/32"})))
	if !env.o.Status().TunnelRunning {
		t.Error("tunnel not restored after permission was granted again")
	}
	env.o.handleEvent(ctx, Event{Kind: EventLoginFinished})
	if _, err := waitResult(t, s); err != nil {
		t.Errorf("login error = %v", err)
	}
}

func TestStartWatchesBus(t *testing.T) {
	env := newTestEnv(t, nil)
	o := env.o

	connected := make(chan StateChange, 8)
	o.OnStateChanged(func(ch StateChange) {
		if ch.MyIP.IsValid() {
			connected <- ch
		}
	})
	if err := o.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var w *fakeWatcher
	deadline := time.Now().Add(5 * time.Second)
	for w == nil && time.Now().Before(deadline) {
		w = env.bus.watcher(0)
		time.Sleep(time.Millisecond)
	}
	if w == nil {
		t.Fatal("watcher never subscribed")
	}
	if env.bus.masks[0] != DefaultWatchMask {
		t.Errorf("watch mask = %v", env.bus.masks[0])
	}

	st := ipn.Running
	w.ch <- ipn.Notify{State: &st, NetMap: testNetMap([]string{"100.64.0.5/32"}), LoginFinished: &empty.Message{}}

	select {
	case <-o.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("Ready() not closed")
	}
	select {
	case ch := <-connected:
		if !ch.IsConnected || ch.DeviceName != "pixel.tail1234.ts.net" {
			t.Errorf("state change = %+v", ch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no connected state change")
	}

	if err := o.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case <-w.closed:
	default:
		t.Error("watcher not closed by Close")
	}
	if env.platform.handles[0].isClosed() == false {
		t.Error("tunnel not stopped by Close")
	}
	if err := o.Start(); !errors.Is(err, common.ErrNotInitialized) {
		t.Errorf("Start() after Close error = %v", err)
	}
}
