package vpn

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"

	"tailscale.com/ipn"
	"tailscale.com/tailcfg"
	"tailscale.com/types/key"
	"tailscale.com/types/netmap"

	"github.com/chillshell/tsvpn/backend"
)

type fakeGate struct {
	perm  Permission
	err   error
	block chan struct{}

	mu    sync.Mutex
	calls int
}

func (g *fakeGate) RequestPermission(ctx context.Context) (Permission, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return PermissionDenied, ctx.Err()
		}
	}
	return g.perm, g.err
}

func (g *fakeGate) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeAPI struct {
	mu      sync.Mutex
	reqs    []backend.Request
	handler func(backend.Request) (backend.Response, error)
	called  chan backend.Request
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{called: make(chan backend.Request, 16)}
}

func (a *fakeAPI) Call(ctx context.Context, req backend.Request) (backend.Response, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	h := a.handler
	a.mu.Unlock()
	a.called <- req
	if h == nil {
		return backend.Response{StatusCode: 204}, nil
	}
	return h(req)
}

func (a *fakeAPI) requests() []backend.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.reqs)
}

type fakeWatcher struct {
	ch        chan ipn.Notify
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{ch: make(chan ipn.Notify, 16), closed: make(chan struct{})}
}

func (w *fakeWatcher) Next() (ipn.Notify, error) {
	select {
	case n := <-w.ch:
		return n, nil
	case <-w.closed:
		return ipn.Notify{}, errors.New("watcher closed")
	}
}

func (w *fakeWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

type fakeBus struct {
	mu       sync.Mutex
	watchers []*fakeWatcher
	masks    []ipn.NotifyWatchOpt
	err      error
}

func (b *fakeBus) Watch(ctx context.Context, mask ipn.NotifyWatchOpt) (backend.Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	w := newFakeWatcher()
	b.watchers = append(b.watchers, w)
	b.masks = append(b.masks, mask)
	return w, nil
}

func (b *fakeBus) watcher(i int) *fakeWatcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.watchers) {
		return nil
	}
	return b.watchers[i]
}

type fakeHandle struct {
	name string
	fd   int

	mu       sync.Mutex
	closed   bool
	detached int
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) Detach() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached++
	return h.fd, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakePlatform struct {
	mu         sync.Mutex
	decline    bool
	err        error
	protectErr error
	configs    []TunnelConfig
	handles    []*fakeHandle
	protected  []int
}

func (p *fakePlatform) Establish(ctx context.Context, cfg TunnelConfig) (TunnelHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.err != nil {
		return nil, p.err
	}
	if p.decline {
		return nil, nil
	}
	h := &fakeHandle{name: "tsvpn0", fd: 40 + len(p.handles)}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakePlatform) Protect(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.protectErr != nil {
		return p.protectErr
	}
	p.protected = append(p.protected, fd)
	return nil
}

func (p *fakePlatform) establishCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

func (p *fakePlatform) lastConfig() TunnelConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configs[len(p.configs)-1]
}

// memStore is an in-memory common.SecureStore.
type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemStore() *memStore {
	return &memStore{m: map[string]string{}}
}

func (s *memStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memStore) ListKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

type fakeBrowser struct {
	mu   sync.Mutex
	urls []string
}

func (b *fakeBrowser) OpenURL(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	return nil
}

func (b *fakeBrowser) opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.urls)
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Notify(title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.titles)
}

type fakeFacts struct{}

func (fakeFacts) OSVersion() string { return "Debian GNU/Linux 13" }
func (fakeFacts) DeviceModel() string { return "ThinkPad X1" }
func (fakeFacts) Interfaces() ([]Interface, error) {
	return []Interface{{Name: "eth0", Addrs: []netip.Prefix{netip.MustParsePrefix("192.168.1.20/24")}, MTU: 1500, Up: true}}, nil
}

func prefixes(ss ...string) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range ss {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out
}

func testPeerNode(host, osName string, online bool, addrs ...string) tailcfg.NodeView {
	n := &tailcfg.Node{
		Name:      host + ".tail1234.ts.net.",
		Key:       key.NewNode().Public(),
		Addresses: prefixes(addrs...),
		Online:    &online,
		Hostinfo:  (&tailcfg.Hostinfo{Hostname: host, OS: osName}).View(),
	}
	return n.View()
}

func testNetMap(selfAddrs []string, peers ...tailcfg.NodeView) *netmap.NetworkMap {
	self := &tailcfg.Node{
		Name:      "pixel.tail1234.ts.net.",
		Key:       key.NewNode().Public(),
		Addresses: prefixes(selfAddrs...),
	}
	return &netmap.NetworkMap{
		SelfNode: self.View(),
		Peers:    peers,
		DNS:      tailcfg.DNSConfig{Domains: []string{"corp.example.com"}},
	}
}
