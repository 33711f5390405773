package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rjewell/console-bridge/internal/connection"
)

type fakeClient struct{}

func (fakeClient) Close() error { return nil }

type fakeSession struct {
	vars     chan connection.VariableChange
	logs     chan connection.LogMessage
	done     chan struct{}
	dropOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		vars: make(chan connection.VariableChange, 4),
		logs: make(chan connection.LogMessage, 4),
		done: make(chan struct{}),
	}
}

func (s *fakeSession) Exec(ctx context.Context, code string) (connection.ExecResult, error) {
	return connection.ExecResult{}, nil
}
func (s *fakeSession) VariableChanges() <-chan connection.VariableChange { return s.vars }
func (s *fakeSession) Logs() <-chan connection.LogMessage                { return s.logs }
func (s *fakeSession) Done() <-chan struct{}                             { return s.done }
func (s *fakeSession) Close() error {
	s.dropOnce.Do(func() { close(s.done) })
	return nil
}

// testHooks builds hooks that track bring-up attempts and optionally
// fail them per URL.
type testHooks struct {
	mu           sync.Mutex
	sessionCalls int
	failSession  error
	sessions     map[string]*fakeSession
}

func newTestHooks() *testHooks {
	return &testHooks{sessions: make(map[string]*fakeSession)}
}

func (h *testHooks) hooks() connection.Hooks {
	return connection.Hooks{
		CreateClient: func(ctx context.Context, serverURL string) (connection.Client, error) {
			return fakeClient{}, nil
		},
		CreateSession: func(ctx context.Context, client connection.Client, consoleType string) (connection.Session, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sessionCalls++
			if h.failSession != nil {
				return nil, h.failSession
			}
			s := newFakeSession()
			return s, nil
		},
	}
}

type fakeProber struct {
	mu    sync.Mutex
	up    map[string]bool
	calls atomic.Int32
}

func newFakeProber() *fakeProber {
	return &fakeProber{up: make(map[string]bool)}
}

func (p *fakeProber) set(url string, reachable bool) {
	p.mu.Lock()
	p.up[url] = reachable
	p.mu.Unlock()
}

func (p *fakeProber) Reachable(ctx context.Context, srv ServerDescriptor) bool {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up[srv.URL]
}

func newTestRegistry(t *testing.T, hooks *testHooks, prober *fakeProber) *Registry {
	t.Helper()
	r := New(Config{}, hooks.hooks(), prober, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func specs(urls ...string) []ServerSpec {
	out := make([]ServerSpec, 0, len(urls))
	for _, u := range urls {
		out = append(out, ServerSpec{URL: u, Kind: KindLocal, ConsoleType: "python"})
	}
	return out
}

func TestRegistry_LocalityAwareMatch(t *testing.T) {
	r := newTestRegistry(t, newTestHooks(), newFakeProber())
	ctx := context.Background()

	r.SetServers(ctx, []ServerSpec{
		{URL: "http://localhost:9000", Kind: KindLocal, ConsoleType: "python"},
		{URL: "http://localhost:9001", Kind: KindLocal, ConsoleType: "groovy"},
		{URL: "http://example.com:9000", Kind: KindRemote, ConsoleType: "python"},
	})

	a, err := r.GetServer("http://localhost:9000")
	if err != nil {
		t.Fatalf("GetServer(localhost:9000) failed: %v", err)
	}
	b, err := r.GetServer("http://localhost:9001")
	if err != nil {
		t.Fatalf("GetServer(localhost:9001) failed: %v", err)
	}
	if a.URL == b.URL {
		t.Errorf("two local ports resolved to one server %q", a.URL)
	}

	c, err := r.GetServer("http://example.com:9000")
	if err != nil {
		t.Fatalf("GetServer(example.com:9000) failed: %v", err)
	}
	d, err := r.GetServer("http://example.com:9001")
	if err != nil {
		t.Fatalf("GetServer(example.com:9001) failed: %v", err)
	}
	if c.URL != d.URL {
		t.Errorf("remote ports resolved to different servers: %q vs %q", c.URL, d.URL)
	}

	if _, err := r.GetServer("http://unknown.example.org"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("unknown host err = %v, want ErrUnknownServer", err)
	}
}

func TestRegistry_ConnectRoundTrip(t *testing.T) {
	hooks := newTestHooks()
	r := newTestRegistry(t, hooks, newFakeProber())
	ctx := context.Background()

	const url = "http://localhost:10000"
	r.SetServers(ctx, specs(url))

	conn, err := r.Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn == nil {
		t.Fatal("Connect returned nil on first connect")
	}

	conns := r.GetConnections(url)
	if len(conns) != 1 || !conns[0].Connected() {
		t.Fatalf("GetConnections = %v, want one connected handle", conns)
	}

	// Second connect is a no-op.
	again, err := r.Connect(ctx, url)
	if err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if again != nil {
		t.Error("second Connect returned a handle, want nil no-op")
	}

	if err := r.Disconnect(ctx, url); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if got := r.GetConnections(url); len(got) != 0 {
		t.Fatalf("GetConnections after disconnect = %v, want empty", got)
	}

	// Reconnecting creates a fresh handle, not the disposed one.
	fresh, err := r.Connect(ctx, url)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if fresh == nil || fresh == conn {
		t.Error("reconnect did not create a new handle")
	}
}

func TestRegistry_ConnectFailureAllowsRetry(t *testing.T) {
	hooks := newTestHooks()
	hooks.failSession = errors.New("bring-up exploded")
	r := newTestRegistry(t, hooks, newFakeProber())
	ctx := context.Background()

	const url = "http://localhost:10000"
	r.SetServers(ctx, specs(url))

	if _, err := r.Connect(ctx, url); err == nil {
		t.Fatal("Connect succeeded, want bring-up failure")
	}

	// The failed slot was cleared, so a retry attempts bring-up again
	// and can succeed.
	hooks.mu.Lock()
	hooks.failSession = nil
	hooks.mu.Unlock()

	conn, err := r.Connect(ctx, url)
	if err != nil {
		t.Fatalf("retry Connect failed: %v", err)
	}
	if conn == nil || !conn.Connected() {
		t.Error("retry did not produce a connected handle")
	}
}

func TestRegistry_StatusTransitionDisconnects(t *testing.T) {
	hooks := newTestHooks()
	prober := newFakeProber()
	r := newTestRegistry(t, hooks, prober)
	ctx := context.Background()

	const url = "http://localhost:10000"
	r.SetServers(ctx, specs(url))
	srv, _ := r.GetServer(url)

	var disconnects atomic.Int32
	r.OnDisconnect(func(string) { disconnects.Add(1) })

	prober.set(srv.URL, true)
	r.UpdateStatus(ctx)

	if got, _ := r.GetServer(url); !got.Running {
		t.Fatal("server not marked running after reachable probe")
	}

	if _, err := r.Connect(ctx, url); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Server goes dark: one refresh must tear the connection down.
	prober.set(srv.URL, false)
	r.UpdateStatus(ctx)

	if got := r.GetConnections(url); len(got) != 0 {
		t.Errorf("GetConnections after dead probe = %v, want empty", got)
	}
	if got := disconnects.Load(); got != 1 {
		t.Errorf("disconnect events = %d, want exactly 1", got)
	}
	if got, _ := r.GetServer(url); got.Running {
		t.Error("server still marked running")
	}
}

func TestRegistry_StatusChangeEvents(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, newTestHooks(), prober)
	ctx := context.Background()

	const url = "http://localhost:10000"
	r.SetServers(ctx, specs(url))
	srv, _ := r.GetServer(url)

	var changes []ServerDescriptor
	r.OnServerStatusChange(func(d ServerDescriptor) { changes = append(changes, d) })
	var updates atomic.Int32
	r.OnUpdate(func() { updates.Add(1) })

	prober.set(srv.URL, true)
	r.UpdateStatus(ctx)
	r.UpdateStatus(ctx) // No change: no second event.

	if len(changes) != 1 {
		t.Fatalf("status change events = %d, want 1", len(changes))
	}
	if !changes[0].Running {
		t.Error("status change carried Running=false, want true")
	}
	if updates.Load() == 0 {
		t.Error("no update event fired on status change")
	}
}

func TestRegistry_UpdateStatusFilter(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, newTestHooks(), prober)
	ctx := context.Background()

	r.SetServers(ctx, specs("http://localhost:9000", "http://localhost:9001"))

	r.UpdateStatus(ctx, "http://localhost:9000")
	if got := prober.calls.Load(); got != 1 {
		t.Errorf("probe calls with filter = %d, want 1", got)
	}

	r.UpdateStatus(ctx)
	if got := prober.calls.Load(); got != 3 {
		t.Errorf("probe calls after full refresh = %d, want 3", got)
	}
}

func TestRegistry_RemovedServerDisconnects(t *testing.T) {
	hooks := newTestHooks()
	r := newTestRegistry(t, hooks, newFakeProber())
	ctx := context.Background()

	r.SetServers(ctx, specs("http://localhost:9000", "http://localhost:9001"))

	if _, err := r.Connect(ctx, "http://localhost:9000"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var disconnects atomic.Int32
	r.OnDisconnect(func(string) { disconnects.Add(1) })

	// Configuration no longer lists :9000.
	r.SetServers(ctx, specs("http://localhost:9001"))

	if got := r.GetConnections(); len(got) != 0 {
		t.Errorf("connections after removal = %v, want empty", got)
	}
	if got := disconnects.Load(); got != 1 {
		t.Errorf("disconnect events = %d, want 1", got)
	}
	if _, err := r.GetServer("http://localhost:9000"); !errors.Is(err, ErrUnknownServer) {
		t.Error("removed server still resolvable")
	}
}

func TestRegistry_ReconcileManagedLeavesConfigured(t *testing.T) {
	r := newTestRegistry(t, newTestHooks(), newFakeProber())
	ctx := context.Background()

	r.SetServers(ctx, specs("http://localhost:9000"))
	r.ReconcileManaged(ctx, []ServerSpec{
		{URL: "http://localhost:9100", Kind: KindLocal, ConsoleType: "python"},
	})

	if got := len(r.GetServers(nil)); got != 2 {
		t.Fatalf("servers = %d, want 2", got)
	}

	managed := r.GetServers(func(s ServerDescriptor) bool { return s.Managed })
	if len(managed) != 1 || managed[0].URL != "http://localhost:9100/" {
		t.Fatalf("managed servers = %v", managed)
	}

	// Reconciling an empty managed list removes the managed server but
	// leaves the configured one alone.
	r.ReconcileManaged(ctx, nil)

	if got := len(r.GetServers(nil)); got != 1 {
		t.Fatalf("servers after reconcile = %d, want 1", got)
	}
	if _, err := r.GetServer("http://localhost:9000"); err != nil {
		t.Error("configured server was removed by managed reconcile")
	}
}

func TestRegistry_BindingsClearedOnDisconnect(t *testing.T) {
	r := newTestRegistry(t, newTestHooks(), newFakeProber())
	ctx := context.Background()

	const url = "http://localhost:10000"
	r.SetServers(ctx, specs(url))

	conn, err := r.Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	r.BindResource("file:///work/query.py", conn)
	if _, ok := r.ResourceConnection("file:///work/query.py"); !ok {
		t.Fatal("binding missing after BindResource")
	}

	r.Disconnect(ctx, url)

	if _, ok := r.ResourceConnection("file:///work/query.py"); ok {
		t.Error("binding survived disconnect")
	}
}

func TestRegistry_InvalidSpecURLFiltered(t *testing.T) {
	r := newTestRegistry(t, newTestHooks(), newFakeProber())
	ctx := context.Background()

	r.SetServers(ctx, []ServerSpec{
		{URL: "http://localhost:9000", Kind: KindLocal},
		{URL: "://broken", Kind: KindLocal},
	})

	if got := len(r.GetServers(nil)); got != 1 {
		t.Errorf("servers = %d, want 1 (invalid url filtered)", got)
	}
}
