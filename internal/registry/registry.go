// Package registry owns the server table and the live connections to
// those servers. All mutation of either goes through the Registry,
// which is what makes "disconnect on removal" and "disconnect on
// status transition" enforceable in one place.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rjewell/console-bridge/internal/cache"
	"github.com/rjewell/console-bridge/internal/connection"
	"github.com/rjewell/console-bridge/internal/events"
	"github.com/rjewell/console-bridge/internal/poller"
)

// Registry tracks configured servers, their reachability, and the
// per-server connections built on demand. One connection exists per
// normalized server URL at most; the single-flight cache guarantees
// that even under concurrent Connect calls.
type Registry struct {
	cfg      Config
	hooks    connection.Hooks
	prober   Prober
	notifier connection.Notifier
	logger   *slog.Logger

	mu sync.RWMutex
	// servers is keyed by normalized URL, bindings by resource id.
	// announced marks URLs whose connect event has fired and whose
	// disconnect event is therefore still owed.
	servers   map[string]*ServerDescriptor
	bindings  map[string]*connection.Connection
	announced map[string]bool

	conns *cache.Cache[string, *connection.Connection]

	statusPoller *poller.Poller

	onConnect      *events.Emitter[string]
	onDisconnect   *events.Emitter[string]
	onStatusChange *events.Emitter[ServerDescriptor]
	onUpdate       *events.Emitter[struct{}]
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the sink for user-facing connection failure
// messages.
func WithNotifier(n connection.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// New creates a Registry. Servers are added via SetServers and
// ReconcileManaged; status polling starts with Start.
func New(cfg Config, hooks connection.Hooks, prober Prober, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ProbeParallel == 0 {
		cfg.ProbeParallel = def.ProbeParallel
	}

	r := &Registry{
		cfg:            cfg,
		hooks:          hooks,
		prober:         prober,
		logger:         logger,
		servers:        make(map[string]*ServerDescriptor),
		bindings:       make(map[string]*connection.Connection),
		announced:      make(map[string]bool),
		onConnect:      events.New[string](),
		onDisconnect:   events.New[string](),
		onStatusChange: events.New[ServerDescriptor](),
		onUpdate:       events.New[struct{}](),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.conns = cache.New(r.buildConnection, r.normalizeKey, logger)

	return r
}

// normalizeKey is the cache key normalizer. Unparseable keys pass
// through unchanged; they will fail in the factory instead.
func (r *Registry) normalizeKey(raw string) string {
	norm, err := NormalizeURL(raw)
	if err != nil {
		return raw
	}
	return norm
}

// buildConnection is the cache factory: it constructs the connection
// object for a server URL. Nothing is dialed here; bring-up happens on
// InitSession.
func (r *Registry) buildConnection(_ context.Context, key string) (*connection.Connection, error) {
	r.mu.RLock()
	srv, ok := r.servers[key]
	var consoleType string
	if ok {
		consoleType = srv.ConsoleType
	}
	r.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownServer
	}

	conn := connection.New(key, consoleType, r.hooks, r.logger,
		connection.WithNotifier(r.notifier),
	)
	conn.OnDisconnect(func(string) {
		r.handleDisconnected(key)
	})
	return conn, nil
}

// handleDisconnected runs whenever a connection tears down, whether by
// explicit Disconnect, failed bring-up, or a server-initiated drop. It
// clears resource bindings, frees the cache slot so a later Connect
// starts clean, and fires the registry-level disconnect event exactly
// once per announced connection.
func (r *Registry) handleDisconnected(key string) {
	r.mu.Lock()
	announced := r.announced[key]
	delete(r.announced, key)
	for id, c := range r.bindings {
		if c.URL() == key {
			delete(r.bindings, id)
		}
	}
	r.mu.Unlock()

	r.conns.Invalidate(key)

	if announced {
		r.logger.Info("server disconnected", "url", key)
		r.onDisconnect.Emit(key)
		r.onUpdate.Emit(struct{}{})
	}
}

// GetServer resolves a request URL to a configured server using the
// locality-aware match: for loopback hosts the port is significant,
// for any other host it is ignored.
func (r *Registry) GetServer(rawURL string) (ServerDescriptor, error) {
	want, err := matchKeyFor(rawURL)
	if err != nil {
		return ServerDescriptor{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, srv := range r.servers {
		got, err := matchKeyFor(srv.URL)
		if err != nil {
			continue
		}
		if got == want {
			return *srv, nil
		}
	}
	return ServerDescriptor{}, ErrUnknownServer
}

// GetServers returns descriptors matching the filter, or all of them
// when filter is nil.
func (r *Registry) GetServers(filter func(ServerDescriptor) bool) []ServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerDescriptor, 0, len(r.servers))
	for _, srv := range r.servers {
		if filter == nil || filter(*srv) {
			out = append(out, *srv)
		}
	}
	return out
}

// GetConnections returns live connection handles, optionally narrowed
// to one server URL.
func (r *Registry) GetConnections(rawURL ...string) []*connection.Connection {
	var keys []string
	if len(rawURL) > 0 {
		srv, err := r.GetServer(rawURL[0])
		if err != nil {
			return nil
		}
		keys = []string{srv.URL}
	} else {
		keys = r.conns.Keys()
	}

	var out []*connection.Connection
	for _, key := range keys {
		if conn, ok := r.conns.Peek(key); ok {
			out = append(out, conn)
		}
	}
	return out
}

// Connect opens a connection to the server matching rawURL, waiting
// for full session bring-up. If the server is already connected it is
// a no-op returning nil. On bring-up failure the cache slot is cleared
// so a later Connect can retry.
func (r *Registry) Connect(ctx context.Context, rawURL string) (*connection.Connection, error) {
	srv, err := r.GetServer(rawURL)
	if err != nil {
		return nil, err
	}
	key := srv.URL

	if conn, ok := r.conns.Peek(key); ok && conn.Connected() {
		return nil, nil
	}

	conn, err := r.conns.Get(ctx, key)
	if err != nil {
		r.conns.Invalidate(key)
		return nil, err
	}

	if _, err := conn.InitSession(ctx); err != nil {
		r.conns.Invalidate(key)
		return nil, err
	}

	// Concurrent Connect calls share one bring-up; only the first one
	// to land here announces it.
	r.mu.Lock()
	first := !r.announced[key]
	r.announced[key] = true
	r.mu.Unlock()

	if first {
		r.logger.Info("server connected", "url", key, "console_type", srv.ConsoleType)
		r.onConnect.Emit(key)
		r.onUpdate.Emit(struct{}{})
	}

	return conn, nil
}

// Disconnect tears down the connection to the server matching rawURL.
// Resource bindings pointing at it are removed before the connection
// is disposed. No-op when nothing is connected.
func (r *Registry) Disconnect(ctx context.Context, rawURL string) error {
	srv, err := r.GetServer(rawURL)
	if err != nil {
		return err
	}
	r.disconnectKey(ctx, srv.URL)
	return nil
}

func (r *Registry) disconnectKey(ctx context.Context, key string) {
	if !r.conns.Has(key) {
		return
	}

	conn, err := r.conns.Get(ctx, key)
	if err != nil {
		// Factory failed; there is no connection to tear down.
		r.conns.Invalidate(key)
		return
	}

	r.mu.Lock()
	for id, c := range r.bindings {
		if c == conn {
			delete(r.bindings, id)
		}
	}
	r.mu.Unlock()

	r.conns.Invalidate(key)
	conn.Disconnect()
}

// UpdateStatus probes reachability for every known server, or only
// those matching filterURLs when given, and updates the table. A
// running→not-running transition proactively disconnects any live
// connection for that server. Probe failures for one server never
// abort the refresh of the others.
func (r *Registry) UpdateStatus(ctx context.Context, filterURLs ...string) {
	targets := r.statusTargets(filterURLs)
	if len(targets) == 0 {
		return
	}

	results := make([]bool, len(targets))

	g, probeCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ProbeParallel)
	for i, srv := range targets {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(probeCtx, r.cfg.ProbeTimeout)
			defer cancel()
			results[i] = r.prober.Reachable(pctx, srv)
			return nil
		})
	}
	g.Wait()

	changed := false
	for i, srv := range targets {
		r.mu.Lock()
		cur, ok := r.servers[srv.URL]
		var wasRunning bool
		if ok {
			wasRunning = cur.Running
			cur.Running = results[i]
		}
		var snapshot ServerDescriptor
		if ok {
			snapshot = *cur
		}
		r.mu.Unlock()

		if !ok || wasRunning == results[i] {
			continue
		}
		changed = true

		r.logger.Info("server status changed",
			"url", srv.URL,
			"running", results[i],
		)
		r.onStatusChange.Emit(snapshot)

		// Stale sessions against a dead server are torn down now
		// rather than left to fail lazily.
		if wasRunning && !results[i] {
			r.disconnectKey(ctx, srv.URL)
		}
	}

	if changed {
		r.onUpdate.Emit(struct{}{})
	}
}

// statusTargets snapshots the descriptors to probe.
func (r *Registry) statusTargets(filterURLs []string) []ServerDescriptor {
	var wanted map[string]bool
	if len(filterURLs) > 0 {
		wanted = make(map[string]bool, len(filterURLs))
		for _, raw := range filterURLs {
			key, err := matchKeyFor(raw)
			if err != nil {
				continue
			}
			wanted[key] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerDescriptor, 0, len(r.servers))
	for _, srv := range r.servers {
		if wanted != nil {
			key, err := matchKeyFor(srv.URL)
			if err != nil || !wanted[key] {
				continue
			}
		}
		out = append(out, *srv)
	}
	return out
}

// SetServers rebuilds the user-configured half of the server table.
// Servers no longer listed are disconnected and removed; managed
// servers are left untouched. Running state of surviving servers is
// preserved.
func (r *Registry) SetServers(ctx context.Context, specs []ServerSpec) {
	r.reconcile(ctx, specs, false)
}

// ReconcileManaged rebuilds the managed half of the server table:
// managed servers no longer listed are disconnected and removed,
// user-configured servers are left untouched.
func (r *Registry) ReconcileManaged(ctx context.Context, specs []ServerSpec) {
	r.reconcile(ctx, specs, true)
}

func (r *Registry) reconcile(ctx context.Context, specs []ServerSpec, managed bool) {
	next := make(map[string]*ServerDescriptor, len(specs))
	for _, spec := range specs {
		norm, err := NormalizeURL(spec.URL)
		if err != nil {
			r.logger.Warn("skipping server with invalid url", "url", spec.URL, "error", err)
			continue
		}
		next[norm] = &ServerDescriptor{
			URL:         norm,
			Kind:        spec.Kind,
			ConsoleType: spec.ConsoleType,
			Managed:     managed,
		}
	}

	var removed []string
	r.mu.Lock()
	for key, srv := range r.servers {
		if srv.Managed != managed {
			continue
		}
		if nxt, ok := next[key]; ok {
			// Survivor: keep its probe state.
			nxt.Running = srv.Running
		} else {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		delete(r.servers, key)
	}
	for key, srv := range next {
		r.servers[key] = srv
	}
	r.mu.Unlock()

	for _, key := range removed {
		r.logger.Info("server removed", "url", key, "managed", managed)
		r.disconnectKey(ctx, key)
	}

	r.onUpdate.Emit(struct{}{})
}

// BindResource associates a caller-visible resource id (an editor
// document, typically) with the connection serving it.
func (r *Registry) BindResource(resourceID string, conn *connection.Connection) {
	r.mu.Lock()
	r.bindings[resourceID] = conn
	r.mu.Unlock()
}

// UnbindResource removes a resource association. Idempotent.
func (r *Registry) UnbindResource(resourceID string) {
	r.mu.Lock()
	delete(r.bindings, resourceID)
	r.mu.Unlock()
}

// ResourceConnection returns the connection bound to a resource id.
func (r *Registry) ResourceConnection(resourceID string) (*connection.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.bindings[resourceID]
	return conn, ok
}

// OnConnect registers a listener for server connect events.
func (r *Registry) OnConnect(fn func(url string)) func() {
	return r.onConnect.Subscribe(fn)
}

// OnDisconnect registers a listener for server disconnect events.
func (r *Registry) OnDisconnect(fn func(url string)) func() {
	return r.onDisconnect.Subscribe(fn)
}

// OnServerStatusChange registers a listener for reachability changes.
func (r *Registry) OnServerStatusChange(fn func(ServerDescriptor)) func() {
	return r.onStatusChange.Subscribe(fn)
}

// OnUpdate registers a listener for the coarse "something changed"
// event.
func (r *Registry) OnUpdate(fn func()) func() {
	return r.onUpdate.Subscribe(func(struct{}) { fn() })
}

// Start begins periodic status refresh.
func (r *Registry) Start(ctx context.Context) {
	r.statusPoller = poller.New(func(ctx context.Context) error {
		r.UpdateStatus(ctx)
		return nil
	}, r.cfg.StatusInterval, r.logger)
	r.statusPoller.Start(ctx)

	r.logger.Info("registry started", "status_interval", r.cfg.StatusInterval)
}

// Stop halts status refresh and tears down every connection.
func (r *Registry) Stop(ctx context.Context) {
	if r.statusPoller != nil {
		r.statusPoller.Stop()
		select {
		case <-r.statusPoller.Done():
		case <-ctx.Done():
		}
	}

	r.conns.Dispose(ctx)
	r.logger.Info("registry stopped")
}

// Stats summarizes registry state for status reporting.
type Stats struct {
	Servers   int `json:"servers"`
	Running   int `json:"running"`
	Connected int `json:"connected"`
	Bindings  int `json:"bindings"`
}

// CollectStats returns current counts.
func (r *Registry) CollectStats() Stats {
	r.mu.RLock()
	s := Stats{
		Servers:  len(r.servers),
		Bindings: len(r.bindings),
	}
	for _, srv := range r.servers {
		if srv.Running {
			s.Running++
		}
	}
	r.mu.RUnlock()

	for _, conn := range r.GetConnections() {
		if conn.Connected() {
			s.Connected++
		}
	}
	return s
}
