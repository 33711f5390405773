// Package connection implements the per-server session object: the
// bring-up sequence from "no client" to "ready console session",
// memoized so concurrent callers share one attempt, and the teardown
// path that returns the instance to its uninitialized state.
package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rjewell/console-bridge/internal/events"
)

// flight is a memoized in-flight-or-settled async step. Checking for an
// existing flight and installing a new one is a single synchronous step
// under the connection mutex, which is what makes bring-up single-flight.
type flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFlight[T any]() *flight[T] {
	return &flight[T]{done: make(chan struct{})}
}

func (f *flight[T]) settle(val T, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

func (f *flight[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// settled reports whether the flight completed successfully.
func (f *flight[T]) settled() bool {
	if f == nil {
		return false
	}
	select {
	case <-f.done:
		return f.err == nil
	default:
		return false
	}
}

// Connection manages one server's client and console session. Bring-up
// is lazy: the client is acquired on first GetClient, the session on
// first InitSession, each exactly once per connection lifetime until
// teardown resets the instance.
type Connection struct {
	url         string
	consoleType string
	tagID       string
	hooks       Hooks
	notifier    Notifier
	logger      *slog.Logger

	mu      sync.Mutex
	client  *flight[Client]
	session *flight[Session]

	onDisconnect     *events.Emitter[string]
	onVariableChange *events.Emitter[VariableChange]
	onLog            *events.Emitter[LogMessage]
}

// Option configures a Connection.
type Option func(*Connection)

// WithTagID sets the caller-supplied correlation id. Defaults to a
// fresh UUID.
func WithTagID(id string) Option {
	return func(c *Connection) { c.tagID = id }
}

// WithNotifier sets the sink for user-facing failure messages.
func WithNotifier(n Notifier) Option {
	return func(c *Connection) { c.notifier = n }
}

// New creates a Connection for the given server URL. Nothing is dialed
// until GetClient or InitSession is called.
func New(serverURL, consoleType string, hooks Hooks, logger *slog.Logger, opts ...Option) *Connection {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		url:              serverURL,
		consoleType:      consoleType,
		tagID:            uuid.NewString(),
		hooks:            hooks,
		logger:           logger.With("server", serverURL),
		onDisconnect:     events.New[string](),
		onVariableChange: events.New[VariableChange](),
		onLog:            events.New[LogMessage](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the server URL this connection targets.
func (c *Connection) URL() string { return c.url }

// TagID returns the correlation id for this connection.
func (c *Connection) TagID() string { return c.tagID }

// Initialized reports whether session bring-up has been attempted,
// regardless of whether it succeeded. Distinguishes "never tried" from
// "tried, possibly failed".
func (c *Connection) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Connected reports whether both the client and the session are
// currently live.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.settled() && c.session.settled()
}

// OnDisconnect registers a listener for local disconnect events. The
// listener receives the server URL. Returns an unsubscribe function.
func (c *Connection) OnDisconnect(fn func(url string)) func() {
	return c.onDisconnect.Subscribe(fn)
}

// OnVariableChange registers a listener for server-pushed variable
// updates republished by this connection.
func (c *Connection) OnVariableChange(fn func(VariableChange)) func() {
	return c.onVariableChange.Subscribe(fn)
}

// OnLog registers a listener for forwarded server log messages.
func (c *Connection) OnLog(fn func(LogMessage)) func() {
	return c.onLog.Subscribe(fn)
}

// GetClient returns the authenticated client, acquiring it on first
// call. Concurrent callers share one acquisition attempt.
func (c *Connection) GetClient(ctx context.Context) (Client, error) {
	c.mu.Lock()
	f := c.client
	if f == nil {
		f = newFlight[Client]()
		c.client = f
		go c.acquireClient(f)
	}
	c.mu.Unlock()

	return f.wait(ctx)
}

func (c *Connection) acquireClient(f *flight[Client]) {
	client, err := c.hooks.CreateClient(context.Background(), c.url)
	if err != nil {
		err = wrapStage("acquire client", err)
		c.logger.Warn("client acquisition failed", "error", err)
		f.settle(nil, err)
		c.fail(err)
		return
	}
	f.settle(client, nil)
}

// InitSession opens the console session, acquiring the client first if
// needed. Concurrent callers share one bring-up attempt. On success the
// connection subscribes to the session's variable, log, and disconnect
// signals; on failure all state is torn down so a later attempt starts
// clean.
func (c *Connection) InitSession(ctx context.Context) (Session, error) {
	c.mu.Lock()
	f := c.session
	if f == nil {
		f = newFlight[Session]()
		c.session = f
		go c.bringUp(f)
	}
	c.mu.Unlock()

	return f.wait(ctx)
}

func (c *Connection) bringUp(f *flight[Session]) {
	client, err := c.GetClient(context.Background())
	if err != nil {
		// acquireClient already notified and tore down.
		f.settle(nil, err)
		return
	}

	session, err := c.hooks.CreateSession(context.Background(), client, c.consoleType)
	if err != nil {
		err = wrapStage("open session", err)
		c.logger.Warn("session bring-up failed", "error", err)
		f.settle(nil, err)
		c.fail(err)
		return
	}

	f.settle(session, nil)
	go c.forward(f, session)

	c.logger.Info("session ready", "console_type", c.consoleType, "tag_id", c.tagID)
}

// forward republishes session events until the session ends, then runs
// teardown if this session is still the current one.
func (c *Connection) forward(f *flight[Session], session Session) {
	vars := session.VariableChanges()
	logs := session.Logs()
	done := session.Done()

	for vars != nil || logs != nil {
		select {
		case change, ok := <-vars:
			if !ok {
				vars = nil
				continue
			}
			change.TagID = c.tagID
			c.onVariableChange.Emit(change)

		case msg, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			c.onLog.Emit(msg)

		case <-done:
			c.logger.Info("server dropped session")
			c.teardown(f)
			return
		}
	}

	// Both streams closed without a Done signal: treat as a drop.
	c.teardown(f)
}

// fail notifies the user and resets the instance after a bring-up
// failure. The classification only changes the message, never the
// control flow.
func (c *Connection) fail(err error) {
	if c.notifier != nil {
		c.notifier.Notify(classifyError(err))
	}
	c.teardown(nil)
}

// teardown clears the cached bring-up state, closes the transport
// handles, and fires the local disconnect event. If expect is non-nil,
// teardown is a no-op unless that flight is still the current session;
// that makes the teardown triggered by a stale session's disconnect
// signal harmless after a newer bring-up.
func (c *Connection) teardown(expect *flight[Session]) {
	c.mu.Lock()
	if expect != nil && c.session != expect {
		c.mu.Unlock()
		return
	}

	clientFlight := c.client
	sessionFlight := c.session
	c.client = nil
	c.session = nil
	c.mu.Unlock()

	if sessionFlight == nil && clientFlight == nil {
		return
	}

	if sessionFlight.settled() {
		if err := sessionFlight.val.Close(); err != nil {
			c.logger.Debug("session close failed", "error", err)
		}
	}
	if clientFlight.settled() {
		if err := clientFlight.val.Close(); err != nil {
			c.logger.Debug("client close failed", "error", err)
		}
	}

	c.onDisconnect.Emit(c.url)
}

// Disconnect tears down the connection. The instance returns to its
// uninitialized state and may be brought up again.
func (c *Connection) Disconnect() {
	c.teardown(nil)
}

// Dispose implements cache disposal; equivalent to Disconnect.
func (c *Connection) Dispose() error {
	c.teardown(nil)
	return nil
}

// RunCode executes a console command, initializing the session first if
// needed. A transport "unauthenticated" error means the session expired
// server-side: the connection is torn down and ErrSessionExpired is
// returned so the caller can reconnect and retry instead of spinning
// against a dead session.
func (c *Connection) RunCode(ctx context.Context, code string) (ExecResult, error) {
	c.mu.Lock()
	f := c.session
	if f == nil {
		f = newFlight[Session]()
		c.session = f
		go c.bringUp(f)
	}
	c.mu.Unlock()

	session, err := f.wait(ctx)
	if err != nil {
		return ExecResult{}, err
	}

	result, err := session.Exec(ctx, code)
	if err != nil {
		if isUnauthenticated(err) {
			c.teardown(f)
			return ExecResult{}, ErrSessionExpired
		}
		return ExecResult{}, err
	}

	return result, nil
}
