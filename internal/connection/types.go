package connection

import (
	"context"
	"time"
)

// Client is an authenticated handle to an analytic server, produced by
// the injected credential provider. The connection only orchestrates
// when it is created and torn down.
type Client interface {
	// Close releases the client and any transport it holds.
	Close() error
}

// Session is a live console session on an analytic server.
type Session interface {
	// Exec runs a console command and returns its result.
	Exec(ctx context.Context, code string) (ExecResult, error)

	// VariableChanges streams server-pushed field/variable updates.
	// Closed when the session ends.
	VariableChanges() <-chan VariableChange

	// Logs streams server log messages. Closed when the session ends.
	Logs() <-chan LogMessage

	// Done is closed when the server side drops the session.
	Done() <-chan struct{}

	// Close ends the session.
	Close() error
}

// Hooks supplies the protocol-specific bring-up steps. Variants plug in
// different client/session construction without subclassing anything.
type Hooks struct {
	// CreateClient returns an authenticated client for the server URL.
	CreateClient func(ctx context.Context, serverURL string) (Client, error)

	// CreateSession opens a console session on an existing client.
	CreateSession func(ctx context.Context, client Client, consoleType string) (Session, error)
}

// ExecResult is the outcome of one Exec call.
type ExecResult struct {
	Changes []VariableChange // Variables created/updated/removed by the command
	Elapsed time.Duration
}

// VariableChange describes one server-side variable update.
type VariableChange struct {
	Name  string
	Type  string // Server-reported type, e.g. "Table", "Figure"
	Op    ChangeOp
	TagID string // Correlation id of the connection that observed it
}

// ChangeOp is the kind of variable change.
type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
	OpRemoved ChangeOp = "removed"
)

// LogMessage is a server log line forwarded through the connection.
type LogMessage struct {
	Level   string
	Message string
	At      time.Time
}

// Notifier receives user-facing messages about connection failures.
// The registry injects one; tests use a recording stub.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(string)

func (f NotifierFunc) Notify(message string) { f(message) }
