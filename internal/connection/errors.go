package connection

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrSessionExpired signals that the server rejected the session as
	// unauthenticated or expired. The connection has already been torn
	// down; the caller should reconnect and retry.
	ErrSessionExpired = errors.New("session expired, reconnect and retry")

	// ErrUnsupportedConsoleType means the server does not offer the
	// requested console type.
	ErrUnsupportedConsoleType = errors.New("unsupported console type")

	// ErrUnauthenticated is the transport code for a rejected or
	// expired credential during command execution.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrBadGateway covers the known bad-network / bad-credential
	// failure mode during bring-up.
	ErrBadGateway = errors.New("bad gateway")
)

// User-facing failure messages. Classification picks the string; it
// never changes control flow.
const (
	msgUnsupportedConsole = "The server does not support the requested console type. Check the console_type setting for this server."
	msgBadGateway         = "Could not reach the server. Check your network connection and credentials."
	msgGenericFailure     = "Failed to connect to the server."
)

// classifyError maps a bring-up error to the message shown to the user.
func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedConsoleType):
		return msgUnsupportedConsole
	case errors.Is(err, ErrBadGateway):
		return msgBadGateway
	default:
		return msgGenericFailure
	}
}

// isUnauthenticated reports whether err carries the transport code for
// an expired or rejected session credential.
func isUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}

// wrapStage annotates an error with the bring-up stage it occurred in.
func wrapStage(stage string, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}
