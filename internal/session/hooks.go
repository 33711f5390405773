package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/rjewell/console-bridge/internal/auth"
	"github.com/rjewell/console-bridge/internal/connection"
)

// client is the authenticated handle produced by the client hook. It
// carries what CreateSession needs to dial; closing it is cheap because
// the expensive resource is the session, not the client.
type client struct {
	serverURL string
	creds     auth.Credentials
}

func (c *client) Close() error { return nil }

// Hooks builds connection.Hooks backed by the WebSocket transport and
// the given credential provider.
func Hooks(provider auth.Provider, cfg Config, logger *slog.Logger) connection.Hooks {
	if logger == nil {
		logger = slog.Default()
	}

	return connection.Hooks{
		CreateClient: func(ctx context.Context, serverURL string) (connection.Client, error) {
			creds, err := provider.CredentialsFor(ctx, serverURL)
			if err != nil {
				return nil, fmt.Errorf("credentials for %s: %w", serverURL, err)
			}
			return &client{serverURL: serverURL, creds: creds}, nil
		},

		CreateSession: func(ctx context.Context, cl connection.Client, consoleType string) (connection.Session, error) {
			c, ok := cl.(*client)
			if !ok {
				return nil, fmt.Errorf("unexpected client type %T", cl)
			}

			wsURL, err := ConsoleEndpoint(c.serverURL)
			if err != nil {
				return nil, err
			}

			dialCfg := cfg
			dialCfg.URL = wsURL
			dialCfg.Token = c.creds.Token
			dialCfg.ConsoleType = consoleType

			return Dial(ctx, dialCfg, logger.With("server", c.serverURL))
		},
	}
}

// ConsoleEndpoint derives the console WebSocket URL from a server's
// base URL: http becomes ws, https becomes wss, and the console path is
// appended.
func ConsoleEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, serverURL)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/console/ws"
	return u.String(), nil
}
