// Package auth provides the credential provider the connection layer
// invokes during client bring-up. How a credential is minted is out of
// scope here; this package only loads and hands out tokens.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Credentials holds the bearer token presented to a server.
type Credentials struct {
	Token string // Empty means anonymous access
}

// Provider returns credentials for a server URL, or an error if none
// are available.
type Provider interface {
	CredentialsFor(ctx context.Context, serverURL string) (Credentials, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, serverURL string) (Credentials, error)

func (f ProviderFunc) CredentialsFor(ctx context.Context, serverURL string) (Credentials, error) {
	return f(ctx, serverURL)
}

// Anonymous is a Provider that always returns empty credentials, for
// servers with authentication disabled.
var Anonymous Provider = ProviderFunc(func(context.Context, string) (Credentials, error) {
	return Credentials{}, nil
})

// Static returns a Provider that hands out the same token for every
// server.
func Static(token string) Provider {
	return ProviderFunc(func(context.Context, string) (Credentials, error) {
		return Credentials{Token: token}, nil
	})
}

// LoadToken reads a bearer token from a file, trimming surrounding
// whitespace.
func LoadToken(path string) (Credentials, error) {
	if path == "" {
		return Credentials{}, fmt.Errorf("token path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return Credentials{}, fmt.Errorf("token file %s is empty", path)
	}

	return Credentials{Token: token}, nil
}

// FromEnv returns credentials from an environment variable, falling
// back to anonymous when unset.
func FromEnv(key string) Credentials {
	return Credentials{Token: strings.TrimSpace(os.Getenv(key))}
}
