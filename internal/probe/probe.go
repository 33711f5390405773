// Package probe implements the reachability check the registry runs
// against each server during status refresh.
package probe

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rjewell/console-bridge/internal/registry"
)

// Liveness paths per server kind. Local development servers expose a
// bare liveness endpoint; remote gateways sit behind a health route.
const (
	localHealthPath  = "/health"
	remoteHealthPath = "/api/health"
)

// HTTP probes servers with a lightweight GET. It implements
// registry.Prober.
type HTTP struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures an HTTP prober.
type Option func(*HTTP)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *HTTP) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *HTTP) {
		p.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *HTTP) {
		p.logger = logger
	}
}

// NewHTTP creates an HTTP prober.
func NewHTTP(opts ...Option) *HTTP {
	p := &HTTP{
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reachable reports whether the server answers its liveness endpoint
// with a non-5xx status. Any failure is "not reachable"; the probe
// never returns an error, so one bad server cannot abort a refresh of
// the others.
func (p *HTTP) Reachable(ctx context.Context, server registry.ServerDescriptor) bool {
	target, err := healthURL(server)
	if err != nil {
		p.logger.Debug("unprobeable server url", "url", server.URL, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 500
}

// healthURL builds the probe URL for a server, translating WebSocket
// schemes back to HTTP.
func healthURL(server registry.ServerDescriptor) (string, error) {
	u, err := url.Parse(server.URL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	path := remoteHealthPath
	if server.Kind == registry.KindLocal {
		path = localHealthPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
