package registry

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrUnknownServer = errors.New("server not configured")
)

// ServerKind distinguishes local development servers from remote
// gateways. It decides both the reachability probe and how URLs match.
type ServerKind string

const (
	KindLocal  ServerKind = "local"
	KindRemote ServerKind = "remote"
)

// ServerDescriptor is one configured or managed server. Identity is
// the normalized URL (trailing slash enforced).
type ServerDescriptor struct {
	URL         string     // Normalized server URL
	Kind        ServerKind // Local or remote
	ConsoleType string     // Console type requested at session open
	Running     bool       // Last reachability probe result
	Managed     bool       // Started by this process
}

// ServerSpec is a validated configuration entry used to (re)build the
// server table.
type ServerSpec struct {
	URL         string
	Kind        ServerKind
	ConsoleType string
}

// Prober answers whether a server is currently reachable. Probe
// failures are reported as "not reachable", never as errors, so one
// bad server cannot abort a refresh of the others.
type Prober interface {
	Reachable(ctx context.Context, server ServerDescriptor) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, server ServerDescriptor) bool

func (f ProberFunc) Reachable(ctx context.Context, server ServerDescriptor) bool {
	return f(ctx, server)
}

// Config configures a Registry.
type Config struct {
	StatusInterval time.Duration // Min gap between status refresh runs
	ProbeTimeout   time.Duration // Per-server reachability probe timeout
	ProbeParallel  int           // Max concurrent probes per refresh
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StatusInterval: 3 * time.Second,
		ProbeTimeout:   5 * time.Second,
		ProbeParallel:  8,
	}
}
