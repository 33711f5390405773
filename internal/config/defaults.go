package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultStatusInterval    = 3 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultProbeParallel     = 8
	DefaultExecTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultSessionBufferSize = 256
	DefaultConsoleType       = "python"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultHTTPAddr          = "127.0.0.1:9872"
)

func (c *BridgeConfig) applyDefaults() {
	// Status defaults
	if c.Status.Interval == 0 {
		c.Status.Interval = DefaultStatusInterval
	}
	if c.Status.ProbeTimeout == 0 {
		c.Status.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Status.ProbeParallel == 0 {
		c.Status.ProbeParallel = DefaultProbeParallel
	}

	// Session defaults
	if c.Session.ExecTimeout == 0 {
		c.Session.ExecTimeout = DefaultExecTimeout
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultWriteTimeout
	}
	if c.Session.BufferSize == 0 {
		c.Session.BufferSize = DefaultSessionBufferSize
	}

	// Server defaults
	for i := range c.Servers.Local {
		if c.Servers.Local[i].ConsoleType == "" {
			c.Servers.Local[i].ConsoleType = DefaultConsoleType
		}
	}
	for i := range c.Servers.Remote {
		if c.Servers.Remote[i].ConsoleType == "" {
			c.Servers.Remote[i].ConsoleType = DefaultConsoleType
		}
	}

	// Audit database defaults
	if c.Audit.Enabled {
		applyDBDefaults(&c.Audit.Database)
	}

	// HTTP defaults
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
