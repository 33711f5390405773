// Package config loads and validates the bridge configuration file.
package config

import "time"

// BridgeConfig is the root configuration.
type BridgeConfig struct {
	Servers ServersConfig `yaml:"servers"`
	Status  StatusConfig  `yaml:"status"`
	Session SessionConfig `yaml:"session"`
	Auth    AuthConfig    `yaml:"auth"`
	Audit   AuditConfig   `yaml:"audit"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// ServersConfig lists configured servers by family.
type ServersConfig struct {
	Local  []ServerEntry `yaml:"local"`
	Remote []ServerEntry `yaml:"remote"`
}

// ServerEntry is one configured server.
type ServerEntry struct {
	URL         string `yaml:"url"`
	ConsoleType string `yaml:"console_type"`
}

// StatusConfig controls the reachability refresh loop.
type StatusConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeParallel int           `yaml:"probe_parallel"`
}

// SessionConfig controls the console session transport.
type SessionConfig struct {
	ExecTimeout  time.Duration `yaml:"exec_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

// AuthConfig selects where the bearer token comes from. TokenFile wins
// over TokenEnv; both empty means anonymous access.
type AuthConfig struct {
	TokenFile string `yaml:"token_file"`
	TokenEnv  string `yaml:"token_env"`
}

// AuditConfig controls the optional Postgres connection-event recorder.
type AuditConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Database DBConfig `yaml:"database"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HTTPConfig controls the local status endpoint.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}
