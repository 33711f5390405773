package database

import (
	"fmt"
	"net/url"

	"github.com/rjewell/console-bridge/internal/config"
)

// BuildConnString builds a PostgreSQL connection URL from audit config.
// Port and SSL mode fall back to the config defaults, so a partially
// specified DBConfig still yields a dialable string. Credentials are
// userinfo-encoded, so passwords with special characters survive.
func BuildConnString(cfg config.DBConfig) string {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, port),
		Path:     cfg.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}
