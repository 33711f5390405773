// Package database persists connection lifecycle events to Postgres.
// The recorder is an optional observer; nothing in the connection path
// waits on it.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rjewell/console-bridge/internal/config"
	"github.com/rjewell/console-bridge/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS connection_events (
    id         BIGSERIAL PRIMARY KEY,
    occurred   TIMESTAMPTZ NOT NULL,
    event      TEXT        NOT NULL,
    server_url TEXT        NOT NULL,
    detail     TEXT        NOT NULL DEFAULT ''
)`

const insertEvent = `
INSERT INTO connection_events (occurred, event, server_url, detail)
VALUES ($1, $2, $3, $4)`

// event is one row waiting to be written.
type event struct {
	at     time.Time
	kind   string
	url    string
	detail string
}

// Recorder writes registry events to Postgres on a background
// goroutine. Enqueueing never blocks; events are dropped with a
// warning if the writer falls behind.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	events chan event
	detach []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect creates the connection pool and ensures the schema exists.
func Connect(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Recorder{
		pool:   pool,
		logger: logger,
		events: make(chan event, 256),
	}, nil
}

// Attach subscribes the recorder to a registry's events.
func (r *Recorder) Attach(reg *registry.Registry) {
	r.detach = append(r.detach,
		reg.OnConnect(func(url string) {
			r.enqueue(event{at: time.Now(), kind: "connect", url: url})
		}),
		reg.OnDisconnect(func(url string) {
			r.enqueue(event{at: time.Now(), kind: "disconnect", url: url})
		}),
		reg.OnServerStatusChange(func(srv registry.ServerDescriptor) {
			detail := "stopped"
			if srv.Running {
				detail = "running"
			}
			r.enqueue(event{at: time.Now(), kind: "status", url: srv.URL, detail: detail})
		}),
	)
}

func (r *Recorder) enqueue(e event) {
	select {
	case r.events <- e:
	default:
		r.logger.Warn("audit buffer full, dropping event", "event", e.kind, "url", e.url)
	}
}

// Start begins the write loop.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.writeLoop(ctx)
	}()

	r.logger.Info("audit recorder started")
}

func (r *Recorder) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := r.pool.Exec(writeCtx, insertEvent, e.at, e.kind, e.url, e.detail)
			cancel()
			if err != nil {
				r.logger.Warn("failed to write audit event",
					"event", e.kind,
					"url", e.url,
					"error", err,
				)
			}
		}
	}
}

// Stop detaches from the registry, stops the write loop, and closes
// the pool.
func (r *Recorder) Stop(ctx context.Context) {
	for _, fn := range r.detach {
		fn()
	}
	r.detach = nil

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown timeout, abandoning audit writer")
	}

	r.pool.Close()
	r.logger.Info("audit recorder stopped")
}
