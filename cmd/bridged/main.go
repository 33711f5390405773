package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rjewell/console-bridge/internal/auth"
	"github.com/rjewell/console-bridge/internal/config"
	"github.com/rjewell/console-bridge/internal/connection"
	"github.com/rjewell/console-bridge/internal/database"
	"github.com/rjewell/console-bridge/internal/probe"
	"github.com/rjewell/console-bridge/internal/registry"
	"github.com/rjewell/console-bridge/internal/session"
	"github.com/rjewell/console-bridge/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/bridge.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bridged",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"local_servers", len(cfg.Servers.Local),
		"remote_servers", len(cfg.Servers.Remote),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Credential provider
	var provider auth.Provider
	switch {
	case cfg.Auth.TokenFile != "":
		creds, err := auth.LoadToken(cfg.Auth.TokenFile)
		if err != nil {
			logger.Error("failed to load token", "error", err)
			os.Exit(1)
		}
		provider = auth.Static(creds.Token)
	case cfg.Auth.TokenEnv != "":
		provider = auth.Static(auth.FromEnv(cfg.Auth.TokenEnv).Token)
	default:
		provider = auth.Anonymous
	}

	// Session transport hooks
	hooks := session.Hooks(provider, session.Config{
		ExecTimeout:  cfg.Session.ExecTimeout,
		WriteTimeout: cfg.Session.WriteTimeout,
		BufferSize:   cfg.Session.BufferSize,
	}, logger)

	// Registry with HTTP reachability probing
	prober := probe.NewHTTP(
		probe.WithTimeout(cfg.Status.ProbeTimeout),
		probe.WithLogger(logger),
	)

	reg := registry.New(registry.Config{
		StatusInterval: cfg.Status.Interval,
		ProbeTimeout:   cfg.Status.ProbeTimeout,
		ProbeParallel:  cfg.Status.ProbeParallel,
	}, hooks, prober, logger,
		registry.WithNotifier(connection.NotifierFunc(func(msg string) {
			logger.Warn("connection problem", "message", msg)
		})),
	)

	reg.SetServers(ctx, serverSpecs(cfg))
	reg.Start(ctx)

	// Optional audit recorder
	if cfg.Audit.Enabled {
		recorder, err := database.Connect(ctx, cfg.Audit.Database, logger)
		if err != nil {
			logger.Error("failed to connect audit database", "error", err)
			os.Exit(1)
		}
		recorder.Attach(reg)
		recorder.Start(ctx)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			recorder.Stop(stopCtx)
		}()
	}

	// Status endpoint
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version": version.String(),
			"stats":   reg.CollectStats(),
			"servers": reg.GetServers(nil),
		})
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	go func() {
		logger.Info("status endpoint listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status endpoint failed", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	server.Shutdown(shutdownCtx)
	reg.Stop(shutdownCtx)

	logger.Info("bridged stopped")
}

// serverSpecs converts config entries to registry specs.
func serverSpecs(cfg *config.BridgeConfig) []registry.ServerSpec {
	specs := make([]registry.ServerSpec, 0, len(cfg.Servers.Local)+len(cfg.Servers.Remote))
	for _, s := range cfg.Servers.Local {
		specs = append(specs, registry.ServerSpec{
			URL:         s.URL,
			Kind:        registry.KindLocal,
			ConsoleType: s.ConsoleType,
		})
	}
	for _, s := range cfg.Servers.Remote {
		specs = append(specs, registry.ServerSpec{
			URL:         s.URL,
			Kind:        registry.KindRemote,
			ConsoleType: s.ConsoleType,
		})
	}
	return specs
}
