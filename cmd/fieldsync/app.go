package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fieldworks/fieldsync/internal/config"
	"github.com/fieldworks/fieldsync/internal/engine"
	"github.com/fieldworks/fieldsync/internal/netmon"
	"github.com/fieldworks/fieldsync/internal/remote"
	"github.com/fieldworks/fieldsync/internal/retry"
	"github.com/fieldworks/fieldsync/internal/store"
)

// app holds the components a command works with.
type app struct {
	cfg     *config.Config
	logs    *config.Logs
	db      *store.DB
	client  *remote.Client
	monitor *netmon.Monitor
	engine  *engine.Engine
}

// openApp loads the configuration and wires the store, the client, the
// monitor and the engine. The listener may be nil.
func openApp(ctx context.Context, listener engine.Listener) (*app, error) {
	a, err := openStack(ctx)
	if err != nil {
		return nil, err
	}
	a.startEngine(listener)
	return a, nil
}

// openStack is openApp without the engine.
func openStack(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	logs := config.DiscardLogs()
	if verbose || cfg.Log.File != "" {
		if logs, err = config.OpenLogs(cfg.Log); err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logs.Close()
		return nil, err
	}
	db.SetLogger(logs.Logger("store"))
	if err := db.InitSchemaContext(ctx); err != nil {
		db.Close()
		logs.Close()
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.AttemptTimeout = cfg.API.Timeout
	client, err := remote.New(remote.Config{
		BaseURL:     cfg.API.BaseURL,
		TokenSource: remote.FileTokenSource{Path: cfg.API.TokenFile},
		Retry:       &policy,
		PageSize:    cfg.API.PageSize,
		Logger:      logs.Logger("retry"),
	})
	if err != nil {
		db.Close()
		logs.Close()
		return nil, err
	}

	monitor := netmon.New(netmon.Config{
		Prober:   netmon.DialProber{Addr: client.Addr(), Timeout: cfg.Monitor.ProbeTimeout},
		Interval: cfg.Monitor.Interval,
		Logger:   logs.Logger("netmon"),
	})

	return &app{cfg: cfg, logs: logs, db: db, client: client, monitor: monitor}, nil
}

func (a *app) startEngine(listener engine.Listener) {
	a.engine = engine.New(a.db, a.client, a.monitor, engine.Config{
		Author:     a.cfg.Sync.Author,
		MaxRetries: a.cfg.Sync.MaxRetries,
		Logger:     a.logs.Logger("engine"),
		Listener:   listener,
	})
}

// mustOpenApp opens the app or exits. It probes connectivity once so the
// engine knows whether to call the server.
func mustOpenApp(ctx context.Context) *app {
	a, err := openApp(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	a.monitor.Check(ctx)
	return a
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
	a.logs.Close()
}

// fail prints err for the user, closes the app and exits 1.
func (a *app) fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", engine.UserMessage(err))
	if verbose {
		fmt.Fprintf(os.Stderr, "  %v\n", err)
	}
	if a != nil {
		a.Close()
	}
	os.Exit(1)
}
