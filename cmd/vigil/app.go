// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/VigilKeeper/cmd/vigil/config"
	"github.com/AleutianAI/VigilKeeper/pkg/chat"
	"github.com/AleutianAI/VigilKeeper/pkg/history"
	"github.com/AleutianAI/VigilKeeper/pkg/logging"
	"github.com/AleutianAI/VigilKeeper/pkg/session"
	"github.com/AleutianAI/VigilKeeper/pkg/store"
	"github.com/AleutianAI/VigilKeeper/pkg/telemetry"
	"github.com/AleutianAI/VigilKeeper/pkg/transport"
	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

// errNotLoggedIn is returned by commands that need a session.
var errNotLoggedIn = errors.New("not logged in; run `vigil login <mobile>` first")

// appOptions are the global flags.
type appOptions struct {
	ConfigPath string
	LogLevel   string
	Plain      bool
}

// App holds the wired dependencies of one CLI invocation.
type App struct {
	Config   config.VigilConfig
	Logger   *logging.Logger
	Printer  *ux.Printer
	Metrics  *telemetry.Metrics
	Sessions *session.Store
	Client   *transport.Client

	store   store.ConversationStore
	history *history.Gateway

	shutdown func(context.Context) error
}

// newApp loads the configuration and builds the logger, telemetry,
// session store and backend client. The conversation store is opened
// lazily by History.
func newApp(ctx context.Context, opts appOptions, printer *ux.Printer) (*App, error) {
	cfg, created, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "vigil",
		JSON:    cfg.Logging.JSON,
	})
	if created {
		logger.Info("created default config", "dir", cfg.Logging.Dir)
	}

	app := &App{Config: cfg, Logger: logger, Printer: printer}
	if err := app.init(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, a.Config.Telemetry)
	if err != nil {
		return err
	}
	a.shutdown = shutdown

	metrics, err := telemetry.NewMetrics(otel.Meter("vigil"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	a.Metrics = metrics

	a.Sessions = session.NewStore(a.Config.Session.Path, a.Logger.Slog())
	if _, err := a.Sessions.Load(); err != nil {
		return err
	}

	client, err := transport.NewClient(transport.Config{
		BaseURL:        a.Config.Backend.BaseURL,
		Token:          a.Sessions,
		StallTimeout:   a.Config.Stream.StallTimeout,
		RequestTimeout: a.Config.Backend.RequestTimeout,
		UploadTimeout:  a.Config.Backend.UploadTimeout,
		Logger:         a.Logger.Slog(),
		Observer:       metrics,
	})
	if err != nil {
		return err
	}
	a.Client = client
	return nil
}

// History opens the configured conversation store on first use.
func (a *App) History(ctx context.Context) (*history.Gateway, error) {
	if a.history != nil {
		return a.history, nil
	}
	s, err := openStore(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.history = history.NewGateway(s, a.Logger.Slog())
	return a.history, nil
}

// RequireUser returns the logged in user id.
func (a *App) RequireUser() (string, error) {
	if sess := a.Sessions.Current(); sess != nil && sess.UserID != "" {
		return sess.UserID, nil
	}
	return "", errNotLoggedIn
}

// NewController builds a chat controller for the current user.
func (a *App) NewController(ctx context.Context) (*chat.Controller, error) {
	user, err := a.RequireUser()
	if err != nil {
		return nil, err
	}
	gw, err := a.History(ctx)
	if err != nil {
		return nil, err
	}
	return chat.New(chat.Config{
		UserID:      user,
		Streamer:    chat.ClientStreamer(a.Client),
		Uploader:    a.Client,
		History:     gw,
		Links:       a.Client.LinkRewriter(),
		Placeholder: a.Config.Stream.Placeholder,
		Logger:      a.Logger.Slog(),
		Observer:    a.Metrics,
	})
}

// ServeMetrics runs the Prometheus scrape endpoint in g until ctx ends.
// It does nothing unless metrics.addr is set and the prometheus exporter
// is installed.
func (a *App) ServeMetrics(ctx context.Context, g *errgroup.Group) {
	handler := telemetry.MetricsHandler()
	if a.Config.Metrics.Addr == "" || handler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		a.Logger.Info("serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Close flushes telemetry and releases the store and log file.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdown(ctx))
		cancel()
	}
	if a.Logger != nil {
		errs = append(errs, a.Logger.Close())
	}
	return errors.Join(errs...)
}

// openStore opens the backend selected by cfg.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (store.ConversationStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		rs := store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return rs, nil
	case "badger", "":
		bc := store.DefaultBadgerConfig(cfg.Path)
		bc.Logger = logger.Slog()
		bs, err := store.OpenBadger(bc)
		if err != nil {
			return nil, err
		}
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
