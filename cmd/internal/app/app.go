// Package app wires the stash server runtime: config, logging, storage, HTTP routes and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stash/cmd/identity"
	"stash/cmd/internal/assets"
	"stash/cmd/internal/auth/session"
	"stash/cmd/internal/httpapi"
	"stash/cmd/internal/metrics"
	"stash/cmd/internal/profile"
	"stash/cmd/security/password"
)

// App is the stash server runtime. It owns the store and the HTTP handler chain.
type App struct {
	cfg Config
	log Logger

	store   identity.Store
	handler http.Handler
}

// New constructs a fully wired App from cfg. Service tunables are read from
// their own STASH_* variables.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	hasher, err := TokenHasher(cfg, log)
	if err != nil {
		return nil, err
	}
	passwords, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	assetCfg, err := assets.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	apiCfg, err := httpapi.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	var (
		gatherer  prometheus.Gatherer
		obs       HTTPObserver
		sessOpts  = []session.Option{session.WithLogger(log)}
		assetOpts = []assets.Option{assets.WithLogger(log)}
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := metrics.New(reg)
		if err != nil {
			return nil, err
		}
		gatherer, obs = reg, m
		sessOpts = append(sessOpts, session.WithRecorder(m))
		assetOpts = append(assetOpts, assets.WithRecorder(m))
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewService(sessCfg, store, passwords, hasher, sessOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	assetSvc, err := assets.NewService(assetCfg, store, assetOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	profiles := profile.NewService(store, passwords, profile.WithLogger(log))

	api, err := httpapi.NewHandler(log, apiCfg, sessions, assetSvc, profiles)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("api handler: %w", err)
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, store, gatherer, api)

	// Outermost first: request id, panic recovery, CORS and headers, then
	// logging directly around the mux so it can read the matched pattern.
	var h http.Handler = WithRequestLogging(mux, log, obs)
	h = WithSecurityHeaders(h)
	h = WithCORS(h, cfg, log)
	h = WithRecover(h, log)
	h = WithRequestID(h)

	log.Info("app.ready",
		"storage", cfg.Storage,
		"token_hmac", hasher.HMAC(),
		"password_algo", string(passwords.Algorithm),
		"session_expiry", sessCfg.Expiry.String(),
		"asset_max_bytes", assetCfg.MaxBytes,
		"metrics", cfg.MetricsEnabled,
	)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		handler: h,
	}, nil
}

// Handler returns the full middleware chain around the route mux.
func (a *App) Handler() http.Handler { return a.handler }

// Close releases the store.
func (a *App) Close() error { return a.store.Close() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "base_url", runtimeBaseURL(a.cfg.HTTPAddr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		_ = a.Close()
		return err
	}

	if err := a.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
