package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/durable"
	"github.com/xraph/durable/api"
	audithook "github.com/xraph/durable/audit_hook"
	"github.com/xraph/durable/auth"
	"github.com/xraph/durable/cron"
	"github.com/xraph/durable/engine"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	return cmd
}

// serve runs until ctx is cancelled, then drains the HTTP server and the
// worker pool within the configured shutdown timeout.
func serve(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.Log)

	authenticator, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled() {
		logger.Warn("serving /v1 without authentication (auth.insecure is set)")
	}

	s, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}

	rt, err := durable.New(
		durable.WithStore(s),
		durable.WithConfig(cfg.runtimeConfig()),
		durable.WithLogger(logger),
	)
	if err != nil {
		_ = s.Close()
		return err
	}
	var engOpts []engine.Option
	if cfg.Audit.Enabled {
		engOpts = append(engOpts, engine.WithExtension(newAuditHook(cfg.Audit, logger)))
	}
	eng, err := engine.Build(rt, engOpts...)
	if err != nil {
		_ = s.Close()
		return err
	}
	if err := registerJobs(eng); err != nil {
		_ = s.Close()
		return fmt.Errorf("register jobs: %w", err)
	}

	handler := api.New(eng,
		api.WithAuthenticator(authenticator),
		api.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		api.WithLogger(logger),
	).Handler()

	entries, err := cfg.cronEntries()
	if err != nil {
		_ = s.Close()
		return err
	}
	sched := cron.NewScheduler(eng, logger)
	for _, e := range entries {
		if err := sched.Add(e); err != nil {
			_ = s.Close()
			return err
		}
	}

	if err := eng.Start(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	if len(entries) > 0 {
		if err := sched.Start(ctx); err != nil {
			_ = s.Close()
			return fmt.Errorf("start cron scheduler: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("http server failed", slog.String("error", serveErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Runtime.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if len(entries) > 0 {
		_ = sched.Stop(shutdownCtx)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("engine stop error", slog.String("error", err.Error()))
	}
	return serveErr
}

// errNoAuth is returned when serve has no credentials to check and
// auth.insecure is not set.
var errNoAuth = errors.New("no auth.api_keys or auth.jwt_secret configured; set auth.insecure to serve without authentication")

// buildAuthenticator combines the configured API keys and JWT secret. With
// neither configured it fails unless cfg.Insecure, in which case every
// request is anonymous and fully scoped.
func buildAuthenticator(cfg AuthConfig) (auth.Authenticator, error) {
	if !cfg.Enabled() {
		if !cfg.Insecure {
			return nil, errNoAuth
		}
		return &auth.NoopAuthenticator{}, nil
	}

	var auths []auth.Authenticator
	if len(cfg.APIKeys) > 0 {
		entries := make([]auth.APIKeyEntry, 0, len(cfg.APIKeys))
		for i, key := range cfg.APIKeys {
			entries = append(entries, auth.APIKeyEntry{
				Token:    key,
				Identity: auth.Identity{Subject: fmt.Sprintf("api-key-%d", i+1), Scopes: []string{auth.ScopeAll}},
			})
		}
		auths = append(auths, auth.NewAPIKeyAuthenticator(entries...))
	}
	if cfg.JWTSecret != "" {
		j, err := newJWT(cfg)
		if err != nil {
			return nil, err
		}
		auths = append(auths, j)
	}
	return auth.NewCompositeAuthenticator(auths...), nil
}

func newJWT(cfg AuthConfig) (*auth.JWTAuthenticator, error) {
	var opts []auth.JWTOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	j, err := auth.NewJWTAuthenticator(cfg.JWTSecret, opts...)
	if err != nil {
		return nil, fmt.Errorf("jwt authenticator: %w", err)
	}
	return j, nil
}

// newAuditHook records audit events as structured log lines under the
// "audit" logger group.
func newAuditHook(cfg AuditConfig, logger *slog.Logger) *audithook.Extension {
	auditLog := logger.WithGroup("audit")
	rec := audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case audithook.SeverityWarning:
			level = slog.LevelWarn
		case audithook.SeverityCritical:
			level = slog.LevelError
		}
		attrs := []any{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.Any("metadata", evt.Metadata),
		}
		auditLog.Log(ctx, level, evt.Category, attrs...)
		return nil
	})

	opts := []audithook.Option{audithook.WithLogger(logger)}
	if len(cfg.Actions) > 0 {
		opts = append(opts, audithook.WithActions(cfg.Actions...))
	}
	return audithook.New(rec, opts...)
}
