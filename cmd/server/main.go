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

	"github.com/spf13/pflag"

	"template-ledger/internal/app"
	"template-ledger/internal/auth"
	"template-ledger/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// 1. Flags, bound into viper so they override file and environment
	fs := pflag.NewFlagSet("template-ledger-server", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a TOML config file")
	fs.String("addr", ":8080", "address to listen on")
	fs.String("storage-backend", config.BackendJSON, "storage backend: json, sqlite or postgres")
	fs.String("storage-path", "./data", "data directory for the json backend")
	fs.String("auth-mode", auth.ModeNone, "authentication: none, header or oidc")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	v := config.NewViper()
	for key, flag := range map[string]string{
		"server.addr":     "addr",
		"storage.backend": "storage-backend",
		"storage.path":    "storage-path",
		"auth.mode":       "auth-mode",
		"log.level":       "log-level",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}

	cfg, err := config.Load(v, *configFile)
	if err != nil {
		return err
	}

	// 2. Logger and services
	logger := app.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	authn, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	api := &application{
		logger:         logger,
		svc:            svc,
		authn:          authn,
		enforce:        cfg.Auth.Enforcing(),
		requestTimeout: cfg.Server.RequestTimeout,
	}
	if cfg.Server.ValidateRequests {
		doc, err := loadOpenAPI(ctx)
		if err != nil {
			return err
		}
		api.openapi = doc
	}

	// 3. Serve until interrupted
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", cfg.Server.Addr, "backend", cfg.Storage.Backend, "auth", cfg.Auth.Mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
