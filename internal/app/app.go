// Package app builds the service graph shared by the server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"template-ledger/internal/bundle"
	"template-ledger/internal/config"
	"template-ledger/internal/dispatch"
	"template-ledger/internal/extractor"
	"template-ledger/internal/keylock"
	"template-ledger/internal/ledger"
	"template-ledger/internal/objectstore"
	"template-ledger/internal/sharing"
	"template-ledger/internal/sqlstore"
	"template-ledger/internal/storage"
	"template-ledger/internal/suggest"
	"template-ledger/internal/templatemanager"
	"template-ledger/internal/templating"
	"template-ledger/pkg/fsutils"
)

// ErrBackupsDisabled is returned by Backups when no object store endpoint is configured.
var ErrBackupsDisabled = errors.New("object storage is not configured (objectstore.endpoint)")

// Services holds every component wired over one store and one lock guard.
type Services struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     storage.DataStore
	Guard     *keylock.Guard
	Templates *templatemanager.Manager
	Ledger    *ledger.Ledger
	Shares    *sharing.Registry
	Suggest   *suggest.Engine
	Importer  *bundle.Importer

	// Recovered lists templates whose interrupted restore was completed on open.
	Recovered []string
}

// NewLogger builds a text or JSON slog logger at the configured level.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenStore opens the configured backend. For the JSON backend it also
// returns the templates whose pending restore journal was replayed.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.DataStore, []string, error) {
	switch cfg.Backend {
	case config.BackendJSON:
		store, err := storage.NewJSONStore(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Recovered(), nil
	case config.BackendSQLite, config.BackendPostgres:
		sqlCfg := sqlstore.Config{
			Backend:      sqlstore.BackendSQLite,
			DSN:          cfg.SQLitePath,
			PingTimeout:  cfg.PingTimeout,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxOpenConns / 2,
		}
		if cfg.Backend == config.BackendPostgres {
			sqlCfg.Backend = sqlstore.BackendPostgres
			sqlCfg.DSN = cfg.PostgresURL
			sqlCfg.ConnMaxLifetime = 30 * time.Minute
		} else if err := fsutils.CreateDir(filepath.Dir(cfg.SQLitePath)); err != nil {
			return nil, nil, fmt.Errorf("creating database directory: %w", err)
		}
		store, err := sqlstore.Open(ctx, sqlCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// New opens the store and wires the services around it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mode, err := keylock.ParseMode(cfg.Locking.Mode)
	if err != nil {
		return nil, err
	}

	store, recovered, err := OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}

	guard := keylock.NewGuard(mode)
	svc := &Services{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Guard:  guard,
		Templates: templatemanager.NewManager(store,
			templatemanager.WithLogger(logger.With("component", "templates")),
			templatemanager.WithGuard(guard),
			templatemanager.WithExtractor(extractor.NewCSVExtractor()),
			templatemanager.WithRenderer(templating.NewEngine(cfg.Preview.TemplateDir)),
			templatemanager.WithDispatcher(dispatch.NewLogDispatcher(logger.With("component", "dispatch"))),
		),
		Ledger:    ledger.New(store, ledger.WithLogger(logger.With("component", "ledger")), ledger.WithGuard(guard)),
		Shares:    sharing.New(store, sharing.WithLogger(logger.With("component", "sharing")), sharing.WithGuard(guard)),
		Suggest:   suggest.New(store, logger.With("component", "suggest")),
		Importer:  bundle.NewImporter(store, guard, logger.With("component", "bundle")),
		Recovered: recovered,
	}
	logger.Info("Services ready", "backend", cfg.Storage.Backend, "locking", string(mode))
	return svc, nil
}

// Backups returns an object store client for bundle push/pull.
func (s *Services) Backups(ctx context.Context) (*objectstore.Client, error) {
	if !s.Config.ObjectStore.Enabled() {
		return nil, ErrBackupsDisabled
	}
	client, err := objectstore.New(s.Config.ObjectStore, s.Logger.With("component", "objectstore"))
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Services) Close() error {
	return s.Store.Close()
}
