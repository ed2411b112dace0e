// Package app wires a workspace directory into a ready engine for the CLI and server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"govgate/internal/config"
	"govgate/internal/db"
	"govgate/internal/engine"
	"govgate/internal/ledger"
	"govgate/internal/migrate"
	"govgate/internal/notify"
)

// Workspace is an opened govgate workspace: config, database and engine.
type Workspace struct {
	Dir      string
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Ledger   ledger.Ledger
	Notifier *notify.Fanout
	Log      *zap.Logger
}

// Init writes a default govgate.yml naming owner and creates the database.
// An existing config is kept unless force is set.
func Init(ctx context.Context, dir, owner string, force bool) (*Workspace, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	path := config.Path(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(owner)), 0o644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	return Open(ctx, dir, nil)
}

// Open loads the workspace config, migrates the database and seeds policies and
// triggers the database does not know yet.
func Open(ctx context.Context, dir string, log *zap.Logger) (*Workspace, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	fanout := notify.FromConfig(cfg.Notifications, log.Named("notify"))
	e := engine.New(conn, cfg)
	e.Log = log.Named("engine")
	e.Notifier = fanout
	if err := e.SeedFromConfig(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed from config: %w", err)
	}
	return &Workspace{
		Dir:      dir,
		DB:       conn,
		Config:   cfg,
		Engine:   e,
		Ledger:   ledger.Ledger{DB: conn},
		Notifier: fanout,
		Log:      log,
	}, nil
}

// Close waits for in-flight alert deliveries and closes the database.
func (w *Workspace) Close() error {
	if w.Notifier != nil {
		w.Notifier.Wait()
	}
	return w.DB.Close()
}
