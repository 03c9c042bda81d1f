// Package app wires a workspace directory into a ready engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"clauseline/internal/blob"
	"clauseline/internal/config"
	"clauseline/internal/db"
	"clauseline/internal/engine"
	"clauseline/internal/migrate"
)

// Workspace is an opened workspace: database, config and engine.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open ensures the state directory, migrates the database, loads
// clauseline.yml when present and builds the engine with a local receipt store.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Receipts = blob.NewLocalStore(cfg.ReceiptsDir(dir), cfg.Server.MaxUploadBytes)
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
