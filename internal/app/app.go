package app

import (
	"database/sql"
	"fmt"

	"warden/internal/analytics"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/events"
	"warden/internal/migrate"
	"warden/internal/pipeline"
	"warden/internal/registry"
	"warden/internal/remediator"
	"warden/internal/store"
)

// App wires the workspace-scoped components around one database handle.
// Every entry point (CLI command, HTTP server) builds one App and tears it
// down when done.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Bus       *events.Bus
	Store     *store.Store
	Registry  *registry.Registry
	Pipeline  *pipeline.Pipeline
	Analytics *analytics.Reader
}

// Open resolves the workspace config (falling back to defaults when no
// warden.yml exists), opens the database and applies pending migrations.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	bus := events.NewBus()
	st := store.New(conn, bus)
	reg := registry.New(conn, bus)
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Bus:       bus,
		Store:     st,
		Registry:  reg,
		Pipeline:  pipeline.New(st, reg, cfg),
		Analytics: analytics.New(st),
	}, nil
}

// Remediator builds the remediation controller from the loaded config. The
// caller owns its Run loop.
func (a *App) Remediator() *remediator.Controller {
	return remediator.New(a.Pipeline, a.Config.Remediation.AutoApproveSeverities, a.Config.Remediation.HistoryLimit)
}

func (a *App) Close() error {
	return a.DB.Close()
}
