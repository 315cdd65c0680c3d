// Package app opens a workspace and wires the shared pieces the CLI
// commands need: database, repository and config.
package app

import (
	"database/sql"
	"fmt"

	"casahunt/internal/config"
	"casahunt/internal/db"
	"casahunt/internal/migrate"
	"casahunt/internal/repo"
)

// App is an opened workspace.
type App struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
}

// Open opens the workspace database, applies pending migrations and
// loads casahunt.yml, falling back to defaults when the file is
// missing.
func Open(workspace string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("config: %w", err)
	}
	return &App{
		Workspace: workspace,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
