package main

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp-tech/warpgate/internal/config"
	"github.com/warp-tech/warpgate/internal/identity"
)

// openStore loads cfg from path, opens its SQLite store, and returns a
// ready-to-use identity provider. Every subcommand that touches the
// durable store (serve, migrate, user, ticket, target) goes through this
// one path so schema creation (Init) never drifts between them.
func openStore(ctx context.Context, path string) (*config.Config, *sql.DB, *identity.SQLiteProvider, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	db, err := sql.Open("sqlite3", cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err, "opening store %q", cfg.Store.Path)
	}

	provider, err := identity.NewSQLiteProvider(identity.SQLiteProviderConfig{DB: db})
	if err != nil {
		db.Close()
		return nil, nil, nil, trace.Wrap(err)
	}
	if err := provider.Init(ctx); err != nil {
		db.Close()
		return nil, nil, nil, trace.Wrap(err)
	}

	return cfg, db, provider, nil
}
