package presence

import (
	"context"
	"fmt"

	"ergroom/internal/store"
)

// Open connects to the configured backend, migrates the schema and returns a
// repository over it. The caller owns the returned DB.
func Open(ctx context.Context, driver, sqlitePath, databaseURL string) (*Repository, *store.DB, error) {
	var (
		db  *store.DB
		d   Dialect
		err error
	)
	switch driver {
	case "sqlite":
		db, err = store.OpenSQLite(ctx, sqlitePath)
		d = SQLite
	case "postgres":
		db, err = store.NewDB(ctx, databaseURL)
		d = Postgres
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	repo := NewRepository(db.Client, d)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, db, nil
}
