package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for either Postgres (pgx) or SQLite.
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB creates a Postgres connection and refuses servers running with
// synchronous_commit=off, since an acknowledged toggle must survive a crash.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	var syncCommit string
	if err := db.QueryRowContext(pingCtx, "SHOW synchronous_commit").Scan(&syncCommit); err != nil {
		db.Close()
		return nil, fmt.Errorf("read synchronous_commit: %w", err)
	}
	if syncCommit == "off" {
		db.Close()
		return nil, fmt.Errorf("synchronous_commit is off; presence writes would not be durable")
	}
	return &DB{Client: db, Driver: "postgres"}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy verifies database connectivity.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}
