package db

import (
	"context"
	"database/sql"
	"fmt"

	libdb "stationlink/backend/libs/db"
	"stationlink/backend/services/ocpp-server/internal/repository"
)

// NewPostgres opens the shared pool and makes sure the service tables exist.
func NewPostgres(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	conn, err := libdb.NewPostgresDB(dsn, libdb.PoolOptions{MaxOpenConns: maxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	if err := repository.EnsureSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: ensure schema: %w", err)
	}
	return conn, nil
}
