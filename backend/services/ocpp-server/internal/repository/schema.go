package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS charging_stations (
		id               TEXT PRIMARY KEY,
		vendor           TEXT NOT NULL DEFAULT '',
		model            TEXT NOT NULL DEFAULT '',
		serial_number    TEXT NOT NULL DEFAULT '',
		firmware_version TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT '',
		last_boot_at     TIMESTAMPTZ,
		last_seen_at     TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS station_credentials (
		station_id    TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ocpp_frames (
		id          BIGSERIAL PRIMARY KEY,
		station_id  TEXT NOT NULL,
		direction   TEXT NOT NULL,
		event       TEXT NOT NULL,
		request_id  TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL DEFAULT '',
		error_code  TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ocpp_frames_station_idx ON ocpp_frames (station_id, recorded_at)`,
}

// EnsureSchema creates the tables used by the repositories when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: ensure schema: %w", err)
		}
	}
	return nil
}
