package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stationlink/backend/services/ocpp-server/internal/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// StationRepository manages charging station persistence.
type StationRepository struct {
	db *sql.DB
}

// NewStationRepository returns repository.
func NewStationRepository(db *sql.DB) *StationRepository {
	return &StationRepository{db: db}
}

// Upsert stores or refreshes station identification after a boot.
func (r *StationRepository) Upsert(ctx context.Context, station *models.Station) error {
	const query = `
		INSERT INTO charging_stations (id, vendor, model, serial_number, firmware_version, status, last_boot_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			model = EXCLUDED.model,
			serial_number = EXCLUDED.serial_number,
			firmware_version = EXCLUDED.firmware_version,
			status = EXCLUDED.status,
			last_boot_at = EXCLUDED.last_boot_at,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = NOW()
	`
	if station.LastBootAt.IsZero() {
		station.LastBootAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		station.ID,
		station.Vendor,
		station.Model,
		station.SerialNumber,
		station.FirmwareVersion,
		station.Status,
		station.LastBootAt,
	)
	return err
}

// UpdateStatus changes the station status and marks it as seen.
func (r *StationRepository) UpdateStatus(ctx context.Context, stationID, status string) error {
	const query = `
		UPDATE charging_stations
		SET status = $2,
		    last_seen_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, stationID, status)
	return err
}

// Get loads one station.
func (r *StationRepository) Get(ctx context.Context, stationID string) (*models.Station, error) {
	const query = `
		SELECT id, vendor, model, serial_number, firmware_version, status,
		       COALESCE(last_boot_at, created_at), COALESCE(last_seen_at, created_at), created_at, updated_at
		FROM charging_stations
		WHERE id = $1
	`
	var s models.Station
	err := r.db.QueryRowContext(ctx, query, stationID).Scan(
		&s.ID, &s.Vendor, &s.Model, &s.SerialNumber, &s.FirmwareVersion, &s.Status,
		&s.LastBootAt, &s.LastSeenAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
