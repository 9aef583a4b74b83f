package repository

import (
	"context"
	"database/sql"
	"errors"
)

// CredentialRepository stores bcrypt hashes of station Basic-auth passwords.
type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// PasswordHash returns the stored hash, or ErrNotFound for an unknown station.
func (r *CredentialRepository) PasswordHash(ctx context.Context, stationID string) (string, error) {
	const query = `SELECT password_hash FROM station_credentials WHERE station_id = $1`
	var hash string
	err := r.db.QueryRowContext(ctx, query, stationID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return hash, err
}

// SetPasswordHash creates or replaces the station's credential.
func (r *CredentialRepository) SetPasswordHash(ctx context.Context, stationID, hash string) error {
	const query = `
		INSERT INTO station_credentials (station_id, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (station_id) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, stationID, hash)
	return err
}
