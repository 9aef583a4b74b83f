package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stationlink/backend/services/ocpp-server/internal/models"
)

// FrameLogRepository stores raw OCPP frames.
type FrameLogRepository struct {
	db *sql.DB
}

// NewFrameLogRepository ctor.
func NewFrameLogRepository(db *sql.DB) *FrameLogRepository {
	return &FrameLogRepository{db: db}
}

// SaveBatch stores entries with a single multi-row insert.
func (r *FrameLogRepository) SaveBatch(ctx context.Context, entries []models.FrameLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const columns = 8
	var b strings.Builder
	b.WriteString(`INSERT INTO ocpp_frames (station_id, direction, event, request_id, action, error_code, payload, recorded_at) VALUES `)
	args := make([]interface{}, 0, len(entries)*columns)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * columns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, e.StationID, string(e.Direction), e.Event, e.RequestID, e.Action, e.ErrorCode, string(e.Payload), e.RecordedAt)
	}

	_, err := r.db.ExecContext(ctx, b.String(), args...)
	return err
}

// Recent returns the latest frames of a station, newest first.
func (r *FrameLogRepository) Recent(ctx context.Context, stationID string, limit int) ([]models.FrameLogEntry, error) {
	const query = `
		SELECT station_id, direction, event, request_id, action, error_code, payload, recorded_at
		FROM ocpp_frames
		WHERE station_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.FrameLogEntry
	for rows.Next() {
		var e models.FrameLogEntry
		var direction, payload string
		if err := rows.Scan(&e.StationID, &direction, &e.Event, &e.RequestID, &e.Action, &e.ErrorCode, &payload, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Direction = models.FrameDirection(direction)
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
