package models

import "time"

// Station is the persisted identity of a charging station, refreshed on every BootNotification.
type Station struct {
	ID              string    `db:"id" json:"id"`
	Vendor          string    `db:"vendor" json:"vendor"`
	Model           string    `db:"model" json:"model"`
	SerialNumber    string    `db:"serial_number" json:"serialNumber,omitempty"`
	FirmwareVersion string    `db:"firmware_version" json:"firmwareVersion,omitempty"`
	Status          string    `db:"status" json:"status"`
	LastBootAt      time.Time `db:"last_boot_at" json:"lastBootAt"`
	LastSeenAt      time.Time `db:"last_seen_at" json:"lastSeenAt"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// FrameDirection tells which side sent a logged frame.
type FrameDirection string

const (
	FrameInbound  FrameDirection = "in"
	FrameOutbound FrameDirection = "out"
)

// FrameLogEntry is one OCPP frame as it crossed the wire.
type FrameLogEntry struct {
	StationID  string         `db:"station_id"`
	Direction  FrameDirection `db:"direction"`
	Event      string         `db:"event"`
	RequestID  string         `db:"request_id"`
	Action     string         `db:"action"`
	ErrorCode  string         `db:"error_code"`
	Payload    []byte         `db:"payload"`
	RecordedAt time.Time      `db:"recorded_at"`
}
