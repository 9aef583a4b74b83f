package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/models"
	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// NewBootNotificationHandler records the station and accepts it with the configured heartbeat
// interval.
func NewBootNotificationHandler(deps Deps) ocpp.HandlerFunc {
	deps.withDefaults()
	return func(ctx context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.BootNotificationRequest](payload)
		if err != nil {
			return nil, err
		}
		if req.ChargePointVendor == "" || req.ChargePointModel == "" {
			return nil, ocpp.NewError(ocpp.OccurenceConstraintViolation, "chargePointVendor and chargePointModel are required", nil)
		}

		now := deps.Now().UTC()
		if deps.Stations != nil {
			serial := req.ChargePointSerialNumber
			if serial == "" {
				serial = req.ChargeBoxSerialNumber
			}
			station := &models.Station{
				ID:              stationID,
				Vendor:          req.ChargePointVendor,
				Model:           req.ChargePointModel,
				SerialNumber:    serial,
				FirmwareVersion: req.FirmwareVersion,
				Status:          string(protocol.ConnectorAvailable),
				LastBootAt:      now,
			}
			if err := deps.Stations.Upsert(ctx, station); err != nil {
				deps.Logger.Error("failed to upsert station", zap.String("station_id", stationID), zap.Error(err))
				return nil, err
			}
		}

		deps.State.RecordBoot(stationID, req)

		return protocol.BootNotificationResponse{
			CurrentTime: now,
			Interval:    int(deps.HeartbeatInterval.Seconds()),
			Status:      protocol.RegistrationAccepted,
		}, nil
	}
}
