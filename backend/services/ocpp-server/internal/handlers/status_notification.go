package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// NewStatusNotificationHandler updates connector status. Connector 0 reports the station as a
// whole and is also persisted.
func NewStatusNotificationHandler(deps Deps) ocpp.HandlerFunc {
	deps.withDefaults()
	return func(ctx context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.StatusNotificationRequest](payload)
		if err != nil {
			return nil, err
		}
		if req.ConnectorID < 0 {
			return nil, ocpp.NewError(ocpp.PropertyConstraintViolation,
				fmt.Sprintf("connectorId %d is negative", req.ConnectorID), nil)
		}
		if !req.Status.Valid() {
			return nil, ocpp.NewError(ocpp.PropertyConstraintViolation,
				fmt.Sprintf("unknown connector status %q", req.Status), nil)
		}

		deps.State.UpdateConnector(stationID, req.ConnectorID, req.Status, req.ErrorCode)

		if req.ConnectorID == 0 && deps.Stations != nil {
			if err := deps.Stations.UpdateStatus(ctx, stationID, string(req.Status)); err != nil {
				deps.Logger.Warn("failed to update station status", zap.String("station_id", stationID), zap.Error(err))
			}
		}

		return protocol.StatusNotificationResponse{}, nil
	}
}
